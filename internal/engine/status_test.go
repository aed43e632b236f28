package engine

import (
	"testing"

	"github.com/shopspring/decimal"

	"stockreq/internal/domain"
	"stockreq/internal/engine/auth"
)

func items(statuses ...domain.ItemStatus) []domain.RequisitionItem {
	out := make([]domain.RequisitionItem, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, domain.RequisitionItem{Status: s})
	}
	return out
}

func TestDeriveStatus(t *testing.T) {
	delivered := "2024-01-01T00:00:00Z"
	cases := []struct {
		name   string
		header domain.Requisition
		items  []domain.RequisitionItem
		want   domain.RequisitionStatus
	}{
		{"all pending", domain.Requisition{Status: domain.RequisitionPending}, items(domain.ItemPending, domain.ItemPending), domain.RequisitionPending},
		{"one pending", domain.Requisition{Status: domain.RequisitionPending}, items(domain.ItemSeparated, domain.ItemPending), domain.RequisitionPending},
		{"resolved", domain.Requisition{Status: domain.RequisitionPending}, items(domain.ItemSeparated, domain.ItemShortage, domain.ItemCancelled), domain.RequisitionSeparated},
		{"all cancelled", domain.Requisition{Status: domain.RequisitionPending}, items(domain.ItemCancelled), domain.RequisitionSeparated},
		{"delivered", domain.Requisition{Status: domain.RequisitionSeparated, DeliveredAt: &delivered}, items(domain.ItemDelivered, domain.ItemShortage), domain.RequisitionDelivered},
		{"cancelled sticky", domain.Requisition{Status: domain.RequisitionCancelled}, items(domain.ItemPending), domain.RequisitionCancelled},
		{"cancelled after delivery", domain.Requisition{Status: domain.RequisitionCancelled, DeliveredAt: &delivered}, items(domain.ItemDelivered), domain.RequisitionCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveStatus(tc.header, tc.items)
			if got != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
			h := tc.header
			h.Status = got
			if again := DeriveStatus(h, tc.items); again != got {
				t.Fatalf("not idempotent: %s then %s", got, again)
			}
		})
	}
}

func TestQuantityRules(t *testing.T) {
	rules := QuantityRules{MaxDecimalPlaces: 2}
	d := decimal.RequireFromString
	if err := rules.CheckRequested(d("0.01")); err != nil {
		t.Fatalf("0.01 should pass: %v", err)
	}
	if err := rules.CheckRequested(d("0.001")); err == nil {
		t.Fatalf("third decimal place should fail")
	}
	if err := rules.CheckRequested(d("1.500")); err != nil {
		t.Fatalf("trailing zeros are not extra precision: %v", err)
	}
	it := domain.RequisitionItem{ID: "i", RequestedQty: d("5"), SeparatedQty: d("4"), DeliveredQty: d("4"), Status: domain.ItemSeparated}
	if err := rules.CheckSeparation(it, d("5")); err != nil {
		t.Fatalf("separate full amount: %v", err)
	}
	if err := rules.CheckSeparation(it, d("5.01")); err == nil {
		t.Fatalf("over-separation should fail")
	}
	if err := rules.CheckAdjustInput(d("3"), ""); err == nil {
		t.Fatalf("empty justification should fail")
	}
	if err := rules.CheckAdjustInput(d("-1"), "why"); err == nil {
		t.Fatalf("negative quantity should fail")
	}

	h := domain.Requisition{}
	w, err := AdjustWindow(h, it)
	if err != nil || w != auth.WindowPreDelivery {
		t.Fatalf("separated item: %v %v", w, err)
	}
	if err := CheckAdjustBounds(w, it, d("3.99")); Classify(err) != KindValidation {
		t.Fatalf("below separated should fail, got %v", err)
	}
	it.Status = domain.ItemDelivered
	w, err = AdjustWindow(h, it)
	if err != nil || w != auth.WindowPostDelivery {
		t.Fatalf("delivered item: %v %v", w, err)
	}
	if err := CheckAdjustBounds(w, it, d("4.01")); Classify(err) != KindValidation {
		t.Fatalf("above delivered should fail, got %v", err)
	}
	if err := CheckAdjustBounds(w, it, d("3")); Classify(err) != KindValidation {
		t.Fatalf("below delivered would leave separated above requested, got %v", err)
	}
	if err := CheckAdjustBounds(w, it, d("4")); err != nil {
		t.Fatalf("settling on the delivered amount: %v", err)
	}
	confirmed := "2024-01-02T00:00:00Z"
	h.ConfirmedAt = &confirmed
	if _, err := AdjustWindow(h, it); Classify(err) != KindConflict {
		t.Fatalf("confirmed requisition should conflict, got %v", err)
	}
	it.Status = domain.ItemShortage
	if _, err := AdjustWindow(domain.Requisition{}, it); Classify(err) != KindConflict {
		t.Fatalf("shortage item should conflict, got %v", err)
	}
}

func TestProjectStats(t *testing.T) {
	confirmed := "2024-01-02T00:00:00Z"
	aggs := []domain.Aggregate{
		{Requisition: domain.Requisition{RequesterID: "ana", Status: domain.RequisitionPending}, Items: items(domain.ItemPending)},
		{Requisition: domain.Requisition{RequesterID: "ana", Status: domain.RequisitionDelivered}, Items: items(domain.ItemDelivered, domain.ItemShortage)},
		{Requisition: domain.Requisition{RequesterID: "bob", Status: domain.RequisitionDelivered, ConfirmedAt: &confirmed}, Items: items(domain.ItemDelivered)},
		{Requisition: domain.Requisition{RequesterID: "bob", Status: domain.RequisitionSeparated}, Items: items(domain.ItemSeparated)},
	}
	s := ProjectStats("s1", aggs, "ana")
	if s.Pending != 1 || s.Separated != 1 || s.Delivered != 2 || s.AwaitingConfirmation != 1 || s.Cancelled != 0 {
		t.Fatalf("unexpected counts %+v", s)
	}
	if s.Items["delivered"] != 2 || s.Items["shortage"] != 1 || s.Items["cancelled"] != 0 {
		t.Fatalf("unexpected item counts %v", s.Items)
	}
	if s.Mine == nil || s.Mine.Pending != 1 || s.Mine.Delivered != 1 || s.Mine.AwaitingConfirmation != 1 || s.Mine.Separated != 0 {
		t.Fatalf("unexpected mine %+v", s.Mine)
	}
	if ProjectStats("s1", nil, "").Mine != nil {
		t.Fatalf("mine should be omitted without an actor")
	}
}
