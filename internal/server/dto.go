package server

import (
	"github.com/shopspring/decimal"

	"stockreq/internal/domain"
	"stockreq/internal/engine"
)

// Request payloads. Quantities travel as decimal strings so no precision is
// lost between client and store.

type CreateItemRequest struct {
	ProductID    string `json:"product_id" minLength:"1"`
	Quantity     string `json:"quantity" example:"2.5"`
	Observations string `json:"observations,omitempty"`
}

type CreateRequisitionRequest struct {
	Sector               string              `json:"sector,omitempty"`
	RequesterID          string              `json:"requester_id,omitempty" doc:"Defaults to the caller; requires administer when different"`
	Observations         string              `json:"observations,omitempty"`
	ExpectedDeliveryDate string              `json:"expected_delivery_date,omitempty" example:"2026-03-01"`
	Shift                string              `json:"shift,omitempty"`
	Items                []CreateItemRequest `json:"items"`
}

type VersionRequest struct {
	ExpectedVersion int64 `json:"expected_version,omitempty" doc:"Reject the change when the current version differs; 0 skips the check"`
}

type SeparateItemRequest struct {
	Quantity        string `json:"quantity" example:"1.5"`
	Observations    string `json:"observations,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type ItemNoteRequest struct {
	Observations    string `json:"observations,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type CancelRequisitionRequest struct {
	Reason          string `json:"reason,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type AdjustQuantityRequest struct {
	NewQuantity     string `json:"new_quantity" example:"3"`
	Justification   string `json:"justification"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type AddProductRequest struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Unit     string `json:"unit"`
	Category string `json:"category,omitempty"`
	Code     string `json:"code,omitempty"`
	Barcode  string `json:"barcode,omitempty"`
}

type RoleRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type ItemResponse struct {
	ID            string  `json:"id"`
	RequisitionID string  `json:"requisition_id"`
	ProductID     string  `json:"product_id"`
	ProductName   string  `json:"product_name"`
	Unit          string  `json:"unit"`
	Category      string  `json:"category,omitempty"`
	Code          string  `json:"code,omitempty"`
	Barcode       string  `json:"barcode,omitempty"`
	RequestedQty  string  `json:"requested_qty"`
	SeparatedQty  string  `json:"separated_qty"`
	DeliveredQty  string  `json:"delivered_qty"`
	Status        string  `json:"status" enum:"pending,separated,delivered,shortage,cancelled"`
	Observations  string  `json:"observations,omitempty"`
	SeparatedAt   *string `json:"separated_at,omitempty"`
	DeliveredAt   *string `json:"delivered_at,omitempty"`
	Version       int64   `json:"version"`
}

type RequisitionResponse struct {
	ID                   string         `json:"id"`
	Number               int64          `json:"number"`
	StoreID              string         `json:"store_id"`
	Sector               string         `json:"sector"`
	RequesterID          string         `json:"requester_id"`
	Status               string         `json:"status" enum:"pending,separated,delivered,cancelled"`
	Observations         string         `json:"observations,omitempty"`
	ExpectedDeliveryDate *string        `json:"expected_delivery_date,omitempty"`
	Shift                string         `json:"shift,omitempty"`
	CreatedAt            string         `json:"created_at"`
	SeparatedAt          *string        `json:"separated_at,omitempty"`
	DeliveredAt          *string        `json:"delivered_at,omitempty"`
	ConfirmedAt          *string        `json:"confirmed_at,omitempty"`
	CancelledAt          *string        `json:"cancelled_at,omitempty"`
	SeparationActorID    *string        `json:"separation_actor_id,omitempty"`
	DeliveryActorID      *string        `json:"delivery_actor_id,omitempty"`
	Version              int64          `json:"version"`
	Items                []ItemResponse `json:"items"`
}

type paginatedRequisitions struct {
	Items      []RequisitionResponse `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	StoreID    string `json:"store_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type MeResponse struct {
	ActorID      string   `json:"actor_id"`
	Source       string   `json:"source"`
	StoreID      string   `json:"store_id,omitempty"`
	Roles        []string `json:"roles"`
	Capabilities []string `json:"capabilities"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func parseQuantity(field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Decimal{}, engine.ValidationError{Field: field, Reason: "required"}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, engine.ValidationError{Field: field, Reason: "not a decimal number"}
	}
	return d, nil
}

func itemResponse(it domain.RequisitionItem) ItemResponse {
	return ItemResponse{
		ID:            it.ID,
		RequisitionID: it.RequisitionID,
		ProductID:     it.ProductID,
		ProductName:   it.Name,
		Unit:          it.Unit,
		Category:      it.Category,
		Code:          it.Code,
		Barcode:       it.Barcode,
		RequestedQty:  it.RequestedQty.String(),
		SeparatedQty:  it.SeparatedQty.String(),
		DeliveredQty:  it.DeliveredQty.String(),
		Status:        string(it.Status),
		Observations:  it.Observations,
		SeparatedAt:   it.SeparatedAt,
		DeliveredAt:   it.DeliveredAt,
		Version:       it.Version,
	}
}

func requisitionResponse(agg domain.Aggregate) RequisitionResponse {
	h := agg.Requisition
	res := RequisitionResponse{
		ID:                   h.ID,
		Number:               h.Number,
		StoreID:              h.StoreID,
		Sector:               h.Sector,
		RequesterID:          h.RequesterID,
		Status:               string(h.Status),
		Observations:         h.Observations,
		ExpectedDeliveryDate: h.ExpectedDeliveryDate,
		Shift:                h.Shift,
		CreatedAt:            h.CreatedAt,
		SeparatedAt:          h.SeparatedAt,
		DeliveredAt:          h.DeliveredAt,
		ConfirmedAt:          h.ConfirmedAt,
		CancelledAt:          h.CancelledAt,
		SeparationActorID:    h.SeparationActorID,
		DeliveryActorID:      h.DeliveryActorID,
		Version:              h.Version,
		Items:                make([]ItemResponse, 0, len(agg.Items)),
	}
	for _, it := range agg.Items {
		res.Items = append(res.Items, itemResponse(it))
	}
	return res
}

func mapRequisitions(items []domain.Aggregate) []RequisitionResponse {
	res := make([]RequisitionResponse, 0, len(items))
	for _, agg := range items {
		res = append(res, requisitionResponse(agg))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		StoreID:    e.StoreID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
