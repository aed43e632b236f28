package domain

import (
	"sort"

	"github.com/shopspring/decimal"
)

type RequisitionStatus string

const (
	RequisitionPending   RequisitionStatus = "pending"
	RequisitionSeparated RequisitionStatus = "separated"
	RequisitionDelivered RequisitionStatus = "delivered"
	RequisitionCancelled RequisitionStatus = "cancelled"
)

type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemSeparated ItemStatus = "separated"
	ItemDelivered ItemStatus = "delivered"
	ItemShortage  ItemStatus = "shortage"
	ItemCancelled ItemStatus = "cancelled"
)

// Terminal reports whether no further item transition is possible.
func (s ItemStatus) Terminal() bool {
	return s == ItemShortage || s == ItemCancelled || s == ItemDelivered
}

type Requisition struct {
	ID                   string            `json:"id"`
	Number               int64             `json:"number"`
	StoreID              string            `json:"store_id"`
	Sector               string            `json:"sector"`
	RequesterID          string            `json:"requester_id"`
	Status               RequisitionStatus `json:"status" enum:"pending,separated,delivered,cancelled"`
	Observations         string            `json:"observations,omitempty"`
	ExpectedDeliveryDate *string           `json:"expected_delivery_date,omitempty"`
	Shift                string            `json:"shift,omitempty"`
	CreatedAt            string            `json:"created_at" format:"date-time"`
	SeparatedAt          *string           `json:"separated_at,omitempty" format:"date-time"`
	DeliveredAt          *string           `json:"delivered_at,omitempty" format:"date-time"`
	ConfirmedAt          *string           `json:"confirmed_at,omitempty" format:"date-time"`
	CancelledAt          *string           `json:"cancelled_at,omitempty" format:"date-time"`
	SeparationActorID    *string           `json:"separation_actor_id,omitempty"`
	DeliveryActorID      *string           `json:"delivery_actor_id,omitempty"`
	Version              int64             `json:"version"`
}

// ProductSnapshot is copied onto an item at creation and never refreshed.
type ProductSnapshot struct {
	Name     string `json:"product_name"`
	Unit     string `json:"unit"`
	Category string `json:"category,omitempty"`
	Code     string `json:"code,omitempty"`
	Barcode  string `json:"barcode,omitempty"`
}

type RequisitionItem struct {
	ID            string `json:"id"`
	RequisitionID string `json:"requisition_id"`
	ProductID     string `json:"product_id"`
	ProductSnapshot
	RequestedQty decimal.Decimal `json:"requested_qty"`
	SeparatedQty decimal.Decimal `json:"separated_qty"`
	DeliveredQty decimal.Decimal `json:"delivered_qty"`
	Status       ItemStatus      `json:"status" enum:"pending,separated,delivered,shortage,cancelled"`
	Observations string          `json:"observations,omitempty"`
	SeparatedAt  *string         `json:"separated_at,omitempty" format:"date-time"`
	DeliveredAt  *string         `json:"delivered_at,omitempty" format:"date-time"`
	Version      int64           `json:"version"`
}

// Aggregate is a requisition header together with all of its items.
type Aggregate struct {
	Requisition
	Items []RequisitionItem `json:"items"`
}

// Item returns the item with the given id, or nil.
func (a *Aggregate) Item(id string) *RequisitionItem {
	for i := range a.Items {
		if a.Items[i].ID == id {
			return &a.Items[i]
		}
	}
	return nil
}

// SortItems orders items by product name, then id, for stable output.
func (a *Aggregate) SortItems() {
	sort.SliceStable(a.Items, func(i, j int) bool {
		if a.Items[i].Name != a.Items[j].Name {
			return a.Items[i].Name < a.Items[j].Name
		}
		return a.Items[i].ID < a.Items[j].ID
	})
}

type Store struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Product struct {
	ID        string `json:"id"`
	StoreID   string `json:"store_id"`
	Name      string `json:"name"`
	Unit      string `json:"unit"`
	Category  string `json:"category,omitempty"`
	Code      string `json:"code,omitempty"`
	Barcode   string `json:"barcode,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Snapshot returns the attributes copied onto requisition items.
func (p Product) Snapshot() ProductSnapshot {
	return ProductSnapshot{
		Name:     p.Name,
		Unit:     p.Unit,
		Category: p.Category,
		Code:     p.Code,
		Barcode:  p.Barcode,
	}
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	StoreID    string `json:"store_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Stats is a read-only projection; it is never persisted.
type Stats struct {
	StoreID              string         `json:"store_id"`
	Pending              int            `json:"pending"`
	Separated            int            `json:"separated"`
	Delivered            int            `json:"delivered"`
	Cancelled            int            `json:"cancelled"`
	AwaitingConfirmation int            `json:"awaiting_confirmation"`
	Items                map[string]int `json:"items"`
	Mine                 *ActorStats    `json:"mine,omitempty"`
}

type ActorStats struct {
	ActorID              string `json:"actor_id"`
	Pending              int    `json:"pending"`
	Separated            int    `json:"separated"`
	Delivered            int    `json:"delivered"`
	Cancelled            int    `json:"cancelled"`
	AwaitingConfirmation int    `json:"awaiting_confirmation"`
}
