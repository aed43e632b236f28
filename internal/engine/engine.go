package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stockreq/internal/config"
	"stockreq/internal/domain"
	"stockreq/internal/engine/auth"
	"stockreq/internal/events"
	"stockreq/internal/repo"
)

// Store persists requisition aggregates. Every write is atomic and
// versioned; there is no delete.
type Store interface {
	CreateAggregate(ctx context.Context, agg domain.Aggregate, evt events.Entry) (domain.Aggregate, error)
	GetByID(ctx context.Context, id string) (domain.Aggregate, error)
	GetItem(ctx context.Context, itemID string) (domain.RequisitionItem, error)
	ListByFilter(ctx context.Context, f repo.RequisitionFilter) ([]domain.Aggregate, error)
	UpdateHeader(ctx context.Context, h domain.Requisition, evt events.Entry) error
	UpdateItem(ctx context.Context, it domain.RequisitionItem, evt events.Entry) error
	UpdateMany(ctx context.Context, h domain.Requisition, items []domain.RequisitionItem, evt events.Entry) error
}

// Catalog supplies the product attributes snapshotted onto items.
type Catalog interface {
	GetProduct(ctx context.Context, storeID, id string) (domain.Product, error)
}

type CapabilityResolver interface {
	Resolve(ctx context.Context, storeID, actorID string) (domain.Actor, error)
}

type RoleStore interface {
	RoleExists(ctx context.Context, storeID, roleID string) (bool, error)
	GrantRole(ctx context.Context, storeID, actorID, roleID, now string, evt events.Entry) error
	RevokeRole(ctx context.Context, storeID, actorID, roleID string, evt events.Entry) error
}

// Metrics observes every engine operation.
type Metrics interface {
	Observe(op string, outcome string, d time.Duration)
}

type Engine struct {
	Store   Store
	Catalog Catalog
	Auth    CapabilityResolver
	Roles   RoleStore
	Metrics Metrics
	Rules   QuantityRules
	Logger  *log.Logger
	Now     func() time.Time
}

// New wires an engine to the SQLite repository.
func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	places := int32(config.DefaultMaxDecimalPlaces)
	if cfg != nil {
		places = int32(cfg.Quantities.MaxDecimalPlaces)
	}
	return Engine{
		Store:   r,
		Catalog: r,
		Auth:    auth.Service{Roles: r},
		Roles:   r,
		Rules:   QuantityRules{MaxDecimalPlaces: places},
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) track(op string, start time.Time, errp *error) {
	kind := Classify(*errp)
	if kind == KindStore || kind == KindUnknown {
		e.logger().Printf("engine: %s failed: %v", op, *errp)
	}
	if e.Metrics != nil {
		e.Metrics.Observe(op, string(kind), time.Since(start))
	}
}

func (e Engine) resolve(ctx context.Context, storeID, actorID string) (domain.Actor, error) {
	a, err := e.Auth.Resolve(ctx, storeID, actorID)
	if err != nil {
		return domain.Actor{}, StoreError{Op: "resolve capabilities", Err: err}
	}
	return a, nil
}

func requireActor(actorID string) error {
	if strings.TrimSpace(actorID) == "" {
		return ValidationError{Field: "actor_id", Reason: "required"}
	}
	return nil
}

func checkVersion(entity, id string, expected, actual int64) error {
	if expected != 0 && expected != actual {
		return StateConflictError{Entity: entity, ID: id, Reason: fmt.Sprintf("version %d is stale (current %d)", expected, actual)}
	}
	return nil
}

// ItemRequest is one line of a new requisition.
type ItemRequest struct {
	ProductID    string
	Quantity     decimal.Decimal
	Observations string
}

type CreateRequisitionOptions struct {
	ActorID string
	StoreID string
	Sector  string
	// RequesterID defaults to ActorID. Only administrators may request on
	// behalf of someone else.
	RequesterID          string
	Observations         string
	ExpectedDeliveryDate string
	Shift                string
	Items                []ItemRequest
}

func (e Engine) CreateRequisition(ctx context.Context, opts CreateRequisitionOptions) (agg domain.Aggregate, err error) {
	defer e.track(string(auth.OpCreateRequisition), time.Now(), &err)
	if err := requireActor(opts.ActorID); err != nil {
		return agg, err
	}
	if opts.RequesterID == "" {
		opts.RequesterID = opts.ActorID
	}
	sector := strings.TrimSpace(opts.Sector)
	switch {
	case strings.TrimSpace(opts.StoreID) == "":
		return agg, ValidationError{Field: "store_id", Reason: "required"}
	case sector == "":
		return agg, ValidationError{Field: "sector", Reason: "required"}
	case len(opts.Items) == 0:
		return agg, ValidationError{Field: "items", Reason: "at least one item required"}
	}
	if opts.ExpectedDeliveryDate != "" {
		if _, err := time.Parse("2006-01-02", opts.ExpectedDeliveryDate); err != nil {
			return agg, ValidationError{Field: "expected_delivery_date", Reason: "must be YYYY-MM-DD"}
		}
	}
	seen := map[string]bool{}
	for i, line := range opts.Items {
		if strings.TrimSpace(line.ProductID) == "" {
			return agg, ValidationError{Field: fmt.Sprintf("items[%d].product_id", i), Reason: "required"}
		}
		if seen[line.ProductID] {
			return agg, ValidationError{Field: fmt.Sprintf("items[%d].product_id", i), Reason: "duplicate product " + line.ProductID}
		}
		seen[line.ProductID] = true
		if err := e.Rules.CheckRequested(line.Quantity); err != nil {
			var verr ValidationError
			if errors.As(err, &verr) {
				verr.Field = fmt.Sprintf("items[%d].%s", i, verr.Field)
				return agg, verr
			}
			return agg, err
		}
	}

	actor, err := e.resolve(ctx, opts.StoreID, opts.ActorID)
	if err != nil {
		return agg, err
	}
	if err := auth.Authorize(auth.Check{Operation: auth.OpCreateRequisition, Actor: actor}); err != nil {
		return agg, err
	}
	if opts.RequesterID != actor.ID && !actor.Capabilities.Has(domain.CapAdminister) {
		return agg, auth.PermissionError{Operation: auth.OpCreateRequisition, ActorID: actor.ID, Reason: "only administrators may request on behalf of another actor"}
	}

	now := e.stamp()
	reqID := uuid.NewString()
	agg.Requisition = domain.Requisition{
		ID:           reqID,
		StoreID:      opts.StoreID,
		Sector:       sector,
		RequesterID:  opts.RequesterID,
		Status:       domain.RequisitionPending,
		Observations: strings.TrimSpace(opts.Observations),
		Shift:        strings.TrimSpace(opts.Shift),
		CreatedAt:    now,
		Version:      1,
	}
	if opts.ExpectedDeliveryDate != "" {
		d := opts.ExpectedDeliveryDate
		agg.ExpectedDeliveryDate = &d
	}
	for _, line := range opts.Items {
		p, err := e.Catalog.GetProduct(ctx, opts.StoreID, line.ProductID)
		if err != nil {
			return domain.Aggregate{}, storeErr("get product", "product", line.ProductID, err)
		}
		agg.Items = append(agg.Items, domain.RequisitionItem{
			ID:              uuid.NewString(),
			RequisitionID:   reqID,
			ProductID:       p.ID,
			ProductSnapshot: p.Snapshot(),
			RequestedQty:    line.Quantity,
			SeparatedQty:    decimal.Zero,
			DeliveredQty:    decimal.Zero,
			Status:          domain.ItemPending,
			Observations:    strings.TrimSpace(line.Observations),
			Version:         1,
		})
	}
	agg.Status = DeriveStatus(agg.Requisition, agg.Items)

	evt := events.Entry{
		Type:       events.RequisitionCreated,
		StoreID:    agg.StoreID,
		EntityKind: "requisition",
		EntityID:   agg.ID,
		ActorID:    actor.ID,
		Payload: events.EventPayload{
			"sector":       agg.Sector,
			"requester_id": agg.RequesterID,
			"items":        len(agg.Items),
		},
	}
	agg, err = e.Store.CreateAggregate(ctx, agg, evt)
	if err != nil {
		return domain.Aggregate{}, storeErr("create requisition", "requisition", reqID, err)
	}
	agg.SortItems()
	return agg, nil
}

// ItemRef addresses one item. StoreID, when set, must match the item's
// store; ExpectedVersion, when set, must match the item's version.
type ItemRef struct {
	ActorID         string
	StoreID         string
	ItemID          string
	ExpectedVersion int64
}

// RequisitionRef addresses one requisition header.
type RequisitionRef struct {
	ActorID         string
	StoreID         string
	RequisitionID   string
	ExpectedVersion int64
}

func (e Engine) loadRequisition(ctx context.Context, storeID, id string) (domain.Aggregate, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Aggregate{}, ValidationError{Field: "requisition_id", Reason: "required"}
	}
	agg, err := e.Store.GetByID(ctx, id)
	if err != nil {
		return domain.Aggregate{}, storeErr("get requisition", "requisition", id, err)
	}
	if storeID != "" && agg.StoreID != storeID {
		return domain.Aggregate{}, NotFoundError{Kind: "requisition", ID: id}
	}
	return agg, nil
}

func (e Engine) loadItem(ctx context.Context, storeID, itemID string) (domain.Aggregate, *domain.RequisitionItem, error) {
	if strings.TrimSpace(itemID) == "" {
		return domain.Aggregate{}, nil, ValidationError{Field: "item_id", Reason: "required"}
	}
	it, err := e.Store.GetItem(ctx, itemID)
	if err != nil {
		return domain.Aggregate{}, nil, storeErr("get item", "item", itemID, err)
	}
	agg, err := e.Store.GetByID(ctx, it.RequisitionID)
	if err != nil {
		return domain.Aggregate{}, nil, storeErr("get requisition", "requisition", it.RequisitionID, err)
	}
	if storeID != "" && agg.StoreID != storeID {
		return domain.Aggregate{}, nil, NotFoundError{Kind: "item", ID: itemID}
	}
	item := agg.Item(itemID)
	if item == nil {
		return domain.Aggregate{}, nil, NotFoundError{Kind: "item", ID: itemID}
	}
	return agg, item, nil
}

// pendingItemTransition runs the shared flow of the three transitions that
// resolve a pending item. apply mutates the item; it runs after every check.
func (e Engine) pendingItemTransition(ctx context.Context, op auth.Operation, evtType string, ref ItemRef,
	check func(it domain.RequisitionItem) error, apply func(it *domain.RequisitionItem, now string), payload events.EventPayload) (domain.Aggregate, error) {
	if err := requireActor(ref.ActorID); err != nil {
		return domain.Aggregate{}, err
	}
	agg, it, err := e.loadItem(ctx, ref.StoreID, ref.ItemID)
	if err != nil {
		return domain.Aggregate{}, err
	}
	actor, err := e.resolve(ctx, agg.StoreID, ref.ActorID)
	if err != nil {
		return domain.Aggregate{}, err
	}
	if err := auth.Authorize(auth.Check{Operation: op, Actor: actor, RequesterID: agg.RequesterID, Header: agg.Status}); err != nil {
		return domain.Aggregate{}, err
	}
	if agg.Status == domain.RequisitionCancelled {
		return domain.Aggregate{}, StateConflictError{Entity: "requisition", ID: agg.ID, Reason: "requisition is cancelled"}
	}
	if err := checkVersion("item", it.ID, ref.ExpectedVersion, it.Version); err != nil {
		return domain.Aggregate{}, err
	}
	if it.Status != domain.ItemPending {
		return domain.Aggregate{}, StateConflictError{Entity: "item", ID: it.ID, Reason: fmt.Sprintf("item is %s, expected pending", it.Status)}
	}
	if check != nil {
		if err := check(*it); err != nil {
			return domain.Aggregate{}, err
		}
	}

	now := e.stamp()
	apply(it, now)
	h := agg.Requisition
	h.Status = DeriveStatus(h, agg.Items)
	if h.Status == domain.RequisitionSeparated && h.SeparatedAt == nil {
		h.SeparatedAt = &now
		h.SeparationActorID = &actor.ID
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["requisition_id"] = agg.ID
	payload["header_status"] = string(h.Status)
	evt := events.Entry{Type: evtType, StoreID: agg.StoreID, EntityKind: "item", EntityID: it.ID, ActorID: actor.ID, Payload: payload}
	if err := e.Store.UpdateMany(ctx, h, []domain.RequisitionItem{*it}, evt); err != nil {
		return domain.Aggregate{}, storeErr(string(op), "item", it.ID, err)
	}
	it.Version++
	h.Version++
	agg.Requisition = h
	return agg, nil
}

type SeparateItemOptions struct {
	ItemRef
	Quantity     decimal.Decimal
	Observations string
}

// SeparateItem sets aside stock against a pending item.
func (e Engine) SeparateItem(ctx context.Context, opts SeparateItemOptions) (agg domain.Aggregate, err error) {
	defer e.track(string(auth.OpSeparateItem), time.Now(), &err)
	if err := e.Rules.checkPositive("separated_qty", opts.Quantity); err != nil {
		return agg, err
	}
	check := func(it domain.RequisitionItem) error { return e.Rules.CheckSeparation(it, opts.Quantity) }
	apply := func(it *domain.RequisitionItem, now string) {
		it.SeparatedQty = opts.Quantity
		it.Status = domain.ItemSeparated
		it.SeparatedAt = &now
		if obs := strings.TrimSpace(opts.Observations); obs != "" {
			it.Observations = appendObservation(it.Observations, obs)
		}
	}
	return e.pendingItemTransition(ctx, auth.OpSeparateItem, events.ItemSeparated, opts.ItemRef, check, apply,
		events.EventPayload{"separated_qty": opts.Quantity.String()})
}

type MarkShortageOptions struct {
	ItemRef
	Observations string
}

// MarkShortage records that a pending item cannot be supplied.
func (e Engine) MarkShortage(ctx context.Context, opts MarkShortageOptions) (agg domain.Aggregate, err error) {
	defer e.track(string(auth.OpMarkShortage), time.Now(), &err)
	obs := strings.TrimSpace(opts.Observations)
	if obs == "" {
		return agg, ValidationError{Field: "observations", Reason: "required when marking a shortage"}
	}
	apply := func(it *domain.RequisitionItem, _ string) {
		it.Status = domain.ItemShortage
		it.SeparatedQty = decimal.Zero
		it.Observations = appendObservation(it.Observations, obs)
	}
	return e.pendingItemTransition(ctx, auth.OpMarkShortage, events.ItemShortage, opts.ItemRef, nil, apply,
		events.EventPayload{"observations": obs})
}

type CancelItemOptions struct {
	ItemRef
	Observations string
}

func (e Engine) CancelItem(ctx context.Context, opts CancelItemOptions) (agg domain.Aggregate, err error) {
	defer e.track(string(auth.OpCancelItem), time.Now(), &err)
	obs := strings.TrimSpace(opts.Observations)
	apply := func(it *domain.RequisitionItem, _ string) {
		it.Status = domain.ItemCancelled
		if obs != "" {
			it.Observations = appendObservation(it.Observations, obs)
		}
	}
	payload := events.EventPayload{}
	if obs != "" {
		payload["observations"] = obs
	}
	return e.pendingItemTransition(ctx, auth.OpCancelItem, events.ItemCancelled, opts.ItemRef, nil, apply, payload)
}

// RegisterDelivery hands over every separated item at once.
func (e Engine) RegisterDelivery(ctx context.Context, ref RequisitionRef) (agg domain.Aggregate, err error) {
	defer e.track(string(auth.OpRegisterDelivery), time.Now(), &err)
	if err := requireActor(ref.ActorID); err != nil {
		return agg, err
	}
	agg, err = e.loadRequisition(ctx, ref.StoreID, ref.RequisitionID)
	if err != nil {
		return domain.Aggregate{}, err
	}
	actor, err := e.resolve(ctx, agg.StoreID, ref.ActorID)
	if err != nil {
		return domain.Aggregate{}, err
	}
	if err := auth.Authorize(auth.Check{Operation: auth.OpRegisterDelivery, Actor: actor, RequesterID: agg.RequesterID, Header: agg.Status}); err != nil {
		return domain.Aggregate{}, err
	}
	if err := checkVersion("requisition", agg.ID, ref.ExpectedVersion, agg.Version); err != nil {
		return domain.Aggregate{}, err
	}
	if agg.Status != domain.RequisitionSeparated {
		return domain.Aggregate{}, StateConflictError{Entity: "requisition", ID: agg.ID, Reason: fmt.Sprintf("requisition is %s, expected separated", agg.Status)}
	}

	now := e.stamp()
	var changed []domain.RequisitionItem
	var idx []int
	for i := range agg.Items {
		it := &agg.Items[i]
		if it.Status != domain.ItemSeparated {
			continue
		}
		it.DeliveredQty = it.SeparatedQty
		it.Status = domain.ItemDelivered
		it.DeliveredAt = &now
		changed = append(changed, *it)
		idx = append(idx, i)
	}
	h := agg.Requisition
	h.DeliveredAt = &now
	h.DeliveryActorID = &actor.ID
	h.Status = DeriveStatus(h, agg.Items)
	evt := events.Entry{
		Type:       events.RequisitionDelivered,
		StoreID:    agg.StoreID,
		EntityKind: "requisition",
		EntityID:   agg.ID,
		ActorID:    actor.ID,
		Payload:    events.EventPayload{"delivered_items": len(changed)},
	}
	if err := e.Store.UpdateMany(ctx, h, changed, evt); err != nil {
		return domain.Aggregate{}, storeErr(string(auth.OpRegisterDelivery), "requisition", agg.ID, err)
	}
	for _, i := range idx {
		agg.Items[i].Version++
	}
	h.Version++
	agg.Requisition = h
	return agg, nil
}

// ConfirmReceipt stamps confirmedAt; the header stays delivered.
func (e Engine) ConfirmReceipt(ctx context.Context, ref RequisitionRef) (agg domain.Aggregate, err error) {
	defer e.track(string(auth.OpConfirmReceipt), time.Now(), &err)
	if err := requireActor(ref.ActorID); err != nil {
		return agg, err
	}
	agg, err = e.loadRequisition(ctx, ref.StoreID, ref.RequisitionID)
	if err != nil {
		return domain.Aggregate{}, err
	}
	actor := domain.Actor{ID: ref.ActorID}
	if err := auth.Authorize(auth.Check{Operation: auth.OpConfirmReceipt, Actor: actor, RequesterID: agg.RequesterID, Header: agg.Status}); err != nil {
		return domain.Aggregate{}, err
	}
	if err := checkVersion("requisition", agg.ID, ref.ExpectedVersion, agg.Version); err != nil {
		return domain.Aggregate{}, err
	}
	if agg.Status != domain.RequisitionDelivered {
		return domain.Aggregate{}, StateConflictError{Entity: "requisition", ID: agg.ID, Reason: fmt.Sprintf("requisition is %s, expected delivered", agg.Status)}
	}
	if agg.ConfirmedAt != nil {
		return domain.Aggregate{}, StateConflictError{Entity: "requisition", ID: agg.ID, Reason: "receipt already confirmed"}
	}
	now := e.stamp()
	h := agg.Requisition
	h.ConfirmedAt = &now
	evt := events.Entry{Type: events.RequisitionConfirmed, StoreID: agg.StoreID, EntityKind: "requisition", EntityID: agg.ID, ActorID: actor.ID}
	if err := e.Store.UpdateHeader(ctx, h, evt); err != nil {
		return domain.Aggregate{}, storeErr(string(auth.OpConfirmReceipt), "requisition", agg.ID, err)
	}
	h.Version++
	agg.Requisition = h
	return agg, nil
}

type CancelRequisitionOptions struct {
	RequisitionRef
	Reason string
}

// CancelRequisition marks the header cancelled. Items keep their statuses.
// Administrators may cancel in any status, including after delivery.
func (e Engine) CancelRequisition(ctx context.Context, opts CancelRequisitionOptions) (agg domain.Aggregate, err error) {
	defer e.track(string(auth.OpCancelRequisition), time.Now(), &err)
	if err := requireActor(opts.ActorID); err != nil {
		return agg, err
	}
	agg, err = e.loadRequisition(ctx, opts.StoreID, opts.RequisitionID)
	if err != nil {
		return domain.Aggregate{}, err
	}
	actor, err := e.resolve(ctx, agg.StoreID, opts.ActorID)
	if err != nil {
		return domain.Aggregate{}, err
	}
	if err := auth.Authorize(auth.Check{Operation: auth.OpCancelRequisition, Actor: actor, RequesterID: agg.RequesterID, Header: agg.Status}); err != nil {
		return domain.Aggregate{}, err
	}
	if err := checkVersion("requisition", agg.ID, opts.ExpectedVersion, agg.Version); err != nil {
		return domain.Aggregate{}, err
	}
	if agg.Status == domain.RequisitionCancelled {
		return domain.Aggregate{}, StateConflictError{Entity: "requisition", ID: agg.ID, Reason: "already cancelled"}
	}
	now := e.stamp()
	h := agg.Requisition
	previous := h.Status
	h.Status = domain.RequisitionCancelled
	h.CancelledAt = &now
	payload := events.EventPayload{"previous_status": string(previous)}
	if reason := strings.TrimSpace(opts.Reason); reason != "" {
		payload["reason"] = reason
	}
	evt := events.Entry{Type: events.RequisitionCancelled, StoreID: agg.StoreID, EntityKind: "requisition", EntityID: agg.ID, ActorID: actor.ID, Payload: payload}
	if err := e.Store.UpdateHeader(ctx, h, evt); err != nil {
		return domain.Aggregate{}, storeErr(string(auth.OpCancelRequisition), "requisition", agg.ID, err)
	}
	h.Version++
	agg.Requisition = h
	return agg, nil
}

type AdjustQuantityOptions struct {
	ItemRef
	NewQuantity   decimal.Decimal
	Justification string
}

// AdjustItemQuantity corrects requestedQty within the bounds of what was
// already separated or delivered. Only requestedQty and observations change.
func (e Engine) AdjustItemQuantity(ctx context.Context, opts AdjustQuantityOptions) (agg domain.Aggregate, err error) {
	defer e.track(string(auth.OpAdjustQuantity), time.Now(), &err)
	if err := requireActor(opts.ActorID); err != nil {
		return agg, err
	}
	if err := e.Rules.CheckAdjustInput(opts.NewQuantity, opts.Justification); err != nil {
		return agg, err
	}
	agg, it, err := e.loadItem(ctx, opts.StoreID, opts.ItemID)
	if err != nil {
		return domain.Aggregate{}, err
	}
	actor, err := e.resolve(ctx, agg.StoreID, opts.ActorID)
	if err != nil {
		return domain.Aggregate{}, err
	}
	window, windowErr := AdjustWindow(agg.Requisition, *it)
	if err := auth.Authorize(auth.Check{Operation: auth.OpAdjustQuantity, Actor: actor, RequesterID: agg.RequesterID, Header: agg.Status, Window: window}); err != nil {
		return domain.Aggregate{}, err
	}
	if agg.Status == domain.RequisitionCancelled {
		return domain.Aggregate{}, StateConflictError{Entity: "requisition", ID: agg.ID, Reason: "requisition is cancelled"}
	}
	if windowErr != nil {
		return domain.Aggregate{}, windowErr
	}
	if err := checkVersion("item", it.ID, opts.ExpectedVersion, it.Version); err != nil {
		return domain.Aggregate{}, err
	}
	if err := CheckAdjustBounds(window, *it, opts.NewQuantity); err != nil {
		return domain.Aggregate{}, err
	}

	oldQty := it.RequestedQty
	it.RequestedQty = opts.NewQuantity
	it.Observations = appendObservation(it.Observations, adjustNote(oldQty, opts.NewQuantity, opts.Justification))
	windowName := "pre_delivery"
	if window == auth.WindowPostDelivery {
		windowName = "post_delivery"
	}
	evt := events.Entry{
		Type:       events.ItemQuantityAdjusted,
		StoreID:    agg.StoreID,
		EntityKind: "item",
		EntityID:   it.ID,
		ActorID:    actor.ID,
		Payload: events.EventPayload{
			"requisition_id": agg.ID,
			"old_qty":        oldQty.String(),
			"new_qty":        opts.NewQuantity.String(),
			"justification":  strings.TrimSpace(opts.Justification),
			"window":         windowName,
		},
	}
	// After delivery the header version guards against a concurrent confirmation.
	if window == auth.WindowPostDelivery {
		err = e.Store.UpdateMany(ctx, agg.Requisition, []domain.RequisitionItem{*it}, evt)
	} else {
		err = e.Store.UpdateItem(ctx, *it, evt)
	}
	if err != nil {
		return domain.Aggregate{}, storeErr(string(auth.OpAdjustQuantity), "item", it.ID, err)
	}
	it.Version++
	if window == auth.WindowPostDelivery {
		agg.Version++
	}
	return agg, nil
}

// GetRequisition loads one aggregate, scoped to storeID when set.
func (e Engine) GetRequisition(ctx context.Context, storeID, id string) (domain.Aggregate, error) {
	return e.loadRequisition(ctx, storeID, id)
}

type ListOptions struct {
	StoreID     string
	Status      string
	RequesterID string
	Sector      string
	Limit       int
	// Cursor is the number of the last requisition of the previous page.
	Cursor int64
}

func (e Engine) ListRequisitions(ctx context.Context, opts ListOptions) ([]domain.Aggregate, error) {
	if strings.TrimSpace(opts.StoreID) == "" {
		return nil, ValidationError{Field: "store_id", Reason: "required"}
	}
	switch domain.RequisitionStatus(opts.Status) {
	case "", domain.RequisitionPending, domain.RequisitionSeparated, domain.RequisitionDelivered, domain.RequisitionCancelled:
	default:
		return nil, ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", opts.Status)}
	}
	if opts.Limit < 0 || opts.Limit > 500 {
		return nil, ValidationError{Field: "limit", Reason: "must be between 0 and 500"}
	}
	aggs, err := e.Store.ListByFilter(ctx, repo.RequisitionFilter{
		StoreID:      opts.StoreID,
		Status:       opts.Status,
		RequesterID:  opts.RequesterID,
		Sector:       opts.Sector,
		Limit:        opts.Limit,
		BeforeNumber: opts.Cursor,
	})
	if err != nil {
		return nil, StoreError{Op: "list requisitions", Err: err}
	}
	return aggs, nil
}

// Stats projects counts over every requisition of the store.
func (e Engine) Stats(ctx context.Context, storeID, actorID string) (domain.Stats, error) {
	if strings.TrimSpace(storeID) == "" {
		return domain.Stats{}, ValidationError{Field: "store_id", Reason: "required"}
	}
	aggs, err := e.Store.ListByFilter(ctx, repo.RequisitionFilter{StoreID: storeID})
	if err != nil {
		return domain.Stats{}, StoreError{Op: "list requisitions", Err: err}
	}
	return ProjectStats(storeID, aggs, actorID), nil
}

type RoleOptions struct {
	ActorID       string
	StoreID       string
	TargetActorID string
	RoleID        string
}

// GrantRole assigns a configured role to an actor. Administrators only.
func (e Engine) GrantRole(ctx context.Context, opts RoleOptions) (err error) {
	defer e.track(string(auth.OpGrantRole), time.Now(), &err)
	if err := e.checkRoleOptions(ctx, auth.OpGrantRole, opts); err != nil {
		return err
	}
	evt := events.Entry{Type: events.RoleGranted, StoreID: opts.StoreID, EntityKind: "actor", EntityID: opts.TargetActorID, ActorID: opts.ActorID,
		Payload: events.EventPayload{"role": opts.RoleID}}
	if err := e.Roles.GrantRole(ctx, opts.StoreID, opts.TargetActorID, opts.RoleID, e.stamp(), evt); err != nil {
		return StoreError{Op: "grant role", Err: err}
	}
	return nil
}

// RevokeRole removes a role assignment. Administrators only.
func (e Engine) RevokeRole(ctx context.Context, opts RoleOptions) (err error) {
	defer e.track(string(auth.OpRevokeRole), time.Now(), &err)
	if err := e.checkRoleOptions(ctx, auth.OpRevokeRole, opts); err != nil {
		return err
	}
	evt := events.Entry{Type: events.RoleRevoked, StoreID: opts.StoreID, EntityKind: "actor", EntityID: opts.TargetActorID, ActorID: opts.ActorID,
		Payload: events.EventPayload{"role": opts.RoleID}}
	if err := e.Roles.RevokeRole(ctx, opts.StoreID, opts.TargetActorID, opts.RoleID, evt); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return NotFoundError{Kind: "role assignment", ID: opts.TargetActorID + "/" + opts.RoleID}
		}
		return StoreError{Op: "revoke role", Err: err}
	}
	return nil
}

func (e Engine) checkRoleOptions(ctx context.Context, op auth.Operation, opts RoleOptions) error {
	if err := requireActor(opts.ActorID); err != nil {
		return err
	}
	switch {
	case opts.StoreID == "":
		return ValidationError{Field: "store_id", Reason: "required"}
	case strings.TrimSpace(opts.TargetActorID) == "":
		return ValidationError{Field: "target_actor_id", Reason: "required"}
	case opts.RoleID == "":
		return ValidationError{Field: "role", Reason: "required"}
	}
	actor, err := e.resolve(ctx, opts.StoreID, opts.ActorID)
	if err != nil {
		return err
	}
	if err := auth.Authorize(auth.Check{Operation: op, Actor: actor}); err != nil {
		return err
	}
	ok, err := e.Roles.RoleExists(ctx, opts.StoreID, opts.RoleID)
	if err != nil {
		return StoreError{Op: "role lookup", Err: err}
	}
	if !ok {
		return NotFoundError{Kind: "role", ID: opts.RoleID}
	}
	return nil
}
