package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockreq/internal/app"
	"stockreq/internal/config"
	"stockreq/internal/db"
	"stockreq/internal/domain"
	"stockreq/internal/engine"
	"stockreq/internal/engine/auth"
	"stockreq/internal/events"
	"stockreq/internal/migrate"
	"stockreq/internal/repo"
)

const storeID = "central"

type testEnv struct {
	Engine  engine.Engine
	Repo    repo.Repo
	Ctx     context.Context
	Dir     string
	Metrics *captureMetrics
}

type captureMetrics struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *captureMetrics) Observe(op, outcome string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[op+"/"+outcome]++
}

func (c *captureMetrics) count(op, outcome string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op+"/"+outcome]
}

func qty(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newTestEnv creates store "central" administered by "admin", with requester
// "ana", stock clerk "bruno" and two products.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	if _, err := app.InitStore(ctx, r, dir, storeID, "Central Store", "admin"); err != nil {
		t.Fatalf("init store: %v", err)
	}
	eng := engine.New(conn, config.Default(storeID, ""))
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC) }
	m := &captureMetrics{calls: map[string]int{}}
	eng.Metrics = m
	env := testEnv{Engine: eng, Repo: r, Ctx: ctx, Dir: dir, Metrics: m}
	env.grant(t, storeID, "ana", "requester")
	env.grant(t, storeID, "bruno", "stock")
	env.product(t, storeID, "rice", "Rice")
	env.product(t, storeID, "beans", "Beans")
	return env
}

func (env testEnv) grant(t *testing.T, store, actor, role string) {
	t.Helper()
	if err := env.Engine.GrantRole(env.Ctx, engine.RoleOptions{ActorID: "admin", StoreID: store, TargetActorID: actor, RoleID: role}); err != nil {
		t.Fatalf("grant %s to %s: %v", role, actor, err)
	}
}

func (env testEnv) product(t *testing.T, store, id, name string) {
	t.Helper()
	if _, err := app.AddProduct(env.Ctx, env.Repo, "admin", domain.Product{ID: id, StoreID: store, Name: name, Unit: "kg", Category: "dry", Code: strings.ToUpper(id)}); err != nil {
		t.Fatalf("add product %s: %v", id, err)
	}
}

// create builds scenario A: rice x5 and beans x3 requested by ana.
func (env testEnv) create(t *testing.T) domain.Aggregate {
	t.Helper()
	agg, err := env.Engine.CreateRequisition(env.Ctx, engine.CreateRequisitionOptions{
		ActorID: "ana",
		StoreID: storeID,
		Sector:  "Kitchen",
		Shift:   "morning",
		Items: []engine.ItemRequest{
			{ProductID: "rice", Quantity: qty("5")},
			{ProductID: "beans", Quantity: qty("3")},
		},
	})
	if err != nil {
		t.Fatalf("create requisition: %v", err)
	}
	return agg
}

func itemFor(t *testing.T, agg domain.Aggregate, productID string) domain.RequisitionItem {
	t.Helper()
	for _, it := range agg.Items {
		if it.ProductID == productID {
			return it
		}
	}
	t.Fatalf("no item for product %s", productID)
	return domain.RequisitionItem{}
}

func wantKind(t *testing.T, err error, kind engine.Kind) {
	t.Helper()
	if got := engine.Classify(err); got != kind {
		t.Fatalf("expected %s error, got %s (%v)", kind, got, err)
	}
}

// checkInvariants reloads the aggregate and verifies the quantity and status rules.
func (env testEnv) checkInvariants(t *testing.T, id string) domain.Aggregate {
	t.Helper()
	agg, err := env.Engine.GetRequisition(env.Ctx, "", id)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	for _, it := range agg.Items {
		if !it.RequestedQty.IsPositive() {
			t.Fatalf("item %s requested %s not positive", it.ID, it.RequestedQty)
		}
		if it.SeparatedQty.GreaterThan(it.RequestedQty) {
			t.Fatalf("item %s separated %s exceeds requested %s", it.ID, it.SeparatedQty, it.RequestedQty)
		}
		if it.Status == domain.ItemDelivered && !it.DeliveredQty.Equal(it.SeparatedQty) {
			t.Fatalf("item %s delivered %s != separated %s", it.ID, it.DeliveredQty, it.SeparatedQty)
		}
	}
	derived := engine.DeriveStatus(agg.Requisition, agg.Items)
	if derived != agg.Status {
		t.Fatalf("stored status %s, derived %s", agg.Status, derived)
	}
	h := agg.Requisition
	h.Status = derived
	if again := engine.DeriveStatus(h, agg.Items); again != derived {
		t.Fatalf("derivation not idempotent: %s then %s", derived, again)
	}
	return agg
}

func TestLifecycleScenarios(t *testing.T) {
	env := newTestEnv(t)

	// A
	agg := env.create(t)
	if agg.Status != domain.RequisitionPending || len(agg.Items) != 2 {
		t.Fatalf("scenario A: got status %s with %d items", agg.Status, len(agg.Items))
	}
	if agg.Number != 1 {
		t.Fatalf("expected first number 1, got %d", agg.Number)
	}
	for _, it := range agg.Items {
		if it.Status != domain.ItemPending || !it.SeparatedQty.IsZero() || !it.DeliveredQty.IsZero() {
			t.Fatalf("scenario A: unexpected item %+v", it)
		}
	}
	rice := itemFor(t, agg, "rice")
	beans := itemFor(t, agg, "beans")
	if rice.Name != "Rice" || rice.Unit != "kg" || rice.Code != "RICE" || rice.Category != "dry" {
		t.Fatalf("product snapshot not captured: %+v", rice.ProductSnapshot)
	}

	// B
	agg, err := env.Engine.SeparateItem(env.Ctx, engine.SeparateItemOptions{ItemRef: engine.ItemRef{ActorID: "bruno", ItemID: rice.ID}, Quantity: qty("4")})
	if err != nil {
		t.Fatalf("scenario B: %v", err)
	}
	if got := itemFor(t, agg, "rice"); got.Status != domain.ItemSeparated || !got.SeparatedQty.Equal(qty("4")) || got.SeparatedAt == nil {
		t.Fatalf("scenario B: unexpected item %+v", got)
	}
	if agg.Status != domain.RequisitionPending || agg.SeparatedAt != nil {
		t.Fatalf("scenario B: header should stay pending, got %s", agg.Status)
	}
	env.checkInvariants(t, agg.ID)

	// E: before delivery the request cannot shrink below what was separated.
	_, err = env.Engine.AdjustItemQuantity(env.Ctx, engine.AdjustQuantityOptions{ItemRef: engine.ItemRef{ActorID: "ana", ItemID: rice.ID}, NewQuantity: qty("3"), Justification: "typo"})
	wantKind(t, err, engine.KindValidation)

	// C
	agg, err = env.Engine.MarkShortage(env.Ctx, engine.MarkShortageOptions{ItemRef: engine.ItemRef{ActorID: "bruno", ItemID: beans.ID}, Observations: "out of stock"})
	if err != nil {
		t.Fatalf("scenario C: %v", err)
	}
	if got := itemFor(t, agg, "beans"); got.Status != domain.ItemShortage || !got.SeparatedQty.IsZero() || got.Observations != "out of stock" {
		t.Fatalf("scenario C: unexpected item %+v", got)
	}
	if agg.Status != domain.RequisitionSeparated {
		t.Fatalf("scenario C: expected separated header, got %s", agg.Status)
	}
	if agg.SeparatedAt == nil || agg.SeparationActorID == nil || *agg.SeparationActorID != "bruno" {
		t.Fatalf("scenario C: separation not stamped on header: %+v", agg.Requisition)
	}
	env.checkInvariants(t, agg.ID)

	// D
	agg, err = env.Engine.RegisterDelivery(env.Ctx, engine.RequisitionRef{ActorID: "bruno", RequisitionID: agg.ID})
	if err != nil {
		t.Fatalf("scenario D: %v", err)
	}
	gotRice := itemFor(t, agg, "rice")
	if gotRice.Status != domain.ItemDelivered || !gotRice.DeliveredQty.Equal(qty("4")) || gotRice.DeliveredAt == nil {
		t.Fatalf("scenario D: unexpected rice %+v", gotRice)
	}
	if got := itemFor(t, agg, "beans"); got.Status != domain.ItemShortage || !got.DeliveredQty.IsZero() {
		t.Fatalf("scenario D: beans should stay shortage, got %+v", got)
	}
	if agg.Status != domain.RequisitionDelivered || agg.DeliveredAt == nil || *agg.DeliveryActorID != "bruno" {
		t.Fatalf("scenario D: unexpected header %+v", agg.Requisition)
	}
	reloaded := env.checkInvariants(t, agg.ID)
	if reloaded.Version != agg.Version {
		t.Fatalf("in-memory version %d differs from stored %d", agg.Version, reloaded.Version)
	}

	// F
	_, err = env.Engine.AdjustItemQuantity(env.Ctx, engine.AdjustQuantityOptions{ItemRef: engine.ItemRef{ActorID: "bruno", ItemID: rice.ID}, NewQuantity: qty("3"), Justification: "miscount"})
	wantKind(t, err, engine.KindValidation)
	env.checkInvariants(t, agg.ID)
	agg, err = env.Engine.AdjustItemQuantity(env.Ctx, engine.AdjustQuantityOptions{ItemRef: engine.ItemRef{ActorID: "bruno", ItemID: rice.ID}, NewQuantity: qty("4"), Justification: "count correction"})
	if err != nil {
		t.Fatalf("scenario F: %v", err)
	}
	gotRice = itemFor(t, agg, "rice")
	if !gotRice.RequestedQty.Equal(qty("4")) || !gotRice.DeliveredQty.Equal(qty("4")) || gotRice.Status != domain.ItemDelivered {
		t.Fatalf("scenario F: unexpected rice %+v", gotRice)
	}
	if !strings.Contains(gotRice.Observations, "[adjust 5 -> 4] count correction") {
		t.Fatalf("scenario F: adjustment not recorded in observations: %q", gotRice.Observations)
	}
	_, err = env.Engine.AdjustItemQuantity(env.Ctx, engine.AdjustQuantityOptions{ItemRef: engine.ItemRef{ActorID: "bruno", ItemID: rice.ID}, NewQuantity: qty("5"), Justification: "count correction"})
	wantKind(t, err, engine.KindValidation)
	env.checkInvariants(t, agg.ID)

	// Confirmation by the requester keeps the header delivered.
	_, err = env.Engine.ConfirmReceipt(env.Ctx, engine.RequisitionRef{ActorID: "bruno", RequisitionID: agg.ID})
	wantKind(t, err, engine.KindPermission)
	agg, err = env.Engine.ConfirmReceipt(env.Ctx, engine.RequisitionRef{ActorID: "ana", RequisitionID: agg.ID})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if agg.Status != domain.RequisitionDelivered || agg.ConfirmedAt == nil {
		t.Fatalf("confirm: unexpected header %+v", agg.Requisition)
	}
	_, err = env.Engine.ConfirmReceipt(env.Ctx, engine.RequisitionRef{ActorID: "ana", RequisitionID: agg.ID})
	wantKind(t, err, engine.KindConflict)
	_, err = env.Engine.AdjustItemQuantity(env.Ctx, engine.AdjustQuantityOptions{ItemRef: engine.ItemRef{ActorID: "bruno", ItemID: rice.ID}, NewQuantity: qty("3"), Justification: "late"})
	wantKind(t, err, engine.KindConflict)

	latest, err := env.Repo.LatestEvents(env.Ctx, storeID, 6)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	wantTypes := []string{events.RequisitionConfirmed, events.ItemQuantityAdjusted, events.RequisitionDelivered, events.ItemShortage, events.ItemSeparated, events.RequisitionCreated}
	for i, want := range wantTypes {
		if latest[i].Type != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, latest[i].Type)
		}
	}
	if env.Metrics.count("separate_item", "ok") != 1 || env.Metrics.count("adjust_item_quantity", "validation") != 3 {
		t.Fatalf("metrics not recorded: %v", env.Metrics.calls)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	base := func() engine.CreateRequisitionOptions {
		return engine.CreateRequisitionOptions{ActorID: "ana", StoreID: storeID, Sector: "Bar", Items: []engine.ItemRequest{{ProductID: "rice", Quantity: qty("1")}}}
	}
	cases := []struct {
		name   string
		mutate func(o *engine.CreateRequisitionOptions)
		kind   engine.Kind
	}{
		{"no items", func(o *engine.CreateRequisitionOptions) { o.Items = nil }, engine.KindValidation},
		{"no sector", func(o *engine.CreateRequisitionOptions) { o.Sector = "  " }, engine.KindValidation},
		{"no store", func(o *engine.CreateRequisitionOptions) { o.StoreID = "" }, engine.KindValidation},
		{"no actor", func(o *engine.CreateRequisitionOptions) { o.ActorID = "" }, engine.KindValidation},
		{"zero qty", func(o *engine.CreateRequisitionOptions) { o.Items[0].Quantity = decimal.Zero }, engine.KindValidation},
		{"negative qty", func(o *engine.CreateRequisitionOptions) { o.Items[0].Quantity = qty("-2") }, engine.KindValidation},
		{"too many decimals", func(o *engine.CreateRequisitionOptions) { o.Items[0].Quantity = qty("1.2345") }, engine.KindValidation},
		{"bad date", func(o *engine.CreateRequisitionOptions) { o.ExpectedDeliveryDate = "tomorrow" }, engine.KindValidation},
		{"duplicate product", func(o *engine.CreateRequisitionOptions) {
			o.Items = append(o.Items, engine.ItemRequest{ProductID: "rice", Quantity: qty("2")})
		}, engine.KindValidation},
		{"unknown product", func(o *engine.CreateRequisitionOptions) { o.Items[0].ProductID = "caviar" }, engine.KindNotFound},
		{"clerk cannot request", func(o *engine.CreateRequisitionOptions) { o.ActorID = "bruno" }, engine.KindPermission},
		{"on behalf of another", func(o *engine.CreateRequisitionOptions) { o.RequesterID = "bruno" }, engine.KindPermission},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := base()
			tc.mutate(&opts)
			_, err := env.Engine.CreateRequisition(env.Ctx, opts)
			wantKind(t, err, tc.kind)
		})
	}
	list, err := env.Engine.ListRequisitions(env.Ctx, engine.ListOptions{StoreID: storeID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("failed creates left %d requisitions behind", len(list))
	}

	opts := base()
	opts.ActorID = "admin"
	opts.RequesterID = "ana"
	opts.Items[0].Quantity = qty("2.125")
	opts.ExpectedDeliveryDate = "2024-03-02"
	agg, err := env.Engine.CreateRequisition(env.Ctx, opts)
	if err != nil {
		t.Fatalf("admin on behalf of ana: %v", err)
	}
	if agg.RequesterID != "ana" || !agg.Items[0].RequestedQty.Equal(qty("2.125")) || *agg.ExpectedDeliveryDate != "2024-03-02" {
		t.Fatalf("unexpected aggregate %+v", agg)
	}
}

func TestItemTransitionRules(t *testing.T) {
	env := newTestEnv(t)
	agg := env.create(t)
	rice := itemFor(t, agg, "rice")
	beans := itemFor(t, agg, "beans")
	ref := func(actor, item string) engine.ItemRef { return engine.ItemRef{ActorID: actor, ItemID: item} }

	_, err := env.Engine.SeparateItem(env.Ctx, engine.SeparateItemOptions{ItemRef: ref("ana", rice.ID), Quantity: qty("1")})
	wantKind(t, err, engine.KindPermission)
	_, err = env.Engine.SeparateItem(env.Ctx, engine.SeparateItemOptions{ItemRef: ref("bruno", rice.ID), Quantity: qty("6")})
	wantKind(t, err, engine.KindValidation)
	_, err = env.Engine.SeparateItem(env.Ctx, engine.SeparateItemOptions{ItemRef: ref("bruno", rice.ID), Quantity: qty("0")})
	wantKind(t, err, engine.KindValidation)
	_, err = env.Engine.SeparateItem(env.Ctx, engine.SeparateItemOptions{ItemRef: ref("bruno", "missing"), Quantity: qty("1")})
	wantKind(t, err, engine.KindNotFound)
	_, err = env.Engine.SeparateItem(env.Ctx, engine.SeparateItemOptions{ItemRef: engine.ItemRef{ActorID: "bruno", StoreID: "elsewhere", ItemID: rice.ID}, Quantity: qty("1")})
	wantKind(t, err, engine.KindNotFound)
	_, err = env.Engine.MarkShortage(env.Ctx, engine.MarkShortageOptions{ItemRef: ref("bruno", beans.ID), Observations: "   "})
	wantKind(t, err, engine.KindValidation)
	_, err = env.Engine.AdjustItemQuantity(env.Ctx, engine.AdjustQuantityOptions{ItemRef: ref("ana", rice.ID), NewQuantity: qty("2"), Justification: "less"})
	wantKind(t, err, engine.KindConflict)
	_, err = env.Engine.RegisterDelivery(env.Ctx, engine.RequisitionRef{ActorID: "bruno", RequisitionID: agg.ID})
	wantKind(t, err, engine.KindConflict)

	// Separating the full requested amount is allowed.
	if _, err := env.Engine.SeparateItem(env.Ctx, engine.SeparateItemOptions{ItemRef: ref("bruno", rice.ID), Quantity: qty("5"), Observations: "bag 2"}); err != nil {
		t.Fatalf("separate: %v", err)
	}
	_, err = env.Engine.SeparateItem(env.Ctx, engine.SeparateItemOptions{ItemRef: ref("bruno", rice.ID), Quantity: qty("1")})
	wantKind(t, err, engine.KindConflict)
	_, err = env.Engine.CancelItem(env.Ctx, engine.CancelItemOptions{ItemRef: ref("bruno", rice.ID)})
	wantKind(t, err, engine.KindConflict)

	// Pre-delivery adjustments belong to the requester.
	_, err = env.Engine.AdjustItemQuantity(env.Ctx, engine.AdjustQuantityOptions{ItemRef: ref("ana", rice.ID), NewQuantity: qty("7"), Justification: " "})
	wantKind(t, err, engine.KindValidation)
	_, err = env.Engine.AdjustItemQuantity(env.Ctx, engine.AdjustQuantityOptions{ItemRef: ref("bruno", rice.ID), NewQuantity: qty("7"), Justification: "more"})
	wantKind(t, err, engine.KindPermission)
	agg, err = env.Engine.AdjustItemQuantity(env.Ctx, engine.AdjustQuantityOptions{ItemRef: ref("ana", rice.ID), NewQuantity: qty("7"), Justification: "more guests"})
	if err != nil {
		t.Fatalf("pre-delivery adjust: %v", err)
	}
	got := itemFor(t, agg, "rice")
	if !got.RequestedQty.Equal(qty("7")) || !got.SeparatedQty.Equal(qty("5")) || got.Status != domain.ItemSeparated {
		t.Fatalf("adjust changed more than requested qty: %+v", got)
	}
	if got.Observations != "bag 2\n[adjust 5 -> 7] more guests" {
		t.Fatalf("unexpected observations %q", got.Observations)
	}

	agg, err = env.Engine.CancelItem(env.Ctx, engine.CancelItemOptions{ItemRef: ref("bruno", beans.ID), Observations: "not needed"})
	if err != nil {
		t.Fatalf("cancel item: %v", err)
	}
	if agg.Status != domain.RequisitionSeparated {
		t.Fatalf("expected separated header, got %s", agg.Status)
	}
	_, err = env.Engine.MarkShortage(env.Ctx, engine.MarkShortageOptions{ItemRef: ref("bruno", beans.ID), Observations: "gone"})
	wantKind(t, err, engine.KindConflict)
	env.checkInvariants(t, agg.ID)
}

func TestCancelRequisitionRules(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, storeID, "carla", "requester")

	// The requester may cancel while pending; others may not.
	agg := env.create(t)
	_, err := env.Engine.CancelRequisition(env.Ctx, engine.CancelRequisitionOptions{RequisitionRef: engine.RequisitionRef{ActorID: "carla", RequisitionID: agg.ID}})
	wantKind(t, err, engine.KindPermission)
	_, err = env.Engine.CancelRequisition(env.Ctx, engine.CancelRequisitionOptions{RequisitionRef: engine.RequisitionRef{ActorID: "bruno", RequisitionID: agg.ID}})
	wantKind(t, err, engine.KindPermission)
	agg, err = env.Engine.CancelRequisition(env.Ctx, engine.CancelRequisitionOptions{RequisitionRef: engine.RequisitionRef{ActorID: "ana", RequisitionID: agg.ID}, Reason: "duplicate"})
	if err != nil {
		t.Fatalf("requester cancel: %v", err)
	}
	if agg.Status != domain.RequisitionCancelled || agg.CancelledAt == nil {
		t.Fatalf("unexpected header %+v", agg.Requisition)
	}
	for _, it := range agg.Items {
		if it.Status != domain.ItemPending {
			t.Fatalf("cancel must not touch items, got %s", it.Status)
		}
	}
	// A cancelled header never moves again.
	rice := itemFor(t, agg, "rice")
	_, err = env.Engine.SeparateItem(env.Ctx, engine.SeparateItemOptions{ItemRef: engine.ItemRef{ActorID: "bruno", ItemID: rice.ID}, Quantity: qty("1")})
	wantKind(t, err, engine.KindConflict)
	_, err = env.Engine.CancelRequisition(env.Ctx, engine.CancelRequisitionOptions{RequisitionRef: engine.RequisitionRef{ActorID: "admin", RequisitionID: agg.ID}})
	wantKind(t, err, engine.KindConflict)
	if got := env.checkInvariants(t, agg.ID); got.Status != domain.RequisitionCancelled {
		t.Fatalf("cancelled status lost: %s", got.Status)
	}

	// After separation only an administrator may cancel.
	agg = env.create(t)
	for _, it := range agg.Items {
		if _, err := env.Engine.SeparateItem(env.Ctx, engine.SeparateItemOptions{ItemRef: engine.ItemRef{ActorID: "bruno", ItemID: it.ID}, Quantity: it.RequestedQty}); err != nil {
			t.Fatalf("separate: %v", err)
		}
	}
	_, err = env.Engine.CancelRequisition(env.Ctx, engine.CancelRequisitionOptions{RequisitionRef: engine.RequisitionRef{ActorID: "ana", RequisitionID: agg.ID}})
	wantKind(t, err, engine.KindPermission)

	// Administrators can still cancel after delivery and confirmation.
	if _, err := env.Engine.RegisterDelivery(env.Ctx, engine.RequisitionRef{ActorID: "admin", RequisitionID: agg.ID}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if _, err := env.Engine.ConfirmReceipt(env.Ctx, engine.RequisitionRef{ActorID: "ana", RequisitionID: agg.ID}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	agg, err = env.Engine.CancelRequisition(env.Ctx, engine.CancelRequisitionOptions{RequisitionRef: engine.RequisitionRef{ActorID: "admin", RequisitionID: agg.ID}, Reason: "audit reversal"})
	if err != nil {
		t.Fatalf("admin cancel after delivery: %v", err)
	}
	if agg.Status != domain.RequisitionCancelled || agg.ConfirmedAt == nil {
		t.Fatalf("unexpected header %+v", agg.Requisition)
	}
	for _, it := range agg.Items {
		if it.Status != domain.ItemDelivered {
			t.Fatalf("delivered items must stay delivered, got %s", it.Status)
		}
	}
}

func TestStaleVersionRejected(t *testing.T) {
	env := newTestEnv(t)
	agg := env.create(t)
	rice := itemFor(t, agg, "rice")
	beans := itemFor(t, agg, "beans")

	_, err := env.Engine.SeparateItem(env.Ctx, engine.SeparateItemOptions{ItemRef: engine.ItemRef{ActorID: "bruno", ItemID: rice.ID, ExpectedVersion: rice.Version + 1}, Quantity: qty("1")})
	wantKind(t, err, engine.KindConflict)

	if _, err := env.Engine.SeparateItem(env.Ctx, engine.SeparateItemOptions{ItemRef: engine.ItemRef{ActorID: "bruno", ItemID: rice.ID, ExpectedVersion: rice.Version}, Quantity: qty("1")}); err != nil {
		t.Fatalf("separate with current version: %v", err)
	}
	// The header version moved with the item transition.
	_, err = env.Engine.CancelRequisition(env.Ctx, engine.CancelRequisitionOptions{RequisitionRef: engine.RequisitionRef{ActorID: "ana", RequisitionID: agg.ID, ExpectedVersion: agg.Version}})
	wantKind(t, err, engine.KindConflict)

	// A writer holding a stale header is rejected by the store itself.
	stale := agg.Requisition
	stale.Status = domain.RequisitionCancelled
	err = env.Repo.UpdateHeader(env.Ctx, stale, events.Entry{Type: events.RequisitionCancelled, StoreID: storeID, EntityKind: "requisition", EntityID: agg.ID, ActorID: "ana"})
	if !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("expected version conflict from store, got %v", err)
	}
	staleBeans := beans
	staleBeans.Status = domain.ItemCancelled
	staleBeans.Version = beans.Version + 5
	err = env.Repo.UpdateMany(env.Ctx, stale, []domain.RequisitionItem{staleBeans}, events.Entry{Type: events.ItemCancelled, EntityKind: "item", ActorID: "x"})
	if !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("expected version conflict from batch, got %v", err)
	}
	got := env.checkInvariants(t, agg.ID)
	if got.Status != domain.RequisitionPending || itemFor(t, got, "beans").Status != domain.ItemPending {
		t.Fatalf("rejected writes leaked: %+v", got)
	}
}

func TestNumbersArePerStore(t *testing.T) {
	env := newTestEnv(t)
	if _, err := app.InitStore(env.Ctx, env.Repo, env.Dir, "annex", "Annex", "admin"); err != nil {
		t.Fatalf("init annex: %v", err)
	}
	env.product(t, "annex", "annex-oil", "Oil")
	first := env.create(t)
	second := env.create(t)
	annex, err := env.Engine.CreateRequisition(env.Ctx, engine.CreateRequisitionOptions{
		ActorID: "admin", StoreID: "annex", Sector: "Bakery",
		Items: []engine.ItemRequest{{ProductID: "annex-oil", Quantity: qty("1.5")}},
	})
	if err != nil {
		t.Fatalf("annex create: %v", err)
	}
	if first.Number != 1 || second.Number != 2 || annex.Number != 1 {
		t.Fatalf("unexpected numbers %d %d %d", first.Number, second.Number, annex.Number)
	}
	// Products and roles do not leak across stores.
	_, err = env.Engine.CreateRequisition(env.Ctx, engine.CreateRequisitionOptions{
		ActorID: "admin", StoreID: "annex", Sector: "Bakery",
		Items: []engine.ItemRequest{{ProductID: "rice", Quantity: qty("1")}},
	})
	wantKind(t, err, engine.KindNotFound)
	_, err = env.Engine.CreateRequisition(env.Ctx, engine.CreateRequisitionOptions{
		ActorID: "ana", StoreID: "annex", Sector: "Bakery",
		Items: []engine.ItemRequest{{ProductID: "annex-oil", Quantity: qty("1")}},
	})
	wantKind(t, err, engine.KindPermission)
	_, err = env.Engine.GetRequisition(env.Ctx, "annex", first.ID)
	wantKind(t, err, engine.KindNotFound)

	page, err := env.Engine.ListRequisitions(env.Ctx, engine.ListOptions{StoreID: storeID, Limit: 1})
	if err != nil || len(page) != 1 || page[0].Number != 2 {
		t.Fatalf("first page: %v %+v", err, page)
	}
	page, err = env.Engine.ListRequisitions(env.Ctx, engine.ListOptions{StoreID: storeID, Limit: 1, Cursor: page[0].Number})
	if err != nil || len(page) != 1 || page[0].Number != 1 {
		t.Fatalf("second page: %v %+v", err, page)
	}
	_, err = env.Engine.ListRequisitions(env.Ctx, engine.ListOptions{StoreID: storeID, Status: "lost"})
	wantKind(t, err, engine.KindValidation)
}

func TestStatsProjection(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, storeID, "carla", "requester")
	a := env.create(t)
	b := env.create(t)
	if _, err := env.Engine.CreateRequisition(env.Ctx, engine.CreateRequisitionOptions{
		ActorID: "carla", StoreID: storeID, Sector: "Bar",
		Items: []engine.ItemRequest{{ProductID: "rice", Quantity: qty("2")}},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, it := range a.Items {
		if _, err := env.Engine.SeparateItem(env.Ctx, engine.SeparateItemOptions{ItemRef: engine.ItemRef{ActorID: "bruno", ItemID: it.ID}, Quantity: it.RequestedQty}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.RegisterDelivery(env.Ctx, engine.RequisitionRef{ActorID: "bruno", RequisitionID: a.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CancelRequisition(env.Ctx, engine.CancelRequisitionOptions{RequisitionRef: engine.RequisitionRef{ActorID: "ana", RequisitionID: b.ID}}); err != nil {
		t.Fatal(err)
	}
	stats, err := env.Engine.Stats(env.Ctx, storeID, "ana")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 1 || stats.Delivered != 1 || stats.Cancelled != 1 || stats.Separated != 0 || stats.AwaitingConfirmation != 1 {
		t.Fatalf("unexpected header counts %+v", stats)
	}
	if stats.Items["delivered"] != 2 || stats.Items["pending"] != 3 {
		t.Fatalf("unexpected item counts %v", stats.Items)
	}
	if stats.Mine == nil || stats.Mine.Pending != 0 || stats.Mine.Delivered != 1 || stats.Mine.Cancelled != 1 {
		t.Fatalf("unexpected per-actor counts %+v", stats.Mine)
	}
}

func TestRoleManagement(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.GrantRole(env.Ctx, engine.RoleOptions{ActorID: "bruno", StoreID: storeID, TargetActorID: "eve", RoleID: "admin"})
	var perr auth.PermissionError
	if !errors.As(err, &perr) || perr.Operation != auth.OpGrantRole {
		t.Fatalf("expected permission error, got %v", err)
	}
	err = env.Engine.GrantRole(env.Ctx, engine.RoleOptions{ActorID: "admin", StoreID: storeID, TargetActorID: "eve", RoleID: "wizard"})
	wantKind(t, err, engine.KindNotFound)

	env.grant(t, storeID, "eve", "stock")
	agg := env.create(t)
	rice := itemFor(t, agg, "rice")
	if _, err := env.Engine.SeparateItem(env.Ctx, engine.SeparateItemOptions{ItemRef: engine.ItemRef{ActorID: "eve", ItemID: rice.ID}, Quantity: qty("1")}); err != nil {
		t.Fatalf("eve separate: %v", err)
	}
	if err := env.Engine.RevokeRole(env.Ctx, engine.RoleOptions{ActorID: "admin", StoreID: storeID, TargetActorID: "eve", RoleID: "stock"}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	beans := itemFor(t, agg, "beans")
	_, err = env.Engine.SeparateItem(env.Ctx, engine.SeparateItemOptions{ItemRef: engine.ItemRef{ActorID: "eve", ItemID: beans.ID}, Quantity: qty("1")})
	wantKind(t, err, engine.KindPermission)
	err = env.Engine.RevokeRole(env.Ctx, engine.RoleOptions{ActorID: "admin", StoreID: storeID, TargetActorID: "eve", RoleID: "stock"})
	wantKind(t, err, engine.KindNotFound)
}
