package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"stockreq/internal/domain"
	"stockreq/internal/events"
)

const requisitionColumns = `id,number,store_id,sector,requester_id,status,observations,expected_delivery_date,shift,created_at,separated_at,delivered_at,confirmed_at,cancelled_at,separation_actor_id,delivery_actor_id,version`

const itemColumns = `id,requisition_id,product_id,product_name,unit,category,code,barcode,requested_qty,separated_qty,delivered_qty,status,observations,separated_at,delivered_at,version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequisition(row rowScanner) (domain.Requisition, error) {
	var h domain.Requisition
	var status string
	var obs, expected, shift, separatedAt, deliveredAt, confirmedAt, cancelledAt, sepActor, delActor sql.NullString
	err := row.Scan(&h.ID, &h.Number, &h.StoreID, &h.Sector, &h.RequesterID, &status, &obs, &expected, &shift,
		&h.CreatedAt, &separatedAt, &deliveredAt, &confirmedAt, &cancelledAt, &sepActor, &delActor, &h.Version)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	h.Status = domain.RequisitionStatus(status)
	h.Observations = obs.String
	h.Shift = shift.String
	h.ExpectedDeliveryDate = stringPtr(expected)
	h.SeparatedAt = stringPtr(separatedAt)
	h.DeliveredAt = stringPtr(deliveredAt)
	h.ConfirmedAt = stringPtr(confirmedAt)
	h.CancelledAt = stringPtr(cancelledAt)
	h.SeparationActorID = stringPtr(sepActor)
	h.DeliveryActorID = stringPtr(delActor)
	return h, nil
}

func scanItem(row rowScanner) (domain.RequisitionItem, error) {
	var it domain.RequisitionItem
	var status string
	var category, code, barcode, obs, separatedAt, deliveredAt sql.NullString
	err := row.Scan(&it.ID, &it.RequisitionID, &it.ProductID, &it.Name, &it.Unit, &category, &code, &barcode,
		&it.RequestedQty, &it.SeparatedQty, &it.DeliveredQty, &status, &obs, &separatedAt, &deliveredAt, &it.Version)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.Status = domain.ItemStatus(status)
	it.Category = category.String
	it.Code = code.String
	it.Barcode = barcode.String
	it.Observations = obs.String
	it.SeparatedAt = stringPtr(separatedAt)
	it.DeliveredAt = stringPtr(deliveredAt)
	return it, nil
}

// CreateAggregate assigns the next per-store number and inserts the header,
// its items and the audit event in one transaction.
func (r Repo) CreateAggregate(ctx context.Context, agg domain.Aggregate, evt events.Entry) (domain.Aggregate, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return agg, err
	}
	defer tx.Rollback()

	number, err := r.nextNumber(ctx, tx, agg.StoreID)
	if err != nil {
		return agg, fmt.Errorf("next requisition number: %w", err)
	}
	agg.Number = number
	h := agg.Requisition
	if _, err := tx.ExecContext(ctx, `INSERT INTO requisitions(`+requisitionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		h.ID, h.Number, h.StoreID, h.Sector, h.RequesterID, string(h.Status), nullable(h.Observations), nullableStringPtr(h.ExpectedDeliveryDate),
		nullable(h.Shift), h.CreatedAt, nullableStringPtr(h.SeparatedAt), nullableStringPtr(h.DeliveredAt), nullableStringPtr(h.ConfirmedAt),
		nullableStringPtr(h.CancelledAt), nullableStringPtr(h.SeparationActorID), nullableStringPtr(h.DeliveryActorID), h.Version); err != nil {
		return agg, fmt.Errorf("insert requisition: %w", err)
	}
	for _, it := range agg.Items {
		if _, err := tx.ExecContext(ctx, `INSERT INTO requisition_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			it.ID, it.RequisitionID, it.ProductID, it.Name, it.Unit, nullable(it.Category), nullable(it.Code), nullable(it.Barcode),
			it.RequestedQty, it.SeparatedQty, it.DeliveredQty, string(it.Status), nullable(it.Observations),
			nullableStringPtr(it.SeparatedAt), nullableStringPtr(it.DeliveredAt), it.Version); err != nil {
			return agg, fmt.Errorf("insert requisition item: %w", err)
		}
	}
	if evt.Payload == nil {
		evt.Payload = events.EventPayload{}
	}
	evt.Payload["number"] = number
	if err := r.Events.Append(ctx, tx, evt); err != nil {
		return agg, err
	}
	if err := tx.Commit(); err != nil {
		return agg, err
	}
	return agg, nil
}

func (r Repo) nextNumber(ctx context.Context, tx *sql.Tx, storeID string) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `INSERT INTO requisition_sequences(store_id,last_number) VALUES (?,1)
ON CONFLICT(store_id) DO UPDATE SET last_number=last_number+1
RETURNING last_number`, storeID).Scan(&n)
	return n, err
}

func (r Repo) GetByID(ctx context.Context, id string) (domain.Aggregate, error) {
	h, err := scanRequisition(r.DB.QueryRowContext(ctx, `SELECT `+requisitionColumns+` FROM requisitions WHERE id=?`, id))
	if err != nil {
		return domain.Aggregate{}, err
	}
	items, err := r.itemsFor(ctx, []string{h.ID})
	if err != nil {
		return domain.Aggregate{}, err
	}
	agg := domain.Aggregate{Requisition: h, Items: items[h.ID]}
	agg.SortItems()
	return agg, nil
}

func (r Repo) GetItem(ctx context.Context, itemID string) (domain.RequisitionItem, error) {
	return scanItem(r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM requisition_items WHERE id=?`, itemID))
}

// RequisitionFilter narrows ListByFilter; StoreID is required.
type RequisitionFilter struct {
	StoreID     string
	Status      string
	RequesterID string
	Sector      string
	Limit       int
	// BeforeNumber pages backwards from the given requisition number.
	BeforeNumber int64
}

func (r Repo) ListByFilter(ctx context.Context, f RequisitionFilter) ([]domain.Aggregate, error) {
	if f.StoreID == "" {
		return nil, fmt.Errorf("store_id required")
	}
	clauses := []string{"store_id=?"}
	args := []any{f.StoreID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.RequesterID != "" {
		clauses = append(clauses, "requester_id=?")
		args = append(args, f.RequesterID)
	}
	if f.Sector != "" {
		clauses = append(clauses, "sector=?")
		args = append(args, f.Sector)
	}
	if f.BeforeNumber > 0 {
		clauses = append(clauses, "number<?")
		args = append(args, f.BeforeNumber)
	}
	query := `SELECT ` + requisitionColumns + ` FROM requisitions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY number DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var headers []domain.Requisition
	for rows.Next() {
		h, err := scanRequisition(rows)
		if err != nil {
			return nil, err
		}
		headers = append(headers, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if len(headers) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(headers))
	for _, h := range headers {
		ids = append(ids, h.ID)
	}
	items, err := r.itemsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Aggregate, 0, len(headers))
	for _, h := range headers {
		agg := domain.Aggregate{Requisition: h, Items: items[h.ID]}
		agg.SortItems()
		res = append(res, agg)
	}
	return res, nil
}

func (r Repo) itemsFor(ctx context.Context, requisitionIDs []string) (map[string][]domain.RequisitionItem, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(requisitionIDs)), ",")
	args := make([]any, 0, len(requisitionIDs))
	for _, id := range requisitionIDs {
		args = append(args, id)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM requisition_items WHERE requisition_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[string][]domain.RequisitionItem, len(requisitionIDs))
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res[it.RequisitionID] = append(res[it.RequisitionID], it)
	}
	return res, rows.Err()
}

// UpdateHeader writes h if its stored version still equals h.Version.
func (r Repo) UpdateHeader(ctx context.Context, h domain.Requisition, evt events.Entry) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := updateHeaderTx(ctx, tx, h); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, evt)
	})
}

// UpdateItem writes it if its stored version still equals it.Version.
func (r Repo) UpdateItem(ctx context.Context, it domain.RequisitionItem, evt events.Entry) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := updateItemTx(ctx, tx, it); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, evt)
	})
}

// UpdateMany writes the header and every item atomically; any version
// mismatch rolls the whole batch back.
func (r Repo) UpdateMany(ctx context.Context, h domain.Requisition, items []domain.RequisitionItem, evt events.Entry) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := updateHeaderTx(ctx, tx, h); err != nil {
			return err
		}
		for _, it := range items {
			if it.RequisitionID != h.ID {
				return fmt.Errorf("item %s does not belong to requisition %s", it.ID, h.ID)
			}
			if err := updateItemTx(ctx, tx, it); err != nil {
				return err
			}
		}
		return r.Events.Append(ctx, tx, evt)
	})
}

func (r Repo) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func updateHeaderTx(ctx context.Context, tx *sql.Tx, h domain.Requisition) error {
	res, err := tx.ExecContext(ctx, `UPDATE requisitions SET status=?, observations=?, separated_at=?, delivered_at=?, confirmed_at=?, cancelled_at=?,
separation_actor_id=?, delivery_actor_id=?, version=version+1 WHERE id=? AND version=?`,
		string(h.Status), nullable(h.Observations), nullableStringPtr(h.SeparatedAt), nullableStringPtr(h.DeliveredAt),
		nullableStringPtr(h.ConfirmedAt), nullableStringPtr(h.CancelledAt), nullableStringPtr(h.SeparationActorID),
		nullableStringPtr(h.DeliveryActorID), h.ID, h.Version)
	if err != nil {
		return fmt.Errorf("update requisition: %w", err)
	}
	return expectOneRow(ctx, tx, res, `SELECT 1 FROM requisitions WHERE id=?`, h.ID)
}

func updateItemTx(ctx context.Context, tx *sql.Tx, it domain.RequisitionItem) error {
	res, err := tx.ExecContext(ctx, `UPDATE requisition_items SET requested_qty=?, separated_qty=?, delivered_qty=?, status=?, observations=?,
separated_at=?, delivered_at=?, version=version+1 WHERE id=? AND version=?`,
		it.RequestedQty, it.SeparatedQty, it.DeliveredQty, string(it.Status), nullable(it.Observations),
		nullableStringPtr(it.SeparatedAt), nullableStringPtr(it.DeliveredAt), it.ID, it.Version)
	if err != nil {
		return fmt.Errorf("update requisition item: %w", err)
	}
	return expectOneRow(ctx, tx, res, `SELECT 1 FROM requisition_items WHERE id=?`, it.ID)
}

// expectOneRow distinguishes a missing row from a stale version.
func expectOneRow(ctx context.Context, tx *sql.Tx, res sql.Result, existsQuery, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var one int
	err = tx.QueryRowContext(ctx, existsQuery, id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrVersionConflict
}
