package repo

import (
	"context"
	"database/sql"

	"stockreq/internal/domain"
)

const eventColumns = `id,ts,type,store_id,entity_kind,entity_id,actor_id,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var storeID, entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &storeID, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.StoreID = storeID.String
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events of a store, newest first.
func (r Repo) LatestEvents(ctx context.Context, storeID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE store_id=? ORDER BY id DESC LIMIT ?`, storeID, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with id greater than afterID in id order.
// An empty storeID matches every store.
func (r Repo) EventsAfter(ctx context.Context, storeID string, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE id>?`
	args := []any{afterID}
	if storeID != "" {
		query += ` AND store_id=?`
		args = append(args, storeID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
