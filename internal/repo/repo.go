package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stockreq/internal/config"
	"stockreq/internal/domain"
	"stockreq/internal/events"
)

type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means a row changed between read and write.
	ErrVersionConflict = errors.New("version conflict")
)

func (r Repo) InsertStore(ctx context.Context, tx *sql.Tx, s domain.Store) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stores(id,name,created_at) VALUES (?,?,?)`, s.ID, s.Name, s.CreatedAt)
	return err
}

func (r Repo) GetStore(ctx context.Context, id string) (domain.Store, error) {
	var s domain.Store
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM stores WHERE id=?`, id).Scan(&s.ID, &s.Name, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// SingleStore returns the only store in the workspace.
func (r Repo) SingleStore(ctx context.Context) (domain.Store, error) {
	stores, err := r.ListStores(ctx)
	if err != nil {
		return domain.Store{}, err
	}
	if len(stores) == 0 {
		return domain.Store{}, ErrNotFound
	}
	if len(stores) > 1 {
		return domain.Store{}, fmt.Errorf("multiple stores exist; specify --store")
	}
	return stores[0], nil
}

func (r Repo) ListStores(ctx context.Context) ([]domain.Store, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM stores ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Store
	for rows.Next() {
		var s domain.Store
		if err := rows.Scan(&s.ID, &s.Name, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpsertStoreConfig(ctx context.Context, storeID string, cfg *config.Config) error {
	return upsertStoreConfig(ctx, r.DB, nil, storeID, cfg)
}

func (r Repo) UpsertStoreConfigTx(ctx context.Context, tx *sql.Tx, storeID string, cfg *config.Config) error {
	return upsertStoreConfig(ctx, nil, tx, storeID, cfg)
}

func upsertStoreConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, storeID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Store.ID = storeID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO store_configs(store_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(store_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, storeID, string(payload), now, now)
	return err
}

func (r Repo) GetStoreConfig(ctx context.Context, storeID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM store_configs WHERE store_id=?`, storeID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Store.ID == "" {
		cfg.Store.ID = storeID
	}
	return &cfg, cfg.Validate()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
