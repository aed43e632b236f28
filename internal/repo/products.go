package repo

import (
	"context"
	"database/sql"
	"errors"

	"stockreq/internal/domain"
)

func (r Repo) InsertProduct(ctx context.Context, tx *sql.Tx, p domain.Product) error {
	if p.ID == "" || p.StoreID == "" {
		return errors.New("product id and store_id required")
	}
	if p.Name == "" || p.Unit == "" {
		return errors.New("product name and unit required")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO products(id,store_id,name,unit,category,code,barcode,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.StoreID, p.Name, p.Unit, nullable(p.Category), nullable(p.Code), nullable(p.Barcode), p.CreatedAt)
	return err
}

// GetProduct looks a product up within a store; products of other stores are not found.
func (r Repo) GetProduct(ctx context.Context, storeID, id string) (domain.Product, error) {
	var p domain.Product
	var category, code, barcode sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,store_id,name,unit,category,code,barcode,created_at FROM products WHERE id=? AND store_id=?`, id, storeID).
		Scan(&p.ID, &p.StoreID, &p.Name, &p.Unit, &category, &code, &barcode, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Category = category.String
	p.Code = code.String
	p.Barcode = barcode.String
	return p, nil
}

func (r Repo) ListProducts(ctx context.Context, storeID string) ([]domain.Product, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,store_id,name,unit,category,code,barcode,created_at FROM products WHERE store_id=? ORDER BY name, id`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Product
	for rows.Next() {
		var p domain.Product
		var category, code, barcode sql.NullString
		if err := rows.Scan(&p.ID, &p.StoreID, &p.Name, &p.Unit, &category, &code, &barcode, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Category = category.String
		p.Code = code.String
		p.Barcode = barcode.String
		res = append(res, p)
	}
	return res, rows.Err()
}
