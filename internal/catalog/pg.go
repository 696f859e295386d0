package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx, so reads can run either
// standalone or inside the reservation transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PG struct{ DB Querier }

func NewPG(db Querier) *PG { return &PG{DB: db} }

func (p *PG) Item(ctx context.Context, id string) (Item, error) {
	var it Item
	err := p.DB.QueryRow(ctx, `
		SELECT id, name, price_cents, stock, active, archived, deleted_at
		FROM products WHERE id=$1`, id).
		Scan(&it.ID, &it.Name, &it.PriceCents, &it.Stock, &it.Active, &it.Archived, &it.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, err
	}
	return it, nil
}

func (p *PG) Bundle(ctx context.Context, id string) (Bundle, error) {
	var b Bundle
	err := p.DB.QueryRow(ctx, `
		SELECT id, name, price_cents, active
		FROM bundles WHERE id=$1`, id).
		Scan(&b.ID, &b.Name, &b.PriceCents, &b.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bundle{}, ErrNotFound
	}
	if err != nil {
		return Bundle{}, err
	}
	return b, nil
}

func (p *PG) BundleComponents(ctx context.Context, id string) ([]Component, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT product_id, quantity
		FROM bundle_items WHERE bundle_id=$1 ORDER BY product_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Component
	for rows.Next() {
		var c Component
		if err := rows.Scan(&c.ItemID, &c.Quantity); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
