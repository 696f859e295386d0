package inventory

import (
	"context"

	"github.com/harvestbox/storefront/internal/catalog"
)

// PGStock implements StockStore over a pgx Querier. Constructed over the
// checkout transaction, the guarded relative update is the sole
// mutual-exclusion boundary: the first transaction to commit against a
// contested item wins and later ones fail the guard.
type PGStock struct{ DB catalog.Querier }

func NewPGStock(db catalog.Querier) *PGStock { return &PGStock{DB: db} }

func (s *PGStock) Decrement(ctx context.Context, itemID string, qty int) error {
	ct, err := s.DB.Exec(ctx,
		`UPDATE products SET stock = stock - $2 WHERE id=$1 AND stock >= $2`,
		itemID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrInsufficient
	}
	return nil
}

func (s *PGStock) Increment(ctx context.Context, itemID string, qty int) error {
	_, err := s.DB.Exec(ctx,
		`UPDATE products SET stock = stock + $2 WHERE id=$1`,
		itemID, qty)
	return err
}

func (s *PGStock) AddReservation(ctx context.Context, orderID, itemID string, qty int) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO reservations(order_id, product_id, qty, status)
		VALUES ($1,$2,$3,'RESERVED')
		ON CONFLICT (order_id, product_id) DO NOTHING`,
		orderID, itemID, qty)
	return err
}

func (s *PGStock) Reserved(ctx context.Context, orderID string) ([]Reservation, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT product_id, qty FROM reservations WHERE order_id=$1 AND status='RESERVED'`,
		orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.ItemID, &r.Qty); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStock) Release(ctx context.Context, orderID string) (int64, error) {
	ct, err := s.DB.Exec(ctx,
		`UPDATE reservations SET status='RELEASED' WHERE order_id=$1 AND status='RESERVED'`,
		orderID)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
