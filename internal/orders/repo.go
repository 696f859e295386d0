package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harvestbox/storefront/internal/catalog"
	"github.com/harvestbox/storefront/internal/inventory"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Repo struct{ DB *pgxpool.Pool }

type CheckoutRequest struct {
	UserEmail      string
	DeliveryWindow string
	Lines          []inventory.Line
}

type CheckoutResult struct {
	OrderID    string
	TotalCents int
	Lines      []OrderLine
}

func (r *Repo) ledger(q catalog.Querier) *inventory.Ledger {
	return inventory.NewLedger(catalog.NewPG(q), inventory.NewPGStock(q))
}

// CreateOrder runs validate + reserve + order insert as one transaction.
// A failing line rolls back everything and surfaces *inventory.StockError
// with the complete list of problems. The payment intent is NOT created here;
// that happens after commit so a slow gateway never holds row locks.
func (r *Repo) CreateOrder(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return CheckoutResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	led := r.ledger(tx)
	res, err := led.ValidateStock(ctx, req.Lines)
	if err != nil {
		return CheckoutResult{}, err
	}
	if len(res.Failed) > 0 {
		return CheckoutResult{}, &inventory.StockError{Failed: res.Failed}
	}

	orderID := uuid.NewString()
	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, user_email, status, total_cents, delivery_window)
		VALUES ($1,$2,$3,$4,$5)`,
		orderID, req.UserEmail, StatusPendingPayment, res.TotalCents, req.DeliveryWindow)
	if err != nil {
		return CheckoutResult{}, err
	}

	if err := led.ReserveStock(ctx, orderID, res.Verified); err != nil {
		// A contested decrement means a concurrent checkout won that item's
		// stock between our read and the guard. Only the lines demanding the
		// losing item are reported; the rollback undoes every decrement so far.
		var ce *inventory.ContestedError
		if errors.As(err, &ce) {
			avail := 0
			if it, ierr := catalog.NewPG(tx).Item(ctx, ce.ItemID); ierr == nil {
				avail = it.Stock
			}
			return CheckoutResult{}, &inventory.StockError{
				Failed: inventory.ContestedLines(res.Verified, ce.ItemID, ce.Qty, avail),
			}
		}
		return CheckoutResult{}, err
	}

	lines := make([]OrderLine, 0, len(res.Verified))
	for _, v := range res.Verified {
		ln := OrderLine{
			OrderID: orderID, ProductID: v.ID, Name: v.Name,
			Qty: v.Qty, PriceCents: v.UnitPriceCents, Type: string(v.Type),
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, product_name, quantity, price_at_purchase, item_type)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			ln.OrderID, ln.ProductID, ln.Name, ln.Qty, ln.PriceCents, ln.Type); err != nil {
			return CheckoutResult{}, err
		}
		lines = append(lines, ln)
	}

	if err := tx.Commit(ctx); err != nil {
		return CheckoutResult{}, err
	}
	return CheckoutResult{OrderID: orderID, TotalCents: res.TotalCents, Lines: lines}, nil
}

// MarkPaid records the payment and moves the order to Paid, idempotently.
// The unique provider_ref makes the ledger insert a no-op on replay; an order
// already at Paid or further along keeps its status and timestamps. Returns
// whether this call inserted a new payment row.
func (r *Repo) MarkPaid(ctx context.Context, orderID string, rec PaymentRecord) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var st Status
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	ct, err := tx.Exec(ctx, `
		INSERT INTO payments(order_id, provider_ref, amount_cents, currency, status, receipt_email, raw_data)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (provider_ref) DO NOTHING`,
		orderID, rec.ProviderRef, rec.AmountCents, rec.Currency, rec.Status, rec.ReceiptEmail, rec.Raw)
	if err != nil {
		return false, err
	}
	inserted := ct.RowsAffected() > 0

	// Only lift PendingPayment / PaymentFailed. Later states already carry
	// the payment; Canceled stays canceled and the operator reconciles.
	if st == StatusPendingPayment || st == StatusPaymentFailed {
		if _, err := tx.Exec(ctx, `UPDATE orders SET status=$2 WHERE id=$1`, orderID, StatusPaid); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return inserted, nil
}

// MarkPaymentFailed moves a PendingPayment order to PaymentFailed and releases
// its reservation. Repeated failure signals are no-ops: the status check and
// the RESERVED->RELEASED flip both guard the second application.
func (r *Repo) MarkPaymentFailed(ctx context.Context, orderID string) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var st Status
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if st != StatusPendingPayment {
		return false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `UPDATE orders SET status=$2 WHERE id=$1`, orderID, StatusPaymentFailed); err != nil {
		return false, err
	}
	if err := r.ledger(tx).ReleaseStock(ctx, orderID); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// StatusChange reports the transition UpdateStatus applied: the status the
// order held before, and the timestamp set after.
type StatusChange struct {
	From       Status
	Timestamps Timestamps
}

// UpdateStatus is the admin transition path. All-or-nothing: status, the full
// timestamp set and any stock release commit together or not at all.
func (r *Repo) UpdateStatus(ctx context.Context, orderID string, target Status) (StatusChange, error) {
	if !target.Valid() {
		return StatusChange{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, target)
	}

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return StatusChange{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var st Status
	var ts Timestamps
	err = tx.QueryRow(ctx, `
		SELECT status, packed_at, shipped_at, delivered_at, cancelled_at
		FROM orders WHERE id=$1 FOR UPDATE`, orderID).
		Scan(&st, &ts.Packed, &ts.Shipped, &ts.Delivered, &ts.Cancelled)
	if errors.Is(err, pgx.ErrNoRows) {
		return StatusChange{}, ErrNotFound
	}
	if err != nil {
		return StatusChange{}, err
	}

	if !CanTransition(st, target) {
		return StatusChange{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st, target)
	}

	ts = ApplyTimestamps(ts, target, time.Now().UTC())
	_, err = tx.Exec(ctx, `
		UPDATE orders
		SET status=$2, packed_at=$3, shipped_at=$4, delivered_at=$5, cancelled_at=$6
		WHERE id=$1`,
		orderID, target, ts.Packed, ts.Shipped, ts.Delivered, ts.Cancelled)
	if err != nil {
		return StatusChange{}, err
	}

	// Cancellation and payment failure give the stock back. The release is
	// reservation-guarded, so cancelling twice cannot double-increment.
	if target == StatusCanceled || target == StatusPaymentFailed {
		if err := r.ledger(tx).ReleaseStock(ctx, orderID); err != nil {
			return StatusChange{}, err
		}
	}
	return StatusChange{From: st, Timestamps: ts}, tx.Commit(ctx)
}

// PendingPaymentSince lists PendingPayment orders created after cutoff, the
// sweeper's bounded scan window. Older zombies are left to operator tooling.
func (r *Repo) PendingPaymentSince(ctx context.Context, cutoff time.Time) ([]PendingOrder, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, user_email, created_at FROM orders
		WHERE status=$1 AND created_at > $2
		ORDER BY created_at`, StatusPendingPayment, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingOrder
	for rows.Next() {
		var p PendingOrder
		if err := rows.Scan(&p.ID, &p.UserEmail, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) GetStatus(ctx context.Context, orderID string) (Status, error) {
	var s Status
	err := r.DB.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, orderID).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return s, err
}

func (r *Repo) Get(ctx context.Context, orderID string) (Order, error) {
	var o Order
	err := r.DB.QueryRow(ctx, `
		SELECT o.id, o.user_email, o.status, o.total_cents, COALESCE(o.delivery_window,''),
		       o.created_at, o.packed_at, o.shipped_at, o.delivered_at, o.cancelled_at,
		       COALESCE((SELECT p.provider_ref FROM payments p WHERE p.order_id=o.id LIMIT 1), '')
		FROM orders o WHERE o.id=$1`, orderID).
		Scan(&o.ID, &o.UserEmail, &o.Status, &o.TotalCents, &o.DeliveryWindow,
			&o.CreatedAt, &o.Timestamps.Packed, &o.Timestamps.Shipped,
			&o.Timestamps.Delivered, &o.Timestamps.Cancelled, &o.PaymentRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.Lines, err = r.lines(ctx, orderID)
	return o, err
}

func (r *Repo) lines(ctx context.Context, orderID string) ([]OrderLine, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT order_id, product_id, product_name, quantity, price_at_purchase, item_type
		FROM order_items WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderLine
	for rows.Next() {
		var ln OrderLine
		if err := rows.Scan(&ln.OrderID, &ln.ProductID, &ln.Name, &ln.Qty, &ln.PriceCents, &ln.Type); err != nil {
			return nil, err
		}
		out = append(out, ln)
	}
	return out, rows.Err()
}

// List returns orders for the admin surface, newest first, lines included.
func (r *Repo) List(ctx context.Context) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT o.id, o.user_email, o.status, o.total_cents, COALESCE(o.delivery_window,''),
		       o.created_at, o.packed_at, o.shipped_at, o.delivered_at, o.cancelled_at,
		       COALESCE((SELECT p.provider_ref FROM payments p WHERE p.order_id=o.id LIMIT 1), '')
		FROM orders o ORDER BY o.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.UserEmail, &o.Status, &o.TotalCents, &o.DeliveryWindow,
			&o.CreatedAt, &o.Timestamps.Packed, &o.Timestamps.Shipped,
			&o.Timestamps.Delivered, &o.Timestamps.Cancelled, &o.PaymentRef); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		lines, err := r.lines(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Lines = lines
	}
	return out, nil
}

// ListByUser returns the caller's own orders, newest first.
func (r *Repo) ListByUser(ctx context.Context, email string) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT o.id, o.user_email, o.status, o.total_cents, COALESCE(o.delivery_window,''),
		       o.created_at, o.packed_at, o.shipped_at, o.delivered_at, o.cancelled_at, ''
		FROM orders o WHERE o.user_email=$1 ORDER BY o.created_at DESC`, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.UserEmail, &o.Status, &o.TotalCents, &o.DeliveryWindow,
			&o.CreatedAt, &o.Timestamps.Packed, &o.Timestamps.Shipped,
			&o.Timestamps.Delivered, &o.Timestamps.Cancelled, &o.PaymentRef); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		lines, err := r.lines(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Lines = lines
	}
	return out, nil
}
