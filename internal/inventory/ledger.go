package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/harvestbox/storefront/internal/catalog"
)

type LineType string

const (
	LineItem   LineType = "item"
	LineBundle LineType = "bundle"
)

// Line is a client-submitted cart line: a reference to an item or bundle plus
// a quantity. Not persisted; it only exists between checkout and reservation.
type Line struct {
	ID   string   `json:"id"`
	Qty  int      `json:"qty"`
	Type LineType `json:"type"`
}

// VerifiedLine carries the catalog snapshot taken at validation time: name and
// unit price for the order-line record, expanded components for bundles.
type VerifiedLine struct {
	ID             string
	Name           string
	Qty            int
	UnitPriceCents int
	Type           LineType
	Components     []catalog.Component
}

type Result struct {
	Failed     []FailedLine
	Verified   []VerifiedLine
	TotalCents int
}

// Reservation is one item-level hold recorded for an order.
type Reservation struct {
	ItemID string
	Qty    int
}

// StockStore is the only mutation path for item stock. Implementations issue
// relative deltas to the datastore; there is no read-modify-write anywhere.
type StockStore interface {
	// Decrement applies stock = stock - qty, guarded by stock >= qty.
	// Returns ErrInsufficient when the guard rejects the update.
	Decrement(ctx context.Context, itemID string, qty int) error
	// Increment applies the inverse delta.
	Increment(ctx context.Context, itemID string, qty int) error
	AddReservation(ctx context.Context, orderID, itemID string, qty int) error
	// Reserved returns the holds still open for the order.
	Reserved(ctx context.Context, orderID string) ([]Reservation, error)
	// Release flips the order's open holds to released, returning how many
	// rows changed. A second call finds nothing and changes nothing.
	Release(ctx context.Context, orderID string) (int64, error)
}

// Ledger validates and atomically reserves/releases stock for plain items and
// composite bundles. Validate, Reserve and the order insert must share one
// transaction; construct the Ledger over that transaction's Querier.
type Ledger struct {
	Catalog catalog.Store
	Stock   StockStore
}

func NewLedger(cat catalog.Store, stock StockStore) *Ledger {
	return &Ledger{Catalog: cat, Stock: stock}
}

// ValidateStock checks every line and collects every failure; it never stops
// at the first bad line. The returned total is recomputed from catalog prices,
// never trusted from the client.
func (l *Ledger) ValidateStock(ctx context.Context, lines []Line) (Result, error) {
	var res Result
	for _, ln := range lines {
		qty := ln.Qty
		if qty <= 0 {
			qty = 1
		}
		switch ln.Type {
		case LineBundle:
			if err := l.validateBundle(ctx, ln.ID, qty, &res); err != nil {
				return Result{}, err
			}
		default:
			if err := l.validateItem(ctx, ln.ID, qty, &res); err != nil {
				return Result{}, err
			}
		}
	}
	return res, nil
}

func (l *Ledger) validateItem(ctx context.Context, id string, qty int, res *Result) error {
	it, err := l.Catalog.Item(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		res.Failed = append(res.Failed, FailedLine{ID: id, Name: "Unknown Item", Reason: ReasonNotFound, Requested: qty})
		return nil
	}
	if err != nil {
		return fmt.Errorf("catalog item %s: %w", id, err)
	}
	if !it.Sellable() {
		res.Failed = append(res.Failed, FailedLine{ID: id, Name: it.Name, Reason: ReasonNotFound, Requested: qty})
		return nil
	}
	if it.Stock < qty {
		res.Failed = append(res.Failed, FailedLine{ID: id, Name: it.Name, Reason: ReasonInsufficient, Requested: qty, Available: it.Stock})
		return nil
	}
	res.Verified = append(res.Verified, VerifiedLine{
		ID: id, Name: it.Name, Qty: qty, UnitPriceCents: it.PriceCents, Type: LineItem,
	})
	res.TotalCents += it.PriceCents * qty
	return nil
}

// validateBundle expands the bundle and checks each component for
// qty x requiredQuantity. One failing component fails the whole bundle line.
func (l *Ledger) validateBundle(ctx context.Context, id string, qty int, res *Result) error {
	b, err := l.Catalog.Bundle(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		res.Failed = append(res.Failed, FailedLine{ID: id, Name: "Unknown Bundle", Reason: ReasonNotFound, Requested: qty})
		return nil
	}
	if err != nil {
		return fmt.Errorf("catalog bundle %s: %w", id, err)
	}
	if !b.Active {
		res.Failed = append(res.Failed, FailedLine{ID: id, Name: b.Name, Reason: ReasonNotFound, Requested: qty})
		return nil
	}
	comps, err := l.Catalog.BundleComponents(ctx, id)
	if err != nil {
		return fmt.Errorf("bundle components %s: %w", id, err)
	}
	for _, c := range comps {
		it, err := l.Catalog.Item(ctx, c.ItemID)
		if errors.Is(err, catalog.ErrNotFound) {
			res.Failed = append(res.Failed, FailedLine{ID: id, Name: b.Name, Reason: ReasonNotFound, Requested: qty})
			return nil
		}
		if err != nil {
			return fmt.Errorf("catalog item %s: %w", c.ItemID, err)
		}
		required := c.Quantity * qty
		if !it.Sellable() {
			res.Failed = append(res.Failed, FailedLine{ID: id, Name: b.Name, Reason: ReasonNotFound, Requested: required})
			return nil
		}
		if it.Stock < required {
			res.Failed = append(res.Failed, FailedLine{ID: id, Name: b.Name, Reason: ReasonInsufficient, Requested: required, Available: it.Stock})
			return nil
		}
	}
	res.Verified = append(res.Verified, VerifiedLine{
		ID: id, Name: b.Name, Qty: qty, UnitPriceCents: b.PriceCents, Type: LineBundle, Components: comps,
	})
	res.TotalCents += b.PriceCents * qty
	return nil
}

// ReserveStock applies the relative decrements for every verified line and
// records one reservation row per item. Bundles decrement their components,
// never a bundle-level stock field. Any error must roll back the enclosing
// transaction so no partial decrement ever persists.
func (l *Ledger) ReserveStock(ctx context.Context, orderID string, verified []VerifiedLine) error {
	deltas := expandDeltas(verified)
	for _, id := range sortedKeys(deltas) {
		qty := deltas[id]
		if err := l.Stock.Decrement(ctx, id, qty); err != nil {
			if errors.Is(err, ErrInsufficient) {
				return &ContestedError{ItemID: id, Qty: qty}
			}
			return fmt.Errorf("reserve %s x%d: %w", id, qty, err)
		}
		if err := l.Stock.AddReservation(ctx, orderID, id, qty); err != nil {
			return fmt.Errorf("record reservation %s: %w", id, err)
		}
	}
	return nil
}

// ReleaseStock applies the exact inverse deltas of the order's open holds and
// closes them. Safe to call repeatedly; only the first call moves stock.
func (l *Ledger) ReleaseStock(ctx context.Context, orderID string) error {
	recs, err := l.Stock.Reserved(ctx, orderID)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if err := l.Stock.Increment(ctx, r.ItemID, r.Qty); err != nil {
			return fmt.Errorf("release %s x%d: %w", r.ItemID, r.Qty, err)
		}
	}
	if _, err := l.Stock.Release(ctx, orderID); err != nil {
		return err
	}
	return nil
}

// ContestedLines maps a lost decrement back to the cart lines demanding that
// item: plain lines for the item itself, bundle lines whose components include
// it. Lines not touching the item are left out of the report.
func ContestedLines(verified []VerifiedLine, itemID string, requested, available int) []FailedLine {
	var out []FailedLine
	for _, v := range verified {
		if !lineUses(v, itemID) {
			continue
		}
		out = append(out, FailedLine{
			ID: v.ID, Name: v.Name, Reason: ReasonInsufficient,
			Requested: requested, Available: available,
		})
	}
	return out
}

func lineUses(v VerifiedLine, itemID string) bool {
	if v.Type == LineBundle {
		for _, c := range v.Components {
			if c.ItemID == itemID {
				return true
			}
		}
		return false
	}
	return v.ID == itemID
}

// expandDeltas aggregates quantities per item across all lines, expanding
// bundle components, so each item gets exactly one decrement.
func expandDeltas(verified []VerifiedLine) map[string]int {
	deltas := make(map[string]int)
	for _, v := range verified {
		if v.Type == LineBundle {
			for _, c := range v.Components {
				deltas[c.ItemID] += c.Quantity * v.Qty
			}
			continue
		}
		deltas[v.ID] += v.Qty
	}
	return deltas
}

// sortedKeys fixes the decrement order so concurrent reservations touching the
// same items cannot deadlock each other.
func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
