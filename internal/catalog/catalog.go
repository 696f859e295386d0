package catalog

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("catalog: not found")

// Item is a plain sellable product. Stock lives here; the inventory ledger is
// the only writer.
type Item struct {
	ID         string
	Name       string
	PriceCents int
	Stock      int
	Active     bool
	Archived   bool
	DeletedAt  *time.Time
}

// Sellable reports whether the item may appear on a new order at all.
// Stock is checked separately so callers can report requested vs available.
func (i Item) Sellable() bool {
	return i.Active && !i.Archived && i.DeletedAt == nil
}

// Bundle is a curated box of items. It holds no stock of its own; availability
// derives from its components.
type Bundle struct {
	ID         string
	Name       string
	PriceCents int
	Active     bool
}

// Component is one (item, required quantity) pair of a bundle.
type Component struct {
	ItemID   string
	Quantity int
}

// Store is the read-only catalog boundary. Implementations constructed over a
// transaction see a snapshot consistent with the reservation being made.
type Store interface {
	Item(ctx context.Context, id string) (Item, error)
	Bundle(ctx context.Context, id string) (Bundle, error)
	BundleComponents(ctx context.Context, id string) ([]Component, error)
}
