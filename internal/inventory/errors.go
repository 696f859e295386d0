package inventory

import (
	"errors"
	"fmt"
)

// ErrInsufficient is returned by StockStore.Decrement when the guarded update
// matches no row, i.e. another transaction won the remaining stock.
var ErrInsufficient = errors.New("insufficient stock")

// ContestedError identifies the one item whose guarded decrement lost to a
// concurrent reservation, so callers can report just that item instead of the
// whole cart.
type ContestedError struct {
	ItemID string
	Qty    int
}

func (e *ContestedError) Error() string {
	return fmt.Sprintf("stock contested for %s x%d", e.ItemID, e.Qty)
}

func (e *ContestedError) Unwrap() error { return ErrInsufficient }

type Reason string

const (
	ReasonNotFound     Reason = "not_found"
	ReasonInsufficient Reason = "insufficient_stock"
)

type FailedLine struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Reason    Reason `json:"reason"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// StockError aggregates every failing line so the caller can report all
// problems at once instead of failing on the first one.
type StockError struct {
	Failed []FailedLine
}

func (e *StockError) Error() string {
	return fmt.Sprintf("inventory: %d line(s) unavailable", len(e.Failed))
}
