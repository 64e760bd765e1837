package inventory

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("inventory item not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidInput      = errors.New("invalid inventory input")

	// ErrLockTimeout covers lock waits that ran out of time and deadlock victims.
	// Nothing was written; callers may retry with backoff.
	ErrLockTimeout = errors.New("inventory row busy: lock timeout")

	// ErrReservationUnderflow means a release or commit asked for more than is
	// reserved. It signals a bookkeeping bug upstream, not a shortage.
	ErrReservationUnderflow = errors.New("reserved quantity would go negative")
)

// Shortfall describes one line that could not be satisfied.
type Shortfall struct {
	ProductID  string `json:"product_id"`
	VariantID  string `json:"variant_id"`
	LocationID string `json:"location_id"`
	Requested  int64  `json:"requested"`
	Available  int64  `json:"available"`
}

// InsufficientStockError lists every short line of a rejected request.
// The request as a whole changed nothing.
type InsufficientStockError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientStockError) Error() string {
	if len(e.Shortfalls) == 0 {
		return ErrInsufficientStock.Error()
	}
	first := e.Shortfalls[0]
	msg := fmt.Sprintf("%s for product %s: requested %d, available %d",
		ErrInsufficientStock, first.ProductID, first.Requested, first.Available)
	if len(e.Shortfalls) > 1 {
		others := make([]string, 0, len(e.Shortfalls)-1)
		for _, s := range e.Shortfalls[1:] {
			others = append(others, s.ProductID)
		}
		msg += fmt.Sprintf(" (also short: %s)", strings.Join(others, ", "))
	}
	return msg
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// IsRetryable reports whether err is a transient failure the caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
