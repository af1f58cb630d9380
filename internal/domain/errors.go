package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
)

type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// InsufficientStockError names the first line that could not be reserved.
type InsufficientStockError struct {
	SKU       string `json:"sku"`
	Available int    `json:"available"`
	Requested int    `json:"requested"`
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d", e.SKU, e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// StateError reports a rejected move on one of the order state machines.
// Kind is ErrInvalidState or ErrInvalidTransition.
type StateError struct {
	Kind      error
	Current   string
	Requested string
	Reason    string
}

func (e *StateError) Error() string {
	msg := fmt.Sprintf("%v: current %q, requested %q", e.Kind, e.Current, e.Requested)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *StateError) Is(target error) bool { return target == e.Kind }

func invalidState(current, requested, reason string) error {
	return &StateError{Kind: ErrInvalidState, Current: current, Requested: requested, Reason: reason}
}

func invalidTransition(current, requested FulfillmentStatus) error {
	return &StateError{Kind: ErrInvalidTransition, Current: string(current), Requested: string(requested)}
}

// ErrStaleOrder is returned by stores when a compare-and-write loses to a
// concurrent update. It matches ErrInvalidState.
var ErrStaleOrder = &StateError{Kind: ErrInvalidState, Current: "stale", Requested: "write", Reason: "order was modified concurrently, re-read and retry"}

func Unauthorized(reason string) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, reason)
}

// InvalidState builds an ErrInvalidState for state machines outside the
// order aggregate, such as stock reservations.
func InvalidState(current, requested, reason string) error {
	return invalidState(current, requested, reason)
}
