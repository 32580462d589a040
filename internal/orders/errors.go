package orders

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrLineNotFound    = errors.New("order line not found")
	ErrVariantNotFound = errors.New("variant not found")
	ErrProductNotFound = errors.New("product not found")
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrInvalidProduct  = errors.New("invalid product")
)

// InsufficientStockError is returned when a reservation exceeds sellable stock.
type InsufficientStockError struct {
	VariantID int64
	Requested int
	Sellable  int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: variant=%d requested=%d sellable=%d", e.VariantID, e.Requested, e.Sellable)
}

// Is allows errors.Is(err, &InsufficientStockError{}) to match any instance.
func (e *InsufficientStockError) Is(target error) bool {
	_, ok := target.(*InsufficientStockError)
	return ok
}

// OverConfirmationError means a sale was confirmed for more units than are reserved.
type OverConfirmationError struct {
	VariantID int64
	Requested int
	Reserved  int
}

func (e *OverConfirmationError) Error() string {
	return fmt.Sprintf("over-confirmation: variant=%d requested=%d reserved=%d", e.VariantID, e.Requested, e.Reserved)
}

func (e *OverConfirmationError) Is(target error) bool {
	_, ok := target.(*OverConfirmationError)
	return ok
}

// OverCancellationError means more units were released than are reserved.
type OverCancellationError struct {
	VariantID int64
	Requested int
	Reserved  int
}

func (e *OverCancellationError) Error() string {
	return fmt.Sprintf("over-cancellation: variant=%d requested=%d reserved=%d", e.VariantID, e.Requested, e.Reserved)
}

func (e *OverCancellationError) Is(target error) bool {
	_, ok := target.(*OverCancellationError)
	return ok
}

type InvalidTransitionError struct {
	OrderID int64
	From    Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: order=%d %s -> %s", e.OrderID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	_, ok := target.(*InvalidTransitionError)
	return ok
}

// InvalidLineMutationError is returned when lines are added to or removed from a terminal order.
type InvalidLineMutationError struct {
	OrderID int64
	Status  Status
}

func (e *InvalidLineMutationError) Error() string {
	return fmt.Sprintf("invalid line mutation: order=%d status=%s", e.OrderID, e.Status)
}

func (e *InvalidLineMutationError) Is(target error) bool {
	_, ok := target.(*InvalidLineMutationError)
	return ok
}

func IsInsufficientStock(err error) bool {
	var e *InsufficientStockError
	return errors.As(err, &e)
}

func IsInvalidTransition(err error) bool {
	var e *InvalidTransitionError
	return errors.As(err, &e)
}

func IsInvalidLineMutation(err error) bool {
	var e *InvalidLineMutationError
	return errors.As(err, &e)
}

// IsInvariantViolation reports the fatal ledger kinds: a release or confirmation
// larger than the current reservation.
func IsInvariantViolation(err error) bool {
	var oc *OverConfirmationError
	var ox *OverCancellationError
	return errors.As(err, &oc) || errors.As(err, &ox)
}

// IsNotFound reports whether err is any of the lookup sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrLineNotFound) ||
		errors.Is(err, ErrVariantNotFound) ||
		errors.Is(err, ErrProductNotFound)
}
