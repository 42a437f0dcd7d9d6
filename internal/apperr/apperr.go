// Package apperr holds the error taxonomy shared by the ledger, order and deposit components.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input rejected before any side effect.
	ErrValidation = errors.New("validation error")
	// ErrInsufficientFunds marks a debit larger than the current balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrUserNotFound marks an operation on a user record that does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrOutOfStock marks a service with no numbers left.
	ErrOutOfStock = errors.New("out of stock")
	// ErrProviderUnavailable marks network failures and timeouts talking to a provider.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderRejected marks a provider answering with status=false.
	ErrProviderRejected = errors.New("provider rejected request")
	// ErrConflict marks a duplicate active order, deposit or in-flight purchase.
	ErrConflict = errors.New("conflict")
	// ErrSystem marks unexpected failures, store I/O included.
	ErrSystem = errors.New("system error")
)

// Reason classifies a provider rejection.
type Reason string

const (
	ReasonRestock          Reason = "restock"
	ReasonBalanceExhausted Reason = "balance_exhausted"
	ReasonServiceDown      Reason = "service_down"
	ReasonNoNumbers        Reason = "no_numbers"
	ReasonGeneric          Reason = "generic"
)

// RejectedError is returned when a provider answers with a failure message.
type RejectedError struct {
	Provider string
	Reason   Reason
	Message  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected (%s): %s", e.Provider, e.Reason, e.Message)
}

// Is makes restock and no-number rejections match ErrOutOfStock as well.
func (e *RejectedError) Is(target error) bool {
	switch target {
	case ErrProviderRejected:
		return true
	case ErrOutOfStock:
		return e.Reason == ReasonRestock || e.Reason == ReasonNoNumbers
	}
	return false
}

// Validation builds a validation error with a formatted message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Conflict builds a conflict error with a formatted message.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Unavailable wraps a transport failure.
func Unavailable(provider string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrProviderUnavailable, provider, err)
}

// System wraps an unexpected failure.
func System(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSystem) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrSystem, op, err)
}

// Kind labels used for metrics and user-facing messages.
const (
	KindValidation          = "validation"
	KindInsufficientFunds   = "insufficient_funds"
	KindUserNotFound        = "user_not_found"
	KindOutOfStock          = "out_of_stock"
	KindProviderUnavailable = "provider_unavailable"
	KindProviderRejected    = "provider_rejected"
	KindConflict            = "conflict"
	KindSystem              = "system"
)

// KindOf maps err onto the taxonomy. Unknown errors are system errors.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrUserNotFound):
		return KindUserNotFound
	case errors.Is(err, ErrOutOfStock):
		return KindOutOfStock
	case errors.Is(err, ErrProviderUnavailable):
		return KindProviderUnavailable
	case errors.Is(err, ErrProviderRejected):
		return KindProviderRejected
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindSystem
	}
}

// ReasonOf returns the rejection reason carried by err, if any.
func ReasonOf(err error) (Reason, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}
