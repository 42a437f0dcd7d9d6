// Package order drives a rented number from reservation to completion or refund.
package order

import (
	"context"
	"fmt"
	"time"

	"bot-otp/internal/apperr"
	"bot-otp/internal/chat"
	"bot-otp/internal/rental"
	"bot-otp/internal/store"
)

// TableOrders holds the active order of each user, keyed by user id.
const TableOrders = "orders"

// Status of an order.
type Status string

const (
	StatusReserved    Status = "reserved"
	StatusAwaitingSMS Status = "awaiting_sms"
	StatusCancelling  Status = "cancelling"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
)

// Active reports whether the order still waits for an SMS.
func (s Status) Active() bool {
	return s == StatusReserved || s == StatusAwaitingSMS
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Order is a rented number paid for by a user.
type Order struct {
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	ServiceID   string          `json:"service_id"`
	ServiceName string          `json:"service_name"`
	Country     string          `json:"country"`
	Number      string          `json:"number"`
	Price       int64           `json:"price"`
	CreatedAt   time.Time       `json:"created_at"`
	Status      Status          `json:"status"`
	Channel     chat.ChannelRef `json:"channel"`
}

// ReserveRequest describes a purchase. ExpectedPrice is the price the user saw;
// zero skips the price-change check.
type ReserveRequest struct {
	UserID        string
	Country       string
	ServiceID     string
	ExpectedPrice int64
	Channel       chat.ChannelRef
}

func (r ReserveRequest) validate() error {
	switch {
	case r.UserID == "":
		return apperr.Validation("user id is empty")
	case r.Country == "":
		return apperr.Validation("country is required")
	case r.ServiceID == "":
		return apperr.Validation("service is required")
	case r.ExpectedPrice < 0:
		return apperr.Validation("expected price is negative")
	}
	return nil
}

// PriceChangedError asks the user to confirm a price that went up since listing.
type PriceChangedError struct {
	Expected int64
	Current  int64
}

func (e *PriceChangedError) Error() string {
	return fmt.Sprintf("price changed from %d to %d", e.Expected, e.Current)
}

// Is lets callers treat a price change as a conflict.
func (e *PriceChangedError) Is(target error) bool {
	return target == apperr.ErrConflict
}

// CancelStatus is the outcome of a manual cancel.
type CancelStatus string

const (
	CancelDone       CancelStatus = "cancelled"
	CancelTooEarly   CancelStatus = "too_early"
	CancelNotFound   CancelStatus = "not_found"
	CancelInProgress CancelStatus = "in_progress"
)

// CancelResult reports a manual cancel. Remaining is set for CancelTooEarly,
// Refunded for CancelDone.
type CancelResult struct {
	Status    CancelStatus
	OrderID   string
	Remaining time.Duration
	Refunded  int64
}

// Provider is the subset of the rental client the manager needs.
type Provider interface {
	Services(ctx context.Context, country string, fresh bool) ([]rental.Service, error)
	Reserve(ctx context.Context, country, serviceID string) (*rental.Reservation, error)
	Status(ctx context.Context, orderID string) (*rental.ActivationStatus, error)
	SetStatus(ctx context.Context, orderID string, code rental.StatusCode) error
}

// Balances is the ledger surface used for charging and refunding.
type Balances interface {
	Credit(ctx context.Context, userID string, amount int64) (int64, error)
	Debit(ctx context.Context, userID string, amount int64) (int64, error)
	Balance(ctx context.Context, userID string) (int64, error)
}

func orderKey(userID string) string {
	return store.Key(TableOrders, userID)
}
