// Package ledger keeps user balances in the record store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bot-otp/internal/apperr"
	"bot-otp/internal/metrics"
	"bot-otp/internal/store"
)

// TableUsers holds one record per user.
const TableUsers = "users"

// User is the persisted user record. Balance is in minor currency units.
type User struct {
	ID           string    `json:"id"`
	Balance      int64     `json:"balance"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
}

// Ledger performs balance mutations as single read-modify-writes of the user record.
type Ledger struct {
	store   *store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a ledger over st.
func New(st *store.Store, logger *slog.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		store:   st,
		logger:  logger.With("component", "ledger"),
		metrics: m,
		now:     time.Now,
	}
}

// Credit adds amount to the user's balance, creating the user when missing.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	if err := validate(userID, amount); err != nil {
		return 0, err
	}
	var u User
	err := l.store.Update(ctx, userKey(userID), &u, func(found bool) (store.Mutation, error) {
		now := l.now()
		if !found {
			u = User{ID: userID, CreatedAt: now}
		}
		u.Balance += amount
		u.LastActivity = now
		return store.Save, nil
	})
	if err != nil {
		l.metrics.Ledger("credit", "error")
		return 0, apperr.System("credit balance", err)
	}
	l.metrics.Ledger("credit", "ok")
	l.logger.Info("balance credited", "user_id", userID, "amount", amount, "balance", u.Balance)
	return u.Balance, nil
}

// Debit subtracts amount. The balance check and the write happen under the
// same record lock, so concurrent debits can never drive it negative.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64) (int64, error) {
	if err := validate(userID, amount); err != nil {
		return 0, err
	}
	var u User
	err := l.store.Update(ctx, userKey(userID), &u, func(found bool) (store.Mutation, error) {
		if !found {
			return store.Skip, apperr.ErrUserNotFound
		}
		if u.Balance < amount {
			return store.Skip, fmt.Errorf("%w: balance %d, need %d", apperr.ErrInsufficientFunds, u.Balance, amount)
		}
		u.Balance -= amount
		u.LastActivity = l.now()
		return store.Save, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrUserNotFound), errors.Is(err, apperr.ErrInsufficientFunds):
			l.metrics.Ledger("debit", "rejected")
			return 0, err
		default:
			l.metrics.Ledger("debit", "error")
			return 0, apperr.System("debit balance", err)
		}
	}
	l.metrics.Ledger("debit", "ok")
	l.logger.Info("balance debited", "user_id", userID, "amount", amount, "balance", u.Balance)
	return u.Balance, nil
}

// Get returns the user record.
func (l *Ledger) Get(ctx context.Context, userID string) (*User, error) {
	var u User
	found, err := l.store.Read(ctx, userKey(userID), &u)
	if err != nil {
		return nil, apperr.System("read user", err)
	}
	if !found {
		return nil, apperr.ErrUserNotFound
	}
	return &u, nil
}

// Balance returns the current balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	u, err := l.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.Balance, nil
}

// Touch registers first contact or stamps activity of an existing user.
func (l *Ledger) Touch(ctx context.Context, userID string) (*User, error) {
	if userID == "" {
		return nil, apperr.Validation("user id is empty")
	}
	var u User
	err := l.store.Update(ctx, userKey(userID), &u, func(found bool) (store.Mutation, error) {
		now := l.now()
		if !found {
			u = User{ID: userID, CreatedAt: now}
		}
		u.LastActivity = now
		return store.Save, nil
	})
	if err != nil {
		return nil, apperr.System("touch user", err)
	}
	return &u, nil
}

// Purge deletes the user record.
func (l *Ledger) Purge(ctx context.Context, userID string) error {
	if err := l.store.Delete(ctx, userKey(userID)); err != nil {
		return apperr.System("purge user", err)
	}
	l.logger.Info("user purged", "user_id", userID)
	return nil
}

// Users lists every known user id.
func (l *Ledger) Users() ([]string, error) {
	ids, err := l.store.Keys(TableUsers)
	if err != nil {
		return nil, apperr.System("list users", err)
	}
	return ids, nil
}

func userKey(userID string) string {
	return store.Key(TableUsers, userID)
}

func validate(userID string, amount int64) error {
	if userID == "" {
		return apperr.Validation("user id is empty")
	}
	if amount <= 0 {
		return apperr.Validation("amount must be positive, got %d", amount)
	}
	return nil
}
