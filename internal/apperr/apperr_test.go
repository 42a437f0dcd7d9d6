package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "validation", err: Validation("amount %d too small", 1), want: KindValidation},
		{name: "wrapped insufficient funds", err: fmt.Errorf("debit: %w", ErrInsufficientFunds), want: KindInsufficientFunds},
		{name: "user not found", err: ErrUserNotFound, want: KindUserNotFound},
		{name: "restock rejection is out of stock", err: &RejectedError{Provider: "rental", Reason: ReasonRestock}, want: KindOutOfStock},
		{name: "balance rejection", err: &RejectedError{Provider: "rental", Reason: ReasonBalanceExhausted}, want: KindProviderRejected},
		{name: "unavailable", err: Unavailable("rental", errors.New("dial tcp")), want: KindProviderUnavailable},
		{name: "conflict", err: Conflict("active order"), want: KindConflict},
		{name: "unknown", err: errors.New("boom"), want: KindSystem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRejectedErrorMatching(t *testing.T) {
	err := fmt.Errorf("reserve: %w", &RejectedError{Provider: "rental", Reason: ReasonNoNumbers, Message: "no numbers"})

	assert.ErrorIs(t, err, ErrProviderRejected)
	assert.ErrorIs(t, err, ErrOutOfStock)

	reason, ok := ReasonOf(err)
	assert.True(t, ok)
	assert.Equal(t, ReasonNoNumbers, reason)
}

func TestSystemKeepsSingleWrap(t *testing.T) {
	inner := System("write user", errors.New("disk full"))
	outer := System("credit", inner)

	assert.Same(t, inner, outer)
	assert.Nil(t, System("noop", nil))
}
