package order

import (
	"context"
	"fmt"
	"time"

	"bot-otp/internal/apperr"
	"bot-otp/internal/chat"
	"bot-otp/internal/guard"
	"bot-otp/internal/rental"
	"bot-otp/internal/store"
)

// refund cancels orderID and returns its price to the user. Only the caller
// that moves the order from an active status to cancelling credits; every
// other caller returns false. An order already in cancelling is taken over
// only with resume set, which is reserved for crash recovery at Start.
func (m *Manager) refund(ctx context.Context, userID, orderID, reason string, resume bool) (bool, error) {
	lease, ok := m.locks.Acquire(guard.RefundKey(userID, orderID), m.cfg.LockTTL)
	if !ok {
		m.logger.Debug("refund already running", "user_id", userID, "order_id", orderID, "reason", reason)
		return false, nil
	}
	defer lease.Release()

	// detached from the trigger: a claimed refund always runs to the end
	ctx = context.WithoutCancel(ctx)

	var o Order
	claimed := false
	err := m.store.Update(ctx, orderKey(userID), &o, func(found bool) (store.Mutation, error) {
		if !found || o.OrderID != orderID {
			return store.Skip, nil
		}
		switch o.Status {
		case StatusReserved, StatusAwaitingSMS:
			o.Status = StatusCancelling
			claimed = true
			return store.Save, nil
		case StatusCancelling:
			claimed = resume
		}
		return store.Skip, nil
	})
	if err != nil {
		return false, apperr.System("claim order for refund", err)
	}
	if !claimed {
		return false, nil
	}

	m.stopMonitor(userID, orderID)
	m.cancelAtProvider(ctx, o, lease)

	balance, err := m.balances.Credit(ctx, userID, o.Price)
	if err != nil {
		m.metrics.Order("refund_failed")
		return false, fmt.Errorf("refund order %s: %w", orderID, err)
	}
	if err := m.dropOrder(ctx, userID, orderID); err != nil {
		m.metrics.Error("order_refund")
		m.logger.Error("delete refunded order failed", "user_id", userID, "order_id", orderID, "error", err)
	}

	m.metrics.Order("refunded_" + reason)
	m.logger.Info("order refunded", "user_id", userID, "order_id", orderID, "amount", o.Price, "reason", reason)
	m.notify(ctx, o.Channel, fmt.Sprintf("Pesanan %s (%s) dibatalkan. Dana %d dikembalikan, saldo sekarang %d.", o.OrderID, o.ServiceName, o.Price, balance),
		chat.Action{Label: "Beli lagi", Name: "services", Params: []string{o.Country}})
	return true, nil
}

// cancelAtProvider releases the number with linear backoff, renewing the
// refund lease before every attempt. Failure does not stop the refund; it is
// logged and counted as a discrepancy.
func (m *Manager) cancelAtProvider(ctx context.Context, o Order, lease *guard.Lease) {
	var err error
	for attempt := 1; attempt <= m.cfg.RefundRetries; attempt++ {
		if !lease.Extend(m.cfg.LockTTL) {
			m.logger.Warn("refund lease lost", "user_id", o.UserID, "order_id", o.OrderID, "attempt", attempt)
		}
		pctx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
		err = m.provider.SetStatus(pctx, o.OrderID, rental.StatusCancel)
		cancel()
		if err == nil {
			return
		}
		m.logger.Warn("cancel at provider failed", "order_id", o.OrderID, "attempt", attempt, "error", err)
		if attempt < m.cfg.RefundRetries {
			sleep(ctx, m.cfg.RefundBackoff*time.Duration(attempt))
		}
	}
	m.metrics.Discrepancy("rental", "cancel")
	m.logger.Warn("provider reservation not released, refunding anyway", "user_id", o.UserID, "order_id", o.OrderID, "error", err)
}
