package order

import (
	"context"
	"fmt"
	"time"

	"bot-otp/internal/chat"
	"bot-otp/internal/rental"
	"bot-otp/internal/store"
)

// startMonitor polls the provider for the SMS of o, starting at attempts.
// A previous monitor of the same user is replaced.
func (m *Manager) startMonitor(o Order, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if prev, ok := m.monitors[o.UserID]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(m.ctx)
	mon := &monitor{orderID: o.OrderID, cancel: cancel}
	m.monitors[o.UserID] = mon

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			cancel()
			m.mu.Lock()
			if m.monitors[o.UserID] == mon {
				delete(m.monitors, o.UserID)
			}
			m.mu.Unlock()
		}()
		m.watch(ctx, o.UserID, o.OrderID, attempts)
	}()
}

// stopMonitor cancels the monitor of userID. An empty orderID matches any order.
// It never waits, so a monitor may stop itself.
func (m *Manager) stopMonitor(userID, orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mon, ok := m.monitors[userID]
	if !ok || (orderID != "" && mon.orderID != orderID) {
		return
	}
	mon.cancel()
	delete(m.monitors, userID)
}

// Monitoring reports whether a monitor runs for the user.
func (m *Manager) Monitoring(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.monitors[userID]
	return ok
}

func (m *Manager) watch(ctx context.Context, userID, orderID string, attempts int) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		attempts++
		if m.tick(ctx, userID, orderID, attempts) {
			return
		}
	}
}

// tick runs one poll and reports whether monitoring is over.
func (m *Manager) tick(ctx context.Context, userID, orderID string, attempts int) bool {
	o, found, err := m.Active(ctx, userID)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		m.logger.Error("read monitored order failed", "user_id", userID, "order_id", orderID, "error", err)
		return m.expireIfDue(ctx, userID, orderID, attempts)
	}
	if !found || o.OrderID != orderID || !o.Status.Active() {
		return true
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
	st, err := m.provider.Status(pctx, orderID)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		m.logger.Warn("poll sms status failed", "user_id", userID, "order_id", orderID, "attempt", attempts, "error", err)
		return m.expireIfDue(ctx, userID, orderID, attempts)
	}

	switch st.Status {
	case rental.ActivationReceived:
		m.complete(ctx, *o, st)
		return true
	case rental.ActivationCancelled:
		m.logger.Info("order cancelled by provider", "user_id", userID, "order_id", orderID)
		if _, err := m.refund(ctx, userID, orderID, "provider_cancelled", false); err != nil {
			m.logger.Error("refund provider-cancelled order failed", "user_id", userID, "order_id", orderID, "error", err)
		}
		return true
	}
	return m.expireIfDue(ctx, userID, orderID, attempts)
}

func (m *Manager) expireIfDue(ctx context.Context, userID, orderID string, attempts int) bool {
	if attempts < m.cfg.MaxAttempts {
		return false
	}
	m.logger.Info("order timed out", "user_id", userID, "order_id", orderID, "attempts", attempts)
	if _, err := m.refund(ctx, userID, orderID, "timeout", false); err != nil {
		m.logger.Error("refund timed-out order failed", "user_id", userID, "order_id", orderID, "error", err)
	}
	return true
}

// complete finishes o after its SMS arrived. Removing the active order under
// its record lock is the commit point; a concurrent refund that claimed the
// order first wins and nothing happens here.
func (m *Manager) complete(ctx context.Context, o Order, st *rental.ActivationStatus) {
	var cur Order
	committed := false
	err := m.store.Update(ctx, orderKey(o.UserID), &cur, func(found bool) (store.Mutation, error) {
		if !found || cur.OrderID != o.OrderID || !cur.Status.Active() {
			return store.Skip, nil
		}
		committed = true
		return store.Delete, nil
	})
	if err != nil {
		m.metrics.Error("order_complete")
		m.logger.Error("complete order failed", "user_id", o.UserID, "order_id", o.OrderID, "error", err)
		return
	}
	if !committed {
		return
	}

	ctx = context.WithoutCancel(ctx)
	entry := HistoryEntry{
		OrderID:     o.OrderID,
		Number:      o.Number,
		ServiceName: o.ServiceName,
		Country:     o.Country,
		Price:       o.Price,
		SMSCode:     st.Code,
		CompletedAt: m.now(),
	}
	if err := m.appendHistory(ctx, o.UserID, entry); err != nil {
		m.logger.Error("append history failed", "user_id", o.UserID, "order_id", o.OrderID, "error", err)
	}
	if err := m.bumpTopService(ctx, o.ServiceID, o.ServiceName); err != nil {
		m.logger.Warn("update top services failed", "service", o.ServiceID, "error", err)
	}

	m.metrics.Order("completed")
	m.logger.Info("order completed", "user_id", o.UserID, "order_id", o.OrderID)
	m.notify(ctx, o.Channel, fmt.Sprintf("Kode SMS untuk %s (%s): %s", o.Number, o.ServiceName, st.Code),
		chat.Action{Label: "Riwayat", Name: "history"})

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
	defer cancel()
	if err := m.provider.SetStatus(pctx, o.OrderID, rental.StatusDone); err != nil {
		m.logger.Warn("finish activation at provider failed", "order_id", o.OrderID, "error", err)
	}
}
