package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bot-otp/internal/apperr"
	"bot-otp/internal/chat"
	"bot-otp/internal/guard"
	"bot-otp/internal/metrics"
	"bot-otp/internal/rental"
	"bot-otp/internal/store"
)

// Config tunes polling, cancellation and refund behaviour.
type Config struct {
	PollInterval    time.Duration
	MaxAttempts     int
	MinCancelAge    time.Duration
	ConfirmRetries  int
	RefundRetries   int
	RefundBackoff   time.Duration
	ProviderTimeout time.Duration
	LockTTL         time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 60
	}
	if c.MinCancelAge < 0 {
		c.MinCancelAge = 0
	}
	if c.ConfirmRetries <= 0 {
		c.ConfirmRetries = 3
	}
	if c.RefundRetries <= 0 {
		c.RefundRetries = 3
	}
	if c.RefundBackoff <= 0 {
		c.RefundBackoff = time.Second
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 20 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	return c
}

// Manager owns the active-order table and the per-order monitors.
type Manager struct {
	cfg      Config
	store    *store.Store
	provider Provider
	balances Balances
	locks    *guard.Registry
	renderer chat.Renderer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	monitors map[string]*monitor
	closed   bool
}

type monitor struct {
	orderID string
	cancel  context.CancelFunc
}

// New creates a manager. Call Start to resume persisted orders.
func New(st *store.Store, provider Provider, balances Balances, locks *guard.Registry, renderer chat.Renderer, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg.withDefaults(),
		store:    st,
		provider: provider,
		balances: balances,
		locks:    locks,
		renderer: renderer,
		metrics:  m,
		logger:   logger.With("component", "order"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		monitors: make(map[string]*monitor),
	}
}

// Reserve buys a number for the user. The balance is charged only after the
// provider reserved a number and the active-order slot was claimed.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (*Order, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	lease, ok := m.locks.Acquire(guard.PurchaseKey(req.UserID), m.cfg.LockTTL)
	if !ok {
		return nil, apperr.Conflict("purchase already in progress for %s", req.UserID)
	}
	defer lease.Release()

	if cur, found, err := m.Active(ctx, req.UserID); err != nil {
		return nil, err
	} else if found {
		return nil, apperr.Conflict("order %s is still active", cur.OrderID)
	}

	svc, err := m.freshService(ctx, req.Country, req.ServiceID)
	if err != nil {
		return nil, err
	}
	if req.ExpectedPrice > 0 && svc.Price > req.ExpectedPrice {
		return nil, &PriceChangedError{Expected: req.ExpectedPrice, Current: svc.Price}
	}

	balance, err := m.balances.Balance(ctx, req.UserID)
	if err != nil && !errors.Is(err, apperr.ErrUserNotFound) {
		return nil, err
	}
	if balance < svc.Price {
		m.metrics.Order("insufficient_funds")
		return nil, fmt.Errorf("%w: balance %d, need %d", apperr.ErrInsufficientFunds, balance, svc.Price)
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
	res, err := m.provider.Reserve(pctx, req.Country, svc.ID)
	cancel()
	if err != nil {
		m.metrics.Order("reserve_failed")
		return nil, err
	}

	o := Order{
		OrderID:     res.OrderID,
		UserID:      req.UserID,
		ServiceID:   svc.ID,
		ServiceName: svc.Name,
		Country:     req.Country,
		Number:      res.Number,
		Price:       svc.Price,
		CreatedAt:   m.now(),
		Status:      StatusReserved,
		Channel:     req.Channel,
	}
	if err := m.claimSlot(ctx, o); err != nil {
		m.releaseReservation(o, "claim slot failed")
		return nil, err
	}
	if _, err := m.balances.Debit(ctx, o.UserID, o.Price); err != nil {
		if derr := m.dropOrder(context.WithoutCancel(ctx), o.UserID, o.OrderID); derr != nil {
			m.logger.Error("release order slot failed", "user_id", o.UserID, "order_id", o.OrderID, "error", derr)
		}
		m.releaseReservation(o, "debit failed")
		m.metrics.Order("debit_failed")
		return nil, err
	}

	m.metrics.Order("reserved")
	m.logger.Info("order reserved", "user_id", o.UserID, "order_id", o.OrderID, "service", o.ServiceID, "price", o.Price)
	m.startMonitor(o, 0)
	m.background(func(ctx context.Context) { m.confirm(ctx, o) })
	return &o, nil
}

// Active returns the user's active order.
func (m *Manager) Active(ctx context.Context, userID string) (*Order, bool, error) {
	var o Order
	found, err := m.store.Read(ctx, orderKey(userID), &o)
	if err != nil {
		return nil, false, apperr.System("read order", err)
	}
	if !found {
		return nil, false, nil
	}
	return &o, true, nil
}

// Cancel refunds the user's active order on request. Orders younger than
// MinCancelAge are left alone and the remaining wait is reported.
func (m *Manager) Cancel(ctx context.Context, userID string) (*CancelResult, error) {
	o, found, err := m.Active(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !found {
		return &CancelResult{Status: CancelNotFound}, nil
	}
	if o.Status == StatusCancelling {
		return &CancelResult{Status: CancelInProgress, OrderID: o.OrderID}, nil
	}
	if age := m.now().Sub(o.CreatedAt); age < m.cfg.MinCancelAge {
		return &CancelResult{Status: CancelTooEarly, OrderID: o.OrderID, Remaining: m.cfg.MinCancelAge - age}, nil
	}

	refunded, err := m.refund(ctx, userID, o.OrderID, "manual", false)
	if err != nil {
		return nil, err
	}
	if !refunded {
		// the monitor may have completed the order since it was read
		cur, found, err := m.Active(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !found || cur.OrderID != o.OrderID {
			return &CancelResult{Status: CancelNotFound}, nil
		}
		return &CancelResult{Status: CancelInProgress, OrderID: o.OrderID}, nil
	}
	return &CancelResult{Status: CancelDone, OrderID: o.OrderID, Refunded: o.Price}, nil
}

// AutoRefund cancels and refunds orderID. It reports false when the order is
// gone, already terminal, or another refund of it is running.
func (m *Manager) AutoRefund(ctx context.Context, userID, orderID, reason string) (bool, error) {
	return m.refund(ctx, userID, orderID, reason, false)
}

// Start resumes every persisted order: cancelling orders finish their refund,
// active ones resume monitoring with the attempts already elapsed.
func (m *Manager) Start(ctx context.Context) error {
	ids, err := m.store.Keys(TableOrders)
	if err != nil {
		return apperr.System("list orders", err)
	}
	for _, userID := range ids {
		o, found, err := m.Active(ctx, userID)
		if err != nil {
			m.logger.Error("recover order failed", "user_id", userID, "error", err)
			continue
		}
		if !found {
			continue
		}
		switch {
		case o.Status == StatusCancelling:
			m.logger.Info("resuming refund", "user_id", o.UserID, "order_id", o.OrderID)
			m.resumeRefund(*o, "recovered")
		case o.Status.Active():
			attempts := int(m.now().Sub(o.CreatedAt) / m.cfg.PollInterval)
			if attempts >= m.cfg.MaxAttempts {
				m.logger.Info("order expired while down", "user_id", o.UserID, "order_id", o.OrderID)
				m.resumeRefund(*o, "timeout")
				continue
			}
			m.logger.Info("resuming monitor", "user_id", o.UserID, "order_id", o.OrderID, "attempts", attempts)
			m.startMonitor(*o, attempts)
		default:
			if err := m.dropOrder(ctx, o.UserID, o.OrderID); err != nil {
				m.logger.Error("drop stale order failed", "user_id", o.UserID, "error", err)
			}
		}
	}
	return nil
}

// Stop cancels the monitors and waits for background work until ctx ends.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for userID, mon := range m.monitors {
		mon.cancel()
		delete(m.monitors, userID)
	}
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Purge drops the user's active order and history without refunding.
// The provider reservation is cancelled best-effort.
func (m *Manager) Purge(ctx context.Context, userID string) error {
	m.stopMonitor(userID, "")
	o, found, err := m.Active(ctx, userID)
	if err != nil {
		return err
	}
	if found {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
		if err := m.provider.SetStatus(pctx, o.OrderID, rental.StatusCancel); err != nil {
			m.logger.Warn("cancel purged order at provider failed", "user_id", userID, "order_id", o.OrderID, "error", err)
		}
		cancel()
		if err := m.store.Delete(ctx, orderKey(userID)); err != nil {
			return apperr.System("purge order", err)
		}
	}
	if err := m.store.Delete(ctx, historyKey(userID)); err != nil {
		return apperr.System("purge history", err)
	}
	m.logger.Info("orders purged", "user_id", userID)
	return nil
}

func (m *Manager) freshService(ctx context.Context, country, serviceID string) (rental.Service, error) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
	defer cancel()
	services, err := m.provider.Services(pctx, country, true)
	if err != nil {
		return rental.Service{}, err
	}
	svc, ok := rental.FindService(services, serviceID)
	if !ok {
		return rental.Service{}, fmt.Errorf("%w: service %s not offered in %s", apperr.ErrOutOfStock, serviceID, country)
	}
	if svc.Stock <= 0 {
		return rental.Service{}, fmt.Errorf("%w: service %s in %s", apperr.ErrOutOfStock, serviceID, country)
	}
	return svc, nil
}

func (m *Manager) claimSlot(ctx context.Context, o Order) error {
	var cur Order
	return m.store.Update(ctx, orderKey(o.UserID), &cur, func(found bool) (store.Mutation, error) {
		if found && !cur.Status.Terminal() {
			return store.Skip, apperr.Conflict("order %s is still active", cur.OrderID)
		}
		cur = o
		return store.Save, nil
	})
}

// dropOrder deletes the active order only while it is still orderID.
func (m *Manager) dropOrder(ctx context.Context, userID, orderID string) error {
	var cur Order
	return m.store.Update(ctx, orderKey(userID), &cur, func(found bool) (store.Mutation, error) {
		if !found || cur.OrderID != orderID {
			return store.Skip, nil
		}
		return store.Delete, nil
	})
}

// setStatus moves orderID from one of from to to. It reports whether the move happened.
func (m *Manager) setStatus(ctx context.Context, userID, orderID string, to Status, from ...Status) (bool, error) {
	var cur Order
	moved := false
	err := m.store.Update(ctx, orderKey(userID), &cur, func(found bool) (store.Mutation, error) {
		if !found || cur.OrderID != orderID {
			return store.Skip, nil
		}
		for _, s := range from {
			if cur.Status == s {
				cur.Status = to
				moved = true
				return store.Save, nil
			}
		}
		return store.Skip, nil
	})
	return moved, err
}

// confirm tells the provider the number is in use. When every attempt fails
// the order is refunded, since the provider may never deliver an SMS for it.
func (m *Manager) confirm(ctx context.Context, o Order) {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.ConfirmRetries; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
		lastErr = m.provider.SetStatus(pctx, o.OrderID, rental.StatusReady)
		cancel()
		if lastErr == nil {
			if _, err := m.setStatus(ctx, o.UserID, o.OrderID, StatusAwaitingSMS, StatusReserved); err != nil {
				m.logger.Error("mark order awaiting sms failed", "user_id", o.UserID, "order_id", o.OrderID, "error", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("confirm number failed", "user_id", o.UserID, "order_id", o.OrderID, "attempt", attempt, "error", lastErr)
		if attempt < m.cfg.ConfirmRetries && !sleep(ctx, time.Duration(attempt)*m.cfg.RefundBackoff) {
			return
		}
	}
	m.metrics.Error("order_confirm")
	m.logger.Warn("confirm number gave up, refunding", "user_id", o.UserID, "order_id", o.OrderID, "error", lastErr)
	if _, err := m.refund(ctx, o.UserID, o.OrderID, "confirm_failed", false); err != nil {
		m.logger.Error("refund after confirm failure failed", "user_id", o.UserID, "order_id", o.OrderID, "error", err)
	}
}

// releaseReservation cancels an order at the provider that never got charged.
func (m *Manager) releaseReservation(o Order, why string) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ProviderTimeout)
	defer cancel()
	if err := m.provider.SetStatus(ctx, o.OrderID, rental.StatusCancel); err != nil {
		m.metrics.Discrepancy("rental", "release")
		m.logger.Warn("release reservation failed", "order_id", o.OrderID, "reason", why, "error", err)
	}
}

func (m *Manager) background(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}

func (m *Manager) resumeRefund(o Order, reason string) {
	m.background(func(ctx context.Context) {
		if _, err := m.refund(ctx, o.UserID, o.OrderID, reason, o.Status == StatusCancelling); err != nil {
			m.logger.Error("resume refund failed", "user_id", o.UserID, "order_id", o.OrderID, "error", err)
		}
	})
}

func (m *Manager) notify(ctx context.Context, target chat.ChannelRef, content string, actions ...chat.Action) {
	if m.renderer == nil || target.ChatID == "" {
		return
	}
	if _, err := m.renderer.Render(ctx, target, content, actions); err != nil {
		m.logger.Warn("notify user failed", "chat_id", target.ChatID, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
