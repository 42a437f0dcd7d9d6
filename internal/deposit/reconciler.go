// Package deposit reconciles QR top-ups with the payment provider and credits
// the ledger once a payment settles.
package deposit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bot-otp/internal/apperr"
	"bot-otp/internal/chat"
	"bot-otp/internal/guard"
	"bot-otp/internal/metrics"
	"bot-otp/internal/payment"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// State of a deposit.
type State string

const (
	StatePending   State = "pending"
	StateSuccess   State = "success"
	StateExpired   State = "expired"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Transaction is one top-up attempt.
type Transaction struct {
	TrxID          string
	RefID          string
	UserID         string
	Amount         int64
	Fee            int64
	AmountCredited int64
	QRPayload      string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	State          State
	Done           bool
	Cancelled      bool
	CompletedAt    time.Time
	Channel        chat.ChannelRef
	Message        chat.ChannelRef

	crediting bool
}

// PendingDepositError rejects a second deposit while one is pending.
type PendingDepositError struct {
	Existing Transaction
}

func (e *PendingDepositError) Error() string {
	return fmt.Sprintf("deposit %s of %d is still pending", e.Existing.TrxID, e.Existing.Amount)
}

// Is makes the error match apperr.ErrConflict.
func (e *PendingDepositError) Is(target error) bool {
	return target == apperr.ErrConflict
}

// Provider is the payment client surface used by the reconciler.
type Provider interface {
	CreateDeposit(ctx context.Context, amount int64, ref string) (*payment.Intent, error)
	DepositStatus(ctx context.Context, depositID string) (*payment.DepositState, error)
	CancelDeposit(ctx context.Context, depositID string) error
}

// Crediter receives settled deposits.
type Crediter interface {
	Credit(ctx context.Context, userID string, amount int64) (int64, error)
}

// Config tunes the reconciliation loop.
type Config struct {
	PollInterval    time.Duration
	MaxAge          time.Duration
	Grace           time.Duration
	MinAmount       int64
	MaxAmount       int64
	Concurrency     int
	ProviderTimeout time.Duration
	LockTTL         time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 10 * time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = 5 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 20 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = time.Minute
	}
	return c
}

// Reconciler holds deposits in memory and settles them against the provider.
type Reconciler struct {
	cfg      Config
	provider Provider
	balances Crediter
	locks    *guard.Registry
	renderer chat.Renderer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	txs     map[string]*Transaction
	pending map[string]string
}

// New creates a reconciler.
func New(provider Provider, balances Crediter, locks *guard.Registry, renderer chat.Renderer, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Reconciler {
	return &Reconciler{
		cfg:      cfg.withDefaults(),
		provider: provider,
		balances: balances,
		locks:    locks,
		renderer: renderer,
		metrics:  m,
		logger:   logger.With("component", "deposit"),
		now:      time.Now,
		txs:      make(map[string]*Transaction),
		pending:  make(map[string]string),
	}
}

// Create opens a QR deposit for the user.
func (r *Reconciler) Create(ctx context.Context, userID string, amount int64, channel chat.ChannelRef) (*Transaction, error) {
	if userID == "" {
		return nil, apperr.Validation("user id is empty")
	}
	if amount <= 0 || (r.cfg.MinAmount > 0 && amount < r.cfg.MinAmount) || (r.cfg.MaxAmount > 0 && amount > r.cfg.MaxAmount) {
		return nil, apperr.Validation("deposit amount must be between %d and %d, got %d", r.cfg.MinAmount, r.cfg.MaxAmount, amount)
	}
	if existing, ok := r.Pending(userID); ok {
		return nil, &PendingDepositError{Existing: *existing}
	}

	lease, ok := r.locks.Acquire(guard.DepositKey(userID), r.cfg.LockTTL)
	if !ok {
		return nil, apperr.Conflict("deposit for %s is being created", userID)
	}
	defer lease.Release()
	if existing, ok := r.Pending(userID); ok {
		return nil, &PendingDepositError{Existing: *existing}
	}

	ref := uuid.NewString()
	pctx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
	intent, err := r.provider.CreateDeposit(pctx, amount, ref)
	cancel()
	if err != nil {
		r.metrics.Deposit("create_failed")
		return nil, err
	}

	now := r.now()
	tx := &Transaction{
		TrxID:     intent.ID,
		RefID:     ref,
		UserID:    userID,
		Amount:    amount,
		Fee:       intent.Fee,
		QRPayload: intent.QRPayload,
		CreatedAt: now,
		ExpiresAt: now.Add(r.cfg.MaxAge),
		State:     StatePending,
		Channel:   channel,
	}
	r.mu.Lock()
	r.txs[tx.TrxID] = tx
	r.pending[userID] = tx.TrxID
	out := *tx
	r.mu.Unlock()

	r.metrics.Deposit("created")
	r.logger.Info("deposit created", "user_id", userID, "trx_id", tx.TrxID, "amount", amount, "fee", tx.Fee)
	return &out, nil
}

// AttachMessage remembers the rendered QR message so it can be removed later.
func (r *Reconciler) AttachMessage(trxID string, msg chat.ChannelRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tx, ok := r.txs[trxID]; ok {
		tx.Message = msg
	}
}

// Pending returns the user's unfinished deposit.
func (r *Reconciler) Pending(userID string) (*Transaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[r.pending[userID]]
	if !ok || tx.Done {
		return nil, false
	}
	out := *tx
	return &out, true
}

// Get returns a deposit still held in memory.
func (r *Reconciler) Get(trxID string) (*Transaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[trxID]
	if !ok {
		return nil, false
	}
	out := *tx
	return &out, true
}

// Cancel aborts the user's pending deposit. Calling it again is a no-op that
// reports false. Provider failure does not block the local cancel.
func (r *Reconciler) Cancel(ctx context.Context, userID string) (*Transaction, bool, error) {
	r.mu.Lock()
	tx, ok := r.txs[r.pending[userID]]
	if !ok || tx.Done || tx.crediting {
		r.mu.Unlock()
		return nil, false, nil
	}
	r.finishLocked(tx, StateCancelled)
	tx.Cancelled = true
	out := *tx
	r.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
	if err := r.provider.CancelDeposit(pctx, out.TrxID); err != nil {
		r.logger.Warn("cancel deposit at provider failed", "trx_id", out.TrxID, "error", err)
	}
	cancel()

	r.metrics.Deposit("cancelled")
	r.logger.Info("deposit cancelled", "user_id", userID, "trx_id", out.TrxID)
	r.cleanup(ctx, out, fmt.Sprintf("Deposit %s sebesar %d dibatalkan.", out.TrxID, out.Amount))
	return &out, true, nil
}

// CheckNow reconciles one deposit immediately. Unknown ids are ignored.
func (r *Reconciler) CheckNow(ctx context.Context, trxID string) error {
	if _, ok := r.Get(trxID); !ok {
		r.logger.Debug("check for unknown deposit", "trx_id", trxID)
		return nil
	}
	return r.check(ctx, trxID)
}

// PollOnce checks every pending deposit with bounded fan-out.
func (r *Reconciler) PollOnce(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pending))
	for _, trxID := range r.pending {
		if tx := r.txs[trxID]; tx != nil && !tx.Done && !tx.crediting {
			ids = append(ids, trxID)
		}
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, trxID := range ids {
		g.Go(func() error {
			if err := r.check(gctx, trxID); err != nil {
				r.logger.Warn("deposit check failed", "trx_id", trxID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Sweep drops finished deposits whose grace period has passed.
func (r *Reconciler) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.cfg.Grace)
	n := 0
	for trxID, tx := range r.txs {
		if tx.Done && tx.CompletedAt.Before(cutoff) {
			delete(r.txs, trxID)
			n++
		}
	}
	return n
}

// Run polls until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.PollOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("deposit poll failed", "error", err)
			}
			if n := r.Sweep(); n > 0 {
				r.logger.Debug("finished deposits purged", "count", n)
			}
		}
	}
}

func (r *Reconciler) check(ctx context.Context, trxID string) error {
	tx, ok := r.Get(trxID)
	if !ok || tx.Done || tx.crediting {
		return nil
	}
	overdue := r.now().Sub(tx.CreatedAt) >= r.cfg.MaxAge

	// status first: a deposit paid right at the ceiling is still credited
	pctx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
	st, err := r.provider.DepositStatus(pctx, trxID)
	cancel()
	if err != nil {
		if overdue {
			r.logger.Warn("deposit status unavailable at ceiling", "trx_id", trxID, "error", err)
			r.expire(ctx, trxID)
			return nil
		}
		return err
	}

	switch st.Status {
	case payment.StatusSuccess:
		return r.settle(ctx, trxID, st)
	case payment.StatusExpired:
		r.close(ctx, trxID, StateExpired, "Deposit %s sebesar %d kedaluwarsa.")
	case payment.StatusFailed:
		r.close(ctx, trxID, StateFailed, "Deposit %s sebesar %d gagal.")
	case payment.StatusCancel:
		r.close(ctx, trxID, StateCancelled, "Deposit %s sebesar %d dibatalkan oleh penyedia pembayaran.")
	default:
		if overdue {
			r.expire(ctx, trxID)
		}
	}
	return nil
}

// settle credits a paid deposit. The deposit is claimed first so concurrent
// checks cannot credit twice; a failed credit releases the claim for the next poll.
func (r *Reconciler) settle(ctx context.Context, trxID string, st *payment.DepositState) error {
	r.mu.Lock()
	tx, ok := r.txs[trxID]
	if !ok || tx.Done || tx.crediting {
		r.mu.Unlock()
		return nil
	}
	tx.crediting = true
	amount := st.NetCredit
	if amount <= 0 {
		amount = tx.Amount - tx.Fee
	}
	userID := tx.UserID
	r.mu.Unlock()

	balance, err := r.balances.Credit(ctx, userID, amount)

	r.mu.Lock()
	tx.crediting = false
	if err != nil {
		r.mu.Unlock()
		r.metrics.Deposit("credit_failed")
		return fmt.Errorf("credit deposit %s: %w", trxID, err)
	}
	r.finishLocked(tx, StateSuccess)
	tx.AmountCredited = amount
	out := *tx
	r.mu.Unlock()

	r.metrics.Deposit("success")
	r.logger.Info("deposit settled", "user_id", userID, "trx_id", trxID, "credited", amount, "balance", balance)
	r.cleanup(ctx, out, fmt.Sprintf("Deposit %s diterima. Saldo bertambah %d, saldo sekarang %d.", trxID, amount, balance))
	return nil
}

func (r *Reconciler) expire(ctx context.Context, trxID string) {
	r.mu.Lock()
	tx, ok := r.txs[trxID]
	if !ok || tx.Done || tx.crediting {
		r.mu.Unlock()
		return
	}
	r.finishLocked(tx, StateExpired)
	out := *tx
	r.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
	if err := r.provider.CancelDeposit(pctx, trxID); err != nil {
		r.logger.Warn("cancel expired deposit at provider failed", "trx_id", trxID, "error", err)
	}
	cancel()

	r.metrics.Deposit("expired")
	r.logger.Info("deposit expired", "user_id", out.UserID, "trx_id", trxID)
	r.cleanup(ctx, out, fmt.Sprintf("Deposit %s sebesar %d kedaluwarsa.", trxID, out.Amount))
}

func (r *Reconciler) close(ctx context.Context, trxID string, state State, format string) {
	r.mu.Lock()
	tx, ok := r.txs[trxID]
	if !ok || tx.Done || tx.crediting {
		r.mu.Unlock()
		return
	}
	r.finishLocked(tx, state)
	out := *tx
	r.mu.Unlock()

	r.metrics.Deposit(string(state))
	r.logger.Info("deposit closed", "user_id", out.UserID, "trx_id", trxID, "state", state)
	r.cleanup(ctx, out, fmt.Sprintf(format, trxID, out.Amount))
}

func (r *Reconciler) finishLocked(tx *Transaction, state State) {
	tx.State = state
	tx.Done = true
	tx.CompletedAt = r.now()
	if r.pending[tx.UserID] == tx.TrxID {
		delete(r.pending, tx.UserID)
	}
}

// cleanup removes the QR message and tells the user how the deposit ended.
func (r *Reconciler) cleanup(ctx context.Context, tx Transaction, content string) {
	if r.renderer == nil {
		return
	}
	if tx.Message.MessageID != "" {
		if err := r.renderer.DeleteMessage(ctx, tx.Message); err != nil {
			r.logger.Warn("delete qr message failed", "trx_id", tx.TrxID, "error", err)
		}
	}
	if tx.Channel.ChatID == "" {
		return
	}
	if _, err := r.renderer.Render(ctx, tx.Channel, content, nil); err != nil {
		r.logger.Warn("notify deposit result failed", "trx_id", tx.TrxID, "error", err)
	}
}
