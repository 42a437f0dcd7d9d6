// Package guard keeps process-local leases that stop duplicate purchases and
// duplicate refunds. Every lease carries an owner token and a deadline; a
// janitor sweep evicts leases whose holder never released them.
package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bot-otp/internal/metrics"
)

// RefundKey identifies the compensation of one order.
func RefundKey(userID, orderID string) string {
	return "refund:" + userID + ":" + orderID
}

// PurchaseKey identifies an in-flight purchase of one user.
func PurchaseKey(userID string) string {
	return "purchase:" + userID
}

// DepositKey identifies an in-flight deposit creation of one user.
func DepositKey(userID string) string {
	return "deposit:" + userID
}

type entry struct {
	token   uint64
	expires time.Time
}

// Registry is a tagged ownership table keyed by operation identity.
type Registry struct {
	mu      sync.Mutex
	entries map[string]entry
	seq     uint64
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Lease is proof of ownership for one key.
type Lease struct {
	r     *Registry
	key   string
	token uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		entries: make(map[string]entry),
		now:     time.Now,
		logger:  logger.With("component", "guard"),
		metrics: m,
	}
}

// Acquire takes key for ttl. ok is false while another unexpired lease holds it.
func (r *Registry) Acquire(key string, ttl time.Duration) (*Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if cur, held := r.entries[key]; held && now.Before(cur.expires) {
		return nil, false
	}
	r.seq++
	r.entries[key] = entry{token: r.seq, expires: now.Add(ttl)}
	return &Lease{r: r, key: key, token: r.seq}, true
}

func (r *Registry) held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, held := r.entries[key]
	return held && r.now().Before(cur.expires)
}

// Sweep evicts expired leases and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	now := r.now()
	var evicted []string
	for key, e := range r.entries {
		if !now.Before(e.expires) {
			delete(r.entries, key)
			evicted = append(evicted, key)
		}
	}
	r.mu.Unlock()

	for _, key := range evicted {
		r.logger.Warn("evicted stale lease", "key", key)
	}
	r.metrics.Evicted(len(evicted))
	return len(evicted)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Release gives the key back. It reports false when the lease had already
// expired and the key moved to another owner, in which case nothing changes.
func (l *Lease) Release() bool {
	if l == nil {
		return false
	}
	l.r.mu.Lock()
	defer l.r.mu.Unlock()
	cur, ok := l.r.entries[l.key]
	if !ok || cur.token != l.token {
		return false
	}
	delete(l.r.entries, l.key)
	return true
}

// Extend pushes the deadline of a still-owned lease. It reports false once
// the lease expired and another owner took the key.
func (l *Lease) Extend(ttl time.Duration) bool {
	l.r.mu.Lock()
	defer l.r.mu.Unlock()
	cur, ok := l.r.entries[l.key]
	if !ok || cur.token != l.token {
		return false
	}
	cur.expires = l.r.now().Add(ttl)
	l.r.entries[l.key] = cur
	return true
}
