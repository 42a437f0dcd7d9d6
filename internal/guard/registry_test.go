package guard

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	r.now = clock.Now
	return r, clock
}

func TestAcquireIsExclusive(t *testing.T) {
	r, _ := newTestRegistry()
	key := RefundKey("u1", "o1")

	lease, ok := r.Acquire(key, time.Minute)
	require.True(t, ok)
	assert.Equal(t, key, lease.key)

	_, ok = r.Acquire(key, time.Minute)
	assert.False(t, ok)
	assert.True(t, r.held(key))

	assert.True(t, lease.Release())
	assert.False(t, r.held(key))

	_, ok = r.Acquire(key, time.Minute)
	assert.True(t, ok)
}

func TestKeysAreIndependent(t *testing.T) {
	r, _ := newTestRegistry()

	_, ok := r.Acquire(PurchaseKey("u1"), time.Minute)
	require.True(t, ok)
	_, ok = r.Acquire(PurchaseKey("u2"), time.Minute)
	assert.True(t, ok)
	_, ok = r.Acquire(RefundKey("u1", "o1"), time.Minute)
	assert.True(t, ok)
}

func TestExpiredLeaseCanBeTakenOver(t *testing.T) {
	r, clock := newTestRegistry()
	key := PurchaseKey("u1")

	stale, ok := r.Acquire(key, time.Minute)
	require.True(t, ok)

	clock.Advance(2 * time.Minute)
	fresh, ok := r.Acquire(key, time.Minute)
	require.True(t, ok)

	assert.False(t, stale.Release(), "stale owner must not drop the new lease")
	assert.True(t, r.held(key))
	assert.False(t, stale.Extend(time.Hour))
	assert.True(t, fresh.Release())
}

func TestSweepEvictsOnlyExpired(t *testing.T) {
	r, clock := newTestRegistry()

	_, ok := r.Acquire("short", time.Second)
	require.True(t, ok)
	long, ok := r.Acquire("long", time.Hour)
	require.True(t, ok)

	clock.Advance(time.Minute)
	assert.Equal(t, 1, r.Sweep())
	assert.Equal(t, 1, r.size())
	assert.True(t, long.Release())
	assert.Equal(t, 0, r.Sweep())
}

func TestExtendKeepsLeaseAlive(t *testing.T) {
	r, clock := newTestRegistry()
	lease, ok := r.Acquire("k", time.Minute)
	require.True(t, ok)

	clock.Advance(50 * time.Second)
	require.True(t, lease.Extend(time.Minute))
	clock.Advance(50 * time.Second)

	assert.Equal(t, 0, r.Sweep())
	assert.True(t, r.held("k"))
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	r, _ := newTestRegistry()
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.Acquire(RefundKey("u", "o"), time.Minute); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestRunStopsOnCancel(t *testing.T) {
	r, _ := newTestRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestNilLeaseRelease(t *testing.T) {
	var l *Lease
	assert.False(t, l.Release())
}
