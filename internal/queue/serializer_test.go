package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSerializerBoundsConcurrency(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		tasks int
	}{
		{name: "single worker", limit: 1, tasks: 10},
		{name: "three workers", limit: 3, tasks: 30},
		{name: "default limit", limit: 0, tasks: 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.limit, nil, testLogger(), nil)
			want := tt.limit
			if want <= 0 {
				want = DefaultConcurrency
			}

			var current, peak int32
			var wg sync.WaitGroup
			for i := 0; i < tt.tasks; i++ {
				wg.Add(1)
				err := s.Submit("work", func(context.Context) error {
					defer wg.Done()
					n := atomic.AddInt32(&current, 1)
					for {
						p := atomic.LoadInt32(&peak)
						if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
							break
						}
					}
					time.Sleep(5 * time.Millisecond)
					atomic.AddInt32(&current, -1)
					return nil
				})
				require.NoError(t, err)
			}
			wg.Wait()

			assert.LessOrEqual(t, int(atomic.LoadInt32(&peak)), want)
			require.NoError(t, s.Shutdown(context.Background()))
		})
	}
}

func TestSerializerFIFOAdmission(t *testing.T) {
	s := New(1, nil, testLogger(), nil)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		require.NoError(t, s.Submit("ordered", func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	require.NoError(t, s.Shutdown(context.Background()))

	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order)
}

func TestSerializerKeepsDrainingAfterFailures(t *testing.T) {
	var mu sync.Mutex
	var failures []string
	onError := func(name string, err error) {
		mu.Lock()
		failures = append(failures, name)
		mu.Unlock()
	}
	s := New(2, onError, testLogger(), nil)

	var done int32
	require.NoError(t, s.Submit("fails", func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, s.Submit("panics", func(context.Context) error { panic("kaboom") }))
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Submit("ok", func(context.Context) error {
			atomic.AddInt32(&done, 1)
			return nil
		}))
	}
	require.NoError(t, s.Shutdown(context.Background()))

	assert.Equal(t, int32(5), atomic.LoadInt32(&done))
	assert.ElementsMatch(t, []string{"fails", "panics"}, failures)
}

func TestSerializerRejectsAfterShutdown(t *testing.T) {
	s := New(1, nil, testLogger(), nil)
	require.NoError(t, s.Shutdown(context.Background()))

	err := s.Submit("late", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSerializerShutdownDeadlineCancelsTasks(t *testing.T) {
	s := New(1, nil, testLogger(), nil)
	cancelled := make(chan struct{})
	require.NoError(t, s.Submit("slow", func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Shutdown(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running task was not cancelled")
	}
}
