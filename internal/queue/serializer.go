// Package queue runs inbound event handlers with bounded concurrency.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"bot-otp/internal/metrics"
)

// DefaultConcurrency is used when a non-positive limit is configured.
const DefaultConcurrency = 3

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("task queue closed")

// TaskFunc is one unit of work.
type TaskFunc func(ctx context.Context) error

// ErrorHandler receives failures of individual tasks.
type ErrorHandler func(name string, err error)

type task struct {
	name string
	fn   TaskFunc
}

// Serializer admits tasks in FIFO order and runs at most limit of them at once.
type Serializer struct {
	limit   int
	onError ErrorHandler
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending *list.List
	running int
	closed  bool
	idle    chan struct{}
}

// New creates a serializer. onError may be nil.
func New(limit int, onError ErrorHandler, logger *slog.Logger, m *metrics.Metrics) *Serializer {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Serializer{
		limit:   limit,
		onError: onError,
		logger:  logger.With("component", "queue"),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		pending: list.New(),
	}
}

// Submit enqueues fn. It never blocks on running work.
func (s *Serializer) Submit(name string, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.pending.PushBack(task{name: name, fn: fn})
	s.pumpLocked()
	return nil
}

// Stats reports waiting and running task counts.
func (s *Serializer) Stats() (pending, running int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len(), s.running
}

// Shutdown stops admission and waits for queued and running tasks to finish.
// If ctx expires first the context handed to running tasks is cancelled.
func (s *Serializer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.pending.Len() == 0 && s.running == 0 {
		s.mu.Unlock()
		s.cancel()
		return nil
	}
	if s.idle == nil {
		s.idle = make(chan struct{})
	}
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("drain task queue: %w", ctx.Err())
	}
}

// pumpLocked starts tasks while capacity remains. Caller holds s.mu.
func (s *Serializer) pumpLocked() {
	for s.running < s.limit && s.pending.Len() > 0 {
		front := s.pending.Front()
		s.pending.Remove(front)
		t := front.Value.(task)
		s.running++
		go s.run(t)
	}
	s.metrics.Queue(s.pending.Len(), s.running)
	if s.closed && s.running == 0 && s.pending.Len() == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

func (s *Serializer) run(t task) {
	err := s.execute(t)
	if err != nil {
		s.logger.Warn("task failed", "task", t.name, "error", err)
		s.metrics.Error("queue")
		if s.onError != nil {
			s.onError(t.name, err)
		}
	}

	s.mu.Lock()
	s.running--
	s.pumpLocked()
	s.mu.Unlock()
}

func (s *Serializer) execute(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "task", t.name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
	}()
	return t.fn(s.ctx)
}
