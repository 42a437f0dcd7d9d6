package store

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID      string    `json:"id"`
	Count   int       `json:"count"`
	Tags    []string  `json:"tags"`
	Created time.Time `json:"created"`
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, testLogger())
	require.NoError(t, err)
	return s
}

func TestReadMissingKeepsDefault(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	got := record{ID: "default", Count: 7}
	found, err := s.Read(context.Background(), Key("users", "nobody"), &got)

	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, record{ID: "default", Count: 7}, got)
}

func TestWriteReadSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	want := record{
		ID:      "42",
		Count:   3,
		Tags:    []string{"a", "b"},
		Created: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}

	first := openTestStore(t, dir)
	require.NoError(t, first.Write(ctx, Key("users", "42"), want))

	reopened := openTestStore(t, dir)
	var got record
	found, err := reopened.Read(ctx, Key("users", "42"), &got)

	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)
}

func TestInvalidKeys(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()

	for _, key := range []string{"", "users", "users/", "../x/1", "Users/1"} {
		err := s.Write(ctx, key, record{})
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestIDsAreEscaped(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, Key("history", "chat/1:2"), record{ID: "x"}))

	ids, err := s.Keys("history")
	require.NoError(t, err)
	assert.Equal(t, []string{"chat/1:2"}, ids)
}

func TestUpdateSerializesSameKey(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()
	key := Key("users", "counter")

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var r record
			err := s.Update(ctx, key, &r, func(bool) (Mutation, error) {
				r.Count++
				return Save, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var got record
	_, err := s.Read(ctx, key, &got)
	require.NoError(t, err)
	assert.Equal(t, workers, got.Count)
	assert.Equal(t, 0, s.locks.size())
}

func TestUpdateMutations(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()
	key := Key("orders", "u1")

	require.NoError(t, s.Write(ctx, key, record{ID: "o1", Count: 1}))

	var r record
	err := s.Update(ctx, key, &r, func(found bool) (Mutation, error) {
		assert.True(t, found)
		r.Count = 99
		return Skip, nil
	})
	require.NoError(t, err)

	var got record
	_, err = s.Read(ctx, key, &got)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Count)

	err = s.Update(ctx, key, &r, func(bool) (Mutation, error) {
		return Delete, nil
	})
	require.NoError(t, err)

	found, err := s.Read(ctx, key, &got)
	require.NoError(t, err)
	assert.False(t, found)

	err = s.Update(ctx, key, &r, func(bool) (Mutation, error) {
		return Save, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	found, err = s.Read(ctx, key, &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	ctx := context.Background()

	entered := make(chan struct{})
	unblock := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		var r record
		_ = s.Update(ctx, Key("users", "a"), &r, func(bool) (Mutation, error) {
			close(entered)
			<-unblock
			return Skip, nil
		})
	}()
	<-entered

	writeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.NoError(t, s.Write(writeCtx, Key("users", "b"), record{ID: "b"}))

	blockedCtx, cancelBlocked := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelBlocked()
	var r record
	_, err := s.Read(blockedCtx, Key("users", "a"), &r)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(unblock)
	<-done
}

func TestOpenRemovesLeftoverTemps(t *testing.T) {
	dir := t.TempDir()
	table := filepath.Join(dir, "users")
	require.NoError(t, os.MkdirAll(table, 0o755))
	leftover := filepath.Join(table, ".1.json.abc.tmp")
	require.NoError(t, os.WriteFile(leftover, []byte("{"), 0o644))

	s := openTestStore(t, dir)

	_, err := os.Stat(leftover)
	assert.True(t, os.IsNotExist(err))
	ids, err := s.Keys("users")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDeleteMissingIsNoop(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	assert.NoError(t, s.Delete(context.Background(), Key("users", "ghost")))
}
