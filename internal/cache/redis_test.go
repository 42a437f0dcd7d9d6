package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCacheAlwaysMisses(t *testing.T) {
	var r *Redis
	ctx := context.Background()

	require.NoError(t, r.Ping(ctx))
	require.NoError(t, r.SetJSON(ctx, "rental:countries", []string{"6"}, time.Minute))

	var dest []string
	found, err := r.GetJSON(ctx, "rental:countries", &dest)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, dest)

	assert.NoError(t, r.Delete(ctx, "rental:countries"))
	assert.NoError(t, r.Close())
}

func TestKeyPrefix(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := New(Config{Addr: "127.0.0.1:0"}, logger)
	t.Cleanup(func() { _ = r.Close() })
	assert.Equal(t, "otp:rental:services:6", r.Key("rental:services:6"))

	custom := New(Config{Addr: "127.0.0.1:0", Prefix: "staging:"}, logger)
	t.Cleanup(func() { _ = custom.Close() })
	assert.Equal(t, "staging:rental:countries", custom.Key("rental:countries"))
}
