package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestOptionsPlainAddress(t *testing.T) {
	opts, err := Options(" 127.0.0.1:6379 ")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:6379", opts.Addr)
	require.Zero(t, opts.DB)
}

func TestOptionsURL(t *testing.T) {
	opts, err := Options("redis://:secret@cache.internal:6380/3")
	require.NoError(t, err)
	require.Equal(t, "cache.internal:6380", opts.Addr)
	require.Equal(t, "secret", opts.Password)
	require.Equal(t, 3, opts.DB)

	queue := QueueOpt(opts)
	require.Equal(t, opts.Addr, queue.Addr)
	require.Equal(t, "secret", queue.Password)
	require.Equal(t, 3, queue.DB)
}

func TestOptionsRejectsEmptyAndBadURL(t *testing.T) {
	_, err := Options("")
	require.Error(t, err)

	_, err = Options("redis://host:6379/notadb")
	require.Error(t, err)
}

func TestPing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, Ping(context.Background(), client))

	mr.Close()
	require.Error(t, Ping(context.Background(), client))
}
