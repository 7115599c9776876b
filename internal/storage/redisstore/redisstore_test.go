package redisstore_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage/redisstore"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage/storagetest"
)

func newTestBackend(t *testing.T) storage.Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisstore.NewWithClient(client)
}

func TestRedisBackend(t *testing.T) {
	storagetest.RunBackendSuite(t, newTestBackend)
}

func TestRedisBackendHealthCheck(t *testing.T) {
	b := newTestBackend(t)
	h := b.HealthCheck(context.Background())
	require.True(t, h.Healthy)
}
