package filestore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage/filestore"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage/storagetest"
)

func TestFileBackend(t *testing.T) {
	storagetest.RunBackendSuite(t, func(t *testing.T) storage.Backend {
		b, err := filestore.New(t.TempDir(), 5*time.Second)
		require.NoError(t, err)
		return b
	})
}

func TestFileBackendHealthCheck(t *testing.T) {
	b, err := filestore.New(t.TempDir(), time.Second)
	require.NoError(t, err)
	h := b.HealthCheck(context.Background())
	require.True(t, h.Healthy)
}
