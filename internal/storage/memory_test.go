package storage_test

import (
	"testing"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage/storagetest"
)

func TestMemoryBackend(t *testing.T) {
	storagetest.RunBackendSuite(t, func(t *testing.T) storage.Backend {
		return storage.NewMemoryBackend()
	})
}
