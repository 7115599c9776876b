// Package provider constructs the configured storage backend.
package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/config"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/logger"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage/filestore"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage/mongostore"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage/redisstore"
)

// Provide creates the storage backend selected by configuration. The
// returned cleanup closes the backend's connections.
func Provide(ctx context.Context, cfg *config.Config, log *logger.Logger) (storage.Backend, func() error, error) {
	var (
		backend storage.Backend
		err     error
	)
	switch cfg.Storage.Provider {
	case "memory":
		backend = storage.NewMemoryBackend()
	case "file":
		backend, err = filestore.New(cfg.Storage.DataDir, cfg.Storage.LockTimeoutDuration())
	case "mongodb":
		backend, err = mongostore.New(ctx, cfg.Storage.ConnectionString, cfg.Storage.Database)
	case "redis":
		backend, err = redisstore.New(ctx, cfg.Storage.ConnectionString)
	default:
		return nil, nil, fmt.Errorf("unsupported storage provider: %s", cfg.Storage.Provider)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("initializing %s storage: %w", cfg.Storage.Provider, err)
	}
	if log != nil {
		log.Info("Storage initialized",
			zap.String("provider", cfg.Storage.Provider),
			zap.String("data_dir", cfg.Storage.DataDir))
	}
	return backend, backend.Close, nil
}
