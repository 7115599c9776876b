// Package reaper runs the periodic maintenance sweep: expired task
// leases are reclaimed per project and expired sessions removed. Claim
// paths reclaim lazily on their own; this loop guarantees progress when
// no agent is polling.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/logger"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/session"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/service"
)

// Reaper sweeps every project on a fixed interval.
type Reaper struct {
	tasks    *service.Service
	sessions *session.Service
	interval time.Duration
	logger   *logger.Logger
}

// New creates a reaper. The interval comes from the defaults section of
// the configuration, not from per-project settings: project-level
// reaperIntervalMinutes bounds lease staleness for pollers, while this
// loop is the global floor.
func New(tasks *service.Service, sessions *session.Service, interval time.Duration, log *logger.Logger) *Reaper {
	return &Reaper{
		tasks:    tasks,
		sessions: sessions,
		interval: interval,
		logger:   log.WithComponent("reaper"),
	}
}

// Run sweeps until the context is cancelled. Sweep errors are logged and
// never stop the loop.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", zap.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every project, then removes expired sessions.
// Closed projects are swept too: their running tasks still hold leases.
func (r *Reaper) Sweep(ctx context.Context) {
	projects, err := r.tasks.ListProjects(ctx, true)
	if err != nil {
		r.logger.Error("listing projects for sweep failed", zap.Error(err))
		return
	}

	reclaimed := 0
	for _, p := range projects {
		result, err := r.tasks.CleanupExpiredLeases(ctx, p.ID)
		if err != nil {
			r.logger.Error("lease sweep failed",
				zap.String("project_id", p.ID),
				zap.Error(err))
			continue
		}
		reclaimed += result.ReclaimedTasks
	}

	removed, err := r.sessions.CleanupExpiredSessions(ctx)
	if err != nil {
		r.logger.Error("session sweep failed", zap.Error(err))
	}

	if reclaimed > 0 || removed > 0 {
		r.logger.Info("sweep complete",
			zap.Int("leases_reclaimed", reclaimed),
			zap.Int("sessions_removed", removed))
	}
}
