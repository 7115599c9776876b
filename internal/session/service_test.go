package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/config"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/logger"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/models"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestService(t *testing.T) (*Service, storage.Backend) {
	t.Helper()
	store := storage.NewMemoryBackend()
	svc := NewService(store, config.SessionConfig{Secret: "test-secret", Timeout: 3600}, testLogger(t))
	return svc, store
}

func seedProject(t *testing.T, store storage.Backend, name string) *models.Project {
	t.Helper()
	now := time.Now().UTC()
	p := &models.Project{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    models.ProjectStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateProject(context.Background(), p))
	return p
}

func TestService_CreateSession(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	p := seedProject(t, store, "sessions")

	result, err := svc.CreateSession(ctx, "agent-1", p.ID, CreateOptions{})
	require.NoError(t, err)
	assert.False(t, result.Resumed)
	assert.NotEmpty(t, result.Token)
	assert.Equal(t, "agent-1", result.Session.AgentName)
	assert.Equal(t, p.ID, result.Session.ProjectID)
	assert.True(t, result.Session.ExpiresAt.After(time.Now()))

	_, err = svc.CreateSession(ctx, "", p.ID, CreateOptions{})
	require.Error(t, err)
	assert.Equal(t, storage.KindValidation, storage.KindOf(err))

	_, err = svc.CreateSession(ctx, "agent-1", "no-such-project", CreateOptions{})
	require.Error(t, err)
	assert.Equal(t, storage.KindNotFound, storage.KindOf(err))
}

func TestService_SingleSessionEviction(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	p := seedProject(t, store, "evict")

	first, err := svc.CreateSession(ctx, "agent-1", p.ID, CreateOptions{})
	require.NoError(t, err)

	second, err := svc.CreateSession(ctx, "agent-1", p.ID, CreateOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Session.ID, second.Session.ID)

	// The first session was evicted; its token no longer authenticates.
	_, err = svc.AuthenticateSession(ctx, first.Token)
	require.Error(t, err)
	assert.Equal(t, storage.KindUnauthorized, storage.KindOf(err))

	_, err = svc.AuthenticateSession(ctx, second.Token)
	require.NoError(t, err)
}

func TestService_AllowMultipleSessions(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	p := seedProject(t, store, "multi")

	first, err := svc.CreateSession(ctx, "agent-1", p.ID, CreateOptions{AllowMultipleSessions: true})
	require.NoError(t, err)
	second, err := svc.CreateSession(ctx, "agent-1", p.ID, CreateOptions{AllowMultipleSessions: true})
	require.NoError(t, err)

	_, err = svc.AuthenticateSession(ctx, first.Token)
	require.NoError(t, err)
	_, err = svc.AuthenticateSession(ctx, second.Token)
	require.NoError(t, err)

	live, err := svc.FindActiveSessionsForAgent(ctx, "agent-1", p.ID)
	require.NoError(t, err)
	assert.Len(t, live, 2)
}

func TestService_ResumeExisting(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	p := seedProject(t, store, "resume")

	first, err := svc.CreateSession(ctx, "agent-1", p.ID, CreateOptions{TTLSeconds: 60})
	require.NoError(t, err)

	resumed, err := svc.CreateSession(ctx, "agent-1", p.ID, CreateOptions{TTLSeconds: 3600, ResumeExisting: true})
	require.NoError(t, err)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, first.Session.ID, resumed.Session.ID)
	// Expiry was extended by the new TTL.
	assert.True(t, resumed.Session.ExpiresAt.After(first.Session.ExpiresAt))

	// Both tokens refer to the same session.
	s1, err := svc.AuthenticateSession(ctx, first.Token)
	require.NoError(t, err)
	s2, err := svc.AuthenticateSession(ctx, resumed.Token)
	require.NoError(t, err)
	assert.Equal(t, s1.ID, s2.ID)

	// Nothing to resume for a different agent.
	fresh, err := svc.CreateSession(ctx, "agent-2", p.ID, CreateOptions{ResumeExisting: true})
	require.NoError(t, err)
	assert.False(t, fresh.Resumed)
}

func TestService_AuthenticateSession(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	p := seedProject(t, store, "auth")

	result, err := svc.CreateSession(ctx, "agent-1", p.ID, CreateOptions{})
	require.NoError(t, err)

	before := result.Session.LastAccessedAt
	time.Sleep(5 * time.Millisecond)

	sess, err := svc.AuthenticateSession(ctx, result.Token)
	require.NoError(t, err)
	assert.Equal(t, result.Session.ID, sess.ID)
	assert.True(t, sess.LastAccessedAt.After(before))

	_, err = svc.AuthenticateSession(ctx, "garbage")
	require.Error(t, err)
	assert.Equal(t, storage.KindUnauthorized, storage.KindOf(err))
}

func TestService_AuthenticateExpiredSession(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	p := seedProject(t, store, "expired")

	result, err := svc.CreateSession(ctx, "agent-1", p.ID, CreateOptions{})
	require.NoError(t, err)

	// Force the stored record past its expiry.
	sess, err := store.GetSession(ctx, result.Session.ID)
	require.NoError(t, err)
	sess.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.UpdateSession(ctx, sess))

	_, err = svc.AuthenticateSession(ctx, result.Token)
	require.Error(t, err)
	assert.Equal(t, storage.KindExpired, storage.KindOf(err))
}

func TestService_ValidateSession(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	p := seedProject(t, store, "validate")

	result, err := svc.CreateSession(ctx, "agent-1", p.ID, CreateOptions{})
	require.NoError(t, err)

	v, err := svc.ValidateSession(ctx, result.Token)
	require.NoError(t, err)
	assert.Equal(t, result.Session.ID, v.Session.ID)
	assert.Equal(t, p.ID, v.Project.ID)
	assert.Equal(t, "agent-1", v.Agent.Name)
	assert.Equal(t, "idle", v.Agent.Status)
}

func TestService_ValidateSessionSelfHeals(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	p := seedProject(t, store, "healing")

	result, err := svc.CreateSession(ctx, "agent-1", p.ID, CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, store.DeleteProject(ctx, p.ID))

	_, err = svc.ValidateSession(ctx, result.Token)
	require.Error(t, err)
	assert.Equal(t, storage.KindUnauthorized, storage.KindOf(err))

	// The dangling session was destroyed, not left behind.
	_, err = store.GetSession(ctx, result.Session.ID)
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))
}

func TestService_ExtendSession(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	p := seedProject(t, store, "extend")

	result, err := svc.CreateSession(ctx, "agent-1", p.ID, CreateOptions{TTLSeconds: 60})
	require.NoError(t, err)

	extended, err := svc.ExtendSession(ctx, result.Session.ID, 7200)
	require.NoError(t, err)
	assert.True(t, extended.ExpiresAt.After(result.Session.ExpiresAt))

	_, err = svc.ExtendSession(ctx, "no-such-session", 60)
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))
}

func TestService_UpdateSessionData(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	p := seedProject(t, store, "data")

	result, err := svc.CreateSession(ctx, "agent-1", p.ID, CreateOptions{Data: map[string]any{"step": "init"}})
	require.NoError(t, err)

	updated, err := svc.UpdateSessionData(ctx, result.Session.ID, map[string]any{"step": "claim", "count": 2})
	require.NoError(t, err)
	assert.Equal(t, "claim", updated.Data["step"])
	assert.Equal(t, 2, updated.Data["count"])

	// Nil value removes the key.
	updated, err = svc.UpdateSessionData(ctx, result.Session.ID, map[string]any{"step": nil})
	require.NoError(t, err)
	_, present := updated.Data["step"]
	assert.False(t, present)
	assert.Equal(t, 2, updated.Data["count"])
}

func TestService_DestroySession(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	p := seedProject(t, store, "destroy")

	result, err := svc.CreateSession(ctx, "agent-1", p.ID, CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.DestroySession(ctx, result.Session.ID))
	_, err = svc.AuthenticateSession(ctx, result.Token)
	require.Error(t, err)

	// Destroying again is a no-op.
	require.NoError(t, svc.DestroySession(ctx, result.Session.ID))
}

func TestService_CleanupSessionsForAgent(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	p := seedProject(t, store, "sweep-agent")

	for i := 0; i < 3; i++ {
		_, err := svc.CreateSession(ctx, "agent-1", p.ID, CreateOptions{AllowMultipleSessions: true})
		require.NoError(t, err)
	}
	other, err := svc.CreateSession(ctx, "agent-2", p.ID, CreateOptions{})
	require.NoError(t, err)

	removed, err := svc.CleanupSessionsForAgent(ctx, "agent-1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	// Other agents are untouched.
	_, err = svc.AuthenticateSession(ctx, other.Token)
	require.NoError(t, err)
}

func TestService_CleanupExpiredSessions(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	p := seedProject(t, store, "sweep-expired")

	live, err := svc.CreateSession(ctx, "agent-1", p.ID, CreateOptions{})
	require.NoError(t, err)
	dead, err := svc.CreateSession(ctx, "agent-2", p.ID, CreateOptions{})
	require.NoError(t, err)

	sess, err := store.GetSession(ctx, dead.Session.ID)
	require.NoError(t, err)
	sess.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.UpdateSession(ctx, sess))

	removed, err := svc.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = svc.AuthenticateSession(ctx, live.Token)
	require.NoError(t, err)
}

// Two service instances sharing one backend: a token issued by one is
// valid on the other, and logout propagates.
func TestService_CrossInstanceCoherence(t *testing.T) {
	store := storage.NewMemoryBackend()
	cfg := config.SessionConfig{Secret: "shared-secret", Timeout: 3600}
	instance1 := NewService(store, cfg, testLogger(t))
	instance2 := NewService(store, cfg, testLogger(t))
	ctx := context.Background()
	p := seedProject(t, store, "cross-instance")

	login, err := instance1.CreateSession(ctx, "agent-1", p.ID, CreateOptions{})
	require.NoError(t, err)

	_, err = instance1.UpdateSessionData(ctx, login.Session.ID, map[string]any{"counter": 1})
	require.NoError(t, err)

	// Instance 2 sees the session and its data through the shared backend.
	v, err := instance2.ValidateSession(ctx, login.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Session.Data["counter"])

	// Logout on instance 2 invalidates the token on instance 1.
	require.NoError(t, instance2.DestroySession(ctx, login.Session.ID))
	_, err = instance1.AuthenticateSession(ctx, login.Token)
	require.Error(t, err)
	assert.Equal(t, storage.KindUnauthorized, storage.KindOf(err))
}

// A token signed with a different secret is rejected even when the
// session record exists.
func TestService_SecretMismatch(t *testing.T) {
	store := storage.NewMemoryBackend()
	instance1 := NewService(store, config.SessionConfig{Secret: "secret-a", Timeout: 3600}, testLogger(t))
	instance2 := NewService(store, config.SessionConfig{Secret: "secret-b", Timeout: 3600}, testLogger(t))
	ctx := context.Background()
	p := seedProject(t, store, "mismatch")

	login, err := instance1.CreateSession(ctx, "agent-1", p.ID, CreateOptions{})
	require.NoError(t, err)

	_, err = instance2.AuthenticateSession(ctx, login.Token)
	require.Error(t, err)
	assert.Equal(t, storage.KindUnauthorized, storage.KindOf(err))
}
