// Package session manages authenticated agent sessions: signed bearer
// token issuance, validation, resumption, and cleanup. All session state
// lives in the storage backend, so a token issued by one service instance
// is valid on any other instance sharing that backend, and logout on one
// invalidates the token everywhere.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/config"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/logger"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/models"
)

// DefaultTTL applies when neither the request nor the configuration sets
// a session timeout.
const DefaultTTL = time.Hour

// Service manages session lifecycle on top of the storage backend.
type Service struct {
	store      storage.Backend
	codec      *TokenCodec
	defaultTTL time.Duration
	logger     *logger.Logger
}

// NewService builds a session service. cfg.Secret signs tokens and must
// match across instances sharing a backend; cfg.Timeout (seconds) is the
// TTL applied when a login omits one.
func NewService(store storage.Backend, cfg config.SessionConfig, log *logger.Logger) *Service {
	ttl := cfg.TimeoutDuration()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store:      store,
		codec:      NewTokenCodec(cfg.Secret),
		defaultTTL: ttl,
		logger:     log.WithComponent("session-service"),
	}
}

// CreateOptions tune session creation.
type CreateOptions struct {
	TTLSeconds            int
	Data                  map[string]any
	AllowMultipleSessions bool
	ResumeExisting        bool
}

// CreateResult is the login response: the session record, its bearer
// token, and whether an existing session was resumed instead of created.
type CreateResult struct {
	Session *models.Session `json:"session"`
	Token   string          `json:"sessionToken"`
	Resumed bool            `json:"resumed"`
}

// ValidationResult resolves a token to its session plus the agent and
// project views the session refers to.
type ValidationResult struct {
	Session *models.Session     `json:"session"`
	Agent   *models.AgentStatus `json:"agent"`
	Project *models.Project     `json:"project"`
}

// CreateSession issues a session for an agent on a project. With
// ResumeExisting, the most recently accessed live session for the
// agent+project pair is extended and returned instead of a new one.
// Without AllowMultipleSessions, any other sessions for the pair are
// evicted before the new one is created.
func (s *Service) CreateSession(ctx context.Context, agentName, projectID string, opts CreateOptions) (*CreateResult, error) {
	if agentName == "" {
		return nil, storage.NewValidation("agentName is required")
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	ttl := s.defaultTTL
	if opts.TTLSeconds > 0 {
		ttl = time.Duration(opts.TTLSeconds) * time.Second
	}
	now := time.Now().UTC()

	existing, err := s.store.FindSessionsByAgent(ctx, agentName, project.ID)
	if err != nil {
		return nil, err
	}

	if opts.ResumeExisting {
		// existing is ordered most recently accessed first.
		for _, sess := range existing {
			if sess.Expired(now) {
				continue
			}
			sess.ExpiresAt = now.Add(ttl)
			sess.LastAccessedAt = now
			if err := s.store.UpdateSession(ctx, sess); err != nil {
				return nil, err
			}
			s.logger.Info("session resumed",
				zap.String("session_id", sess.ID),
				zap.String("agent", agentName),
				zap.String("project_id", project.ID))
			return &CreateResult{Session: sess, Token: s.token(sess), Resumed: true}, nil
		}
	}

	if !opts.AllowMultipleSessions {
		for _, old := range existing {
			if err := s.store.DeleteSession(ctx, old.ID); err != nil && !storage.IsNotFound(err) {
				return nil, err
			}
		}
	}

	sess := &models.Session{
		ID:             uuid.New().String(),
		AgentName:      agentName,
		ProjectID:      project.ID,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(ttl),
		Data:           opts.Data,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("agent", agentName),
		zap.String("project_id", project.ID))
	return &CreateResult{Session: sess, Token: s.token(sess)}, nil
}

// AuthenticateSession verifies the token signature, loads the session,
// rejects it when expired, and touches lastAccessedAt.
func (s *Service) AuthenticateSession(ctx context.Context, token string) (*models.Session, error) {
	sessionID, err := s.codec.Verify(token)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, storage.NewUnauthorized("session not found")
		}
		return nil, err
	}
	now := time.Now().UTC()
	if sess.Expired(now) {
		return nil, storage.NewExpired("session %s has expired", sessionID)
	}
	sess.LastAccessedAt = now
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// ValidateSession authenticates the token and resolves the agent and
// project it refers to. A session whose project no longer exists is
// destroyed on sight and reported as invalid, so stale sessions heal
// themselves instead of accumulating.
func (s *Service) ValidateSession(ctx context.Context, token string) (*ValidationResult, error) {
	sess, err := s.AuthenticateSession(ctx, token)
	if err != nil {
		return nil, err
	}

	project, err := s.store.GetProject(ctx, sess.ProjectID)
	if err != nil {
		if storage.IsNotFound(err) {
			s.destroyStale(ctx, sess)
			return nil, storage.NewUnauthorized("session project no longer exists")
		}
		return nil, err
	}

	agent, err := s.store.GetAgentStatus(ctx, sess.AgentName, sess.ProjectID)
	if err != nil {
		if !storage.IsNotFound(err) {
			return nil, err
		}
		// No running task. The agent is still a valid session holder,
		// just idle.
		agent = &models.AgentStatus{
			Name:      sess.AgentName,
			Status:    "idle",
			ProjectID: sess.ProjectID,
		}
	}

	return &ValidationResult{Session: sess, Agent: agent, Project: project}, nil
}

// ExtendSession pushes the expiry out to now + ttlSeconds (the service
// default when ttlSeconds <= 0).
func (s *Service) ExtendSession(ctx context.Context, sessionID string, ttlSeconds int) (*models.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ttl := s.defaultTTL
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	now := time.Now().UTC()
	sess.ExpiresAt = now.Add(ttl)
	sess.LastAccessedAt = now
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// UpdateSessionData merges entries into the session's data map. A nil
// value removes the key.
func (s *Service) UpdateSessionData(ctx context.Context, sessionID string, data map[string]any) (*models.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Data == nil {
		sess.Data = make(map[string]any, len(data))
	}
	for k, v := range data {
		if v == nil {
			delete(sess.Data, k)
			continue
		}
		sess.Data[k] = v
	}
	sess.LastAccessedAt = time.Now().UTC()
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// DestroySession deletes the session. Deleting a session that is already
// gone is not an error.
func (s *Service) DestroySession(ctx context.Context, sessionID string) error {
	if err := s.store.DeleteSession(ctx, sessionID); err != nil && !storage.IsNotFound(err) {
		return err
	}
	s.logger.Info("session destroyed", zap.String("session_id", sessionID))
	return nil
}

// FindActiveSessionsForAgent returns the agent's unexpired sessions on a
// project, most recently accessed first.
func (s *Service) FindActiveSessionsForAgent(ctx context.Context, agentName, projectID string) ([]*models.Session, error) {
	sessions, err := s.store.FindSessionsByAgent(ctx, agentName, projectID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	live := make([]*models.Session, 0, len(sessions))
	for _, sess := range sessions {
		if !sess.Expired(now) {
			live = append(live, sess)
		}
	}
	return live, nil
}

// CleanupSessionsForAgent deletes every session the agent holds on a
// project and reports how many were removed.
func (s *Service) CleanupSessionsForAgent(ctx context.Context, agentName, projectID string) (int, error) {
	sessions, err := s.store.FindSessionsByAgent(ctx, agentName, projectID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, sess := range sessions {
		if err := s.store.DeleteSession(ctx, sess.ID); err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// CleanupExpiredSessions removes expired sessions across all projects.
func (s *Service) CleanupExpiredSessions(ctx context.Context) (int, error) {
	removed, err := s.store.CleanupExpiredSessions(ctx)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("expired sessions removed", zap.Int("count", removed))
	}
	return removed, nil
}

func (s *Service) token(sess *models.Session) string {
	return s.codec.Generate(sess.ID, sess.CreatedAt.UnixMilli())
}

func (s *Service) destroyStale(ctx context.Context, sess *models.Session) {
	if err := s.store.DeleteSession(ctx, sess.ID); err != nil && !storage.IsNotFound(err) {
		s.logger.Warn("failed to destroy stale session",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
}
