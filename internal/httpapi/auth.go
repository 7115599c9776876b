package httpapi

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/session"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/models"
)

const (
	ctxSessionKey = "auth_session"
	ctxTokenKey   = "auth_token"
)

// sessionAuth requires a valid bearer token on every request it guards
// and stores the authenticated session in the gin context. With auth
// disabled it passes requests through without a session.
func (s *Server) sessionAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.Session.EnableAuth {
			c.Next()
			return
		}

		token := bearerToken(c)
		if token == "" {
			s.writeError(c, storage.NewUnauthorized("missing bearer token"))
			return
		}

		sess, err := s.deps.Sessions.AuthenticateSession(c.Request.Context(), token)
		if err != nil {
			s.writeError(c, err)
			return
		}

		c.Set(ctxSessionKey, sess)
		c.Set(ctxTokenKey, token)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func sessionFrom(c *gin.Context) *models.Session {
	v, ok := c.Get(ctxSessionKey)
	if !ok {
		return nil
	}
	sess, _ := v.(*models.Session)
	return sess
}

type loginRequest struct {
	AgentName             string         `json:"agentName"`
	ProjectID             string         `json:"projectId"`
	TTLSeconds            int            `json:"ttlSeconds"`
	AllowMultipleSessions bool           `json:"allowMultipleSessions"`
	ResumeExisting        bool           `json:"resumeExisting"`
	Data                  map[string]any `json:"data"`
}

// handleLogin issues a session token for an agent on a project.
func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, storage.NewValidation("invalid JSON body: %v", err))
		return
	}
	if req.AgentName == "" || req.ProjectID == "" {
		s.writeError(c, storage.NewValidation("agentName and projectId are required"))
		return
	}

	result, err := s.deps.Sessions.CreateSession(c.Request.Context(), req.AgentName, req.ProjectID, session.CreateOptions{
		TTLSeconds:            req.TTLSeconds,
		Data:                  req.Data,
		AllowMultipleSessions: req.AllowMultipleSessions,
		ResumeExisting:        req.ResumeExisting,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.writeSuccess(c, result)
}

// handleLogout destroys the authenticated session.
func (s *Server) handleLogout(c *gin.Context) {
	sess := sessionFrom(c)
	if sess == nil {
		s.writeError(c, storage.NewUnauthorized("no active session"))
		return
	}
	if err := s.deps.Sessions.DestroySession(c.Request.Context(), sess.ID); err != nil {
		s.writeError(c, err)
		return
	}
	s.writeSuccess(c, gin.H{"loggedOut": true})
}

// handleSessionInfo resolves the caller's token to its session plus the
// agent and project it refers to.
func (s *Server) handleSessionInfo(c *gin.Context) {
	token := c.GetString(ctxTokenKey)
	if token == "" {
		s.writeError(c, storage.NewUnauthorized("no active session"))
		return
	}
	result, err := s.deps.Sessions.ValidateSession(c.Request.Context(), token)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.writeSuccess(c, result)
}

type sessionUpdateRequest struct {
	Data map[string]any `json:"data"`
}

// handleSessionUpdate merges entries into the session's data map.
func (s *Server) handleSessionUpdate(c *gin.Context) {
	sess := sessionFrom(c)
	if sess == nil {
		s.writeError(c, storage.NewUnauthorized("no active session"))
		return
	}

	var req sessionUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, storage.NewValidation("invalid JSON body: %v", err))
		return
	}
	if req.Data == nil {
		s.writeError(c, storage.NewValidation("data is required"))
		return
	}

	updated, err := s.deps.Sessions.UpdateSessionData(c.Request.Context(), sess.ID, req.Data)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.writeSuccess(c, gin.H{"session": updated})
}
