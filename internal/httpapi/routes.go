package httpapi

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/command"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
)

// registerRoutes mounts the auth endpoints plus every registry command
// that carries an HTTP binding. Bindings under /api require a session;
// anything else (the health probe) is public.
func (s *Server) registerRoutes() {
	api := s.engine.Group("/api")
	api.POST("/auth/login", s.handleLogin)

	protected := api.Group("")
	protected.Use(s.sessionAuth())
	protected.POST("/auth/logout", s.handleLogout)
	protected.GET("/auth/session", s.handleSessionInfo)
	protected.PUT("/auth/session", s.handleSessionUpdate)

	for _, cmd := range command.Registry() {
		if cmd.HTTPMethod == "" {
			continue
		}
		handler := s.commandHandler(cmd)
		if rel, ok := strings.CutPrefix(cmd.HTTPPath, "/api"); ok {
			protected.Handle(cmd.HTTPMethod, rel, handler)
		} else {
			s.engine.Handle(cmd.HTTPMethod, cmd.HTTPPath, handler)
		}
	}
}

// commandHandler adapts a registry command to gin: collect raw arguments,
// execute, envelope the result.
func (s *Server) commandHandler(cmd *command.Command) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := s.collectArgs(c, cmd)
		if err != nil {
			s.writeError(c, err)
			return
		}

		result, err := command.Execute(c.Request.Context(), cmd, s.deps, raw)
		if err != nil {
			s.writeError(c, err)
			return
		}
		s.writeSuccess(c, result)
	}
}

// collectArgs merges the JSON body, query string, and route parameters
// into one raw argument map, later sources winning, then fills agent and
// project identity from the session for commands that accept them.
func (s *Server) collectArgs(c *gin.Context, cmd *command.Command) (map[string]any, error) {
	raw := make(map[string]any)

	if c.Request.ContentLength > 0 {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			return nil, storage.NewValidation("invalid JSON body: %v", err)
		}
		for k, v := range body {
			raw[k] = v
		}
	}

	for _, p := range cmd.Parameters {
		for _, name := range append([]string{p.Name}, p.Aliases...) {
			if v, ok := c.GetQuery(name); ok && v != "" {
				raw[name] = v
			}
		}
	}

	for _, param := range c.Params {
		raw[param.Key] = param.Value
	}

	s.injectSessionArgs(c, cmd, raw)
	return raw, nil
}

// injectSessionArgs supplies the session's agent and project for commands
// that declare those parameters when the request did not. The session's
// project also scopes task operations: a task outside it stays not found.
func (s *Server) injectSessionArgs(c *gin.Context, cmd *command.Command, raw map[string]any) {
	sess := sessionFrom(c)
	if sess == nil {
		return
	}
	for _, p := range cmd.Parameters {
		switch p.Name {
		case "agentName":
			if !suppliedAny(raw, p) {
				raw[p.Name] = sess.AgentName
			}
		case "projectId":
			if !suppliedAny(raw, p) {
				raw[p.Name] = sess.ProjectID
			}
		}
	}
}

func suppliedAny(raw map[string]any, p command.Parameter) bool {
	if _, ok := raw[p.Name]; ok {
		return true
	}
	for _, alias := range p.Aliases {
		if _, ok := raw[alias]; ok {
			return true
		}
	}
	return false
}
