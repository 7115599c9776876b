package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/command"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/logger"
)

// agentMemory remembers the agent identity issued on each MCP connection.
// An agent that let the claim call generate its name can then complete,
// fail, or extend without repeating it.
type agentMemory struct {
	mu     sync.Mutex
	byConn map[string]string
}

func newAgentMemory() *agentMemory {
	return &agentMemory{byConn: make(map[string]string)}
}

func (m *agentMemory) remember(connID, agentName string) {
	if agentName == "" {
		return
	}
	m.mu.Lock()
	m.byConn[connID] = agentName
	m.mu.Unlock()
}

func (m *agentMemory) recall(connID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byConn[connID]
}

func (m *agentMemory) forget(connID string) {
	m.mu.Lock()
	delete(m.byConn, connID)
	m.mu.Unlock()
}

// connectionID keys agent memory by MCP session. Stdio serves a single
// client, so the fallback key is shared.
func connectionID(ctx context.Context) string {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		return session.SessionID()
	}
	return "stdio"
}

func registerTools(s *server.MCPServer, deps *command.Deps, memory *agentMemory, log *logger.Logger) {
	catalog := command.Registry()
	for _, cmd := range catalog {
		s.AddTool(toolFromCommand(cmd), toolHandler(cmd, deps, memory, log))
	}
	log.Info("registered MCP tools", zap.Int("count", len(catalog)))
}

// toolFromCommand derives the tool's JSON Schema from the command's
// parameter list.
func toolFromCommand(cmd *command.Command) mcp.Tool {
	if len(cmd.Parameters) == 0 {
		// The default schema type drops an empty properties map, and some
		// clients reject object schemas without properties.
		return mcp.NewToolWithRawSchema(cmd.RPCName, cmd.Description,
			json.RawMessage(`{"type":"object","properties":{}}`))
	}

	opts := []mcp.ToolOption{mcp.WithDescription(cmd.Description)}
	for _, p := range cmd.Parameters {
		propOpts := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			propOpts = append(propOpts, mcp.Required())
		}
		if len(p.Choices) > 0 {
			propOpts = append(propOpts, mcp.Enum(p.Choices...))
		}

		switch p.Type {
		case command.TypeString:
			if d, ok := p.Default.(string); ok {
				propOpts = append(propOpts, mcp.DefaultString(d))
			}
			opts = append(opts, mcp.WithString(p.Name, propOpts...))
		case command.TypeNumber:
			if d, ok := p.Default.(float64); ok {
				propOpts = append(propOpts, mcp.DefaultNumber(d))
			}
			opts = append(opts, mcp.WithNumber(p.Name, propOpts...))
		case command.TypeBoolean:
			if d, ok := p.Default.(bool); ok {
				propOpts = append(propOpts, mcp.DefaultBool(d))
			}
			opts = append(opts, mcp.WithBoolean(p.Name, propOpts...))
		case command.TypeArray:
			opts = append(opts, mcp.WithArray(p.Name, propOpts...))
		}
	}

	return mcp.NewTool(cmd.RPCName, opts...)
}

// toolHandler adapts a registry command to the MCP calling convention:
// arguments arrive as a JSON object, results leave as a JSON envelope in
// a text content block, and failures set isError instead of surfacing a
// protocol error.
func toolHandler(cmd *command.Command, deps *command.Deps, memory *agentMemory, log *logger.Logger) server.ToolHandlerFunc {
	injectAgent := hasParameter(cmd, "agentName")

	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()

		raw := req.GetArguments()
		args := make(map[string]any, len(raw)+1)
		for k, v := range raw {
			args[k] = v
		}

		connID := connectionID(ctx)
		if injectAgent && stringArg(args, "agentName") == "" && stringArg(args, "agent") == "" {
			if remembered := memory.recall(connID); remembered != "" {
				args["agentName"] = remembered
			}
		}

		result, err := command.Execute(ctx, cmd, deps, args)
		if err != nil {
			log.Debug("tool call failed",
				zap.String("tool", cmd.RPCName),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
			body, _ := json.Marshal(map[string]any{"success": false, "error": err.Error()})
			return mcp.NewToolResultError(string(body)), nil
		}

		// Claim results echo the agent identity, generated or not.
		if m, ok := result.(map[string]any); ok {
			if name, ok := m["agentName"].(string); ok {
				memory.remember(connID, name)
			}
		}

		log.Debug("tool call",
			zap.String("tool", cmd.RPCName),
			zap.Duration("duration", time.Since(start)))

		body, err := json.MarshalIndent(map[string]any{"success": true, "data": result}, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf(`{"success":false,"error":%q}`, err.Error())), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

func hasParameter(cmd *command.Command, name string) bool {
	for _, p := range cmd.Parameters {
		if p.Name == name {
			return true
		}
	}
	return false
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
