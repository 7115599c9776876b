// Package command declares the service's operation catalog once and lets
// each surface (RPC tools, HTTP routes, CLI subcommands) derive its
// bindings mechanically. A command names its parameters, HTTP binding,
// handler, and human formatter; adapters never hand-write per-operation
// glue.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/common/logger"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/session"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/task/service"
)

// ParamType is the wire type of a command parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
)

// Parameter describes one command argument. Positional parameters bind to
// CLI arguments in declaration order; everything else becomes a flag.
type Parameter struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Default     any
	Choices     []string
	Aliases     []string
	Positional  bool
}

// Deps carries the services a handler may touch.
type Deps struct {
	Tasks       *service.Service
	Sessions    *session.Service
	Store       storage.Backend
	Logger      *logger.Logger
	Version     string
	StorageName string
}

// HandlerFunc executes a command against the decoded argument bag.
type HandlerFunc func(ctx context.Context, deps *Deps, args Args) (any, error)

// FormatFunc renders a handler result for human consumption.
type FormatFunc func(result any) string

// Command is one operation in the catalog.
type Command struct {
	Name        string // canonical identifier
	RPCName     string // snake_case tool name
	CLIName     string // kebab-case subcommand
	Description string
	Parameters  []Parameter
	HTTPMethod  string
	HTTPPath    string // gin-style path, placeholders match parameter names
	Handler     HandlerFunc
	FormatHuman FormatFunc
}

// Args is the normalized argument bag handlers receive. Values are typed
// per the parameter declaration: string, float64, bool, []any, or the raw
// value for anything the declaration does not cover.
type Args map[string]any

// String returns the named argument as a string, or "" when absent.
func (a Args) String(name string) string {
	v, ok := a[name]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Int returns the named argument as an int, or 0 when absent.
func (a Args) Int(name string) int {
	switch v := a[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// IntPtr returns the named argument as *int, or nil when absent.
func (a Args) IntPtr(name string) *int {
	if _, ok := a[name]; !ok {
		return nil
	}
	n := a.Int(name)
	return &n
}

// StringPtr returns the named argument as *string, or nil when absent.
func (a Args) StringPtr(name string) *string {
	v, ok := a[name]
	if !ok || v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return &s
	}
	return nil
}

// Bool returns the named argument as a bool, or false when absent.
func (a Args) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

// Has reports whether the argument was supplied (or defaulted).
func (a Args) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// Slice returns the named argument as a []any, or nil when absent.
func (a Args) Slice(name string) []any {
	v, _ := a[name].([]any)
	return v
}

// StringMap interprets the named argument as a string-to-string map. It
// accepts an object (from a JSON body or RPC arguments), a JSON-encoded
// string, or an array of "key=value" strings (the CLI form).
func (a Args) StringMap(name string) (map[string]string, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case map[string]string:
		return val, nil
	case map[string]any:
		out := make(map[string]string, len(val))
		for k, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s.%s must be a string", name, k)
			}
			out[k] = s
		}
		return out, nil
	case string:
		if strings.TrimSpace(val) == "" {
			return nil, nil
		}
		out := map[string]string{}
		if err := json.Unmarshal([]byte(val), &out); err != nil {
			return nil, fmt.Errorf("%s is not valid JSON: %v", name, err)
		}
		return out, nil
	case []any:
		out := make(map[string]string, len(val))
		for _, item := range val {
			pair, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be key=value strings", name)
			}
			k, v, found := strings.Cut(pair, "=")
			if !found || k == "" {
				return nil, fmt.Errorf("%s entry %q is not key=value", name, pair)
			}
			out[k] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s must be an object, JSON string, or key=value list", name)
}

// DecodeArgs normalizes a raw argument map against the parameter list:
// aliases resolve to canonical names, defaults fill absent optionals,
// required parameters must be present, and values are coerced to the
// declared type. Unknown keys pass through untouched so surfaces can
// carry extras (session-injected values, for example).
func DecodeArgs(params []Parameter, raw map[string]any) (Args, error) {
	args := make(Args, len(raw))
	for k, v := range raw {
		args[k] = v
	}

	for _, p := range params {
		if _, ok := args[p.Name]; !ok {
			for _, alias := range p.Aliases {
				if v, ok := args[alias]; ok {
					args[p.Name] = v
					delete(args, alias)
					break
				}
			}
		}

		v, present := args[p.Name]
		if !present || v == nil {
			if p.Default != nil {
				args[p.Name] = p.Default
				continue
			}
			if p.Required {
				return nil, storage.NewValidation("%s is required", p.Name)
			}
			delete(args, p.Name)
			continue
		}

		coerced, err := coerce(p, v)
		if err != nil {
			return nil, err
		}
		args[p.Name] = coerced

		if len(p.Choices) > 0 {
			s, _ := coerced.(string)
			if !containsString(p.Choices, s) {
				return nil, storage.NewValidation("%s must be one of %s", p.Name, strings.Join(p.Choices, ", "))
			}
		}
	}
	return args, nil
}

func coerce(p Parameter, v any) (any, error) {
	switch p.Type {
	case TypeString:
		switch s := v.(type) {
		case string:
			return s, nil
		case map[string]any, []any:
			// Structured values for string parameters arrive from JSON
			// bodies and RPC arguments; normalize to their JSON text so
			// handlers parse one shape.
			encoded, err := json.Marshal(s)
			if err != nil {
				return nil, storage.NewValidation("%s must be a string", p.Name)
			}
			return string(encoded), nil
		}
		return nil, storage.NewValidation("%s must be a string", p.Name)
	case TypeNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, storage.NewValidation("%s must be a number", p.Name)
			}
			return f, nil
		case string:
			f, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return nil, storage.NewValidation("%s must be a number", p.Name)
			}
			return f, nil
		}
		return nil, storage.NewValidation("%s must be a number", p.Name)
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, storage.NewValidation("%s must be a boolean", p.Name)
			}
			return parsed, nil
		}
		return nil, storage.NewValidation("%s must be a boolean", p.Name)
	case TypeArray:
		switch arr := v.(type) {
		case []any:
			return arr, nil
		case []string:
			out := make([]any, len(arr))
			for i, s := range arr {
				out[i] = s
			}
			return out, nil
		case string:
			// JSON array in string form, the CLI @file path.
			var out []any
			if err := json.Unmarshal([]byte(arr), &out); err != nil {
				return nil, storage.NewValidation("%s must be an array", p.Name)
			}
			return out, nil
		}
		return nil, storage.NewValidation("%s must be an array", p.Name)
	}
	return v, nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// ByName finds a command in a catalog.
func ByName(catalog []*Command, name string) *Command {
	for _, c := range catalog {
		if c.Name == name || c.RPCName == name || c.CLIName == name {
			return c
		}
	}
	return nil
}

// PositionalParams returns the command's positional parameters in
// declaration order.
func (c *Command) PositionalParams() []Parameter {
	var out []Parameter
	for _, p := range c.Parameters {
		if p.Positional {
			out = append(out, p)
		}
	}
	return out
}

// FlagParams returns the command's non-positional parameters.
func (c *Command) FlagParams() []Parameter {
	var out []Parameter
	for _, p := range c.Parameters {
		if !p.Positional {
			out = append(out, p)
		}
	}
	return out
}
