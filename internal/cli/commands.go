package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/command"
	"github.com/HamStudy/taskdriver-mcp-sub002/internal/storage"
)

// newSubcommand adapts one registry command to cobra. Positional
// parameters bind to arguments in declaration order; the rest become
// flags. Values are only forwarded when actually supplied, so defaults
// and required checks stay in the registry.
func newSubcommand(cmd *command.Command, opts Options, format, configPath *string) *cobra.Command {
	positionals := cmd.PositionalParams()
	use := cmd.CLIName
	required := 0
	for _, p := range positionals {
		if p.Required {
			use += fmt.Sprintf(" <%s>", p.Name)
			required++
		} else {
			use += fmt.Sprintf(" [%s]", p.Name)
		}
	}

	cc := &cobra.Command{
		Use:   use,
		Short: cmd.Description,
		Args:  cobra.RangeArgs(required, len(positionals)),
		RunE: func(c *cobra.Command, args []string) error {
			raw, err := collectArgs(c, cmd, args)
			if err != nil {
				return err
			}
			deps, cleanup, err := opts.Provide(c.Context(), *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()

			result, err := command.Execute(c.Context(), cmd, deps, raw)
			if err != nil {
				return err
			}
			return printResult(c.OutOrStdout(), *format, cmd, result)
		},
	}
	registerFlags(cc, cmd.FlagParams())
	return cc
}

func registerFlags(cc *cobra.Command, params []command.Parameter) {
	for _, p := range params {
		usage := p.Description
		if len(p.Choices) > 0 {
			usage += " (one of: " + strings.Join(p.Choices, ", ") + ")"
		}
		switch p.Type {
		case command.TypeNumber:
			def, _ := p.Default.(float64)
			cc.Flags().Float64(p.Name, def, usage)
		case command.TypeBoolean:
			def, _ := p.Default.(bool)
			cc.Flags().Bool(p.Name, def, usage)
		default:
			def, _ := p.Default.(string)
			cc.Flags().String(p.Name, def, usage)
		}
		if p.Required {
			_ = cc.MarkFlagRequired(p.Name)
		}
	}
}

// collectArgs assembles the raw argument map for command.Execute from
// positional arguments and explicitly set flags.
func collectArgs(c *cobra.Command, cmd *command.Command, args []string) (map[string]any, error) {
	raw := make(map[string]any, len(args))

	positionals := cmd.PositionalParams()
	for i, value := range args {
		p := positionals[i]
		expanded, err := expandArg(value)
		if err != nil {
			return nil, err
		}
		bound, err := bindValue(p, expanded)
		if err != nil {
			return nil, err
		}
		raw[p.Name] = bound
	}

	for _, p := range cmd.FlagParams() {
		if !c.Flags().Changed(p.Name) {
			continue
		}
		switch p.Type {
		case command.TypeNumber:
			v, err := c.Flags().GetFloat64(p.Name)
			if err != nil {
				return nil, err
			}
			raw[p.Name] = v
		case command.TypeBoolean:
			v, err := c.Flags().GetBool(p.Name)
			if err != nil {
				return nil, err
			}
			raw[p.Name] = v
		default:
			s, err := c.Flags().GetString(p.Name)
			if err != nil {
				return nil, err
			}
			expanded, err := expandArg(s)
			if err != nil {
				return nil, err
			}
			bound, err := bindValue(p, expanded)
			if err != nil {
				return nil, err
			}
			raw[p.Name] = bound
		}
	}
	return raw, nil
}

// expandArg reads @path arguments from disk, the usual way to pass large
// instruction bodies or bulk task lists.
func expandArg(value string) (string, error) {
	path, ok := strings.CutPrefix(value, "@")
	if !ok {
		return value, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// bindValue converts a string argument to the declared parameter type.
// Scalars pass through as strings (DecodeArgs coerces them); arrays are
// parsed here because the CLI accepts YAML as well as JSON lists.
func bindValue(p command.Parameter, value string) (any, error) {
	if p.Type != command.TypeArray {
		return value, nil
	}
	var list []any
	if err := yaml.Unmarshal([]byte(value), &list); err != nil {
		return nil, storage.NewValidation("%s must be a YAML or JSON array: %v", p.Name, err)
	}
	return list, nil
}

func printResult(w io.Writer, format string, cmd *command.Command, result any) error {
	if format == "human" && cmd.FormatHuman != nil {
		_, err := fmt.Fprintln(w, cmd.FormatHuman(result))
		return err
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
