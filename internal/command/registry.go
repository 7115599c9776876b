package command

import "context"

// Registry returns the full command catalog. Surfaces walk this list to
// build their bindings; nothing outside this package enumerates
// operations by hand.
func Registry() []*Command {
	var catalog []*Command
	catalog = append(catalog, projectCommands()...)
	catalog = append(catalog, taskTypeCommands()...)
	catalog = append(catalog, taskCommands()...)
	catalog = append(catalog, agentCommands()...)
	return catalog
}

// Execute decodes raw arguments against the command's parameters and runs
// its handler. Surfaces call this instead of invoking handlers directly
// so decoding stays uniform.
func Execute(ctx context.Context, cmd *Command, deps *Deps, raw map[string]any) (any, error) {
	args, err := DecodeArgs(cmd.Parameters, raw)
	if err != nil {
		return nil, err
	}
	return cmd.Handler(ctx, deps, args)
}
