// Package local is the built-in tool owner: file access and allowlisted
// commands on the machine running the hub.
package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/toolhub/config"
	"github.com/m4xw311/toolhub/errors"
	"github.com/m4xw311/toolhub/tools"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// OwnerID is the id local tools are registered under.
const OwnerID = "local"

const (
	ReadFile       = "fs.read_file"
	WriteFile      = "fs.write_file"
	ExecuteCommand = "shell.execute_command"
)

type Owner struct {
	fsAccess        config.FilesystemAccess
	allowedCommands []*regexp.Regexp
	patterns        []string
	literal         []string
	logger          *zap.Logger
}

func New(cfg config.LocalTools, logger *zap.Logger) *Owner {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Owner{fsAccess: cfg.FilesystemAccess, logger: logger}
	// Patterns must match the whole command line, not a substring of it.
	for _, pattern := range cfg.AllowedCommands {
		re, err := regexp.Compile(`^(?:` + pattern + `)$`)
		if err != nil {
			logger.Warn("invalid regex in allowed_commands, matching literally", zap.String("pattern", pattern), zap.Error(err))
			o.literal = append(o.literal, pattern)
			continue
		}
		o.allowedCommands = append(o.allowedCommands, re)
		o.patterns = append(o.patterns, pattern)
	}
	return o
}

// Descriptors lists the tools this owner serves.
func (o *Owner) Descriptors() []tools.Descriptor {
	pathProp := map[string]any{"type": "string", "description": "Path of the file"}
	return []tools.Descriptor{
		{
			Name:        ReadFile,
			Label:       "Read file",
			Description: "Reads the entire content of a file.",
			ParameterSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": pathProp},
				"required":   []any{"path"},
			},
		},
		{
			Name:        WriteFile,
			Label:       "Write file",
			Description: "Writes content to a file, replacing it entirely.",
			ParameterSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    pathProp,
					"content": map[string]any{"type": "string", "description": "New file content"},
				},
				"required": []any{"path", "content"},
			},
		},
		{
			Name:        ExecuteCommand,
			Label:       "Execute command",
			Description: o.commandDescription(),
			ParameterSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"command": map[string]any{"type": "string"}},
				"required":   []any{"command"},
			},
		},
	}
}

func (o *Owner) Execute(ctx context.Context, inv tools.Invocation) (tools.Result, error) {
	switch inv.Call.Name {
	case ReadFile:
		return o.readFile(inv.Call.Input)
	case WriteFile:
		return o.writeFile(inv.Call.Input)
	case ExecuteCommand:
		return o.executeCommand(ctx, inv.Call.Input)
	default:
		return tools.Result{}, errors.Wrapf(errors.ErrUnknownTool, "local owner has no tool %q", inv.Call.Name)
	}
}

type fileArgs struct {
	Path    string `mapstructure:"path"`
	Content string `mapstructure:"content"`
}

type commandArgs struct {
	Command string `mapstructure:"command"`
}

func decode(input map[string]any, out any) error {
	if err := mapstructure.Decode(input, out); err != nil {
		return errors.Wrapf(errors.ErrMalformedArguments, "%v", err)
	}
	return nil
}

func (o *Owner) readFile(input map[string]any) (tools.Result, error) {
	var args fileArgs
	if err := decode(input, &args); err != nil {
		return tools.Result{}, err
	}
	if args.Path == "" {
		return tools.Result{}, errors.New("missing or invalid 'path' argument")
	}
	if err := o.checkPath(args.Path, false); err != nil {
		return tools.Result{}, err
	}

	content, err := os.ReadFile(args.Path)
	if err != nil {
		return tools.Result{}, errors.Wrapf(err, "failed to read file '%s'", args.Path)
	}
	return tools.TextResult(string(content)), nil
}

func (o *Owner) writeFile(input map[string]any) (tools.Result, error) {
	var args fileArgs
	if err := decode(input, &args); err != nil {
		return tools.Result{}, err
	}
	if args.Path == "" {
		return tools.Result{}, errors.New("missing or invalid 'path' argument")
	}
	if err := o.checkPath(args.Path, true); err != nil {
		return tools.Result{}, err
	}

	if err := os.WriteFile(args.Path, []byte(args.Content), 0o644); err != nil {
		return tools.Result{}, errors.Wrapf(err, "failed to write to file '%s'", args.Path)
	}
	return tools.TextResult(fmt.Sprintf("Successfully wrote %d bytes to %s", len(args.Content), args.Path)), nil
}

func (o *Owner) executeCommand(ctx context.Context, input map[string]any) (tools.Result, error) {
	var args commandArgs
	if err := decode(input, &args); err != nil {
		return tools.Result{}, err
	}
	parts := strings.Fields(args.Command)
	if len(parts) == 0 {
		return tools.Result{}, errors.New("missing or invalid 'command' argument")
	}
	if !o.commandAllowed(args.Command) {
		return tools.Result{}, errors.New("command '%s' is not in the list of allowed commands", args.Command)
	}

	output, err := exec.CommandContext(ctx, parts[0], parts[1:]...).CombinedOutput()
	if err != nil {
		return tools.Result{}, errors.Wrapf(err, "command execution failed. Output:\n%s", string(output))
	}
	return tools.TextResult(fmt.Sprintf("Command executed successfully. Output:\n%s", string(output))), nil
}

func (o *Owner) checkPath(path string, write bool) error {
	hidden, err := isPathRestricted(path, o.fsAccess.Hidden)
	if err != nil {
		return err
	}
	if hidden {
		return errors.New("access denied: path '%s' is hidden", path)
	}
	if !write {
		return nil
	}
	readOnly, err := isPathRestricted(path, o.fsAccess.ReadOnly)
	if err != nil {
		return err
	}
	if readOnly {
		return errors.New("access denied: path '%s' is read-only", path)
	}
	return nil
}

func (o *Owner) commandAllowed(command string) bool {
	for _, re := range o.allowedCommands {
		if re.MatchString(command) {
			return true
		}
	}
	for _, l := range o.literal {
		if command == l {
			return true
		}
	}
	return false
}

func (o *Owner) commandDescription() string {
	if len(o.allowedCommands) == 0 && len(o.literal) == 0 {
		return "Executes a shell command. No commands are currently allowed."
	}
	var b strings.Builder
	b.WriteString("Executes a shell command.\nAllowed command patterns:\n")
	for _, p := range o.patterns {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	for _, l := range o.literal {
		fmt.Fprintf(&b, "- %s\n", l)
	}
	return b.String()
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}
