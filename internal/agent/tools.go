package agent

import (
	"context"
	"strings"
	"time"

	"github.com/rampdev/rampagent/internal/sandbox"
)

const (
	exploreTimeout = 60 * time.Second
	stdoutLimit    = 50_000
	stderrLimit    = 10_000
)

func stringArg(input map[string]interface{}, key, fallback string) string {
	if v, ok := input[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// nullable maps empty strings to nil so seeded run contexts match what
// the factories were given.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// commandOutput shapes a sandbox command result for the model, trimming
// runaway output.
func commandOutput(res *sandbox.CommandResult) map[string]interface{} {
	return map[string]interface{}{
		"exit_code": res.ExitCode,
		"stdout":    truncate(res.Stdout, stdoutLimit),
		"stderr":    truncate(res.Stderr, stderrLimit),
	}
}

func readFileTool(sb sandbox.Sandbox, description string) ToolDef {
	return ToolDef{
		Name:        "read_file",
		Description: description,
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Relative file path"}
			},
			"required": ["path"]
		}`),
		Handler: func(ctx context.Context, input map[string]interface{}) (ToolResult, error) {
			content, err := sb.ReadFile(ctx, stringArg(input, "path", ""))
			if err != nil {
				return ToolResult{}, err
			}
			return TextResult(content), nil
		},
	}
}

func listDirectoryTool(sb sandbox.Sandbox, description string) ToolDef {
	return ToolDef{
		Name:        "list_directory",
		Description: description,
		InputSchema: schema(`{
			"type": "object",
			"properties": {"path": {"type": "string", "default": "."}},
			"required": []
		}`),
		Handler: func(ctx context.Context, input map[string]interface{}) (ToolResult, error) {
			entries, err := sb.ListDir(ctx, stringArg(input, "path", "."))
			if err != nil {
				return ToolResult{}, err
			}
			return TextResult(strings.Join(entries, "\n")), nil
		},
	}
}

func runCommandTool(sb sandbox.Sandbox, description string, timeout time.Duration, filter func(string) *ToolResult) ToolDef {
	return ToolDef{
		Name:        "run_command",
		Description: description,
		InputSchema: schema(`{
			"type": "object",
			"properties": {"command": {"type": "string"}},
			"required": ["command"]
		}`),
		Handler: func(ctx context.Context, input map[string]interface{}) (ToolResult, error) {
			command := stringArg(input, "command", "")
			if filter != nil {
				if blocked := filter(command); blocked != nil {
					return *blocked, nil
				}
			}
			res, err := sb.RunCommand(ctx, command, timeout)
			if err != nil {
				return ToolResult{}, err
			}
			return JSONResult(commandOutput(res)), nil
		},
	}
}
