package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/rampdev/rampagent/internal/sandbox"
)

// NewImplementer creates the sub-agent the orchestrator spawns to make
// code changes. It is the only agent with file write access.
func NewImplementer(deps Deps, task, taskContext string) *Agent {
	sb := deps.Sandbox

	tools := []ToolDef{
		readFileTool(sb, "Read a file from the workspace."),
		{
			Name:        "write_file",
			Description: "Write/overwrite a file in the workspace.",
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"},
					"content": {"type": "string"}
				},
				"required": ["path", "content"]
			}`),
			Handler: func(ctx context.Context, input map[string]interface{}) (ToolResult, error) {
				path := stringArg(input, "path", "")
				content, _ := input["content"].(string)
				if err := sb.WriteFile(ctx, path, content); err != nil {
					return ToolResult{}, err
				}
				return TextResult(fmt.Sprintf("Wrote %d chars to %s", len(content), path)), nil
			},
		},
		{
			Name:        "create_file",
			Description: "Create a new file. Parent directories created automatically.",
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"},
					"content": {"type": "string"}
				},
				"required": ["path", "content"]
			}`),
			Handler: func(ctx context.Context, input map[string]interface{}) (ToolResult, error) {
				path := stringArg(input, "path", "")
				content, _ := input["content"].(string)
				if err := sb.WriteFile(ctx, path, content); err != nil {
					return ToolResult{}, err
				}
				return TextResult(fmt.Sprintf("Created %s (%d chars)", path, len(content))), nil
			},
		},
		{
			Name:        "delete_file",
			Description: "Delete a file from the workspace.",
			InputSchema: schema(`{
				"type": "object",
				"properties": {"path": {"type": "string"}},
				"required": ["path"]
			}`),
			Handler: func(ctx context.Context, input map[string]interface{}) (ToolResult, error) {
				path := stringArg(input, "path", "")
				err := sb.DeleteFile(ctx, path)
				if errors.Is(err, sandbox.ErrNotFound) {
					return TextResult(fmt.Sprintf("%s not found", path)), nil
				}
				if err != nil {
					return ToolResult{}, err
				}
				return TextResult(fmt.Sprintf("Deleted %s", path)), nil
			},
		},
		runCommandTool(sb, "Run a shell command in the workspace.", exploreTimeout, nil),
		listDirectoryTool(sb, "List files in a directory."),
	}

	return New(deps.LLM, Config{
		Role:          "implementer",
		MaxIterations: 40,
		SystemPrompt:  implementerPrompt(task, taskContext),
		Tools:         tools,
	}, deps.Logger)
}

func implementerPrompt(task, taskContext string) string {
	return fmt.Sprintf(`You are an Implementer agent. You make code changes in a repository workspace.

Task from orchestrator:
%s

Context (files already read by orchestrator):
%s

Your job:
1. Read any additional files you need (the orchestrator already read some for you).
2. Write/create/modify files to accomplish the task.
3. Run commands to verify your changes compile/pass basic checks.

When done, output valid JSON:
{
  "changed_files": ["list of modified files"],
  "created_files": ["list of new files"],
  "deleted_files": ["list of deleted files"],
  "summary": "what was changed and why"
}

Write clean, production code. Handle edge cases.`, task, taskContext)
}
