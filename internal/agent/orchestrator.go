package agent

import (
	"context"
	"fmt"

	"github.com/rampdev/rampagent/internal/common/logger"
	"github.com/rampdev/rampagent/internal/github"
	"github.com/rampdev/rampagent/internal/llm"
	"github.com/rampdev/rampagent/internal/sandbox"
)

// ArtifactSink persists a run artifact (screenshots, diffs) produced by
// an agent tool.
type ArtifactSink func(ctx context.Context, artifactType, name string, data []byte, metadata map[string]interface{}) error

// Deps bundles the collaborators the agent factories wire tools to.
type Deps struct {
	LLM          llm.Client
	Sandbox      sandbox.Sandbox
	Git          *github.GitOps
	Events       EventCallback
	SaveArtifact ArtifactSink
	Logger       *logger.Logger
}

// NewOrchestrator creates the top-level agent that drives a run. It
// explores directly, delegates edits and verification to sub-agents,
// and performs the git/PR flow through native tools.
func NewOrchestrator(deps Deps, repoURL string) *Agent {
	var orchestrator *Agent

	tools := []ToolDef{
		// Exploration
		readFileTool(deps.Sandbox, "Read a file from the repository. Use relative paths from repo root."),
		listDirectoryTool(deps.Sandbox, "List files and subdirectories. Use '.' for root."),
		runCommandTool(deps.Sandbox,
			"Run a shell command in the repository workspace (read-only exploration, grep, find, etc.).",
			exploreTimeout, nil),

		// Sub-agents
		{
			Name:        "run_implementer",
			Description: "Spawn an implementer sub-agent to make code changes. Pass a clear task description and any relevant file contents you've already read as context.",
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"task": {"type": "string", "description": "Detailed task description for the implementer"},
					"context": {"type": "string", "description": "File contents or other context the implementer needs", "default": ""}
				},
				"required": ["task"]
			}`),
			Handler: func(ctx context.Context, input map[string]interface{}) (ToolResult, error) {
				task := stringArg(input, "task", "")
				taskContext := stringArg(input, "context", "")

				impl := NewImplementer(deps, task, taskContext)
				impl.OnEvent(deps.Events)
				output, err := impl.Run(ctx, map[string]interface{}{"task": task})
				if err != nil {
					return ToolResult{}, err
				}
				return JSONResult(output.Result), nil
			},
		},
		{
			Name:        "run_verifier",
			Description: "Spawn a verifier sub-agent to test changes and visual behavior against user intent.",
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"install_command": {"type": "string", "description": "Command to install dependencies (e.g. 'npm install')"},
					"test_command": {"type": "string", "description": "Command to run tests (e.g. 'pytest')"},
					"verification_goal": {"type": "string", "description": "What the final behavior/UI should look like from the user's perspective"}
				},
				"required": []
			}`),
			Handler: func(ctx context.Context, input map[string]interface{}) (ToolResult, error) {
				installCommand := stringArg(input, "install_command", "")
				testCommand := stringArg(input, "test_command", "")
				verificationGoal := stringArg(input, "verification_goal", "")

				ver := NewVerifier(deps, installCommand, testCommand, verificationGoal)
				ver.OnEvent(deps.Events)
				output, err := ver.Run(ctx, map[string]interface{}{
					"install_command":   nullable(installCommand),
					"test_command":      nullable(testCommand),
					"verification_goal": nullable(verificationGoal),
				})
				if err != nil {
					return ToolResult{}, err
				}
				return JSONResult(output.Result), nil
			},
		},

		// GitHub
		{
			Name:        "create_branch",
			Description: "Create and checkout a new git branch.",
			InputSchema: schema(`{
				"type": "object",
				"properties": {"branch_name": {"type": "string"}},
				"required": ["branch_name"]
			}`),
			Handler: func(ctx context.Context, input map[string]interface{}) (ToolResult, error) {
				result, err := deps.Git.CreateBranch(ctx, stringArg(input, "branch_name", ""))
				if err != nil {
					return ToolResult{}, err
				}
				return JSONResult(result), nil
			},
		},
		{
			Name:        "commit_and_push",
			Description: "Stage all changes, commit, and push to remote.",
			InputSchema: schema(`{
				"type": "object",
				"properties": {"message": {"type": "string", "description": "Commit message"}},
				"required": ["message"]
			}`),
			Handler: func(ctx context.Context, input map[string]interface{}) (ToolResult, error) {
				result, err := deps.Git.CommitAndPush(ctx, stringArg(input, "message", ""))
				if err != nil {
					return ToolResult{}, err
				}
				return JSONResult(result), nil
			},
		},
		{
			Name:        "create_pr",
			Description: "Create a GitHub pull request.",
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"title": {"type": "string"},
					"body": {"type": "string", "description": "PR body with description of changes"}
				},
				"required": ["title", "body"]
			}`),
			Handler: func(ctx context.Context, input map[string]interface{}) (ToolResult, error) {
				result, err := deps.Git.CreatePR(ctx, stringArg(input, "title", ""), stringArg(input, "body", ""))
				if err != nil {
					return ToolResult{}, err
				}
				return JSONResult(result), nil
			},
		},

		// Meta
		{
			Name:        "complete",
			Description: "Signal that you are done. Call this when you have finished the entire task. Include a summary and any relevant output.",
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"summary": {"type": "string", "description": "Summary of what was accomplished"},
					"pr_url": {"type": "string", "description": "PR URL if one was created"},
					"pr_number": {"type": "integer", "description": "PR number if one was created"}
				},
				"required": ["summary"]
			}`),
			Handler: func(ctx context.Context, input map[string]interface{}) (ToolResult, error) {
				return TextResult(orchestrator.MarkDone(input)), nil
			},
		},
	}

	orchestrator = New(deps.LLM, Config{
		Role:          "orchestrator",
		MaxIterations: 60,
		SystemPrompt:  orchestratorPrompt(repoURL),
		Tools:         tools,
	}, deps.Logger)
	orchestrator.OnEvent(deps.Events)
	return orchestrator
}

func orchestratorPrompt(repoURL string) string {
	return fmt.Sprintf(`You are Ramp Agent, an autonomous coding agent that works on GitHub repositories.

Repository: %s
The repo is cloned into your workspace. Use relative paths.

You have two types of capabilities:

**Direct tools** — you execute these yourself:
- read_file, list_directory, run_command: explore the codebase
- create_branch, commit_and_push, create_pr: push changes to GitHub
- complete: signal you're done

**Agent tools** — these spawn specialized sub-agents:
- run_implementer: spawns an agent with file write access to implement changes. Pass it a clear task + any file contents you've already read as context.
- run_verifier: spawns an agent to run install/test commands and report pass/fail.

## Workflow

Decide your workflow based on the user's request:

**For code changes** (add feature, fix bug, refactor):
1. Read relevant files to understand the codebase
2. Call run_implementer with a specific task + context
3. Call run_verifier with test commands; include verification_goal when UI/UX behavior is involved
4. Create a branch, commit, push, and create a PR
    - PR body MUST include a Visual Verification section.
    - If screenshots exist from verification, include screenshot evidence in the PR body using markdown image links to repo paths when available.
5. Call complete

**For read-only tasks** (explain, analyze, review):
1. Read relevant files
2. Call complete with your analysis as the summary

**For questions about the repo**:
1. Read what you need
2. Call complete with your answer

## Rules
- Do NOT call run_implementer for read-only tasks
- Do NOT create PRs if no files were changed
- For code changes with file edits, always perform git/GitHub flow (`+"`create_branch` → `commit_and_push` → `create_pr`"+`)
- PR descriptions for UI/front-end changes must contain visual verification evidence (routes checked, screenshot details, and image links when available)
- When calling run_implementer, pass the file contents you've already read as context so it doesn't re-read them
- Be efficient — don't read files you don't need
- ALWAYS use the native tools (`+"`create_branch`, `commit_and_push`, `create_pr`"+`) for git operations. Do NOT use `+"`run_command`"+` to execute `+"`git`"+` or `+"`curl`"+` against the GitHub API. This is strictly forbidden.
- Always call complete when done`, repoURL)
}
