package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rampdev/rampagent/internal/common/logger"
	"github.com/rampdev/rampagent/internal/llm"
	"github.com/rampdev/rampagent/internal/sandbox"
)

func TestFilterForbiddenCommand(t *testing.T) {
	blocked := []string{
		"git push origin main",
		"  GIT status",
		"gh pr create --fill",
		"echo done && git commit -m x",
		"npm run push-release",
		"create  pr now",
		"gitkraken open",
	}
	for _, cmd := range blocked {
		res := filterForbiddenCommand(cmd)
		if res == nil {
			t.Errorf("expected %q to be blocked", cmd)
			continue
		}
		if !strings.Contains(res.Text, `"exit_code":2`) {
			t.Errorf("blocked result missing exit code 2: %s", res.Text)
		}
		if !strings.Contains(res.Text, "Verifier safety policy") {
			t.Errorf("blocked result missing policy banner: %s", res.Text)
		}
	}

	allowed := []string{
		"npm test",
		"pytest -x",
		"make build",
		"ls -la .github",
		"cat digit.txt",
	}
	for _, cmd := range allowed {
		if res := filterForbiddenCommand(cmd); res != nil {
			t.Errorf("expected %q to be allowed, got %s", cmd, res.Text)
		}
	}
}

func TestVerifierBlocksGitWithoutSpawning(t *testing.T) {
	spawned := false
	sb := &mockSandbox{
		RunCommandFn: func(ctx context.Context, command string, timeout time.Duration) (*sandbox.CommandResult, error) {
			spawned = true
			return &sandbox.CommandResult{ExitCode: 0}, nil
		},
	}
	client := &scriptedLLM{responses: []*llm.Response{
		{Content: []llm.Block{llm.ToolUseBlock("tu_1", "run_command", map[string]interface{}{"command": "git push"})}},
		{Content: []llm.Block{llm.TextBlock(`{"passed": false, "test_summary": "blocked", "failure_reason": null}`)}},
	}}

	ver := NewVerifier(Deps{LLM: client, Sandbox: sb, Logger: logger.NewNop()}, "", "", "")
	out, err := ver.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if spawned {
		t.Error("forbidden command reached the sandbox")
	}
	if out.Result["passed"] != false {
		t.Errorf("unexpected result: %v", out.Result)
	}

	blockedTurn := client.requests[1].Messages[2].Content[0]
	if !strings.Contains(blockedTurn.Text, "Verifier safety policy") {
		t.Errorf("model did not see the policy banner: %s", blockedTurn.Text)
	}
}

func TestVerifierRunCommandTimeoutCeiling(t *testing.T) {
	var gotTimeout time.Duration
	sb := &mockSandbox{
		RunCommandFn: func(ctx context.Context, command string, timeout time.Duration) (*sandbox.CommandResult, error) {
			gotTimeout = timeout
			return &sandbox.CommandResult{ExitCode: 0, Stdout: "ok"}, nil
		},
	}
	client := &scriptedLLM{responses: []*llm.Response{
		{Content: []llm.Block{llm.ToolUseBlock("tu_1", "run_command", map[string]interface{}{"command": "npm test"})}},
		{Content: []llm.Block{llm.TextBlock("done")}},
	}}

	ver := NewVerifier(Deps{LLM: client, Sandbox: sb, Logger: logger.NewNop()}, "npm ci", "npm test", "")
	if _, err := ver.Run(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if gotTimeout != verifyTimeout {
		t.Errorf("expected %v timeout, got %v", verifyTimeout, gotTimeout)
	}
}

func TestTakeScreenshotFailureIsStructured(t *testing.T) {
	sb := &mockSandbox{
		RunCommandFn: func(ctx context.Context, command string, timeout time.Duration) (*sandbox.CommandResult, error) {
			if strings.HasPrefix(command, "python3 '.ramp_verification/screenshot_runner") {
				return &sandbox.CommandResult{ExitCode: 1, Stderr: "chromium missing"}, nil
			}
			return &sandbox.CommandResult{ExitCode: 0}, nil
		},
	}

	res, err := takeScreenshot(context.Background(), Deps{Sandbox: sb, Logger: logger.NewNop()}, "http://localhost:3000")
	if err != nil {
		t.Fatalf("screenshot failure should not be fatal: %v", err)
	}
	if !strings.Contains(res.Text, "Failed to take screenshot") || !strings.Contains(res.Text, "chromium missing") {
		t.Errorf("unexpected result: %s", res.Text)
	}
}

func TestTakeScreenshotSuccess(t *testing.T) {
	// Base64 of a tiny fake payload.
	const b64 = "aGVsbG8="

	var savedType, savedName string
	var savedMeta map[string]interface{}
	sink := func(ctx context.Context, artifactType, name string, data []byte, metadata map[string]interface{}) error {
		savedType, savedName, savedMeta = artifactType, name, metadata
		if string(data) != "hello" {
			t.Errorf("artifact bytes not decoded: %q", data)
		}
		return nil
	}

	sb := &mockSandbox{
		RunCommandFn: func(ctx context.Context, command string, timeout time.Duration) (*sandbox.CommandResult, error) {
			switch {
			case strings.HasPrefix(command, "python3 '.ramp_verification/screenshot_runner"):
				meta := `__SCREENSHOT_META__{"requested_url":"http://localhost:3000","final_url":"http://localhost:3000/","title":"Home","http_status":200}`
				return &sandbox.CommandResult{ExitCode: 0, Stdout: meta + "\n"}, nil
			case strings.HasPrefix(command, "python3 -c"):
				return &sandbox.CommandResult{ExitCode: 0, Stdout: b64 + "\n"}, nil
			default:
				return &sandbox.CommandResult{ExitCode: 0}, nil
			}
		},
	}

	res, err := takeScreenshot(context.Background(),
		Deps{Sandbox: sb, SaveArtifact: sink, Logger: logger.NewNop()},
		"http://localhost:3000")
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(res.Blocks))
	}
	if res.Blocks[0].Type != "text" || !strings.Contains(res.Blocks[0].Text, "status=200") {
		t.Errorf("unexpected summary block: %+v", res.Blocks[0])
	}
	if res.Blocks[1].Type != "image" || res.Blocks[1].Data != b64 || res.Blocks[1].MediaType != "image/png" {
		t.Errorf("unexpected image block: %+v", res.Blocks[1])
	}

	if savedType != "screenshot" || !strings.HasPrefix(savedName, "screenshot_") {
		t.Errorf("artifact not saved: type=%s name=%s", savedType, savedName)
	}
	if savedMeta["title"] != "Home" {
		t.Errorf("artifact metadata missing: %v", savedMeta)
	}
	if _, ok := savedMeta["repo_relative_path"]; !ok {
		t.Error("metadata missing repo_relative_path")
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("simple"); got != "'simple'" {
		t.Errorf("got %s", got)
	}
	if got := shellQuote("it's"); got != `'it'\''s'` {
		t.Errorf("got %s", got)
	}
}
