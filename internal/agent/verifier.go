package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rampdev/rampagent/internal/llm"
)

const (
	verifyTimeout     = 120 * time.Second
	screenshotTimeout = 30 * time.Second
	utilityTimeout    = 10 * time.Second
)

// Commands the verifier must never execute. Matched case-insensitively
// against the trimmed command, before any process is spawned.
var forbiddenCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(^|\s)git\s`),
	regexp.MustCompile(`gh\s`),
	regexp.MustCompile(`gitkraken`),
	regexp.MustCompile(`commit`),
	regexp.MustCompile(`push`),
	regexp.MustCompile(`create\s+pr`),
}

const verifierPolicyMessage = "Verifier safety policy: git/PR/push commands are not allowed during verification."

// filterForbiddenCommand returns a synthetic blocked result when the
// command matches the safety policy, nil otherwise.
func filterForbiddenCommand(command string) *ToolResult {
	normalized := strings.ToLower(strings.TrimSpace(command))
	for _, pattern := range forbiddenCommandPatterns {
		if pattern.MatchString(normalized) {
			blocked := JSONResult(map[string]interface{}{
				"exit_code": 2,
				"stdout":    "",
				"stderr":    verifierPolicyMessage,
			})
			return &blocked
		}
	}
	return nil
}

// NewVerifier creates the sub-agent the orchestrator spawns to check
// that changes work: install, test, and browser verification through
// sandboxed screenshots.
func NewVerifier(deps Deps, installCommand, testCommand, verificationGoal string) *Agent {
	sb := deps.Sandbox

	tools := []ToolDef{
		runCommandTool(sb, "Run a verification command (install, test, build, lint).", verifyTimeout, filterForbiddenCommand),
		{
			Name:        "take_screenshot",
			Description: "Take a screenshot of a URL inside the sandbox using Playwright. Use this to visually verify UI changes.",
			InputSchema: schema(`{
				"type": "object",
				"properties": {
					"url": {"type": "string", "description": "e.g., http://localhost:5173"}
				},
				"required": ["url"]
			}`),
			Handler: func(ctx context.Context, input map[string]interface{}) (ToolResult, error) {
				return takeScreenshot(ctx, deps, stringArg(input, "url", ""))
			},
		},
	}

	return New(deps.LLM, Config{
		Role:          "verifier",
		MaxIterations: 10,
		SystemPrompt:  verifierPrompt(installCommand, testCommand, verificationGoal),
		Tools:         tools,
	}, deps.Logger)
}

// playwrightScript runs inside the sandbox: navigate, capture metadata,
// screenshot, and print the metadata on a marked line.
const playwrightScript = `
import sys
import json
from playwright.sync_api import sync_playwright

def main():
    url = sys.argv[1]
    out = sys.argv[2]
    metadata = {
        "requested_url": url,
        "final_url": None,
        "title": None,
        "http_status": None,
        "navigation_error": None,
        "body_excerpt": None,
        "screenshot_file": out,
    }
    with sync_playwright() as p:
        b = p.chromium.launch()
        page = b.new_page(viewport={"width": 1280, "height": 800})
        try:
            response = page.goto(url, wait_until="networkidle", timeout=15000)
            page.wait_for_timeout(1000)
            metadata["http_status"] = response.status if response else None
        except Exception as e:
            metadata["navigation_error"] = str(e)

        try:
            metadata["final_url"] = page.url
            metadata["title"] = page.title()
            body_text = page.locator("body").inner_text()
            metadata["body_excerpt"] = (body_text or "")[:500]
        except Exception as e:
            if not metadata["navigation_error"]:
                metadata["navigation_error"] = f"Metadata capture error: {e}"

        page.screenshot(path=out)
        b.close()

    print("__SCREENSHOT_META__" + json.dumps(metadata))

if __name__ == "__main__":
    main()
`

const screenshotMetaMarker = "__SCREENSHOT_META__"

// takeScreenshot captures a page inside the sandbox. Failures come back
// as structured error results, never as run-fatal errors.
func takeScreenshot(ctx context.Context, deps Deps, url string) (ToolResult, error) {
	sb := deps.Sandbox
	ts := time.Now().Unix()
	screenshotDir := ".ramp_verification"
	scriptPath := fmt.Sprintf("%s/screenshot_runner_%d.py", screenshotDir, ts)
	screenshotPath := fmt.Sprintf("%s/screenshot_%d.png", screenshotDir, ts)

	if _, err := sb.RunCommand(ctx, fmt.Sprintf("mkdir -p %s", screenshotDir), utilityTimeout); err != nil {
		return ToolResult{}, err
	}

	if err := sb.WriteFile(ctx, scriptPath, playwrightScript); err != nil {
		return ToolResult{}, err
	}

	res, err := sb.RunCommand(ctx,
		fmt.Sprintf("python3 %s %s %s", shellQuote(scriptPath), shellQuote(url), shellQuote(screenshotPath)),
		screenshotTimeout)
	if err != nil {
		return ToolResult{}, err
	}

	sb.RunCommand(ctx, fmt.Sprintf("rm -f %s", shellQuote(scriptPath)), utilityTimeout)

	if res.ExitCode != 0 {
		return JSONResult(map[string]interface{}{
			"error": fmt.Sprintf("Failed to take screenshot: %s\n%s", res.Stderr, res.Stdout),
		}), nil
	}

	metadata := map[string]interface{}{"requested_url": url}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.HasPrefix(line, screenshotMetaMarker) {
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, screenshotMetaMarker)), &metadata); err != nil {
				metadata = map[string]interface{}{
					"requested_url": url,
					"parse_error":   "failed_to_parse_screenshot_metadata",
				}
			}
			break
		}
	}
	metadata["repo_relative_path"] = screenshotPath

	res64, err := sb.RunCommand(ctx,
		fmt.Sprintf(`python3 -c "import base64,sys;print(base64.b64encode(open(sys.argv[1],'rb').read()).decode())" %s`,
			shellQuote(screenshotPath)),
		exploreTimeout)
	if err != nil {
		return ToolResult{}, err
	}
	if res64.ExitCode != 0 {
		return JSONResult(map[string]interface{}{
			"error": fmt.Sprintf("Failed to read screenshot: %s", res64.Stderr),
		}), nil
	}

	b64Data := strings.TrimSpace(res64.Stdout)

	// Persist as an artifact so the screenshot shows up outside the run.
	if deps.SaveArtifact != nil {
		if raw, decodeErr := base64.StdEncoding.DecodeString(b64Data); decodeErr == nil {
			name := fmt.Sprintf("screenshot_%d", time.Now().Unix())
			if err := deps.SaveArtifact(ctx, "screenshot", name, raw, metadata); err != nil {
				deps.Logger.Warn("Failed to save screenshot artifact", zap.Error(err))
			}
		}
	}

	summary := fmt.Sprintf("Screenshot captured. requested=%v final=%v status=%v title=%v path=%v",
		metadata["requested_url"], metadata["final_url"], metadata["http_status"],
		metadata["title"], metadata["repo_relative_path"])

	return BlocksResult(
		llm.TextBlock(summary),
		llm.Block{Type: "image", MediaType: "image/png", Data: b64Data},
	), nil
}

// shellQuote single-quotes s for safe interpolation into a bash command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func verifierPrompt(installCommand, testCommand, verificationGoal string) string {
	var cmds []string
	if installCommand != "" {
		cmds = append(cmds, "- Install: "+installCommand)
	}
	if testCommand != "" {
		cmds = append(cmds, "- Test: "+testCommand)
	}
	cmdText := strings.Join(cmds, "\n")
	if cmdText == "" {
		cmdText = "No specific commands provided. Try common ones (npm test, pytest, make test)."
	}

	goalText := verificationGoal
	if goalText == "" {
		goalText = "No explicit user visual intent provided. Validate behavior from task context."
	}

	return fmt.Sprintf(`You are a Verifier agent. Run commands to check that code changes work.

Commands to run:
%s

User's intended outcome to verify against:
%s

Steps:
1. Establish install commands deterministically from repository manifests unless install_command is explicitly provided.
    - Use lockfiles/manifests in priority order: `+"`pnpm-lock.yaml` -> `pnpm install --frozen-lockfile`; `yarn.lock` -> `yarn install --frozen-lockfile`; `package-lock.json` -> `npm ci`; `package.json` -> `npm install`; `requirements.txt` -> `pip install -r requirements.txt`; `pyproject.toml` -> `pip install -e .`"+`.
    - Handle repo subdirectories (`+"`frontend/`, `backend/`"+`) when manifests are there.
2. Run the install command(s).
3. Run the test command if specified, else infer from manifests (`+"`npm test`, `pytest`"+`, etc.) and execute.
4. Proactively determine if browser verification is needed. If frontend indicators exist (e.g., `+"`frontend/`, `package.json`, `vite.config`, `next.config`, `src/`"+` UI code, HTML/CSS/TSX changes), you MUST run browser verification without waiting for additional user instruction.
5. For browser verification, start the app server in background, wait for readiness, and capture screenshots using `+"`take_screenshot`"+` for sensible default routes (`+"`/`"+`, and any obvious route in code).
6. Try common local ports if needed (5173, 3000, 8080) and continue on failure with clear evidence.
7. Compare screenshots against the user's intended outcome and explicitly state whether the visual result matches, partially matches, or does not match.
8. Report pass/fail with evidence.

Rules:
- Do NOT run any git/github commands (no add/commit/push/branch/pr).
- Do NOT modify product files. Only run verification commands and capture evidence.
- Keep verification generic across repos; do not assume specific frameworks unless command output confirms it.
- If browser verification is applicable, do not skip it just because the user did not explicitly request screenshots.
- Do NOT install arbitrary new packages unless required by repository manifests or required to run the repository's own declared commands.

Output valid JSON:
{
  "passed": true/false,
  "test_summary": "brief summary of test results or visual verification",
  "failure_reason": null or "why it failed"
}`, cmdText, goalText)
}
