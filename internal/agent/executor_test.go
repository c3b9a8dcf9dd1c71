package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rampdev/rampagent/internal/common/logger"
	"github.com/rampdev/rampagent/internal/llm"
	"github.com/rampdev/rampagent/internal/sandbox"
)

// scriptedLLM replays canned responses and records every request.
type scriptedLLM struct {
	responses []*llm.Response
	requests  []*llm.Request
	err       error
}

func (s *scriptedLLM) CreateMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.requests) > len(s.responses) {
		return &llm.Response{Content: []llm.Block{llm.TextBlock("done")}}, nil
	}
	return s.responses[len(s.requests)-1], nil
}

// mockSandbox implements sandbox.Sandbox with overridable functions.
type mockSandbox struct {
	RunCommandFn func(ctx context.Context, command string, timeout time.Duration) (*sandbox.CommandResult, error)
	ReadFileFn   func(ctx context.Context, path string) (string, error)
	WriteFileFn  func(ctx context.Context, path, content string) error
	DeleteFileFn func(ctx context.Context, path string) error
	ListDirFn    func(ctx context.Context, path string) ([]string, error)
}

func (m *mockSandbox) Workspace() string { return "/tmp/mock" }

func (m *mockSandbox) Setenv(_, _ string) {}

func (m *mockSandbox) Destroy(_ context.Context) error { return nil }

func (m *mockSandbox) RunCommand(ctx context.Context, command string, timeout time.Duration) (*sandbox.CommandResult, error) {
	if m.RunCommandFn != nil {
		return m.RunCommandFn(ctx, command, timeout)
	}
	return &sandbox.CommandResult{ExitCode: 0}, nil
}

func (m *mockSandbox) ReadFile(ctx context.Context, path string) (string, error) {
	if m.ReadFileFn != nil {
		return m.ReadFileFn(ctx, path)
	}
	return "", fmt.Errorf("%w: %s", sandbox.ErrNotFound, path)
}

func (m *mockSandbox) WriteFile(ctx context.Context, path, content string) error {
	if m.WriteFileFn != nil {
		return m.WriteFileFn(ctx, path, content)
	}
	return nil
}

func (m *mockSandbox) DeleteFile(ctx context.Context, path string) error {
	if m.DeleteFileFn != nil {
		return m.DeleteFileFn(ctx, path)
	}
	return nil
}

func (m *mockSandbox) ListDir(ctx context.Context, path string) ([]string, error) {
	if m.ListDirFn != nil {
		return m.ListDirFn(ctx, path)
	}
	return nil, nil
}

var _ sandbox.Sandbox = (*mockSandbox)(nil)

func collectEvents(a *Agent) *[]Event {
	var events []Event
	a.OnEvent(func(ev Event) { events = append(events, ev) })
	return &events
}

func eventTypes(events []Event) []string {
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestAgentTextOnlyCompletes(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		{Content: []llm.Block{llm.TextBlock("All done here.")}},
	}}
	a := New(client, Config{Role: "orchestrator", MaxIterations: 5}, logger.NewNop())
	events := collectEvents(a)

	out, err := a.Run(context.Background(), map[string]interface{}{"prompt": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result["summary"] != "All done here." {
		t.Errorf("unexpected result: %v", out.Result)
	}

	want := []string{"status_change", "agent_message", "status_change"}
	got := eventTypes(*events)
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	if (*events)[0].Data["status"] != "orchestrator_started" {
		t.Errorf("unexpected first status: %v", (*events)[0].Data)
	}
	if (*events)[2].Data["status"] != "orchestrator_completed" {
		t.Errorf("unexpected last status: %v", (*events)[2].Data)
	}
}

func TestAgentSeedsContextAsJSON(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		{Content: []llm.Block{llm.TextBlock("ok")}},
	}}
	a := New(client, Config{Role: "orchestrator", MaxIterations: 5}, logger.NewNop())

	if _, err := a.Run(context.Background(), map[string]interface{}{"prompt": "fix the bug"}); err != nil {
		t.Fatal(err)
	}

	req := client.requests[0]
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Fatalf("unexpected seed messages: %+v", req.Messages)
	}
	seed := req.Messages[0].Content[0].Text
	if seed != `{"prompt":"fix the bug"}` {
		t.Errorf("unexpected seed: %s", seed)
	}
}

func TestAgentToolLoop(t *testing.T) {
	var gotInput map[string]interface{}
	echo := ToolDef{
		Name:        "echo",
		Description: "echo back",
		InputSchema: schema(`{"type":"object","properties":{"value":{"type":"string"}},"required":["value"]}`),
		Handler: func(ctx context.Context, input map[string]interface{}) (ToolResult, error) {
			gotInput = input
			return TextResult("echoed: " + stringArg(input, "value", "")), nil
		},
	}

	client := &scriptedLLM{responses: []*llm.Response{
		{Content: []llm.Block{
			llm.TextBlock("Let me check."),
			llm.ToolUseBlock("tu_1", "echo", map[string]interface{}{"value": "ping"}),
		}},
		{Content: []llm.Block{llm.TextBlock(`{"summary": "finished"}`)}},
	}}

	a := New(client, Config{Role: "orchestrator", MaxIterations: 5, Tools: []ToolDef{echo}}, logger.NewNop())
	events := collectEvents(a)

	out, err := a.Run(context.Background(), map[string]interface{}{"prompt": "go"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result["summary"] != "finished" {
		t.Errorf("unexpected result: %v", out.Result)
	}
	if gotInput["value"] != "ping" {
		t.Errorf("handler input not forwarded: %v", gotInput)
	}

	// tool_call and tool_result are paired with matching ids.
	var call, result *Event
	for i := range *events {
		switch (*events)[i].Type {
		case "tool_call":
			call = &(*events)[i]
		case "tool_result":
			result = &(*events)[i]
		}
	}
	if call == nil || result == nil {
		t.Fatalf("missing tool events: %v", eventTypes(*events))
	}
	if call.Data["id"] != "tu_1" || result.Data["id"] != "tu_1" {
		t.Errorf("tool events not paired: call=%v result=%v", call.Data, result.Data)
	}
	if result.Data["result"] != "echoed: ping" {
		t.Errorf("unexpected tool result: %v", result.Data)
	}

	// Second request carries assistant turn plus tool results.
	second := client.requests[1]
	if len(second.Messages) != 3 {
		t.Fatalf("expected 3 messages in second request, got %d", len(second.Messages))
	}
	toolTurn := second.Messages[2]
	if toolTurn.Role != "user" || toolTurn.Content[0].Type != "tool_result" || toolTurn.Content[0].ToolUseID != "tu_1" {
		t.Errorf("unexpected tool result turn: %+v", toolTurn)
	}
}

func TestAgentUnknownTool(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		{Content: []llm.Block{llm.ToolUseBlock("tu_1", "nope", nil)}},
		{Content: []llm.Block{llm.TextBlock("ok")}},
	}}
	a := New(client, Config{Role: "orchestrator", MaxIterations: 5}, logger.NewNop())
	events := collectEvents(a)

	if _, err := a.Run(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	for _, ev := range *events {
		if ev.Type == "tool_result" {
			if ev.Data["result"] != "Error: unknown tool 'nope'" {
				t.Errorf("unexpected result: %v", ev.Data)
			}
			return
		}
	}
	t.Fatal("no tool_result event")
}

func TestAgentToolErrorIsNonFatal(t *testing.T) {
	failing := ToolDef{
		Name:        "boom",
		InputSchema: schema(`{"type":"object"}`),
		Handler: func(ctx context.Context, input map[string]interface{}) (ToolResult, error) {
			return ToolResult{}, errors.New("exploded")
		},
	}
	client := &scriptedLLM{responses: []*llm.Response{
		{Content: []llm.Block{llm.ToolUseBlock("tu_1", "boom", nil)}},
		{Content: []llm.Block{llm.TextBlock("recovered")}},
	}}
	a := New(client, Config{Role: "implementer", MaxIterations: 5, Tools: []ToolDef{failing}}, logger.NewNop())

	out, err := a.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Result["summary"] != "recovered" {
		t.Errorf("run did not continue past tool error: %v", out.Result)
	}

	second := client.requests[1]
	if got := second.Messages[2].Content[0].Text; got != "Error: exploded" {
		t.Errorf("unexpected tool result content: %q", got)
	}
}

func TestAgentCompleteToolEndsRun(t *testing.T) {
	var a *Agent
	complete := ToolDef{
		Name:        "complete",
		InputSchema: schema(`{"type":"object"}`),
		Handler: func(ctx context.Context, input map[string]interface{}) (ToolResult, error) {
			return TextResult(a.MarkDone(input)), nil
		},
	}
	client := &scriptedLLM{responses: []*llm.Response{
		{Content: []llm.Block{llm.ToolUseBlock("tu_1", "complete", map[string]interface{}{"summary": "shipped"})}},
	}}
	a = New(client, Config{Role: "orchestrator", MaxIterations: 5, Tools: []ToolDef{complete}}, logger.NewNop())
	events := collectEvents(a)

	out, err := a.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Result["summary"] != "shipped" {
		t.Errorf("unexpected result: %v", out.Result)
	}
	if len(client.requests) != 1 {
		t.Errorf("expected a single model call, got %d", len(client.requests))
	}
	last := (*events)[len(*events)-1]
	if last.Type != "status_change" || last.Data["status"] != "orchestrator_completed" {
		t.Errorf("unexpected final event: %+v", last)
	}
}

func TestAgentMaxIterations(t *testing.T) {
	noop := ToolDef{
		Name:        "noop",
		InputSchema: schema(`{"type":"object"}`),
		Handler: func(ctx context.Context, input map[string]interface{}) (ToolResult, error) {
			return TextResult("ok"), nil
		},
	}
	spin := &llm.Response{Content: []llm.Block{llm.ToolUseBlock("tu", "noop", nil)}}
	client := &scriptedLLM{responses: []*llm.Response{spin, spin, spin}}

	a := New(client, Config{Role: "verifier", MaxIterations: 3, Tools: []ToolDef{noop}}, logger.NewNop())
	events := collectEvents(a)

	out, err := a.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Result["error"] != "max_iterations_reached" {
		t.Errorf("unexpected result: %v", out.Result)
	}

	var sawError bool
	for _, ev := range *events {
		if ev.Type == "error" && ev.Data["message"] == "Max iterations (3) reached" {
			sawError = true
		}
	}
	if !sawError {
		t.Error("missing max-iterations error event")
	}
}

func TestAgentInterruptBeforeRun(t *testing.T) {
	client := &scriptedLLM{}
	a := New(client, Config{Role: "orchestrator", MaxIterations: 5}, logger.NewNop())
	a.Interrupt()

	out, err := a.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Result["status"] != "interrupted" || out.Result["summary"] != "Run interrupted" {
		t.Errorf("unexpected result: %v", out.Result)
	}
	if len(client.requests) != 0 {
		t.Errorf("interrupted run still called the model %d times", len(client.requests))
	}
}

func TestAgentInterruptDuringCall(t *testing.T) {
	a := New(nil, Config{Role: "orchestrator", MaxIterations: 5}, logger.NewNop())
	interrupting := &funcLLM{fn: func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		a.Interrupt()
		return &llm.Response{Content: []llm.Block{llm.ToolUseBlock("tu", "noop", nil)}}, nil
	}}
	a.client = interrupting

	out, err := a.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Result["status"] != "interrupted" {
		t.Errorf("unexpected result: %v", out.Result)
	}
}

type funcLLM struct {
	fn func(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

func (f *funcLLM) CreateMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return f.fn(ctx, req)
}

func TestAgentDeadlineIsNotInterruption(t *testing.T) {
	// An expired run context without an interrupt request must surface
	// as an error, not settle as an interrupted run.
	expiring := &funcLLM{fn: func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		return nil, fmt.Errorf("anthropic request failed: %w", context.DeadlineExceeded)
	}}
	a := New(expiring, Config{Role: "orchestrator", MaxIterations: 5}, logger.NewNop())
	events := collectEvents(a)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	out, err := a.Run(ctx, nil)
	if err == nil {
		t.Fatalf("expected error, got %v", out.Result)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("unexpected error: %v", err)
	}

	var sawError bool
	for _, ev := range *events {
		if ev.Type == "error" {
			sawError = true
		}
	}
	if !sawError {
		t.Error("missing error event for expired deadline")
	}
}

func TestAgentInterruptWinsOverDeadline(t *testing.T) {
	a := New(nil, Config{Role: "orchestrator", MaxIterations: 5}, logger.NewNop())
	a.client = &funcLLM{fn: func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		a.Interrupt()
		return nil, context.Canceled
	}}

	out, err := a.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Result["status"] != "interrupted" {
		t.Errorf("unexpected result: %v", out.Result)
	}
}

func TestAgentResumeAppendsToPendingUserTurn(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		{Content: []llm.Block{llm.TextBlock("first answer")}},
		{Content: []llm.Block{llm.TextBlock("second answer")}},
	}}
	a := New(client, Config{Role: "orchestrator", MaxIterations: 5}, logger.NewNop())
	events := collectEvents(a)

	if _, err := a.Run(context.Background(), map[string]interface{}{"prompt": "start"}); err != nil {
		t.Fatal(err)
	}

	out, err := a.Resume(context.Background(), "also do this")
	if err != nil {
		t.Fatal(err)
	}
	if out.Result["summary"] != "second answer" {
		t.Errorf("unexpected result: %v", out.Result)
	}

	// Follow-up lands on the still-pending user turn.
	second := client.requests[1]
	if len(second.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(second.Messages))
	}
	blocks := second.Messages[0].Content
	if len(blocks) != 2 || blocks[1].Text != "also do this" {
		t.Errorf("follow-up not appended: %+v", blocks)
	}

	// The resumed leg reports its own events only.
	var sawResumed bool
	for _, ev := range *events {
		if ev.Type == "status_change" && ev.Data["status"] == "orchestrator_resumed" {
			sawResumed = true
		}
	}
	if !sawResumed {
		t.Error("missing resumed status event")
	}
	if len(out.Events) >= len(*events) {
		t.Errorf("resume did not clear the event buffer: %d vs %d", len(out.Events), len(*events))
	}
}

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name string
		text string
		key  string
		want interface{}
	}{
		{"fenced json", "Here you go:\n```json\n{\"passed\": true}\n```", "passed", true},
		{"raw json", `{"summary": "raw"}`, "summary", "raw"},
		{"free text", "just some prose", "summary", "just some prose"},
		{"empty", "", "summary", ""},
		{"broken fence falls back", "```json\n{not json}\n```", "summary", "```json\n{not json}\n```"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseOutput(tt.text)
			if got[tt.key] != tt.want {
				t.Errorf("parseOutput(%q)[%s] = %v, want %v", tt.text, tt.key, got[tt.key], tt.want)
			}
		})
	}
}

func TestTruncateToolResultPreview(t *testing.T) {
	long := make([]byte, resultPreviewLimit*2)
	for i := range long {
		long[i] = 'x'
	}
	big := ToolDef{
		Name:        "big",
		InputSchema: schema(`{"type":"object"}`),
		Handler: func(ctx context.Context, input map[string]interface{}) (ToolResult, error) {
			return TextResult(string(long)), nil
		},
	}
	client := &scriptedLLM{responses: []*llm.Response{
		{Content: []llm.Block{llm.ToolUseBlock("tu", "big", nil)}},
		{Content: []llm.Block{llm.TextBlock("ok")}},
	}}
	a := New(client, Config{Role: "orchestrator", MaxIterations: 5, Tools: []ToolDef{big}}, logger.NewNop())
	events := collectEvents(a)

	if _, err := a.Run(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	for _, ev := range *events {
		if ev.Type == "tool_result" {
			if got := len(ev.Data["result"].(string)); got != resultPreviewLimit {
				t.Errorf("preview not truncated: %d", got)
			}
			// The model still receives the full text.
			if got := len(client.requests[1].Messages[2].Content[0].Text); got != len(long) {
				t.Errorf("model content truncated: %d", got)
			}
			return
		}
	}
	t.Fatal("no tool_result event")
}
