package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rampdev/rampagent/internal/common/logger"
	"github.com/rampdev/rampagent/internal/llm"
)

const resultPreviewLimit = 5000

// Config parameterizes an Agent.
type Config struct {
	Role          string
	SystemPrompt  string
	MaxIterations int
	Tools         []ToolDef
}

// Agent runs the generic decision-maker loop: call the model, execute
// requested tools, feed results back, until the model stops asking for
// tools or a tool marks the run done.
type Agent struct {
	role          string
	systemPrompt  string
	maxIterations int
	tools         []ToolDef
	client        llm.Client
	logger        *logger.Logger

	callback    EventCallback
	interrupted atomic.Bool

	mu       sync.Mutex
	messages []llm.Message
	events   []Event
	done     bool
	result   map[string]interface{}
}

// New creates an agent.
func New(client llm.Client, cfg Config, log *logger.Logger) *Agent {
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 50
	}
	return &Agent{
		role:          cfg.Role,
		systemPrompt:  cfg.SystemPrompt,
		maxIterations: maxIterations,
		tools:         cfg.Tools,
		client:        client,
		logger:        log.WithFields(zap.String("agent_role", cfg.Role)),
	}
}

// OnEvent registers the event callback. Events are also collected into
// the run's Output.
func (a *Agent) OnEvent(cb EventCallback) {
	a.callback = cb
}

// Role returns the agent's role name.
func (a *Agent) Role() string {
	return a.role
}

func (a *Agent) emit(eventType string, data map[string]interface{}) {
	ev := Event{
		Role:      a.role,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	a.mu.Lock()
	a.events = append(a.events, ev)
	a.mu.Unlock()
	if a.callback != nil {
		a.callback(ev)
	}
}

// Run starts a fresh conversation seeded with the JSON-encoded context.
func (a *Agent) Run(ctx context.Context, runContext map[string]interface{}) (*Output, error) {
	seed, err := json.Marshal(runContext)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run context: %w", err)
	}

	a.mu.Lock()
	a.messages = []llm.Message{{Role: "user", Content: []llm.Block{llm.TextBlock(string(seed))}}}
	a.done = false
	a.mu.Unlock()

	a.emit("status_change", map[string]interface{}{"status": a.role + "_started"})
	return a.loop(ctx)
}

// Resume continues the conversation with a follow-up message, appending
// it to the pending user turn when one exists. The transient event
// buffer restarts so the resumed leg reports only its own events.
func (a *Agent) Resume(ctx context.Context, userMessage string) (*Output, error) {
	a.mu.Lock()
	if n := len(a.messages); n > 0 && a.messages[n-1].Role == "user" {
		last := &a.messages[n-1]
		last.Content = append(last.Content, llm.TextBlock(userMessage))
	} else {
		a.messages = append(a.messages, llm.Message{
			Role:    "user",
			Content: []llm.Block{llm.TextBlock(userMessage)},
		})
	}
	a.done = false
	a.events = nil
	a.mu.Unlock()

	a.emit("status_change", map[string]interface{}{"status": a.role + "_resumed"})
	return a.loop(ctx)
}

// Interrupt requests the run to stop. The loop notices the flag before
// and after each decision-maker call, so at most one model round-trip
// and one in-flight tool call complete after the request.
func (a *Agent) Interrupt() {
	a.interrupted.Store(true)
}

// MarkDone fixes the run result. Tool handlers (the complete tool) call
// this to signal explicit completion.
func (a *Agent) MarkDone(result map[string]interface{}) string {
	a.mu.Lock()
	a.done = true
	a.result = result
	a.mu.Unlock()
	return "Session complete."
}

func (a *Agent) isDone() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

func (a *Agent) output() *Output {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &Output{Role: a.role, Result: a.result, Events: a.events}
}

func (a *Agent) interruptedOutput() *Output {
	a.mu.Lock()
	a.done = true
	a.result = map[string]interface{}{"status": "interrupted", "summary": "Run interrupted"}
	a.mu.Unlock()
	return a.output()
}

func (a *Agent) loop(ctx context.Context) (*Output, error) {
	toolSchemas := make([]llm.Tool, 0, len(a.tools))
	for _, t := range a.tools {
		toolSchemas = append(toolSchemas, llm.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	for iterations := 0; iterations < a.maxIterations && !a.isDone(); {
		if a.interrupted.Load() {
			return a.interruptedOutput(), nil
		}
		iterations++

		resp, err := a.client.CreateMessage(ctx, &llm.Request{
			System:   a.systemPrompt,
			Messages: a.snapshotMessages(),
			Tools:    toolSchemas,
		})
		if err != nil {
			// Only an explicit interrupt settles cleanly. A context error
			// without the flag means the runtime limit expired, and that
			// is a failure.
			if a.interrupted.Load() {
				return a.interruptedOutput(), nil
			}
			a.emit("error", map[string]interface{}{"message": err.Error()})
			return nil, err
		}

		if a.interrupted.Load() {
			return a.interruptedOutput(), nil
		}

		hasToolUse := false
		for _, block := range resp.Content {
			if block.Type == "tool_use" {
				hasToolUse = true
				break
			}
		}

		var textParts []string
		var toolResults []llm.Block

		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				textParts = append(textParts, block.Text)
				a.emit("agent_message", map[string]interface{}{"content": block.Text})

			case "tool_use":
				toolResults = append(toolResults, a.executeTool(ctx, block))
			}
		}

		if hasToolUse {
			a.mu.Lock()
			a.messages = append(a.messages,
				llm.Message{Role: "assistant", Content: resp.Content},
				llm.Message{Role: "user", Content: toolResults},
			)
			a.mu.Unlock()
			continue
		}

		// No tool use means the agent is finished.
		finalText := strings.Join(textParts, "\n")
		a.mu.Lock()
		if !a.done {
			a.result = parseOutput(finalText)
		}
		a.mu.Unlock()
		a.emit("status_change", map[string]interface{}{"status": a.role + "_completed"})
		return a.output(), nil
	}

	if a.isDone() {
		a.emit("status_change", map[string]interface{}{"status": a.role + "_completed"})
		return a.output(), nil
	}

	a.emit("error", map[string]interface{}{
		"message": fmt.Sprintf("Max iterations (%d) reached", a.maxIterations),
	})
	a.mu.Lock()
	a.result = map[string]interface{}{"error": "max_iterations_reached"}
	a.mu.Unlock()
	return a.output(), nil
}

func (a *Agent) snapshotMessages() []llm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := make([]llm.Message, len(a.messages))
	copy(msgs, a.messages)
	return msgs
}

// executeTool runs one tool call, emitting the tool_call/tool_result
// event pair, and returns the tool_result block for the next user turn.
func (a *Agent) executeTool(ctx context.Context, block llm.Block) llm.Block {
	a.emit("tool_call", map[string]interface{}{
		"tool":  block.Name,
		"input": block.Input,
		"id":    block.ID,
	})

	var resultStr string
	result := llm.Block{Type: "tool_result", ToolUseID: block.ID}

	tool := a.findTool(block.Name)
	switch {
	case tool == nil:
		resultStr = fmt.Sprintf("Error: unknown tool '%s'", block.Name)
		result.Text = resultStr

	default:
		toolResult, err := tool.Handler(ctx, block.Input)
		switch {
		case err != nil:
			resultStr = "Error: " + err.Error()
			result.Text = resultStr
			a.logger.Error("Tool failed", zap.String("tool", block.Name), zap.Error(err))
		case len(toolResult.Blocks) > 0:
			result.Content = toolResult.Blocks
			resultStr = "[Media Content Array]"
		default:
			resultStr = toolResult.Text
			result.Text = resultStr
		}
	}

	a.emit("tool_result", map[string]interface{}{
		"tool":   block.Name,
		"id":     block.ID,
		"result": truncate(resultStr, resultPreviewLimit),
	})

	return result
}

func (a *Agent) findTool(name string) *ToolDef {
	for i := range a.tools {
		if a.tools[i].Name == name {
			return &a.tools[i]
		}
	}
	return nil
}

// parseOutput interprets an agent's final text: a fenced json block, a
// raw JSON object, or free text wrapped as a summary.
func parseOutput(text string) map[string]interface{} {
	if i := strings.Index(text, "```json"); i >= 0 {
		rest := text[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			var out map[string]interface{}
			if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:j])), &out); err == nil {
				return out
			}
		}
	}

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(text), &out); err == nil && out != nil {
		return out
	}

	return map[string]interface{}{"summary": text}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
