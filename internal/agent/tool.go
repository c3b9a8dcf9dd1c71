// Package agent implements the generic tool-use execution loop and the
// orchestrator, implementer and verifier agent factories built on it.
package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rampdev/rampagent/internal/llm"
)

// ToolHandler executes a tool call. A returned error is reported to the
// model as a tool failure; it never aborts the run.
type ToolHandler func(ctx context.Context, input map[string]interface{}) (ToolResult, error)

// ToolDef describes a tool offered to the decision-maker.
type ToolDef struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     ToolHandler
}

// ToolResult is a tool's return value. Blocks, when set, take precedence
// over Text and carry ordered multimodal content.
type ToolResult struct {
	Text   string
	Blocks []llm.Block
}

// TextResult wraps plain text.
func TextResult(text string) ToolResult {
	return ToolResult{Text: text}
}

// JSONResult serializes v as the tool's text result.
func JSONResult(v interface{}) ToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return ToolResult{Text: "Error: " + err.Error()}
	}
	return ToolResult{Text: string(data)}
}

// BlocksResult wraps ordered content blocks (text and images).
func BlocksResult(blocks ...llm.Block) ToolResult {
	return ToolResult{Blocks: blocks}
}

// schema is a convenience for declaring tool input schemas inline.
func schema(s string) json.RawMessage {
	return json.RawMessage(s)
}

// Event is a single timeline entry emitted while an agent runs.
type Event struct {
	Role      string
	Type      string // agent_message, tool_call, tool_result, status_change, error
	Data      map[string]interface{}
	Timestamp time.Time
}

// EventCallback receives events as they are emitted.
type EventCallback func(Event)

// Output is the terminal result of an agent run.
type Output struct {
	Role   string
	Result map[string]interface{}
	Events []Event
}
