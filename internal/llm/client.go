// Package llm abstracts the decision-maker protocol: a conversation of
// content blocks sent to a model, answered with text and tool-use blocks.
package llm

import (
	"context"
	"encoding/json"
)

// Block is a single content block in either direction. Type selects
// which fields are meaningful.
type Block struct {
	Type string // text, tool_use, tool_result, image

	// text
	Text string

	// tool_use
	ID    string
	Name  string
	Input map[string]interface{}

	// tool_result
	ToolUseID string
	IsError   bool
	Content   []Block // nested blocks; empty means plain-text Text

	// image
	MediaType string
	Data      string // base64 payload
}

// TextBlock creates a text block.
func TextBlock(text string) Block {
	return Block{Type: "text", Text: text}
}

// ToolUseBlock creates a tool-use block.
func ToolUseBlock(id, name string, input map[string]interface{}) Block {
	return Block{Type: "tool_use", ID: id, Name: name, Input: input}
}

// ToolResultBlock creates a plain-text tool result keyed to a tool use.
func ToolResultBlock(toolUseID, text string, isError bool) Block {
	return Block{Type: "tool_result", ToolUseID: toolUseID, Text: text, IsError: isError}
}

// Message is one conversation turn.
type Message struct {
	Role    string // user or assistant
	Content []Block
}

// Tool describes a callable tool offered to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is a single decision-maker invocation.
type Request struct {
	System   string
	Messages []Message
	Tools    []Tool
}

// Response is the model's reply.
type Response struct {
	Content    []Block // text and tool_use blocks, in order
	StopReason string
}

// Client is the decision-maker interface. Implementations must preserve
// block order in both directions.
type Client interface {
	CreateMessage(ctx context.Context, req *Request) (*Response, error)
}
