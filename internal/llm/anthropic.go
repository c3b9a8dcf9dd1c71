package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/rampdev/rampagent/internal/common/config"
	"github.com/rampdev/rampagent/internal/common/logger"
)

const maxRetries = 3

// AnthropicClient implements Client against the Anthropic Messages API.
type AnthropicClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	logger    *logger.Logger
}

// NewAnthropicClient creates a decision-maker client for the configured
// model.
func NewAnthropicClient(cfg config.AnthropicConfig, log *logger.Logger) *AnthropicClient {
	return &AnthropicClient{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     anthropic.Model(cfg.Model),
		maxTokens: cfg.MaxTokens,
		logger:    log,
	}
}

// CreateMessage sends the conversation and returns the model's reply.
// Transient failures (rate limits, overload, 5xx) are retried with
// backoff.
func (c *AnthropicClient) CreateMessage(ctx context.Context, req *Request) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  convertMessages(req.Messages),
		Tools:     convertTools(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		msg, err := c.client.Messages.New(ctx, params)
		if err == nil {
			return convertResponse(msg), nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == maxRetries {
			break
		}

		backoff := time.Duration(attempt) * time.Second
		c.logger.Warn("Decision-maker call failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("anthropic request failed: %w", lastErr)
}

func convertMessages(messages []Message) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		content := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
		for _, b := range msg.Content {
			switch b.Type {
			case "text":
				content = append(content, anthropic.NewTextBlock(b.Text))
			case "tool_use":
				content = append(content, anthropic.NewToolUseBlock(b.ID, b.Input, b.Name))
			case "tool_result":
				content = append(content, convertToolResult(b))
			}
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result
}

func convertToolResult(b Block) anthropic.ContentBlockParamUnion {
	if len(b.Content) == 0 {
		return anthropic.NewToolResultBlock(b.ToolUseID, b.Text, b.IsError)
	}

	// Multimodal results (screenshots) carry ordered text and image parts.
	items := make([]anthropic.ToolResultBlockParamContentUnion, 0, len(b.Content))
	for _, part := range b.Content {
		switch part.Type {
		case "text":
			items = append(items, anthropic.ToolResultBlockParamContentUnion{
				OfText: &anthropic.TextBlockParam{Text: part.Text},
			})
		case "image":
			items = append(items, anthropic.ToolResultBlockParamContentUnion{
				OfImage: &anthropic.ImageBlockParam{
					Source: anthropic.ImageBlockParamSourceUnion{
						OfBase64: &anthropic.Base64ImageSourceParam{
							Data:      part.Data,
							MediaType: imageMediaType(part.MediaType),
						},
					},
				},
			})
		}
	}

	return anthropic.ContentBlockParamUnion{
		OfToolResult: &anthropic.ToolResultBlockParam{
			ToolUseID: b.ToolUseID,
			IsError:   anthropic.Bool(b.IsError),
			Content:   items,
		},
	}
}

func imageMediaType(mediaType string) anthropic.Base64ImageSourceMediaType {
	switch mediaType {
	case "image/jpeg":
		return anthropic.Base64ImageSourceMediaTypeImageJPEG
	case "image/gif":
		return anthropic.Base64ImageSourceMediaTypeImageGIF
	case "image/webp":
		return anthropic.Base64ImageSourceMediaTypeImageWebP
	default:
		return anthropic.Base64ImageSourceMediaTypeImagePNG
	}
}

func convertTools(tools []Tool) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			// An unparsable schema still registers the tool name so the
			// model sees it exists.
			schema = anthropic.ToolInputSchemaParam{}
		}
		u := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if t.Description != "" {
			u.OfTool.Description = anthropic.String(t.Description)
		}
		result = append(result, u)
	}
	return result
}

func convertResponse(msg *anthropic.Message) *Response {
	resp := &Response{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content = append(resp.Content, TextBlock(block.Text))
		case "tool_use":
			var input map[string]interface{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &input); err != nil {
					input = map[string]interface{}{}
				}
			}
			resp.Content = append(resp.Content, ToolUseBlock(block.ID, block.Name, input))
		}
	}
	return resp
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit", "429", "overloaded", "529",
		"500", "502", "503", "504",
		"connection reset", "timeout",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var _ Client = (*AnthropicClient)(nil)
