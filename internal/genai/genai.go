// Package genai provides GenAI-enhanced operations using the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/citabot/citabot/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is the chat model used unless overridden via options.
const DefaultModel = openai.ChatModelGPT4oMini

// ToolCallResponse carries the model's reply: either assistant text, tool
// calls the caller must execute, or both.
type ToolCallResponse struct {
	Content   string
	ToolCalls []models.ToolCall
}

// ClientInterface defines the operations the conversation engine needs from
// the language model provider. Tests substitute a mock implementation.
type ClientInterface interface {
	// GenerateWithTools generates a completion that may include tool calls.
	GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error)
}

// Client wraps the OpenAI chat completion API.
type Client struct {
	client     openai.Client
	model      openai.ChatModel
	configured bool
}

var _ ClientInterface = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets an explicit API key instead of reading OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.client = openai.NewClient(option.WithAPIKey(key))
		c.configured = true
	}
}

// WithModel overrides the default chat model.
func WithModel(model openai.ChatModel) Option {
	return func(c *Client) {
		c.model = model
	}
}

// NewClient initializes a new GenAI client. Without options the API key is
// read from the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{model: DefaultModel}
	for _, opt := range opts {
		opt(c)
	}
	if !c.configured {
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		c.client = openai.NewClient(option.WithAPIKey(apiKey))
	}
	return c, nil
}

// GenerateWithTools generates a response that may include tool calls.
func (c *Client) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion with tools failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}

	msg := resp.Choices[0].Message
	out := &ToolCallResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		if !json.Valid([]byte(tc.Function.Arguments)) {
			slog.Warn("genai.GenerateWithTools: dropping tool call with malformed arguments", "tool", tc.Function.Name)
			continue
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: models.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			},
		})
	}
	slog.Debug("genai.GenerateWithTools: completion received", "contentLength", len(out.Content), "toolCalls", len(out.ToolCalls))
	return out, nil
}
