// Package llm wraps the Anthropic SDK behind a plain Complete call.
// The planner and agent packages each declare the one-method interface
// they consume; *Client satisfies both.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Config configures a Client.
type Config struct {
	// APIKey for the Anthropic API; the ANTHROPIC_API_KEY environment
	// variable is used when empty.
	APIKey string

	// Model to use; a current default is chosen when empty.
	Model anthropic.Model

	// MaxTokens bounds the response length. Default 4096.
	MaxTokens int
}

// Client is a text completion client backed by the Anthropic Messages API.
type Client struct {
	inner     anthropic.Client
	model     anthropic.Model
	maxTokens int
}

// NewClient creates an Anthropic-backed Client.
func NewClient(cfg Config) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("llm: ANTHROPIC_API_KEY is not set")
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &Client{
		inner:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Complete sends one user message and returns the concatenated text
// blocks of the response.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(c.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.inner.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("llm: completion failed: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(text.Text)
		}
	}
	return out.String(), nil
}
