// Package llmclient wraps Google GenAI for the two optional LLM-backed
// operations the engine supports: the llm_extract extraction method and the
// Discovery Planner's query-expansion/SERP-rerank enrichment.
package llmclient

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/spec-harvester/convergence/internal/logging"
)

// Client is a thin, single-purpose wrapper: one prompt in, one text
// response out. It never iterates or retries, and its callers do not retry
// either: a failed call is returned to the caller as an error.
type Client struct {
	client *genai.Client
	model  string
}

// New creates a GenAI-backed client. An empty apiKey returns (nil, nil) —
// callers treat a nil client as "llm_extract and LLM-assisted discovery
// disabled", never as an error.
func New(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, nil
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	c, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{client: c, model: model}, nil
}

// Generate sends a single prompt and returns the model's text response.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	timer := logging.StartTimer(logging.CategoryExtract, "llmclient.Generate")
	defer timer.Stop()

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("genai generate: %w", err)
	}
	return resp.Text(), nil
}

// Enabled reports whether a usable client was constructed.
func (c *Client) Enabled() bool { return c != nil }
