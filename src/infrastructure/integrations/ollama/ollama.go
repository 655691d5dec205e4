package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"hybridrag/src/core/retrieval"
	"hybridrag/src/log"
)

const (
	DefaultURL = "http://localhost:11434"
)

type Config struct {
	URL            string  `mapstructure:"url"`
	EmbeddingModel string  `mapstructure:"embedding_model"`
	ChatModel      string  `mapstructure:"chat_model"`
	Temperature    float64 `mapstructure:"temperature"`
}

// Client wraps the Ollama API for embeddings and non-streaming generation.
// It satisfies retrieval.EmbeddingProvider and retrieval.LanguageModel.
type Client struct {
	api         *api.Client
	embedModel  string
	chatModel   string
	temperature float64
}

// NewClient creates a new Ollama API client
func NewClient(cfg Config, c *http.Client) (*Client, error) {
	raw := cfg.URL
	if raw == "" {
		raw = DefaultURL
	}
	// older configs point at the /api prefix
	raw = strings.TrimSuffix(strings.TrimSuffix(raw, "/"), "/api")
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", cfg.URL, err)
	}
	if c == nil {
		c = http.DefaultClient
	}
	return &Client{
		api:         api.NewClient(base, c),
		embedModel:  cfg.EmbeddingModel,
		chatModel:   cfg.ChatModel,
		temperature: cfg.Temperature,
	}, nil
}

func (c *Client) Embed(ctx context.Context, text string) (retrieval.Vector, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds every text with one /api/embed call.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([]retrieval.Vector, error) {
	resp, err := c.api.Embed(ctx, &api.EmbedRequest{
		Model: c.embedModel,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("error making embed request: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	out := make([]retrieval.Vector, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		out[i] = retrieval.Vector(e)
	}
	return out, nil
}

// Generate performs model generation with the given prompt
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:  c.chatModel,
		System: systemPrompt,
		Prompt: userPrompt,
		Stream: &stream,
	}
	if c.temperature > 0 {
		req.Options = map[string]interface{}{"temperature": c.temperature}
	}

	var out strings.Builder
	err := c.api.Generate(ctx, req, func(resp api.GenerateResponse) error {
		out.WriteString(resp.Response)
		if resp.Done && resp.DoneReason == "length" {
			return fmt.Errorf("response was truncated by the model")
		}
		return nil
	})
	if err != nil {
		log.Error(err, "failed to make request to ollama", "model", c.chatModel)
		return "", fmt.Errorf("error making generate request: %w", err)
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("no response received from Ollama")
	}
	return out.String(), nil
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.api.Heartbeat(ctx)
}
