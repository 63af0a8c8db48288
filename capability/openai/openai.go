// Package openai adapts the OpenAI API to the capability contracts:
// embeddings, chat completion, and a completion-backed reranker.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	goopenai "github.com/sashabaranov/go-openai"

	"github.com/aschepis/backscratcher/recall/capability"
)

// Client bundles the three capabilities over one API client so callers can
// wire whichever subset they need.
type Client struct {
	api            *goopenai.Client
	embeddingModel goopenai.EmbeddingModel
	chatModel      string
}

type Option func(*Client)

func WithEmbeddingModel(model string) Option {
	return func(c *Client) { c.embeddingModel = goopenai.EmbeddingModel(model) }
}

func WithChatModel(model string) Option {
	return func(c *Client) { c.chatModel = model }
}

func NewClient(apiKey, baseURL string, opts ...Option) *Client {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	c := &Client{
		api:            goopenai.NewClientWithConfig(cfg),
		embeddingModel: goopenai.SmallEmbedding3,
		chatModel:      goopenai.GPT4oMini,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	_ capability.Embedder  = (*Client)(nil)
	_ capability.Generator = (*Client)(nil)
	_ capability.Reranker  = (*Client)(nil)
)

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.api.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: []string{text},
		Model: c.embeddingModel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("empty embedding response for model %s", c.embeddingModel)
	}
	return resp.Data[0].Embedding, nil
}

func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: c.chatModel,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: system},
			{Role: goopenai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion response for model %s", c.chatModel)
	}
	return resp.Choices[0].Message.Content, nil
}

const rerankSystemPrompt = `You score documents for relevance to a query.
Respond with a JSON array of numbers between 0 and 1, one per document, in
input order. No prose.`

// Rerank scores documents with a single completion call. Model output is
// repaired before parsing since models occasionally wrap the array in
// markdown fences or trail commas.
func (c *Client) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nDocuments:\n", query)
	for i, doc := range documents {
		fmt.Fprintf(&b, "%d. %s\n", i+1, doc)
	}

	raw, err := c.Generate(ctx, rerankSystemPrompt, b.String())
	if err != nil {
		return nil, err
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("unparseable rerank response: %w", err)
	}
	var scores []float64
	if err := json.Unmarshal([]byte(repaired), &scores); err != nil {
		return nil, fmt.Errorf("unmarshal rerank scores: %w", err)
	}
	if len(scores) != len(documents) {
		return nil, fmt.Errorf("rerank returned %d scores for %d documents", len(scores), len(documents))
	}
	return scores, nil
}
