package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/aschepis/backscratcher/recall/capability"
	"github.com/ollama/ollama/api"
)

type Model string

const (
	ModelMXBAI Model = "mxbai-embed-large"
)

type embedder struct {
	client *api.Client
	model  Model
}

// NewEmbedder builds an embedder against the given ollama server. An empty
// host falls back to the environment (OLLAMA_HOST, then the ollama default).
func NewEmbedder(host string, model Model) (capability.Embedder, error) {
	cli, err := newClient(host)
	if err != nil {
		return nil, err
	}
	return &embedder{client: cli, model: model}, nil
}

func newClient(host string) (*api.Client, error) {
	if host == "" {
		return api.ClientFromEnvironment()
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid ollama host %q: expected scheme://host[:port]", host)
	}
	return api.NewClient(base, http.DefaultClient), nil
}

func (e *embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: string(e.model),
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("empty embedding response for model %s", e.model)
	}
	return resp.Embeddings[0], nil
}
