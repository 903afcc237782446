package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/nidhogg/fairloop/internal/fault"
)

const defaultLocalEndpoint = "http://localhost:11434"

// LocalProvider embeds through an Ollama-compatible /api/embed endpoint,
// one request per batch.
type LocalProvider struct {
	endpoint string
	model    string
	client   *http.Client

	configured int
	// learned is the size reported by the model, zero until the first response.
	learned atomic.Int64
}

func NewLocalProvider(cfg Config) *LocalProvider {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultLocalEndpoint
	}
	return &LocalProvider{
		endpoint:   endpoint,
		model:      cfg.Model,
		client:     http.DefaultClient,
		configured: cfg.Dimension,
	}
}

type localRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type localResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns one vector per text. Every vector of a model must have the
// same size; a response that disagrees with an earlier one is an error.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(localRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("embedding: send request: %w", ctx.Err())
		}
		return nil, fault.Unavailable("embedding: send request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("embedding: local model returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if transientStatus(resp.StatusCode) {
			return nil, fault.Unavailable("embedding", err)
		}
		return nil, err
	}

	var result localResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d texts", len(result.Embeddings), len(texts))
	}
	if err := p.checkDimension(result.Embeddings); err != nil {
		return nil, err
	}
	return result.Embeddings, nil
}

func (p *LocalProvider) checkDimension(vecs [][]float32) error {
	size := len(vecs[0])
	for i, v := range vecs {
		if len(v) != size {
			return fmt.Errorf("embedding: vector %d has size %d, want %d", i, len(v), size)
		}
	}
	if size == 0 || p.learned.CompareAndSwap(0, int64(size)) {
		return nil
	}
	if want := int(p.learned.Load()); size != want {
		return fmt.Errorf("embedding: model %s changed vector size from %d to %d", p.model, want, size)
	}
	return nil
}

// Dimension is the vector size of the model, or the configured size before
// the first successful call.
func (p *LocalProvider) Dimension() int {
	if d := p.learned.Load(); d > 0 {
		return int(d)
	}
	return p.configured
}
