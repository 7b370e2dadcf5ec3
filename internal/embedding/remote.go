package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mnemosyne/core/internal/core"
	"github.com/mnemosyne/core/internal/llm"
)

// RemoteConfig configures the "Remote" embedding provider variant: an
// HTTP API guarded by a bearer credential.
type RemoteConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Dim     int
	Timeout time.Duration
}

// Remote is the "Remote" embedding provider variant. It speaks an
// OpenAI-compatible POST /embeddings request/response shape, the most
// common remote embedding API surface, and is wrapped with the same
// gobreaker-backed circuit breaker used for every outbound LLM/embedding
// call (internal/llm.CircuitBreaker).
type Remote struct {
	cfg            RemoteConfig
	client         *http.Client
	circuitBreaker *llm.CircuitBreaker
}

// NewRemote builds a Remote embedder. Timeout defaults to 30s.
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Remote{
		cfg:            cfg,
		client:         &http.Client{Timeout: cfg.Timeout},
		circuitBreaker: llm.NewCircuitBreaker(),
	}
}

func (r *Remote) Dimensions() int { return r.cfg.Dim }

type remoteEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type remoteEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (r *Remote) Embed(ctx context.Context, text string) ([]float32, error) {
	vs, err := r.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

// EmbedBatch sends every text in a single request, since the remote API
// natively batches (unlike the Local variant's loopback server).
func (r *Remote) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if ce := ctxErr(ctx); ce != nil {
		return nil, ce
	}

	result, err := r.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return r.embedBatch(ctx, texts)
	})
	if err != nil {
		if ce := ctxErr(ctx); ce != nil {
			return nil, ce
		}
		return nil, core.NewUnavailable("embedder:remote", err)
	}

	vectors := result.([][]float32)
	for _, v := range vectors {
		if len(v) != r.cfg.Dim {
			return nil, core.NewInvalid("embedding", "remote provider returned dimension %d, want %d", len(v), r.cfg.Dim)
		}
	}
	return vectors, nil
}

func (r *Remote) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(remoteEmbedRequest{Model: r.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedding: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding: remote returned status %d: %s", resp.StatusCode, string(b))
	}

	var parsed remoteEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedding: failed to decode response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: expected %d embeddings, got %d", len(texts), len(parsed.Data))
	}

	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}
