// Package embedding implements the Embedding provider capability: text
// to dense vector, either against a locally-running inference server or
// a remote HTTP API. Both variants satisfy storage.Embedder and return
// core.Unavailable rather than panicking when the backing service can't
// be reached.
package embedding

import (
	"context"
	"errors"

	"github.com/mnemosyne/core/internal/core"
)

// localClient is the subset of llm.OllamaClient this package depends on,
// narrowed to an interface so tests can substitute a fake.
type localClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Local is the "Local" embedding provider variant: a loopback HTTP
// client against a locally-running inference server (e.g. Ollama serving
// nomic-embed-text). "Local" means no network egress and no API key,
// not in-process tensor math — no ONNX/llama.cpp/GGUF binding is wired
// in to do that instead.
type Local struct {
	client localClient
	dim    int
}

// NewLocal wraps client (normally an *llm.OllamaClient) as an Embedder
// fixed to dimension dim. A mismatch between dim and what the model
// actually returns is a fatal configuration error surfaced on first
// call.
func NewLocal(client localClient, dim int) *Local {
	return &Local{client: client, dim: dim}
}

func (l *Local) Dimensions() int { return l.dim }

func (l *Local) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	default:
	}

	v, err := l.client.Embed(ctx, text)
	if err != nil {
		if ce := ctxErr(ctx); ce != nil {
			return nil, ce
		}
		return nil, core.NewUnavailable("embedder:local", err)
	}
	if len(v) != l.dim {
		return nil, core.NewInvalid("embedding", "local provider returned dimension %d, want %d", len(v), l.dim)
	}
	return v, nil
}

// EmbedBatch embeds each text in turn. OllamaClient has no native batch
// endpoint, so batching here is transparent sequential fan-out.
func (l *Local) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := l.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// ctxErr maps a cancelled/expired context to the matching core.Kind, or
// returns nil if ctx is still live.
func ctxErr(ctx context.Context) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return core.NewTimeout("embedding: deadline exceeded")
	case errors.Is(ctx.Err(), context.Canceled):
		return core.NewCancelled()
	default:
		return nil
	}
}
