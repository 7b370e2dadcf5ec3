package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mnemosyne/core/internal/core"
	"github.com/mnemosyne/core/internal/storage"
	"github.com/mnemosyne/core/pkg/types"
)

// textCompleter is the subset of TextGenerator the enricher depends on.
type textCompleter interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// AnthropicEnricher is the remote variant of the LlmEnricher capability
// interface: a single structured-JSON completion call. The model is
// prompted to respond with JSON only; the response text is then parsed
// out tolerating surrounding prose or a markdown fence.
type AnthropicEnricher struct {
	completer   textCompleter
	maxRetries  int
	baseBackoff time.Duration
}

// NewAnthropicEnricher wraps client (normally an *AnthropicClient) as a
// storage.LlmEnricher with up to maxRetries attempts in total and
// exponential backoff (1s, 2s, 4s, ...) between them.
func NewAnthropicEnricher(client textCompleter, maxRetries int) *AnthropicEnricher {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &AnthropicEnricher{completer: client, maxRetries: maxRetries, baseBackoff: time.Second}
}

var _ storage.LlmEnricher = (*AnthropicEnricher)(nil)

const enrichmentPrompt = `You are extracting structured metadata from a memory about to be stored in a long-term memory system for an AI assistant.

Analyze the following content and respond ONLY with a JSON object, no other text, matching exactly this shape:
{
  "summary": "a short summary, at most 500 characters",
  "keywords": ["lowercase", "keyword", "list"],
  "tags": ["short", "tag", "list"],
  "memory_type": "one of decision|architecture|coordination|pattern|skill|bug|test|implementation|reference|insight|task|other",
  "importance": 5.0,
  "confidence": 0.8
}

importance must be a number between 1.0 and 10.0. confidence must be a number between 0.0 and 1.0.

Content:
%s`

type enrichmentResponse struct {
	Summary    string   `json:"summary"`
	Keywords   []string `json:"keywords"`
	Tags       []string `json:"tags"`
	MemoryType string   `json:"memory_type"`
	Importance float64  `json:"importance"`
	Confidence float64  `json:"confidence"`
}

// Enrich calls the LLM once (with retry/backoff) and parses its JSON
// response into a storage.EnrichmentBundle. The embedding field is always
// left empty: the enrichment pipeline obtains it separately from an
// Embedder.
func (e *AnthropicEnricher) Enrich(ctx context.Context, content string) (*storage.EnrichmentBundle, error) {
	prompt := fmt.Sprintf(enrichmentPrompt, content)

	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * e.baseBackoff
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, core.NewCancelled()
			}
		}

		text, err := e.completer.Complete(ctx, prompt)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, core.NewCancelled()
			}
			continue
		}

		bundle, parseErr := parseEnrichmentResponse(text)
		if parseErr != nil {
			lastErr = parseErr
			continue
		}
		return bundle, nil
	}

	return nil, core.NewUnavailable("llm:anthropic", fmt.Errorf("enrichment failed after %d attempts: %w", e.maxRetries, lastErr))
}

func parseEnrichmentResponse(text string) (*storage.EnrichmentBundle, error) {
	jsonText := text
	if idx := strings.Index(jsonText, "{"); idx >= 0 {
		jsonText = jsonText[idx:]
	}
	if idx := strings.LastIndex(jsonText, "}"); idx >= 0 {
		jsonText = jsonText[:idx+1]
	}

	var parsed enrichmentResponse
	if err := json.Unmarshal([]byte(jsonText), &parsed); err != nil {
		return nil, fmt.Errorf("llm: failed to parse enrichment JSON: %w", err)
	}

	memType := types.MemoryType(strings.ToLower(parsed.MemoryType))
	if !memType.Valid() {
		memType = types.MemoryTypeOther
	}

	importance := parsed.Importance
	if importance < 1.0 {
		importance = 1.0
	}
	if importance > 10.0 {
		importance = 10.0
	}
	confidence := parsed.Confidence
	if confidence < 0.0 {
		confidence = 0.0
	}
	if confidence > 1.0 {
		confidence = 1.0
	}

	return &storage.EnrichmentBundle{
		Summary:    truncate(parsed.Summary, 500),
		Keywords:   parsed.Keywords,
		Tags:       parsed.Tags,
		Type:       memType,
		Importance: importance,
		Confidence: confidence,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
