package engine

import (
	"context"
	"log"
	"strings"

	"github.com/mnemosyne/core/internal/storage"
)

// Enricher combines an Embedder and an LlmEnricher into the synchronous
// enrichment pipeline. Either dependency may be nil: a nil llm disables
// structured enrichment (used for "skip enrichment" callers and for
// installs without ANTHROPIC_API_KEY), and a nil embedder disables
// vector scoring entirely.
type Enricher struct {
	embedder storage.Embedder
	llm      storage.LlmEnricher
}

// NewEnricher builds an enrichment pipeline. Passing a nil llm means
// enrichment always skips the LLM call and only computes the embedding.
func NewEnricher(embedder storage.Embedder, llm storage.LlmEnricher) *Enricher {
	return &Enricher{embedder: embedder, llm: llm}
}

// Enrich runs the pipeline for content and returns a bundle. It never
// returns an error: enrichment failures degrade to a partial bundle with
// MissingFields populated, since enrichment failures must never prevent
// storage.
//
// When skipLLM is true the LLM call is bypassed but the embedder still
// runs, matching the "skip enrichment" flag.
func (e *Enricher) Enrich(ctx context.Context, content string, skipLLM bool) *storage.EnrichmentBundle {
	bundle := &storage.EnrichmentBundle{}

	if !skipLLM && e.llm != nil {
		llmBundle, err := e.llm.Enrich(ctx, content)
		if err != nil {
			log.Printf("engine: enrichment llm call failed, storing without summary: %v", err)
			bundle.MissingFields = append(bundle.MissingFields, "summary", "keywords", "tags", "memory_type", "importance", "confidence")
		} else {
			bundle.Summary = llmBundle.Summary
			bundle.Keywords = llmBundle.Keywords
			bundle.Tags = llmBundle.Tags
			bundle.Type = llmBundle.Type
			bundle.Importance = llmBundle.Importance
			bundle.Confidence = llmBundle.Confidence
		}
	} else if skipLLM {
		bundle.MissingFields = append(bundle.MissingFields, "summary", "keywords", "tags", "memory_type", "importance", "confidence")
	} else {
		bundle.MissingFields = append(bundle.MissingFields, "summary", "keywords", "tags", "memory_type", "importance", "confidence")
	}

	if e.embedder != nil {
		text := embeddingText(content, bundle.Summary, bundle.Keywords)
		v, err := e.embedder.Embed(ctx, text)
		if err != nil {
			log.Printf("engine: enrichment embed call failed, storing without vector: %v", err)
			bundle.MissingFields = append(bundle.MissingFields, "embedding")
		} else {
			bundle.Embedding = v
		}
	} else {
		bundle.MissingFields = append(bundle.MissingFields, "embedding")
	}

	return bundle
}

// embeddingText builds the combined content+summary+keywords text an
// embedding call runs over.
func embeddingText(content, summary string, keywords []string) string {
	var b strings.Builder
	b.WriteString(content)
	if summary != "" {
		b.WriteString("\n")
		b.WriteString(summary)
	}
	if len(keywords) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(keywords, ", "))
	}
	return b.String()
}
