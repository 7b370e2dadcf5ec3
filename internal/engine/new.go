package engine

import (
	"context"
	"time"

	"github.com/mnemosyne/core/internal/config"
	"github.com/mnemosyne/core/internal/embedding"
	"github.com/mnemosyne/core/internal/llm"
	"github.com/mnemosyne/core/internal/storage"
	"github.com/mnemosyne/core/internal/storage/sqlite"
)

// New assembles a full Core instance from cfg: it opens the database,
// builds the embedder and LLM enricher according to cfg, and starts the
// evolution scheduler's background loop.
func New(cfg *config.Config) (*Core, error) {
	store, vectors, err := sqlite.Open(cfg.Storage.DBPath, cfg.Embedding.Dim)
	if err != nil {
		return nil, err
	}

	var embedder storage.Embedder
	if cfg.Embedding.Model != "" {
		ollama := llm.NewOllamaClient(llm.OllamaConfig{Model: cfg.Embedding.Model})
		embedder = embedding.NewLocal(ollama, cfg.Embedding.Dim)
	}

	var enricherBackend storage.LlmEnricher
	if cfg.LLM.AnthropicAPIKey != "" {
		anthropicClient := llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:  cfg.LLM.AnthropicAPIKey,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout,
		})
		enricherBackend = llm.NewAnthropicEnricher(anthropicClient, cfg.LLM.MaxRetries)
	}

	enricher := NewEnricher(embedder, enricherBackend)
	graph := NewGraphTraversal(store)
	searcher := NewSearcher(store, vectors, store, embedder, graph, cfg.Weights)

	jobs := []EvolutionJob{
		NewImportanceJob(store),
		NewLinkDecayJob(store, cfg.Scheduler.LinkDecayMinUntraversed),
		NewArchivalJob(store),
		NewConsolidationJob(store, vectors, nil),
	}
	scheduler := NewScheduler(store, cfg.Scheduler, jobs)
	scheduler.Start(context.Background(), 30*time.Second)

	return NewCore(store, vectors, enricher, searcher, graph, scheduler, cfg.Weights)
}
