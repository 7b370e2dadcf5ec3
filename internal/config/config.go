// Package config loads Mnemosyne's configuration from environment
// variables with the MNEMOSYNE_ prefix, and layers optional per-key
// overrides persisted in the database's settings table on top.
package config

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"
)

// Weights are the hybrid-search ranking coefficients. They are a strict
// configuration: Validate fails the process at startup if they do not
// sum to 1.0 within 1e-6.
type Weights struct {
	Vector     float64
	Keyword    float64
	Graph      float64
	Importance float64
	Recency    float64
}

// DefaultWeights are the default hybrid-search ranking weights.
func DefaultWeights() Weights {
	return Weights{Vector: 0.35, Keyword: 0.30, Graph: 0.20, Importance: 0.10, Recency: 0.05}
}

// Validate enforces the weights-sum-to-one invariant.
func (w Weights) Validate() error {
	sum := w.Vector + w.Keyword + w.Graph + w.Importance + w.Recency
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("config: search weights must sum to 1.0 (got %f)", sum)
	}
	for name, v := range map[string]float64{
		"vector": w.Vector, "keyword": w.Keyword, "graph": w.Graph,
		"importance": w.Importance, "recency": w.Recency,
	} {
		if v < 0 {
			return fmt.Errorf("config: weight %q must be non-negative, got %f", name, v)
		}
	}
	return nil
}

// StorageConfig controls where and how the embedded database is opened.
type StorageConfig struct {
	DBPath string // MNEMOSYNE_DB_PATH
}

// EmbeddingConfig controls the embedding provider.
type EmbeddingConfig struct {
	Model string // MNEMOSYNE_EMBED_MODEL
	Dim   int    // MNEMOSYNE_EMBED_DIM
}

// LLMConfig controls the enrichment pipeline's LlmEnricher.
type LLMConfig struct {
	AnthropicAPIKey string // ANTHROPIC_API_KEY; enables LLM-backed enrichment when non-empty
	Model           string
	Timeout         time.Duration
	MaxRetries      int
}

// SchedulerConfig controls the evolution scheduler.
type SchedulerConfig struct {
	IdleWindow               time.Duration
	ImportanceInterval       time.Duration
	LinkDecayInterval        time.Duration
	ArchivalInterval         time.Duration
	ConsolidationInterval    time.Duration
	JobTimeout               time.Duration
	BatchSize                int
	LinkDecayMinUntraversed  int // days
	ConsolidationBatchLimit  int
}

// Config is the top-level configuration for a Mnemosyne Core instance.
type Config struct {
	Storage   StorageConfig
	Embedding EmbeddingConfig
	LLM       LLMConfig
	Scheduler SchedulerConfig
	Weights   Weights
}

// Load builds a Config from environment variables and defaults, then
// validates it. Validation failure (e.g. a misconfigured weight set) is a
// fatal startup condition.
func Load() (*Config, error) {
	cfg := buildBaseConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromDB behaves like Load but additionally applies settings-table
// search-weight overrides (weight_* keys) on top of the environment
// defaults. Scheduler settings are not read from the table.
func LoadFromDB(db *sql.DB) (*Config, error) {
	if db == nil {
		return nil, errors.New("config: database connection is required")
	}
	cfg := buildBaseConfig()
	if err := applySettingOverrides(db, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every invariant-bearing field, not only the weights.
func (c *Config) Validate() error {
	if c.Embedding.Dim <= 0 {
		return fmt.Errorf("config: embedding dimension must be positive, got %d", c.Embedding.Dim)
	}
	return c.Weights.Validate()
}

func buildBaseConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DBPath: getEnv("MNEMOSYNE_DB_PATH", defaultDBPath()),
		},
		Embedding: EmbeddingConfig{
			Model: getEnv("MNEMOSYNE_EMBED_MODEL", "nomic-embed-text-v1.5"),
			Dim:   getEnvInt("MNEMOSYNE_EMBED_DIM", 768),
		},
		LLM: LLMConfig{
			AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
			Model:           getEnv("MNEMOSYNE_LLM_MODEL", "claude-haiku-4-5-20251001"),
			Timeout:         60 * time.Second,
			MaxRetries:      3,
		},
		Scheduler: SchedulerConfig{
			IdleWindow:              5 * time.Minute,
			ImportanceInterval:      24 * time.Hour,
			LinkDecayInterval:       24 * time.Hour,
			ArchivalInterval:        24 * time.Hour,
			ConsolidationInterval:   24 * time.Hour,
			JobTimeout:              10 * time.Minute,
			BatchSize:               500,
			LinkDecayMinUntraversed: 90,
			ConsolidationBatchLimit: 100,
		},
		Weights: DefaultWeights(),
	}
}

// defaultDBPath follows the XDG-compliant data directory convention,
// falling back to a dotfile in the home directory.
func defaultDBPath() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return xdg + "/mnemosyne/memory.db"
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.local/share/mnemosyne/memory.db"
	}
	return "./mnemosyne.db"
}

func applySettingOverrides(db *sql.DB, cfg *Config) error {
	overrides := map[string]*float64{
		"weight_vector":     &cfg.Weights.Vector,
		"weight_keyword":    &cfg.Weights.Keyword,
		"weight_graph":      &cfg.Weights.Graph,
		"weight_importance": &cfg.Weights.Importance,
		"weight_recency":    &cfg.Weights.Recency,
	}
	for key, target := range overrides {
		raw, err := getSetting(db, key)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return fmt.Errorf("config: failed to load %s: %w", key, err)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("config: setting %s is not a float: %w", key, err)
		}
		*target = v
	}
	return nil
}

// SaveWeights persists an override of the search weights to the settings
// table so an operator can retune ranking without a redeploy.
func SaveWeights(db *sql.DB, w Weights) error {
	if db == nil {
		return errors.New("config: database connection is required")
	}
	if err := w.Validate(); err != nil {
		return err
	}
	values := map[string]float64{
		"weight_vector": w.Vector, "weight_keyword": w.Keyword, "weight_graph": w.Graph,
		"weight_importance": w.Importance, "weight_recency": w.Recency,
	}
	for key, v := range values {
		if err := setSetting(db, key, strconv.FormatFloat(v, 'f', -1, 64)); err != nil {
			return fmt.Errorf("config: failed to save %s: %w", key, err)
		}
	}
	return nil
}

func getSetting(db *sql.DB, key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		return "", err
	}
	return value, nil
}

func setSetting(db *sql.DB, key, value string) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
