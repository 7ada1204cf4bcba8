// Package config holds all recalld configuration as one explicit struct.
// Values load from a YAML file, are overridden by RECALLD_* environment
// variables, and are validated once at startup; invalid tunables fail boot.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all recalld configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Learning  LearningConfig  `yaml:"learning"`
	Decision  DecisionConfig  `yaml:"decision"`
	Retrieval RetrievalConfig `yaml:"retrieval"`

	Compression     CompressionConfig     `yaml:"compression"`
	Personalization PersonalizationConfig `yaml:"personalization"`
	Quota           QuotaConfig           `yaml:"quota"`
	Auth            AuthConfig            `yaml:"auth"`
	Logging         LoggingConfig         `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`

	MaxBatchItems     int `yaml:"max_batch_items"`
	MaxQueryChars     int `yaml:"max_query_chars"`
	MaxIdempotencyKey int `yaml:"max_idempotency_key"`
	DefaultRetrieveK  int `yaml:"default_retrieve_k"`
	MaxRetrieveK      int `yaml:"max_retrieve_k"`
}

// ReadTimeoutDuration returns the parsed read timeout.
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return parseDuration(s.ReadTimeout, 15*time.Second)
}

// WriteTimeoutDuration returns the parsed write timeout.
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return parseDuration(s.WriteTimeout, 30*time.Second)
}

// ShutdownTimeoutDuration returns the parsed graceful-shutdown deadline.
func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return parseDuration(s.ShutdownTimeout, 10*time.Second)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// StorageConfig configures the SQLite store and content normalization.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	IndexPath    string `yaml:"index_path"` // vector side-file; "" disables persistence

	MaxContentChars          int `yaml:"max_content_chars"`
	AssistantMaxContentChars int `yaml:"assistant_max_content_chars"`
	WriteRetryAttempts       int `yaml:"write_retry_attempts"`
}

// EmbeddingConfig configures the embedding provider.
// Provider "hash" is fully deterministic and needs no network; "genai" binds
// to Google GenAI embeddings.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	Dimension  int    `yaml:"dimension"`
	GenAIKey   string `yaml:"genai_api_key"`
	GenAIModel string `yaml:"genai_model"`
}

// LearningConfig configures the trainable components.
type LearningConfig struct {
	ImportanceLearningRate float64 `yaml:"importance_learning_rate"`
	ImportanceHiddenDim    int     `yaml:"importance_hidden_dim"`
	ImportanceSeed         int64   `yaml:"importance_seed"`

	DecayLearningRate float64 `yaml:"decay_learning_rate"`
	DecayDefaultRate  float64 `yaml:"decay_default_rate"`

	RankerLearningRate float64 `yaml:"ranker_learning_rate"`
	MinTrainingSamples int     `yaml:"min_training_samples"`
	TrainingBatchSize  int     `yaml:"training_batch_size"`
}

// DecisionConfig configures stage-2 tier selection.
type DecisionConfig struct {
	PersistentPrior float64 `yaml:"persistent_prior"`
	EphemeralPrior  float64 `yaml:"ephemeral_prior"`
}

// RetrievalConfig configures the retrieval pipeline.
type RetrievalConfig struct {
	AssistantMaxShare float64 `yaml:"assistant_max_share"`
}

// CompressionConfig configures repetitive-cluster compression.
type CompressionConfig struct {
	MinCount        int `yaml:"min_count"`
	WindowDays      int `yaml:"window_days"`
	MaxSummaryItems int `yaml:"max_summary_items"`
}

// PersonalizationConfig configures the adaptive personalization engine.
type PersonalizationConfig struct {
	Enabled             bool    `yaml:"enabled"`
	RepeatThreshold     int     `yaml:"repeat_threshold"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	WindowDays          int     `yaml:"window_days"`
	MinFeedbackEvents   int     `yaml:"min_feedback_events"`
	PreferenceMargin    float64 `yaml:"preference_margin"`

	InferredTTLDays        int `yaml:"inferred_ttl_days"`
	InferredRefreshDays    int `yaml:"inferred_refresh_days"`
	LifecycleCheckInterval int `yaml:"lifecycle_check_interval_seconds"`
}

// QuotaConfig configures per-tenant budgets.
type QuotaConfig struct {
	EventsPerDay      int `yaml:"events_per_day"`
	EventsPerMonth    int `yaml:"events_per_month"`
	QueriesPerDay     int `yaml:"queries_per_day"`
	QueriesPerMonth   int `yaml:"queries_per_month"`
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	JWTIssuer   string `yaml:"jwt_issuer"`
	JWTAudience string `yaml:"jwt_audience"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	File   string `yaml:"file"`   // "" logs to stderr
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "recalld",
		Version: "0.3.0",

		Server: ServerConfig{
			Addr:              ":8420",
			ReadTimeout:       "15s",
			WriteTimeout:      "30s",
			ShutdownTimeout:   "10s",
			MaxBatchItems:     50,
			MaxQueryChars:     2000,
			MaxIdempotencyKey: 128,
			DefaultRetrieveK:  10,
			MaxRetrieveK:      100,
		},

		Storage: StorageConfig{
			DatabasePath:             "data/recalld.db",
			IndexPath:                "data/recalld.vec",
			MaxContentChars:          4000,
			AssistantMaxContentChars: 900,
			WriteRetryAttempts:       5,
		},

		Embedding: EmbeddingConfig{
			Provider:   "hash",
			Dimension:  256,
			GenAIModel: "gemini-embedding-001",
		},

		Learning: LearningConfig{
			ImportanceLearningRate: 0.001,
			ImportanceHiddenDim:    128,
			ImportanceSeed:         1,
			DecayLearningRate:      0.05,
			DecayDefaultRate:       0.01,
			RankerLearningRate:     0.01,
			MinTrainingSamples:     100,
			TrainingBatchSize:      16,
		},

		Decision: DecisionConfig{
			PersistentPrior: 0.62,
			EphemeralPrior:  0.35,
		},

		Retrieval: RetrievalConfig{
			AssistantMaxShare: 0.25,
		},

		Compression: CompressionConfig{
			MinCount:        5,
			WindowDays:      7,
			MaxSummaryItems: 20,
		},

		Personalization: PersonalizationConfig{
			Enabled:                true,
			RepeatThreshold:        3,
			SimilarityThreshold:    0.82,
			WindowDays:             14,
			MinFeedbackEvents:      3,
			PreferenceMargin:       1.5,
			InferredTTLDays:        45,
			InferredRefreshDays:    7,
			LifecycleCheckInterval: 60,
		},

		Quota: QuotaConfig{
			EventsPerDay:      5000,
			EventsPerMonth:    100000,
			QueriesPerDay:     10000,
			QueriesPerMonth:   200000,
			RequestsPerMinute: 120,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides applies RECALLD_* environment variables over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RECALLD_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("RECALLD_DB"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("RECALLD_INDEX"); v != "" {
		c.Storage.IndexPath = v
	}
	if v := os.Getenv("RECALLD_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Embedding.GenAIKey = v
	}
	if v := os.Getenv("RECALLD_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("RECALLD_EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Embedding.Dimension = n
		}
	}
	if v := os.Getenv("RECALLD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks tunables for out-of-range values. It runs at load time so
// a bad deployment fails before it can serve traffic.
func (c *Config) Validate() error {
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	switch c.Embedding.Provider {
	case "hash", "genai":
	default:
		return fmt.Errorf("embedding.provider must be 'hash' or 'genai', got %q", c.Embedding.Provider)
	}
	if c.Retrieval.AssistantMaxShare < 0 || c.Retrieval.AssistantMaxShare > 1 {
		return fmt.Errorf("retrieval.assistant_max_share must be in [0,1], got %f", c.Retrieval.AssistantMaxShare)
	}
	if c.Decision.EphemeralPrior > c.Decision.PersistentPrior {
		return fmt.Errorf("decision.ephemeral_prior (%f) must not exceed persistent_prior (%f)",
			c.Decision.EphemeralPrior, c.Decision.PersistentPrior)
	}
	if c.Compression.MinCount < 2 {
		return fmt.Errorf("compression.min_count must be at least 2, got %d", c.Compression.MinCount)
	}
	if c.Compression.WindowDays <= 0 || c.Personalization.WindowDays <= 0 {
		return fmt.Errorf("window_days tunables must be positive")
	}
	if c.Personalization.SimilarityThreshold < 0 || c.Personalization.SimilarityThreshold > 1 {
		return fmt.Errorf("personalization.similarity_threshold must be in [0,1]")
	}
	if c.Personalization.RepeatThreshold < 2 {
		return fmt.Errorf("personalization.repeat_threshold must be at least 2")
	}
	if c.Storage.WriteRetryAttempts < 1 {
		return fmt.Errorf("storage.write_retry_attempts must be at least 1")
	}
	if c.Storage.MaxContentChars < 100 || c.Storage.AssistantMaxContentChars < 100 {
		return fmt.Errorf("content limits must be at least 100 chars")
	}
	if c.Server.MaxBatchItems < 1 {
		return fmt.Errorf("server.max_batch_items must be at least 1")
	}
	for _, lr := range []float64{c.Learning.ImportanceLearningRate, c.Learning.DecayLearningRate, c.Learning.RankerLearningRate} {
		if lr <= 0 || lr >= 1 {
			return fmt.Errorf("learning rates must be in (0,1)")
		}
	}
	if c.Quota.EventsPerDay < 0 || c.Quota.QueriesPerDay < 0 {
		return fmt.Errorf("quota budgets must be non-negative")
	}
	return nil
}
