// Package config provides configuration loading for knowd.
//
// Configuration is read from a YAML file and overridden by KNOWD_-prefixed
// environment variables. See LoadWithFile for precedence and security rules.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete knowd configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	VectorStore  VectorStoreConfig  `koanf:"vectorstore"`
	Embeddings   EmbeddingsConfig   `koanf:"embeddings"`
	Reasoning    ReasoningConfig    `koanf:"reasoning"`
	WebSearch    WebSearchConfig    `koanf:"websearch"`
	Ingestion    IngestionConfig    `koanf:"ingestion"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Conversation ConversationConfig `koanf:"conversation"`
	Retry        RetryConfig        `koanf:"retry"`
	Events       EventsConfig       `koanf:"events"`
	Secrets      SecretsConfig      `koanf:"secrets"`
	Watch        WatchConfig        `koanf:"watch"`
	Tenants      []TenantConfig     `koanf:"tenants"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// MaxUploadBytes bounds multipart document uploads.
	MaxUploadBytes int64 `koanf:"max_upload_bytes"`
	// RequestsPerSecond is the per-tenant request budget. Zero disables limiting.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// LoggingConfig mirrors the logging package options that are file-configurable.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
	ServiceName string  `koanf:"service_name"`
}

// VectorStoreConfig selects and configures the chunk store.
type VectorStoreConfig struct {
	Provider string        `koanf:"provider"` // "chromem" or "qdrant"
	Chromem  ChromemConfig `koanf:"chromem"`
	Qdrant   QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig configures the embedded store.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantConfig configures the remote gRPC store. The API key comes from the tenant.
type QdrantConfig struct {
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	UseTLS         bool   `koanf:"use_tls"`
	MaxMessageSize int    `koanf:"max_message_size"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider  string `koanf:"provider"` // "openai", "tei" or "fastembed"
	Model     string `koanf:"model"`
	BaseURL   string `koanf:"base_url"`
	Dimension int    `koanf:"dimension"`
	CacheDir  string `koanf:"cache_dir"`
	// BatchSize bounds texts per provider call.
	BatchSize int           `koanf:"batch_size"`
	Timeout   time.Duration `koanf:"timeout"`
}

// ReasoningConfig configures the LLM used for sufficiency judgment and synthesis.
type ReasoningConfig struct {
	BaseURL     string        `koanf:"base_url"`
	Model       string        `koanf:"model"`
	Temperature float32       `koanf:"temperature"`
	MaxTokens   int           `koanf:"max_tokens"`
	Timeout     time.Duration `koanf:"timeout"`
}

// WebSearchConfig configures the external search provider.
type WebSearchConfig struct {
	Provider  string        `koanf:"provider"` // "duckduckgo" or "none"
	Endpoint  string        `koanf:"endpoint"`
	APIKey    Secret        `koanf:"api_key"`
	Timeout   time.Duration `koanf:"timeout"`
	RateLimit float64       `koanf:"rate_limit"`
	UserAgent string        `koanf:"user_agent"`
}

// IngestionConfig configures chunking and URL fetching.
type IngestionConfig struct {
	ChunkSize    int           `koanf:"chunk_size"`
	ChunkOverlap int           `koanf:"chunk_overlap"`
	FetchTimeout time.Duration `koanf:"fetch_timeout"`
	MaxBytes     int64         `koanf:"max_bytes"`
	UserAgent    string        `koanf:"user_agent"`
}

// OrchestratorConfig holds routing thresholds.
type OrchestratorConfig struct {
	TopK              int     `koanf:"top_k"`
	ScoreThreshold    float32 `koanf:"score_threshold"`
	MaxWebResults     int     `koanf:"max_web_results"`
	MaxIndexedResults int     `koanf:"max_indexed_results"`
	MinSnippetChars   int     `koanf:"min_snippet_chars"`
	HistoryWindow     int     `koanf:"history_window"`
	IndexConcurrency  int     `koanf:"index_concurrency"`
}

// ConversationConfig selects the history database.
type ConversationConfig struct {
	Driver      string `koanf:"driver"` // "sqlite" or "postgres"
	SQLitePath  string `koanf:"sqlite_path"`
	PostgresDSN Secret `koanf:"postgres_dsn"`
}

// RetryConfig is the shared retry budget for external calls.
type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	Jitter      float64       `koanf:"jitter"`
}

// EventsConfig configures NATS lifecycle events. Empty URL disables publishing.
type EventsConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// SecretsConfig toggles secret scrubbing of ingested text.
type SecretsConfig struct {
	Enabled  bool `koanf:"enabled"`
	Gitleaks bool `koanf:"gitleaks"`
}

// WatchConfig enables inbox folder ingestion.
type WatchConfig struct {
	Enabled bool   `koanf:"enabled"`
	Dir     string `koanf:"dir"`
}

// TenantConfig is one entry of the static tenant table.
type TenantConfig struct {
	ID             string `koanf:"id"`
	Token          Secret `koanf:"token"`
	EmbeddingKey   Secret `koanf:"embedding_key"`
	VectorStoreKey Secret `koanf:"vectorstore_key"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("unknown vectorstore provider %q", c.VectorStore.Provider)
	}
	switch c.Embeddings.Provider {
	case "openai", "tei", "fastembed":
	default:
		return fmt.Errorf("unknown embeddings provider %q", c.Embeddings.Provider)
	}
	switch c.Conversation.Driver {
	case "sqlite":
	case "postgres":
		if !c.Conversation.PostgresDSN.IsSet() {
			return errors.New("conversation.postgres_dsn required for postgres driver")
		}
	default:
		return fmt.Errorf("unknown conversation driver %q", c.Conversation.Driver)
	}
	if c.Ingestion.ChunkSize <= 0 {
		return errors.New("ingestion.chunk_size must be positive")
	}
	if c.Ingestion.ChunkOverlap < 0 || c.Ingestion.ChunkOverlap >= c.Ingestion.ChunkSize {
		return fmt.Errorf("ingestion.chunk_overlap must be in [0, %d)", c.Ingestion.ChunkSize)
	}
	if c.Orchestrator.TopK <= 0 {
		return errors.New("orchestrator.top_k must be positive")
	}
	if c.Orchestrator.ScoreThreshold < -1 || c.Orchestrator.ScoreThreshold > 1 {
		return errors.New("orchestrator.score_threshold must be in [-1, 1]")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	seen := make(map[string]bool, len(c.Tenants))
	tokens := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenants[%d]: id required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("tenants[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true
		if !t.Token.IsSet() {
			return fmt.Errorf("tenants[%d]: token required", i)
		}
		if tokens[t.Token.Value()] {
			return fmt.Errorf("tenants[%d]: token shared with another tenant", i)
		}
		tokens[t.Token.Value()] = true
	}
	return nil
}
