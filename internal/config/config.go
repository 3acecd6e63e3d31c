// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.casewire/config.yaml)
//  3. Default values (sensible defaults for quick start)
//
// Main configuration categories:
//   - AI: provider, chat/fast/embedder models, Ollama host, prompt directory
//   - Storage: PostgreSQL connection (see storage.go), MinIO object storage
//   - Redis: event bus and caches
//   - Qdrant: secondary vector index (disabled when URL is empty)
//   - Auth: JWT secret, session TTL, bcrypt cost
//   - Search: routing threshold, outbox replication
//   - Telemetry: OTLP trace export
//
// Security: sensitive data (passwords, secrets, API keys) are never logged;
// the config directory uses 0750 permissions.
//
// Error Handling:
//   - Uses sentinel errors for Go-idiomatic error checking with errors.Is()
//   - Wrap with context using fmt.Errorf("%w: details", ErrXxx)
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrMissingAPIKey indicates a provider API key environment variable is not set.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidTemperature indicates the temperature is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens indicates max tokens is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidMaxTurns indicates max turns is out of range.
	ErrInvalidMaxTurns = errors.New("invalid max turns")

	// ErrInvalidOllamaHost indicates the Ollama host is invalid.
	ErrInvalidOllamaHost = errors.New("invalid Ollama host")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidEmbedderDimension indicates the embedder vector dimension is out of range.
	ErrInvalidEmbedderDimension = errors.New("invalid embedder dimension")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is missing or too weak.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrMissingJWTSecret indicates the JWT signing secret is not set.
	ErrMissingJWTSecret = errors.New("missing JWT secret")

	// ErrInvalidJWTSecret indicates the JWT signing secret is too short.
	ErrInvalidJWTSecret = errors.New("invalid JWT secret")

	// ErrInvalidBcryptCost indicates the bcrypt cost is out of range.
	ErrInvalidBcryptCost = errors.New("invalid bcrypt cost")

	// ErrInvalidThreshold indicates the search similarity threshold is out of range.
	ErrInvalidThreshold = errors.New("invalid similarity threshold")

	// ErrInvalidTopK indicates a top-k setting is out of range.
	ErrInvalidTopK = errors.New("invalid top-k")

	// ErrInvalidRedisAddr indicates the Redis address is invalid.
	ErrInvalidRedisAddr = errors.New("invalid Redis address")

	// ErrInvalidMinIOConfig indicates the MinIO settings are incomplete.
	ErrInvalidMinIOConfig = errors.New("invalid MinIO configuration")

	// ErrInvalidQdrantConfig indicates the Qdrant settings are incomplete.
	ErrInvalidQdrantConfig = errors.New("invalid Qdrant configuration")
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini   = "gemini"
	ProviderOllama   = "ollama"
	ProviderOpenAI   = "openai"
	ProviderGoogleAI = "googleai"
)

// DefaultGeminiEmbedderModel is the default Gemini embedder model.
// gemini-embedding-001 outputs 3072 dimensions by default, but supports
// truncation to 768 via OutputDimensionality. The pgvector schema uses
// 768 dimensions throughout; see the evidence_chunks migration.
const DefaultGeminiEmbedderModel = "gemini-embedding-001"

// RedisConfig holds Redis connection settings for the event bus and caches.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" json:"addr"`
	Password string `mapstructure:"password" json:"password"` // SENSITIVE: masked in MarshalJSON
	DB       int    `mapstructure:"db" json:"db"`
}

// MarshalJSON masks the Redis password.
func (r RedisConfig) MarshalJSON() ([]byte, error) {
	type alias RedisConfig
	a := alias(r)
	a.Password = maskSecret(a.Password)
	return json.Marshal(a)
}

// MinIOConfig holds object storage settings for evidence files.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint" json:"endpoint"`
	AccessKey string `mapstructure:"access_key" json:"access_key"`
	SecretKey string `mapstructure:"secret_key" json:"secret_key"` // SENSITIVE: masked in MarshalJSON
	Bucket    string `mapstructure:"bucket" json:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl" json:"use_ssl"`
}

// MarshalJSON masks the MinIO secret key.
func (m MinIOConfig) MarshalJSON() ([]byte, error) {
	type alias MinIOConfig
	a := alias(m)
	a.SecretKey = maskSecret(a.SecretKey)
	return json.Marshal(a)
}

// QdrantConfig holds settings for the secondary vector index.
// An empty Host disables Qdrant; search then runs on pgvector alone.
type QdrantConfig struct {
	Host       string `mapstructure:"host" json:"host"`
	Port       int    `mapstructure:"port" json:"port"`
	APIKey     string `mapstructure:"api_key" json:"api_key"` // SENSITIVE: masked in MarshalJSON
	Collection string `mapstructure:"collection" json:"collection"`
	UseTLS     bool   `mapstructure:"use_tls" json:"use_tls"`
}

// Enabled reports whether a Qdrant index is configured.
func (q QdrantConfig) Enabled() bool { return q.Host != "" }

// MarshalJSON masks the Qdrant API key.
func (q QdrantConfig) MarshalJSON() ([]byte, error) {
	type alias QdrantConfig
	a := alias(q)
	a.APIKey = maskSecret(a.APIKey)
	return json.Marshal(a)
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	JWTSecret       string `mapstructure:"jwt_secret" json:"jwt_secret"` // SENSITIVE: masked in MarshalJSON
	SessionTTLHours int    `mapstructure:"session_ttl_hours" json:"session_ttl_hours"`
	TokenTTLMinutes int    `mapstructure:"token_ttl_minutes" json:"token_ttl_minutes"`
	BcryptCost      int    `mapstructure:"bcrypt_cost" json:"bcrypt_cost"`
}

// SessionTTL returns the session lifetime as a duration.
func (a AuthConfig) SessionTTL() time.Duration {
	return time.Duration(a.SessionTTLHours) * time.Hour
}

// TokenTTL returns the JWT lifetime as a duration.
func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLMinutes) * time.Minute
}

// MarshalJSON masks the JWT secret.
func (a AuthConfig) MarshalJSON() ([]byte, error) {
	type alias AuthConfig
	b := alias(a)
	b.JWTSecret = maskSecret(b.JWTSecret)
	return json.Marshal(b)
}

// SearchConfig holds hybrid search routing and outbox replication settings.
type SearchConfig struct {
	// SimilarityThreshold is the minimum primary-path score below which
	// the router consults the secondary index. Range (0, 1].
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" json:"similarity_threshold"`
	// DefaultTopK is the result count when a query does not specify one.
	DefaultTopK int `mapstructure:"default_top_k" json:"default_top_k"`
	// MaxTopK caps the per-query result count.
	MaxTopK int `mapstructure:"max_top_k" json:"max_top_k"`
	// OutboxPollMs is the outbox worker poll interval in milliseconds.
	OutboxPollMs int `mapstructure:"outbox_poll_ms" json:"outbox_poll_ms"`
	// OutboxBatch is the number of outbox rows claimed per poll.
	OutboxBatch int `mapstructure:"outbox_batch" json:"outbox_batch"`
	// IndexQueueSize is the buffered capacity of the async indexing queue.
	IndexQueueSize int `mapstructure:"index_queue_size" json:"index_queue_size"`
}

// OutboxPoll returns the poll interval as a duration.
func (s SearchConfig) OutboxPoll() time.Duration {
	return time.Duration(s.OutboxPollMs) * time.Millisecond
}

// CaptureConfig holds web evidence capture settings.
type CaptureConfig struct {
	Parallelism int `mapstructure:"parallelism" json:"parallelism"`
	DelayMs     int `mapstructure:"delay_ms" json:"delay_ms"`
	TimeoutMs   int `mapstructure:"timeout_ms" json:"timeout_ms"`
	MaxDepth    int `mapstructure:"max_depth" json:"max_depth"`
}

// SyncConfig holds realtime sync client settings.
type SyncConfig struct {
	// CacheDir is the directory holding the local SQLite mirror and write queue.
	CacheDir string `mapstructure:"cache_dir" json:"cache_dir"`
	// ServerURL is the WebSocket endpoint of the API server.
	ServerURL string `mapstructure:"server_url" json:"server_url"`
}

// TelemetryConfig holds trace export settings.
// Traces are exported via OTLP HTTP to a local collector which handles
// authentication, buffering, and forwarding.
type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Environment string `mapstructure:"environment" json:"environment"`
}

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields (passwords, API keys, tokens), update
// MarshalJSON here or on the nested struct.
type Config struct {
	// AI provider and model configuration
	Provider      string  `mapstructure:"provider" json:"provider"`             // "ollama" (default), "openai", "gemini"
	ModelName     string  `mapstructure:"model_name" json:"model_name"`         // Primary chat model
	FastModelName string  `mapstructure:"fast_model_name" json:"fast_model_name"` // Low-latency model for simple queries
	Temperature   float32 `mapstructure:"temperature" json:"temperature"`
	MaxTokens     int     `mapstructure:"max_tokens" json:"max_tokens"`
	MaxTurns      int     `mapstructure:"max_turns" json:"max_turns"`
	PromptDir     string  `mapstructure:"prompt_dir" json:"prompt_dir"`

	// Ollama configuration (only used when provider is "ollama")
	OllamaHost string `mapstructure:"ollama_host" json:"ollama_host"`

	// Embedder configuration
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`
	EmbedderDims  int    `mapstructure:"embedder_dims" json:"embedder_dims"`

	// Storage configuration (see storage.go for documentation)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	Redis   RedisConfig   `mapstructure:"redis" json:"redis"`
	MinIO   MinIOConfig   `mapstructure:"minio" json:"minio"`
	Qdrant  QdrantConfig  `mapstructure:"qdrant" json:"qdrant"`
	Auth    AuthConfig    `mapstructure:"auth" json:"auth"`
	Search  SearchConfig  `mapstructure:"search" json:"search"`
	Capture CaptureConfig `mapstructure:"capture" json:"capture"`
	Sync    SyncConfig    `mapstructure:"sync" json:"sync"`

	// Telemetry configuration
	Telemetry TelemetryConfig `mapstructure:"telemetry" json:"telemetry"`

	// Serve mode security
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"` // Trust X-Real-IP/X-Forwarded-For (set true behind reverse proxy)
	RateBurst   int      `mapstructure:"rate_burst" json:"rate_burst"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	// Configuration directory: ~/.casewire/
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".casewire")

	// Ensure directory exists (0750 keeps secrets out of group/world reach)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	// Configure Viper
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".") // Also support current directory

	setDefaults()
	bindEnvVariables()

	// Read configuration file (if exists)
	if err := viper.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	// Use Unmarshal to automatically map to struct (type-safe)
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// Parse DATABASE_URL if set (highest priority for PostgreSQL config)
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	// Validate immediately (fail-fast)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// AI defaults. Ollama is the default provider so a fresh checkout runs
	// entirely on local services.
	viper.SetDefault("provider", ProviderOllama)
	viper.SetDefault("model_name", "gemma3-legal")
	viper.SetDefault("fast_model_name", "gemma3:2b")
	viper.SetDefault("temperature", 0.7)
	viper.SetDefault("max_tokens", 2048)
	viper.SetDefault("max_turns", 5)
	viper.SetDefault("ollama_host", "http://localhost:11434")

	// Embedder defaults. nomic-embed-text outputs 768 dimensions, matching
	// the vector(768) columns in the schema.
	viper.SetDefault("embedder_model", "nomic-embed-text")
	viper.SetDefault("embedder_dims", 768)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "casewire")
	viper.SetDefault("postgres_password", "casewire_dev_password")
	viper.SetDefault("postgres_db_name", "casewire")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Redis defaults
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)

	// MinIO defaults (matching docker-compose.yml)
	viper.SetDefault("minio.endpoint", "localhost:9000")
	viper.SetDefault("minio.access_key", "casewire")
	viper.SetDefault("minio.secret_key", "casewire_dev_secret")
	viper.SetDefault("minio.bucket", "casewire-evidence")
	viper.SetDefault("minio.use_ssl", false)

	// Qdrant defaults (disabled until a host is configured)
	viper.SetDefault("qdrant.host", "")
	viper.SetDefault("qdrant.port", 6334)
	viper.SetDefault("qdrant.collection", "casewire_chunks")
	viper.SetDefault("qdrant.use_tls", false)

	// Auth defaults
	viper.SetDefault("auth.session_ttl_hours", 24)
	viper.SetDefault("auth.token_ttl_minutes", 60)
	viper.SetDefault("auth.bcrypt_cost", 12)

	// Search defaults
	viper.SetDefault("search.similarity_threshold", 0.70)
	viper.SetDefault("search.default_top_k", 5)
	viper.SetDefault("search.max_top_k", 20)
	viper.SetDefault("search.outbox_poll_ms", 2000)
	viper.SetDefault("search.outbox_batch", 64)
	viper.SetDefault("search.index_queue_size", 256)

	// Capture defaults
	viper.SetDefault("capture.parallelism", 2)
	viper.SetDefault("capture.delay_ms", 1000)
	viper.SetDefault("capture.timeout_ms", 30000)
	viper.SetDefault("capture.max_depth", 2)

	// Sync client defaults
	viper.SetDefault("sync.cache_dir", "")
	viper.SetDefault("sync.server_url", "ws://localhost:3500/api/v1/ws")

	// CORS defaults (SvelteKit dev server)
	viper.SetDefault("cors_origins", []string{"http://localhost:5173"})

	// Proxy trust (default false; enable only behind a trusted reverse proxy)
	viper.SetDefault("trust_proxy", false)
	viper.SetDefault("rate_burst", 60)

	// Telemetry defaults
	viper.SetDefault("telemetry.endpoint", "localhost:4318")
	viper.SetDefault("telemetry.environment", "dev")
	viper.SetDefault("telemetry.service_name", "casewire")
}

// bindEnvVariables binds environment variables explicitly.
// Secrets come only from the environment; runtime overrides use the
// CASEWIRE_ prefix plus the conventional DATABASE_URL/REDIS_ADDR names.
func bindEnvVariables() {
	// Helper to panic on unexpected bind errors (hardcoded strings can't fail).
	// If this panics, it's a BUG in our code, not a runtime error.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	// Secrets
	mustBind("auth.jwt_secret", "CASEWIRE_JWT_SECRET")
	mustBind("postgres_password", "CASEWIRE_POSTGRES_PASSWORD")
	mustBind("redis.password", "REDIS_PASSWORD")
	mustBind("minio.access_key", "MINIO_ACCESS_KEY")
	mustBind("minio.secret_key", "MINIO_SECRET_KEY")
	mustBind("qdrant.api_key", "QDRANT_API_KEY")

	// Service endpoints
	mustBind("redis.addr", "REDIS_ADDR")
	mustBind("minio.endpoint", "MINIO_ENDPOINT")
	mustBind("qdrant.host", "QDRANT_HOST")
	mustBind("ollama_host", "CASEWIRE_OLLAMA_HOST")

	// AI provider and model overrides
	mustBind("provider", "CASEWIRE_PROVIDER")
	mustBind("model_name", "CASEWIRE_MODEL_NAME")
	mustBind("fast_model_name", "CASEWIRE_FAST_MODEL_NAME")
	mustBind("embedder_model", "CASEWIRE_EMBEDDER_MODEL")

	// Serve mode
	mustBind("cors_origins", "CASEWIRE_CORS_ORIGINS")
	mustBind("trust_proxy", "CASEWIRE_TRUST_PROXY")

	// Telemetry
	mustBind("telemetry.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	// NOTE: GEMINI_API_KEY is read directly by Genkit, not via Viper
	// NOTE: OPENAI_API_KEY is read directly by the Genkit OpenAI plugin, not via Viper
	// Validation checks their presence based on the selected provider in cfg.Validate()
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks (U+2588) avoid substring matching: a password containing
// "*" or "[REDACTED]" fragments would otherwise survive masking.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Shows first 2 and last 2 characters, masks the rest.
// SECURITY: secrets <=8 chars are fully masked to prevent substring attacks.
//
// THREAT MODEL: this defends against accidental logging of real secrets.
// It is NOT cryptographically secure - if logs are compromised, rotate secrets.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	prefix := make([]byte, 2)
	suffix := make([]byte, 2)
	copy(prefix, s[:2])
	copy(suffix, s[len(s)-2:])
	return string(prefix) + "<" + maskedValue + ">" + string(suffix)
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
//
// Sensitive fields masked:
//   - PostgresPassword
//   - Redis.Password, MinIO.SecretKey, Qdrant.APIKey, Auth.JWTSecret
//     (via the nested structs' MarshalJSON)
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// FullModelName returns the provider-qualified name for Genkit.
// Examples: "ollama/gemma3-legal", "openai/gpt-4o", "googleai/gemini-2.5-flash".
// If name already contains a "/", it is returned as-is.
func (c *Config) FullModelName(name string) string {
	if strings.Contains(name, "/") {
		return name
	}
	switch c.Provider {
	case ProviderOllama:
		return ProviderOllama + "/" + name
	case ProviderOpenAI:
		return ProviderOpenAI + "/" + name
	default:
		return ProviderGoogleAI + "/" + name
	}
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
