package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
//
// JWT requirements are server-mode only and live in ValidateServe, so the
// CLI and sync subcommands run without any secret configured.
func (c *Config) Validate() error {
	// 0. Check for nil config
	if c == nil {
		return ErrConfigNil
	}

	// 1. Provider validation and provider-specific API keys
	switch c.Provider {
	case ProviderOllama:
		// Fully local, no API key needed
	case ProviderOpenAI:
		if os.Getenv("OPENAI_API_KEY") == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY environment variable is required when provider is %q",
				ErrMissingAPIKey, ProviderOpenAI)
		}
	case ProviderGemini, ProviderGoogleAI:
		if os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required when provider is %q\n"+
				"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
				ErrMissingAPIKey, c.Provider)
		}
	default:
		return fmt.Errorf("%w: %q is not supported, must be one of: ollama, openai, gemini",
			ErrInvalidProvider, c.Provider)
	}

	// 2. Model configuration validation
	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}
	if c.FastModelName == "" {
		return fmt.Errorf("%w: fast_model_name cannot be empty", ErrInvalidModelName)
	}

	// Temperature range: 0.0 (deterministic) to 2.0 (maximum creativity)
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("%w: must be between 0.0 and 2.0, got %.2f", ErrInvalidTemperature, c.Temperature)
	}

	// MaxTokens upper bound is the largest context window among supported providers
	if c.MaxTokens < 1 || c.MaxTokens > 2097152 {
		return fmt.Errorf("%w: must be between 1 and 2,097,152, got %d", ErrInvalidMaxTokens, c.MaxTokens)
	}

	if c.MaxTurns < 1 || c.MaxTurns > 10 {
		return fmt.Errorf("%w: must be between 1 and 10, got %d", ErrInvalidMaxTurns, c.MaxTurns)
	}

	// 3. Ollama host validation (Ollama serves both chat and embeddings)
	if c.Provider == ProviderOllama {
		if err := validateHostURL(c.OllamaHost); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOllamaHost, err)
		}
	}

	// 4. Embedder validation. The vector schema is built for a fixed
	// dimensionality, so a mismatch here fails at insert time; catch the
	// obviously invalid values early.
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}
	if c.EmbedderDims < 64 || c.EmbedderDims > 4096 {
		return fmt.Errorf("%w: must be between 64 and 4096, got %d", ErrInvalidEmbedderDimension, c.EmbedderDims)
	}

	// 5. PostgreSQL configuration validation
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set", ErrInvalidPostgresPassword)
	}
	if len(c.PostgresPassword) < 8 {
		return fmt.Errorf("%w: postgres_password must be at least 8 characters (got %d)",
			ErrInvalidPostgresPassword, len(c.PostgresPassword))
	}
	if c.PostgresPassword == "casewire_dev_password" {
		slog.Warn("Using default development password for PostgreSQL",
			"warning", "Change postgres_password in config.yaml for production deployments")
	}

	// Modern SSL modes only - exclude deprecated allow/prefer (MITM vulnerable)
	// Reference: https://www.postgresql.org/docs/current/libpq-ssl.html
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v\n"+
			"Note: 'allow' and 'prefer' modes are deprecated (vulnerable to MITM attacks)",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	// 6. Redis validation
	if c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr cannot be empty", ErrInvalidRedisAddr)
	}

	// 7. MinIO validation
	if c.MinIO.Endpoint == "" {
		return fmt.Errorf("%w: minio.endpoint cannot be empty", ErrInvalidMinIOConfig)
	}
	if c.MinIO.Bucket == "" {
		return fmt.Errorf("%w: minio.bucket cannot be empty", ErrInvalidMinIOConfig)
	}

	// 8. Qdrant validation (skipped entirely when disabled)
	if c.Qdrant.Enabled() {
		if c.Qdrant.Port < 1 || c.Qdrant.Port > 65535 {
			return fmt.Errorf("%w: port must be between 1 and 65535, got %d",
				ErrInvalidQdrantConfig, c.Qdrant.Port)
		}
		if c.Qdrant.Collection == "" {
			return fmt.Errorf("%w: collection cannot be empty", ErrInvalidQdrantConfig)
		}
	}

	// 9. Auth validation. Cost below 10 is brute-forceable on modern GPUs;
	// 31 is the bcrypt library maximum.
	if c.Auth.BcryptCost < 10 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("%w: must be between 10 and 31, got %d", ErrInvalidBcryptCost, c.Auth.BcryptCost)
	}

	// 10. Search routing validation
	if c.Search.SimilarityThreshold <= 0 || c.Search.SimilarityThreshold > 1 {
		return fmt.Errorf("%w: must be in (0, 1], got %.2f", ErrInvalidThreshold, c.Search.SimilarityThreshold)
	}
	if c.Search.DefaultTopK < 1 || c.Search.DefaultTopK > c.Search.MaxTopK {
		return fmt.Errorf("%w: default_top_k must be between 1 and max_top_k (%d), got %d",
			ErrInvalidTopK, c.Search.MaxTopK, c.Search.DefaultTopK)
	}
	if c.Search.MaxTopK > 100 {
		return fmt.Errorf("%w: max_top_k must not exceed 100, got %d", ErrInvalidTopK, c.Search.MaxTopK)
	}

	return nil
}

// ValidateServe checks the additional requirements of serve mode.
// The HTTP API signs JWTs, so a strong secret is mandatory there while the
// CLI and sync subcommands stay usable without one.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("%w: set CASEWIRE_JWT_SECRET for serve mode", ErrMissingJWTSecret)
	}
	// 32 bytes gives 256 bits of entropy for HS256
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("%w: must be at least 32 bytes, got %d", ErrInvalidJWTSecret, len(c.Auth.JWTSecret))
	}
	return nil
}

// ClampTopK normalizes a requested result count into [1, MaxTopK].
// Zero or negative requests fall back to DefaultTopK.
func (s SearchConfig) ClampTopK(n int) int {
	if n <= 0 {
		return s.DefaultTopK
	}
	if n > s.MaxTopK {
		return s.MaxTopK
	}
	return n
}

// validateHostURL checks that a host string parses as an http(s) URL.
func validateHostURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("host cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must use http:// or https://", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}
