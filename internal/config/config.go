package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ActionBridge engine. It is built
// once and threaded explicitly through constructors so multiple tenants or
// configurations can coexist in one process.
type Config struct {
	Port    int
	Version string

	// CatalogFile optionally seeds the action catalog from a JSON file.
	CatalogFile string

	Match     MatchConfig
	Session   SessionConfig
	Options   OptionsConfig
	Execution ExecutionConfig
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	NLU       NLUConfig
}

// MatchConfig tunes the action matcher.
type MatchConfig struct {
	// KeywordWeight and SemanticWeight blend the two scores; Threshold is
	// the minimum confidence for a match to be reported.
	KeywordWeight  float64
	SemanticWeight float64
	Threshold      float64
}

// SessionConfig tunes the parameter-collection state machine.
type SessionConfig struct {
	// TTL after which an idle session expires (enforced lazily on access).
	TTL time.Duration

	// ConfirmPhrases and CancelPhrases are matched case-insensitively
	// after whitespace trimming.
	ConfirmPhrases []string
	CancelPhrases  []string
}

// OptionsConfig tunes the options resolver.
type OptionsConfig struct {
	CacheTTL    time.Duration
	HTTPTimeout time.Duration
}

// ExecutionConfig tunes the plan executor.
type ExecutionConfig struct {
	// StepTimeout bounds a single step's network call unless the
	// interface binding overrides it.
	StepTimeout time.Duration

	// RetryCount is the default number of retries for a FAILED step.
	RetryCount int

	// RetryBaseDelay seeds the exponential backoff between retries.
	RetryBaseDelay time.Duration
}

type DatabaseConfig struct {
	// URL is the Postgres connection string for the session store.
	// Empty means the in-memory store is used.
	URL string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// NLUConfig configures the external model collaborator used for parameter
// extraction and semantic similarity.
type NLUConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Load reads configuration from environment variables with documented defaults.
func Load() *Config {
	return &Config{
		Port:        envInt("ACTIONBRIDGE_PORT", 8080),
		Version:     envStr("ACTIONBRIDGE_VERSION", "0.1.0"),
		CatalogFile: envStr("ACTIONBRIDGE_CATALOG_FILE", ""),
		Match: MatchConfig{
			KeywordWeight:  envFloat("ACTIONBRIDGE_MATCH_KEYWORD_WEIGHT", 0.4),
			SemanticWeight: envFloat("ACTIONBRIDGE_MATCH_SEMANTIC_WEIGHT", 0.6),
			Threshold:      envFloat("ACTIONBRIDGE_MATCH_THRESHOLD", 0.3),
		},
		Session: SessionConfig{
			TTL:            envDur("ACTIONBRIDGE_SESSION_TTL", 10*time.Minute),
			ConfirmPhrases: envList("ACTIONBRIDGE_CONFIRM_PHRASES", []string{"yes", "y", "ok", "confirm", "确认", "确定", "是"}),
			CancelPhrases:  envList("ACTIONBRIDGE_CANCEL_PHRASES", []string{"no", "n", "cancel", "abort", "取消", "不", "算了"}),
		},
		Options: OptionsConfig{
			CacheTTL:    envDur("ACTIONBRIDGE_OPTIONS_CACHE_TTL", 5*time.Minute),
			HTTPTimeout: envDur("ACTIONBRIDGE_OPTIONS_HTTP_TIMEOUT", 5*time.Second),
		},
		Execution: ExecutionConfig{
			StepTimeout:    envDur("ACTIONBRIDGE_STEP_TIMEOUT", 10*time.Second),
			RetryCount:     envInt("ACTIONBRIDGE_STEP_RETRIES", 2),
			RetryBaseDelay: envDur("ACTIONBRIDGE_RETRY_BASE_DELAY", time.Second),
		},
		Database: DatabaseConfig{
			URL: envStr("ACTIONBRIDGE_DATABASE_URL", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "actionbridge-engine"),
		},
		NLU: NLUConfig{
			APIKey:  envStr("OPENAI_API_KEY", ""),
			BaseURL: envStr("ACTIONBRIDGE_NLU_BASE_URL", ""),
			Model:   envStr("ACTIONBRIDGE_NLU_MODEL", "gpt-4o-mini"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
