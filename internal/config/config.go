package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	Environment        string // "development", "staging", "production"
	LogLevel           string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for internal trigger endpoints (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	JWTSecret          string // HS256 secret for owner credentials (empty = X-Owner-ID header, dev mode)

	// Database (empty = in-memory store, development only)
	DatabaseURL string

	// Redis
	RedisURL string

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// Generation provider
	VideoProvider     string // "xai" or "veo"
	XAIAPIKey         string
	GeminiKey         string // used by Veo through the genai SDK
	VeoModel          string
	DefaultModel      string
	MaxSegmentSeconds int

	// OpenAI (optional: segment prompt planning and caption transcription)
	OpenAIKey string

	// Status sweep
	SweepInterval  time.Duration
	SweepBatchSize int
	SweepPollDelay time.Duration
	MaxPollErrors  int // consecutive provider errors before a job is failed (0 = unlimited)

	// Render
	RenderTempDir            string
	RenderPlaceholderEnabled bool
	RenderPlaceholderURL     string
	RenderStaleAfter         time.Duration

	// Worker
	MaxConcurrentJobs int
}

// IsProduction reports whether the service runs with production guarantees.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	environment := getEnv("ENVIRONMENT", "development")

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		Environment:           environment,
		LogLevel:              getEnv("LOG_LEVEL", ""),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		JWTSecret:             getEnv("JWT_SECRET", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "loopreel-videos"),
		VideoProvider:         getEnv("VIDEO_PROVIDER", "xai"),
		XAIAPIKey:             getEnv("XAI_API_KEY", ""),
		GeminiKey:             getEnv("GEMINI_API_KEY", ""),
		VeoModel:              getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		DefaultModel:          getEnv("DEFAULT_VIDEO_MODEL", ""),
		MaxSegmentSeconds:     getEnvInt("MAX_SEGMENT_SECONDS", 10),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
		SweepBatchSize:        getEnvInt("SWEEP_BATCH_SIZE", 50),
		SweepPollDelay:        getEnvDuration("SWEEP_POLL_DELAY", 500*time.Millisecond),
		MaxPollErrors:         getEnvInt("MAX_POLL_ERRORS", 20),
		RenderTempDir:         getEnv("RENDER_TEMP_DIR", "/tmp/loopreel"),
		// Placeholder artifacts are a development convenience; production
		// must opt in explicitly.
		RenderPlaceholderEnabled: getEnvBool("RENDER_PLACEHOLDER_ENABLED", environment != "production"),
		RenderPlaceholderURL:     getEnv("RENDER_PLACEHOLDER_URL", ""),
		RenderStaleAfter:         getEnvDuration("RENDER_STALE_AFTER", 30*time.Minute),
		MaxConcurrentJobs:        getEnvInt("MAX_CONCURRENT_JOBS", 4),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" && c.IsProduction() {
		return fmt.Errorf("DATABASE_URL is required in production")
	}

	if c.JWTSecret == "" && c.IsProduction() {
		return fmt.Errorf("JWT_SECRET is required in production")
	}

	switch c.VideoProvider {
	case "xai":
		if c.XAIAPIKey == "" {
			return fmt.Errorf("XAI_API_KEY is required when VIDEO_PROVIDER=xai")
		}
	case "veo":
		if c.GeminiKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when VIDEO_PROVIDER=veo")
		}
	default:
		return fmt.Errorf("unsupported VIDEO_PROVIDER %q (allowed: xai, veo)", c.VideoProvider)
	}

	if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
		return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}

	if c.MaxSegmentSeconds < 1 {
		return fmt.Errorf("MAX_SEGMENT_SECONDS must be at least 1")
	}

	if c.SweepBatchSize < 1 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be at least 1")
	}

	if c.RenderPlaceholderEnabled && c.RenderPlaceholderURL == "" {
		// Nothing to degrade to; behave as hard-failure mode.
		c.RenderPlaceholderEnabled = false
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
