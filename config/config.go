package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingAPIKey is returned when no upstream credential is configured
var ErrMissingAPIKey = errors.New("GEMINI_API_KEY environment variable is required")

// Config holds all server configuration
type Config struct {
	Port            int
	GeminiAPIKey    string
	GeminiModel     string
	VoiceName       string
	RedisURL        string // empty disables the Redis session mirror
	RedisPassword   string
	SessionTimeout  time.Duration
	SweepInterval   time.Duration
	ToolTimeout     time.Duration
	KeepAlivePeriod time.Duration
	AllowedOrigins  []string
	PublicDir       string
}

// Default returns the configuration used when no environment overrides are set.
// GeminiAPIKey is left empty.
func Default() *Config {
	return &Config{
		Port:            8080,
		GeminiModel:     "gemini-2.5-flash-native-audio-preview-12-2025",
		VoiceName:       "Zephyr",
		SessionTimeout:  30 * time.Minute,
		SweepInterval:   5 * time.Minute,
		ToolTimeout:     30 * time.Second,
		KeepAlivePeriod: 30 * time.Second,
		AllowedOrigins:  []string{"http://localhost:3000", "http://localhost:5173", "http://127.0.0.1:5500"},
		PublicDir:       "public",
	}
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := Default()

	// Required: GEMINI_API_KEY
	config.GeminiAPIKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if config.GeminiAPIKey == "" {
		return nil, ErrMissingAPIKey
	}

	if model := os.Getenv("GEMINI_MODEL"); model != "" {
		config.GeminiModel = model
	}

	if voice := os.Getenv("VOICE_NAME"); voice != "" {
		config.VoiceName = voice
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		config.Port = p
	}

	config.RedisURL = os.Getenv("REDIS_URL")
	config.RedisPassword = os.Getenv("REDIS_PASSWORD")

	var err error
	// SESSION_TIMEOUT and SWEEP_INTERVAL are minutes
	if config.SessionTimeout, err = durationEnv("SESSION_TIMEOUT", time.Minute, config.SessionTimeout); err != nil {
		return nil, err
	}
	if config.SweepInterval, err = durationEnv("SWEEP_INTERVAL", time.Minute, config.SweepInterval); err != nil {
		return nil, err
	}
	// TOOL_TIMEOUT and KEEPALIVE_PERIOD are seconds
	if config.ToolTimeout, err = durationEnv("TOOL_TIMEOUT", time.Second, config.ToolTimeout); err != nil {
		return nil, err
	}
	if config.KeepAlivePeriod, err = durationEnv("KEEPALIVE_PERIOD", time.Second, config.KeepAlivePeriod); err != nil {
		return nil, err
	}

	// ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = splitList(origins)
	}

	if dir := os.Getenv("PUBLIC_DIR"); dir != "" {
		config.PublicDir = dir
	}

	return config, nil
}

func durationEnv(key string, unit time.Duration, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return time.Duration(n) * unit, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// OriginAllowed reports whether a browser origin is in the allow-list.
// An empty origin (non-browser client) is allowed.
func (c *Config) OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
