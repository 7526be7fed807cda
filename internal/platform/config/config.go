package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables that are not already set. If .env does not exist,
// Load returns an error but callers can ignore it and use system env or
// defaults. Pass one or more paths to load from specific files.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool returns the boolean value of the environment variable named by
// key ("true", "1", "yes" and friends), or fallback if unset or unparseable.
func GetEnvBool(key string, fallback bool) bool {
	s := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch s {
	case "":
		return fallback
	case "yes", "on":
		return true
	case "no", "off":
		return false
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return fallback
}

// GetEnvDuration returns the duration value of the environment variable named
// by key (e.g. "90s", "2m"), or fallback if unset or unparseable.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// Server holds the transcription gateway configuration.
type Server struct {
	Port      string
	LogLevel  string
	LogFormat string

	// Password is the shared secret clients must present. Empty means the
	// gateway is misconfigured and every authenticated call fails.
	Password string

	// TrustProxy makes client identification (rate limiting, logs) honour
	// X-Forwarded-For / X-Real-IP.
	TrustProxy bool

	ProviderAPIKey     string
	ProviderBaseURL    string
	TranscriptionModel string
	SummaryModel       string

	// MaxRetries is the number of provider attempts for transient failures.
	MaxRetries int
	RetryBase  time.Duration

	FFmpegPath      string
	MinPayloadBytes int
	MaxUploadBytes  int64
}

// LoadServer reads the gateway configuration from the process environment.
func LoadServer() Server {
	return Server{
		Port:               GetEnv("PORT", "3000"),
		LogLevel:           GetEnv("LOG_LEVEL", "info"),
		LogFormat:          GetEnv("LOG_FORMAT", "json"),
		Password:           os.Getenv("APP_PASSWORD"),
		TrustProxy:         GetEnvBool("TRUST_PROXY", false),
		ProviderAPIKey:     os.Getenv("OPENAI_API_KEY"),
		ProviderBaseURL:    GetEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		TranscriptionModel: GetEnv("TRANSCRIPTION_MODEL", "whisper-1"),
		SummaryModel:       GetEnv("SUMMARY_MODEL", "gpt-3.5-turbo"),
		MaxRetries:         GetEnvInt("MAX_RETRIES", 3),
		RetryBase:          time.Duration(GetEnvInt("RETRY_BASE_MS", 500)) * time.Millisecond,
		FFmpegPath:         GetEnv("FFMPEG_PATH", "ffmpeg"),
		MinPayloadBytes:    GetEnvInt("MIN_PAYLOAD_BYTES", 1024),
		MaxUploadBytes:     int64(GetEnvInt("MAX_UPLOAD_MB", 25)) << 20,
	}
}
