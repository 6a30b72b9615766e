package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds client configuration
type Config struct {
	Env          string
	LogLevel     string
	APIBaseURL   string
	SocketURL    string
	AssistantURL string

	// Real-time channel
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	SubmitTimeout     time.Duration
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
	ColdStartSlots    bool

	// Token and receipt storage. Token is used as-is when redis is not
	// configured.
	Token         string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	TokenKey      string
	ReceiptsKey   string

	// Local status endpoint; empty disables it
	StatusAddr    string
	StatusOrigins []string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Env:          getEnv("ENV", "development"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		APIBaseURL:   strings.TrimRight(getEnv("GOVBOOK_API_URL", "https://seminar-zoo-online-patrick.trycloudflare.com/api"), "/"),
		SocketURL:    getEnv("GOVBOOK_SOCKET_URL", "wss://tt25.tharusha.dev/ws"),
		AssistantURL: strings.TrimRight(getEnv("GOVBOOK_ASSISTANT_URL", "ws://localhost:8000/ws"), "/"),

		DialTimeout:       getEnvAsDuration("GOVBOOK_DIAL_TIMEOUT", 10*time.Second),
		WriteTimeout:      getEnvAsDuration("GOVBOOK_WRITE_TIMEOUT", 5*time.Second),
		SubmitTimeout:     getEnvAsDuration("GOVBOOK_SUBMIT_TIMEOUT", 30*time.Second),
		ReconnectAttempts: getEnvAsInt("GOVBOOK_RECONNECT_ATTEMPTS", 3),
		ReconnectBackoff:  getEnvAsDuration("GOVBOOK_RECONNECT_BACKOFF", 2*time.Second),
		ColdStartSlots:    getEnvAsBool("GOVBOOK_COLD_START", true),

		Token:         getEnv("GOVBOOK_TOKEN", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		TokenKey:      getEnv("GOVBOOK_TOKEN_KEY", "govbook:token"),
		ReceiptsKey:   getEnv("GOVBOOK_RECEIPTS_KEY", "govbook:receipts"),

		StatusAddr:    getEnv("GOVBOOK_STATUS_ADDR", ""),
		StatusOrigins: getEnvAsList("GOVBOOK_STATUS_ORIGINS"),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated variable, dropping blanks
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
