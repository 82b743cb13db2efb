// Package config loads the environment-variable configuration used to
// bootstrap the agent server, failing fast (exit code 1) on missing
// mandatory keys as required by the external interfaces design.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process-wide configuration loaded once at startup.
type Config struct {
	ListenAddr string

	STTAPIKey string
	STTModel  string

	TTSAPIKey string
	VoiceID   string

	LLMAPIKey string
	LLMModel  string

	MaxConnections        int
	HeartbeatInterval     time.Duration
	ConnectionTimeout     time.Duration
	MaxReconnectAttempts  int
	ReconnectDisabled     bool

	LogLevel string
}

// Load reads .env (if present) then the process environment into a Config.
// It returns an error naming every missing mandatory key at once, rather
// than failing on the first one, so operators fix configuration in a single
// pass.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var missing []string
	req := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg := &Config{
		ListenAddr: getOr("LISTEN_ADDR", ":8080"),

		STTAPIKey: req("STT_API_KEY"),
		STTModel:  getOr("STT_MODEL", "nova-2"),

		TTSAPIKey: req("TTS_API_KEY"),
		VoiceID:   getOr("TTS_VOICE_ID", "default"),

		LLMAPIKey: req("LLM_API_KEY"),
		LLMModel:  getOr("LLM_MODEL", "gpt-4o-mini"),

		MaxConnections:       getIntOr("MAX_WS_CONNECTIONS", 100),
		HeartbeatInterval:    getDurationOr("WS_HEARTBEAT_INTERVAL", 30*time.Second),
		ConnectionTimeout:    getDurationOr("WS_CONNECTION_TIMEOUT", 60*time.Second),
		MaxReconnectAttempts: getIntOr("WS_MAX_RECONNECT_ATTEMPTS", 6),
		ReconnectDisabled:    os.Getenv("WS_RECONNECT_DISABLED") == "true",

		LogLevel: getOr("LOG_LEVEL", "info"),
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("config: missing mandatory environment variables: %v", missing)
	}
	return cfg, nil
}

func getOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getDurationOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(secs) * time.Second
}
