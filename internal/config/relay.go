package config

import (
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
)

// RelayConfig holds configuration for the relay process. Flags override it.
type RelayConfig struct {
	NREPLAddr string
	WSAddr    string
	LogLevel  string
	LogFile   string
}

// LoadRelay reads relay configuration from environment variables and an
// optional .env file.
func LoadRelay() *RelayConfig {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
	return &RelayConfig{
		NREPLAddr: getEnvOrDefault("RELAY_NREPL_ADDR", "127.0.0.1:1339"),
		WSAddr:    getEnvOrDefault("RELAY_WS_ADDR", "127.0.0.1:1340"),
		LogLevel:  strings.ToLower(getEnvOrDefault("RELAY_LOG_LEVEL", "info")),
		LogFile:   getEnvOrDefault("RELAY_LOG_FILE", "logs/relay.log"),
	}
}
