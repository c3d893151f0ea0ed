package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dgnsrekt/pagebridge/internal/navigation"
)

// Host modes.
const (
	HostCDP    = "cdp"
	HostMemory = "memory"
)

// Config holds all configuration for the coordinator.
type Config struct {
	// Browser connection
	Host       string
	CDPAddress string
	CDPPort    int

	// Control API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Scripts and vendor libraries
	ScriptsDir      string
	LibrariesFile   string
	VendorBaseURL   string
	VendorDir       string
	StartupTabsFile string

	// Connection policy defaults; the control API may change them at runtime.
	ConnectAll    bool
	AutoReconnect bool
	ConnectPort   int
	RelayHost     string

	// Timing
	ProbeTimeoutMS  int
	ProbeIntervalMS int
	HeartbeatMS     int
	HeartbeatMisses int
	SendTimeoutMS   int

	LogLevel   string
	LogFile    string
	JournalDir string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		Host:             strings.ToLower(getEnvOrDefault("PAGEBRIDGE_HOST", HostCDP)),
		CDPAddress:       getEnvOrDefault("PAGEBRIDGE_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:          getEnvIntOrDefault("PAGEBRIDGE_CDP_PORT", 9222),
		BindAddr:         getEnvOrDefault("PAGEBRIDGE_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:   getEnvListOrDefault("PAGEBRIDGE_PORT_CANDIDATES", []string{"127.0.0.1:8191", "127.0.0.1:8192"}),
		PortAutoFallback: getEnvBoolOrDefault("PAGEBRIDGE_PORT_AUTO_FALLBACK", true),
		ScriptsDir:       getEnvOrDefault("PAGEBRIDGE_SCRIPTS_DIR", "./userscripts"),
		LibrariesFile:    getEnvOrDefault("PAGEBRIDGE_LIBRARIES_FILE", "./userscripts/libraries.yaml"),
		VendorBaseURL:    getEnvOrDefault("PAGEBRIDGE_VENDOR_BASE_URL", "https://cdn.jsdelivr.net/npm/scittle@0.6.22/dist"),
		VendorDir:        getEnvOrDefault("PAGEBRIDGE_VENDOR_DIR", "./userscripts/vendor"),
		StartupTabsFile:  getEnvOrDefault("PAGEBRIDGE_STARTUP_TABS", ""),
		ConnectAll:       getEnvBoolOrDefault("PAGEBRIDGE_CONNECT_ALL", false),
		AutoReconnect:    getEnvBoolOrDefault("PAGEBRIDGE_AUTO_RECONNECT", true),
		ConnectPort:      getEnvIntOrDefault("PAGEBRIDGE_CONNECT_PORT", 1340),
		RelayHost:        getEnvOrDefault("PAGEBRIDGE_RELAY_HOST", "127.0.0.1"),
		ProbeTimeoutMS:   getEnvIntOrDefault("PAGEBRIDGE_PROBE_TIMEOUT_MS", 5000),
		ProbeIntervalMS:  getEnvIntOrDefault("PAGEBRIDGE_PROBE_INTERVAL_MS", 50),
		HeartbeatMS:      getEnvIntOrDefault("PAGEBRIDGE_HEARTBEAT_MS", 1000),
		HeartbeatMisses:  getEnvIntOrDefault("PAGEBRIDGE_HEARTBEAT_MISSES", 3),
		SendTimeoutMS:    getEnvIntOrDefault("PAGEBRIDGE_SEND_TIMEOUT_MS", 5000),
		LogLevel:         strings.ToLower(getEnvOrDefault("PAGEBRIDGE_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("PAGEBRIDGE_LOG_FILE", "logs/pagebridge.log"),
		JournalDir:       getEnvOrDefault("PAGEBRIDGE_JOURNAL_DIR", "./journal"),
	}
	if cfg.ProbeTimeoutMS < 100 {
		cfg.ProbeTimeoutMS = 100
	}
	if cfg.ProbeIntervalMS < 1 {
		cfg.ProbeIntervalMS = 1
	}
	if cfg.HeartbeatMS < 100 {
		cfg.HeartbeatMS = 100
	}
	if cfg.HeartbeatMisses < 1 {
		cfg.HeartbeatMisses = 1
	}
	if cfg.SendTimeoutMS < 100 {
		cfg.SendTimeoutMS = 100
	}
	if cfg.Host != HostCDP && cfg.Host != HostMemory {
		return nil, fmt.Errorf("PAGEBRIDGE_HOST must be %q or %q, got %q", HostCDP, HostMemory, cfg.Host)
	}
	if cfg.ConnectPort < 0 || cfg.ConnectPort > 65535 {
		return nil, fmt.Errorf("PAGEBRIDGE_CONNECT_PORT out of range: %d", cfg.ConnectPort)
	}
	return cfg, nil
}

// CDPURL returns the browser's DevTools HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

// NavigationSettings are the connection policy defaults.
func (c *Config) NavigationSettings() navigation.Settings {
	return navigation.Settings{
		ConnectAll:    c.ConnectAll,
		AutoReconnect: c.AutoReconnect,
		Port:          c.ConnectPort,
	}
}

// Settings makes the env config a navigation.SettingsSource.
func (c *Config) Settings(_ context.Context) (navigation.Settings, error) {
	return c.NavigationSettings(), nil
}

func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMS) * time.Millisecond
}

func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMS) * time.Millisecond
}

func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatMS) * time.Millisecond
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMS) * time.Millisecond
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvListOrDefault splits a comma-separated value, dropping blanks.
func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
