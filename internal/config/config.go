// Package config loads the portal client configuration from the
// environment, with optional .env overrides for deployments.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/consultahub/portal-client-go/internal/money"
)

// Config holds everything the client needs to run.
type Config struct {
	// DiscoveryURL is the well-known endpoint probed once for the backend
	// base URL.
	DiscoveryURL string
	// DefaultAPIURL is the hard-coded fallback when discovery fails.
	DefaultAPIURL string
	// DataPath is where the local stores (sqlite, cookie file) live.
	DataPath string

	LogLevel  string
	LogFormat string

	MinRecharge money.Cents
	MaxRecharge money.Cents

	InactivityWindow time.Duration
	CacheWindow      time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// EventHubAddr, when non-empty, serves the WebSocket event hub for UI
	// subscribers (loopback only).
	EventHubAddr string
}

// Load reads configuration from the environment with defaults.
func Load() (*Config, error) {
	dataDir := os.Getenv("PORTAL_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		dataDir = filepath.Join(home, ".portal-client")
	}

	// Load .env file if it exists (for deployment overrides)
	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		}
	}
	// Also try loading from current directory for development
	_ = godotenv.Load()

	cfg := &Config{
		DiscoveryURL:     "https://config.consultahub.example/",
		DefaultAPIURL:    "https://api.consultahub.example/v1",
		DataPath:         dataDir,
		LogLevel:         "info",
		LogFormat:        "auto",
		MinRecharge:      money.Cents(500),     // 5.00
		MaxRecharge:      money.Cents(1000000), // 10,000.00
		InactivityWindow: 30 * time.Minute,
		CacheWindow:      5 * time.Second,
		BreakerThreshold: 4,
		BreakerCooldown:  120 * time.Second,
	}

	if v := os.Getenv("PORTAL_DISCOVERY_URL"); v != "" {
		cfg.DiscoveryURL = v
	}
	if v := os.Getenv("PORTAL_API_URL"); v != "" {
		cfg.DefaultAPIURL = v
	}
	if v := os.Getenv("PORTAL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PORTAL_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("PORTAL_EVENT_HUB_ADDR"); v != "" {
		cfg.EventHubAddr = v
	}

	if v := os.Getenv("PORTAL_MIN_RECHARGE"); v != "" {
		amount, err := money.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("PORTAL_MIN_RECHARGE: %w", err)
		}
		cfg.MinRecharge = amount
	}
	if v := os.Getenv("PORTAL_MAX_RECHARGE"); v != "" {
		amount, err := money.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("PORTAL_MAX_RECHARGE: %w", err)
		}
		cfg.MaxRecharge = amount
	}
	if cfg.MinRecharge > cfg.MaxRecharge {
		return nil, fmt.Errorf("minimum recharge %s exceeds maximum %s", cfg.MinRecharge, cfg.MaxRecharge)
	}

	if v := os.Getenv("PORTAL_INACTIVITY_MINUTES"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			return nil, fmt.Errorf("PORTAL_INACTIVITY_MINUTES: invalid value %q", v)
		}
		cfg.InactivityWindow = time.Duration(minutes) * time.Minute
	}
	if v := os.Getenv("PORTAL_BREAKER_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("PORTAL_BREAKER_THRESHOLD: invalid value %q", v)
		}
		cfg.BreakerThreshold = n
	}
	if v := os.Getenv("PORTAL_BREAKER_COOLDOWN_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("PORTAL_BREAKER_COOLDOWN_SECONDS: invalid value %q", v)
		}
		cfg.BreakerCooldown = time.Duration(n) * time.Second
	}

	return cfg, nil
}
