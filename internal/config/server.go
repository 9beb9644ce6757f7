package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Bucket configures one rate-limit token bucket.
type Bucket struct {
	Rate  float64 `yaml:"rate"`  // refill per second
	Burst float64 `yaml:"burst"` // bucket capacity
}

// RateLimits configures the per-category input buckets and the abuse
// detection window.
type RateLimits struct {
	Building       Bucket `yaml:"building"`
	Zoning         Bucket `yaml:"zoning"`
	Infrastructure Bucket `yaml:"infrastructure"`
	Economy        Bucket `yaml:"economy"`
	GameControl    Bucket `yaml:"game_control"`

	// AbuseThreshold is the total actions per rolling second that trips
	// one logged abuse event.
	AbuseThreshold int `yaml:"abuse_threshold"`
}

// DefaultRateLimits returns the tuned per-category limits.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		Building:       Bucket{Rate: 10, Burst: 15},
		Zoning:         Bucket{Rate: 20, Burst: 30},
		Infrastructure: Bucket{Rate: 15, Burst: 20},
		Economy:        Bucket{Rate: 5, Burst: 10},
		GameControl:    Bucket{Rate: 5, Burst: 10},
		AbuseThreshold: 100,
	}
}

// Server holds all configuration for the game server.
type Server struct {
	// Network
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
	Transport   string `yaml:"transport"` // kcp or ws
	WSPath      string `yaml:"ws_path"`   // upgrade path for the ws transport

	// Identity
	ServerName string `yaml:"server_name"`

	// World
	MapSeed int64 `yaml:"map_seed"` // 0 picks a random seed at startup
	MapTier uint8 `yaml:"map_tier"` // 1 small, 2 medium, 3 large

	// Simulation
	TickRate    int `yaml:"tick_rate"`    // ticks per second
	MaxPlayers  int `yaml:"max_players"`
	DeltaBudget int `yaml:"delta_budget"` // state-update bytes per tick

	// Sessions
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SessionGrace      time.Duration `yaml:"session_grace"`

	// Observability
	MetricsAddr string `yaml:"metrics_addr"` // empty disables /metrics
	LogLevel    string `yaml:"log_level"`    // debug, info, warn, error

	// Persistence
	Database         DatabaseConfig `yaml:"database"`
	SaveName         string         `yaml:"save_name"`
	AutosaveInterval time.Duration  `yaml:"autosave_interval"` // 0 disables

	// Rate limiting
	RateLimits RateLimits `yaml:"rate_limits"`
}

// DefaultServer returns Server config with the documented defaults.
func DefaultServer() Server {
	return Server{
		BindAddress:       "0.0.0.0",
		Port:              7777,
		Transport:         "kcp",
		WSPath:            "/ws",
		ServerName:        "civitas",
		MapSeed:           0,
		MapTier:           2,
		TickRate:          20,
		MaxPlayers:        4,
		DeltaBudget:       32 * 1024,
		HeartbeatInterval: time.Second,
		SessionGrace:      30 * time.Second,
		MetricsAddr:       "",
		LogLevel:          "info",
		SaveName:          "default",
		AutosaveInterval:  0,
		RateLimits:        DefaultRateLimits(),
	}
}

// LoadServer loads server config from a YAML file. If the file doesn't
// exist, returns defaults.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
