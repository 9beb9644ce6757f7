package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Client holds all configuration for the game client.
type Client struct {
	// Server endpoint
	ServerAddress string `yaml:"server_address"`
	ServerPort    int    `yaml:"server_port"`
	Transport     string `yaml:"transport"` // kcp or ws

	// Identity
	PlayerName string `yaml:"player_name"`

	// Connection behaviour
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconnectDelayMin time.Duration `yaml:"reconnect_delay_min"`
	ReconnectDelayMax time.Duration `yaml:"reconnect_delay_max"`

	// Timeout indicator thresholds since the last server message.
	TimeoutIndicator time.Duration `yaml:"timeout_indicator"`
	TimeoutBanner    time.Duration `yaml:"timeout_banner"`
	TimeoutFullUI    time.Duration `yaml:"timeout_full_ui"`

	LogLevel string `yaml:"log_level"`
}

// DefaultClient returns Client config with the documented defaults.
func DefaultClient() Client {
	return Client{
		ServerAddress:     "127.0.0.1",
		ServerPort:        7777,
		Transport:         "kcp",
		PlayerName:        "mayor",
		ConnectTimeout:    10 * time.Second,
		HeartbeatInterval: time.Second,
		ReconnectDelayMin: 2 * time.Second,
		ReconnectDelayMax: 30 * time.Second,
		TimeoutIndicator:  2 * time.Second,
		TimeoutBanner:     5 * time.Second,
		TimeoutFullUI:     15 * time.Second,
		LogLevel:          "info",
	}
}

// LoadClient loads client config from a YAML file. If the file doesn't
// exist, returns defaults.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()

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
