// Package config loads YAML configuration for the server and client
// binaries. A missing file is not an error; every Load returns defaults
// overlaid with whatever the file provides.
package config

import "fmt"

// DatabaseConfig holds PostgreSQL connection parameters for city
// persistence. Persistence is disabled while Host is empty.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string, empty when persistence
// is disabled.
func (d DatabaseConfig) DSN() string {
	if d.Host == "" {
		return ""
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}
