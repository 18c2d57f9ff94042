// Package config loads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Settings is the server's process configuration. Game parameters live in
// the YAML files under ConfigDir, not here.
type Settings struct {
	HTTPAddr string `env:"DIVE_HTTP_ADDR" envDefault:":8080"`
	// GRPCAddr empty disables the gRPC listener.
	GRPCAddr string `env:"DIVE_GRPC_ADDR" envDefault:":9090"`
	// DBPath selects SQLite and PostgresURL selects PostgreSQL; with
	// neither set all state is kept in memory.
	DBPath      string `env:"DIVE_DB_PATH"`
	PostgresURL string `env:"DIVE_POSTGRES_URL"`
	ConfigDir   string `env:"DIVE_CONFIG_DIR" envDefault:"config"`
	Game        string `env:"DIVE_GAME"`

	VaultID        string `env:"DIVE_VAULT_ID" envDefault:"house"`
	VaultAuthority string `env:"DIVE_VAULT_AUTHORITY"`
	VaultFunding   uint64 `env:"DIVE_VAULT_FUNDING"`

	ReapInterval  time.Duration     `env:"DIVE_REAP_INTERVAL" envDefault:"1m"`
	ConfigPoll    time.Duration     `env:"DIVE_CONFIG_POLL" envDefault:"5s"`
	ShutdownGrace time.Duration     `env:"DIVE_SHUTDOWN_GRACE" envDefault:"10s"`
	// SeedAccounts credits ledger accounts at startup, as "alice=1000,bob=50".
	// Only honoured by the in-memory ledger.
	SeedAccounts map[string]uint64 `env:"DIVE_SEED_ACCOUNTS" envKeyValSeparator:"="`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadDotEnv reads the given files (default .env) into the environment
// without overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads .env then parses Settings.
func Load() (Settings, error) {
	var s Settings
	if err := LoadDotEnv(); err != nil {
		return s, err
	}
	if err := ParseEnv(&s); err != nil {
		return s, err
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (s Settings) Validate() error {
	if s.HTTPAddr == "" && s.GRPCAddr == "" {
		return errors.New("at least one of DIVE_HTTP_ADDR and DIVE_GRPC_ADDR is required")
	}
	if s.DBPath != "" && s.PostgresURL != "" {
		return errors.New("set only one of DIVE_DB_PATH and DIVE_POSTGRES_URL")
	}
	if s.VaultFunding > 0 && s.VaultAuthority == "" {
		return errors.New("DIVE_VAULT_FUNDING requires DIVE_VAULT_AUTHORITY")
	}
	if s.ReapInterval < 0 || s.ConfigPoll < 0 {
		return errors.New("intervals must not be negative")
	}
	return nil
}
