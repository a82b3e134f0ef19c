// Package config loads the YAML configuration of a gojotxn database.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojotxn/core/storage"
	"github.com/sushant-115/gojotxn/pkg/logger"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
)

const (
	DefaultIdleTimeout        = 15 * time.Minute
	DefaultTransactionTimeout = 60 * time.Minute
	DefaultSystemStore        = "system"
)

var (
	ErrNoStores         = errors.New("no stores configured")
	ErrDuplicateStore   = errors.New("duplicate store name")
	ErrMissingSystem    = errors.New("system store not configured")
	ErrMissingStorePath = errors.New("store path required")
	ErrNegativeTimeout  = errors.New("timeouts must not be negative")
)

// Config is the top-level configuration file.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Database  DatabaseConfig   `yaml:"database"`
	Stores    []StoreConfig    `yaml:"stores"`
}

// DatabaseConfig holds the transaction settings of the database.
type DatabaseConfig struct {
	Name string `yaml:"name"`
	// SystemStore names the store every operation is handed.
	SystemStore string `yaml:"system_store"`
	// IdleTimeout is how long a transaction may sit between operations
	// before it is rolled back.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// TransactionTimeout bounds the whole life of a transaction.
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
}

// StoreConfig describes one store.
type StoreConfig struct {
	Name string `yaml:"name"`
	// Kind is "memory", "bolt" or "badger".
	Kind string `yaml:"kind"`
	// Path is the bolt file or the badger directory.
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
	NoSync   bool   `yaml:"no_sync"`
}

// Default returns a configuration with one in-memory system store.
func Default() Config {
	return Config{
		Logger: logger.Config{Level: "info", Format: "console", OutputFile: "stderr"},
		Telemetry: telemetry.Config{
			ServiceName:      "gojotxn",
			TraceSampleRatio: 1.0,
		},
		Database: DatabaseConfig{
			Name:               "gojotxn",
			SystemStore:        DefaultSystemStore,
			IdleTimeout:        DefaultIdleTimeout,
			TransactionTimeout: DefaultTransactionTimeout,
		},
		Stores: []StoreConfig{{Name: DefaultSystemStore, Kind: storage.KindMemory}},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the store list and timeouts.
func (c *Config) Validate() error {
	if c.Database.IdleTimeout < 0 || c.Database.TransactionTimeout < 0 {
		return ErrNegativeTimeout
	}
	if len(c.Stores) == 0 {
		return ErrNoStores
	}
	system := c.Database.SystemStore
	if system == "" {
		system = DefaultSystemStore
	}

	seen := make(map[string]bool, len(c.Stores))
	for _, s := range c.Stores {
		if seen[s.Name] {
			return fmt.Errorf("%w: %q", ErrDuplicateStore, s.Name)
		}
		seen[s.Name] = true
		switch s.Kind {
		case storage.KindMemory:
		case storage.KindBolt:
			if s.Path == "" {
				return fmt.Errorf("%w: bolt store %q", ErrMissingStorePath, s.Name)
			}
		case storage.KindBadger:
			if s.Path == "" && !s.InMemory {
				return fmt.Errorf("%w: badger store %q", ErrMissingStorePath, s.Name)
			}
		default:
			return fmt.Errorf("%w %q for store %q", storage.ErrUnknownKind, s.Kind, s.Name)
		}
	}
	if !seen[system] {
		return fmt.Errorf("%w: %q", ErrMissingSystem, system)
	}
	return nil
}
