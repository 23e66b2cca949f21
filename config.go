package simprep

import (
	"context"
	"fmt"
	"os"

	"github.com/ensimu-ai/simprep/store"
)

// Config selects and configures the checkpoint store backend. There is
// no silent fallback: if the configured backend cannot be opened, Open
// returns the error and the caller must not proceed without
// durability.
type Config struct {
	// Backend is one of "memory", "sqlite", or "postgres".
	Backend string

	// DatabaseURL is the postgres connection string.
	DatabaseURL string

	// SQLitePath is the sqlite database file path, or ":memory:".
	SQLitePath string
}

// ConfigFromEnv reads the store configuration from the environment:
// SIMPREP_STORE, SIMPREP_DATABASE_URL, and SIMPREP_SQLITE_PATH.
func ConfigFromEnv() Config {
	config := Config{
		Backend:     os.Getenv("SIMPREP_STORE"),
		DatabaseURL: os.Getenv("SIMPREP_DATABASE_URL"),
		SQLitePath:  os.Getenv("SIMPREP_SQLITE_PATH"),
	}
	if config.Backend == "" {
		config.Backend = "sqlite"
	}
	if config.SQLitePath == "" {
		config.SQLitePath = "simprep.db"
	}
	return config
}

// Validate checks that the configuration names a known backend with
// the settings it needs.
func (c Config) Validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite backend requires a database path")
		}
		return nil
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("postgres backend requires a database URL")
		}
		return nil
	default:
		return fmt.Errorf("unknown store backend: %q", c.Backend)
	}
}

// Open creates the configured store. Backend unavailability is a hard
// error.
func (c Config) Open(ctx context.Context) (store.Store, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		s, err := store.NewSQLiteStore(c.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := store.NewPostgresStore(ctx, c.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
