package storage

import (
	"os"
	"path/filepath"
)

// MemoryPath opens a private in-memory database. Useful for one-off CLI runs;
// tests use a file under t.TempDir() so parallel readers see the same data.
const MemoryPath = ":memory:"

// Config configures the campaign database.
type Config struct {
	// DatabasePath is the SQLite file (default: ~/.chainhunt/campaign.db)
	DatabasePath string `yaml:"database_path"`

	// BusyTimeoutMs is how long a writer waits on a locked database before
	// failing (default: 5000)
	BusyTimeoutMs int `yaml:"busy_timeout_ms"`

	// CacheSizeKB is the page cache per connection (default: 16000)
	CacheSizeKB int `yaml:"cache_size_kb"`
}

// DefaultConfig returns sensible defaults for most environments.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:  defaultDatabasePath(),
		BusyTimeoutMs: 5000,
		CacheSizeKB:   16000,
	}
}

// defaultDatabasePath returns the default path for the campaign database.
func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}
	return filepath.Join(home, ".chainhunt", "campaign.db")
}

// Validate fills in zero values with defaults.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		c.DatabasePath = defaultDatabasePath()
	}
	if c.BusyTimeoutMs <= 0 {
		c.BusyTimeoutMs = 5000
	}
	if c.CacheSizeKB <= 0 {
		c.CacheSizeKB = 16000
	}
	return nil
}
