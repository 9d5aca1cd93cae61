package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for patchcrawl.
type Config struct {
	InstanceURL string         `toml:"instance_url"`
	APIKey      string         `toml:"api_key,omitempty"`
	LogDir      string         `toml:"log_dir"`
	Database    DatabaseConfig `toml:"database"`
	Crawl       CrawlConfig    `toml:"crawl"`
	Fetcher     FetcherConfig  `toml:"fetcher"`
}

// DatabaseConfig locates the patch store database file. An empty path
// means the CLI falls back to a temporary file.
type DatabaseConfig struct {
	Path string `toml:"path,omitempty"`
}

// CrawlConfig tunes the throttling backoff of the crawler.
type CrawlConfig struct {
	MaxAttempts      int `toml:"max_attempts"`
	InitialBackoffMs int `toml:"initial_backoff_ms"`
}

// FetcherConfig configures the source package fetcher. Distros, when
// set, overrides the built-in openSUSE collection list; keys are
// collection names, values repository base URLs.
type FetcherConfig struct {
	TargetDir string            `toml:"target_dir"`
	Distros   map[string]string `toml:"distros,omitempty"`
}

// DefaultInstanceURL is the Bugzilla instance crawled when no other is
// configured.
const DefaultInstanceURL = "https://bugzilla.opensuse.org"

// NewConfig creates a Config with the default layout under baseDir.
func NewConfig(baseDir string) *Config {
	return &Config{
		InstanceURL: DefaultInstanceURL,
		LogDir:      filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{
			Path: filepath.Join(baseDir, "patches.db"),
		},
		Crawl: CrawlConfig{
			MaxAttempts:      5,
			InitialBackoffMs: 1000,
		},
		Fetcher: FetcherConfig{
			TargetDir: filepath.Join(baseDir, "packages"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path, creating the
// parent directory if needed.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path. It refuses
// to overwrite an existing one.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
