package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := &Config{
		InstanceURL: "https://bugzilla.opensuse.org",
		APIKey:      "secret-key",
		LogDir:      "/home/user/.local/share/patchcrawl/log",
		Database:    DatabaseConfig{Path: "/home/user/.local/share/patchcrawl/patches.db"},
		Crawl:       CrawlConfig{MaxAttempts: 7, InitialBackoffMs: 250},
		Fetcher: FetcherConfig{
			TargetDir: "/home/user/.local/share/patchcrawl/packages",
			Distros: map[string]string{
				"tumbleweed": "https://download.opensuse.org/source/tumbleweed/repo/oss/",
			},
		},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.InstanceURL != original.InstanceURL {
		t.Errorf("InstanceURL = %q, want %q", got.InstanceURL, original.InstanceURL)
	}
	if got.APIKey != original.APIKey {
		t.Errorf("APIKey = %q, want %q", got.APIKey, original.APIKey)
	}
	if got.Database.Path != original.Database.Path {
		t.Errorf("Database.Path = %q, want %q", got.Database.Path, original.Database.Path)
	}
	if got.Crawl.MaxAttempts != 7 || got.Crawl.InitialBackoffMs != 250 {
		t.Errorf("Crawl = %+v, want %+v", got.Crawl, original.Crawl)
	}
	if got.Fetcher.TargetDir != original.Fetcher.TargetDir {
		t.Errorf("Fetcher.TargetDir = %q, want %q", got.Fetcher.TargetDir, original.Fetcher.TargetDir)
	}
	if got.Fetcher.Distros["tumbleweed"] != original.Fetcher.Distros["tumbleweed"] {
		t.Errorf("Fetcher.Distros = %v, want %v", got.Fetcher.Distros, original.Fetcher.Distros)
	}
}

func TestReadFromFile_Missing(t *testing.T) {
	_, err := ReadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ReadFromFile() error = %v, want wrapped os.ErrNotExist", err)
	}
}

func TestInit_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patchcrawl.toml")
	cfg := NewConfig("/data")

	if err := Init(path, cfg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := Init(path, cfg); err == nil {
		t.Error("Init() overwrote an existing config file")
	}
}

func TestInit_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "patchcrawl.toml")

	if err := Init(path, NewConfig("/data")); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	got, err := ReadFromFile(path)
	if err != nil {
		t.Fatalf("ReadFromFile() error = %v", err)
	}
	if got.InstanceURL != DefaultInstanceURL {
		t.Errorf("InstanceURL = %q, want default %q", got.InstanceURL, DefaultInstanceURL)
	}
}

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig("/data/patchcrawl")

	if cfg.InstanceURL != DefaultInstanceURL {
		t.Errorf("InstanceURL = %q, want %q", cfg.InstanceURL, DefaultInstanceURL)
	}
	if cfg.Database.Path != filepath.Join("/data/patchcrawl", "patches.db") {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.LogDir != filepath.Join("/data/patchcrawl", "log") {
		t.Errorf("LogDir = %q", cfg.LogDir)
	}
	if cfg.Fetcher.TargetDir != filepath.Join("/data/patchcrawl", "packages") {
		t.Errorf("Fetcher.TargetDir = %q", cfg.Fetcher.TargetDir)
	}
	if cfg.Crawl.MaxAttempts <= 0 || cfg.Crawl.InitialBackoffMs <= 0 {
		t.Errorf("Crawl defaults not set: %+v", cfg.Crawl)
	}
}
