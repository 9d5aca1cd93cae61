package app

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"patchcrawl/internal/bugzilla"
	"patchcrawl/internal/config"
	"patchcrawl/internal/crawl"
	"patchcrawl/internal/fetcher"
	"patchcrawl/internal/repomd"
	"patchcrawl/internal/store"
)

// App is the application layer between the CLI and the crawl/store/fetch
// components. It constructs dependencies from config and manages the
// store and log file lifecycle on Close.
type App struct {
	cfg     *config.Config
	logger  crawl.Logger
	logFile *os.File
	store   *store.Store
}

// NewApp creates an App from the given config. operation identifies the
// CLI command being run (e.g. "Crawl", "FetchSources"). The caller must
// call Close when done.
func NewApp(cfg *config.Config, operation string) (*App, error) {
	runID := time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, runID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	a := &App{
		cfg:     cfg,
		logger:  &slogAdapter{l: logger},
		logFile: logFile,
	}
	a.logger.Debug("operation starting", "operation", operation)
	return a, nil
}

// Logger returns the application logger.
func (a *App) Logger() crawl.Logger { return a.logger }

// OpenStore opens the patch store. pathOverride, when non-empty, wins
// over the configured database path; when both are empty a temporary
// database file is created (and its path logged), matching the CLI
// contract for ad-hoc runs.
func (a *App) OpenStore(pathOverride string) (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}

	path := pathOverride
	if path == "" {
		path = a.cfg.Database.Path
	}
	if path == "" {
		f, err := os.CreateTemp("", "patchstore-*.db")
		if err != nil {
			return nil, fmt.Errorf("creating temporary database file: %w", err)
		}
		path = f.Name()
		f.Close()
		a.logger.Info("no database path configured, using a temporary file", "path", path)
	}

	st, err := store.Open(path, a.logger, crawl.RealClock{})
	if err != nil {
		return nil, err
	}
	a.store = st
	return st, nil
}

// NewBugzillaCrawler wires a Bugzilla crawler against the given store.
// instance and apiKey override the configured values when non-empty;
// watermark seeds the incremental window.
func (a *App) NewBugzillaCrawler(st *store.Store, instance, apiKey string, watermark time.Time) (*crawl.Bugzilla, error) {
	if instance == "" {
		instance = a.cfg.InstanceURL
	}
	if instance == "" {
		instance = config.DefaultInstanceURL
	}
	if apiKey == "" {
		apiKey = a.cfg.APIKey
	}

	client, err := bugzilla.NewClient(instance, apiKey, nil, a.logger)
	if err != nil {
		return nil, fmt.Errorf("creating bugzilla client: %w", err)
	}

	backoff := crawl.DefaultBackoff()
	if a.cfg.Crawl.MaxAttempts > 0 {
		backoff.MaxAttempts = a.cfg.Crawl.MaxAttempts
	}
	if a.cfg.Crawl.InitialBackoffMs > 0 {
		backoff.Initial = time.Duration(a.cfg.Crawl.InitialBackoffMs) * time.Millisecond
	}

	return crawl.NewBugzilla(st, client, a.logger, crawl.RealClock{}, watermark, backoff), nil
}

// NewSourceFetcher wires the openSUSE source fetcher. targetDir
// overrides the configured target directory when non-empty.
func (a *App) NewSourceFetcher(targetDir string) (fetcher.SourceFetcher, error) {
	if targetDir == "" {
		targetDir = a.cfg.Fetcher.TargetDir
	}
	if targetDir == "" {
		return nil, fmt.Errorf("no target directory configured for the source fetcher")
	}
	repos := repomd.NewClient(&http.Client{Timeout: 5 * time.Minute}, a.logger)
	return fetcher.NewOpenSuse(targetDir, repos, a.logger, a.cfg.Fetcher.Distros)
}

// Close releases the store and the log file.
func (a *App) Close() error {
	var firstErr error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			firstErr = err
		}
		a.store = nil
	}
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.logFile = nil
	}
	return firstErr
}
