package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"patchcrawl/internal/app"
	"patchcrawl/internal/config"
	"patchcrawl/internal/store/migrations"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for db status
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when no
// config file exists yet so the crawler stays usable with flags alone.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if errors.Is(err, os.ErrNotExist) {
		return config.NewConfig(defaults["base_dir"]), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer
// a.Close(). operation identifies the CLI command being run.
func newApp(operation string) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewApp(cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:   "patchcrawl",
	Short: "Crawl bug trackers for patch attachments and keep source pools fresh",
}

// config command

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		promptKey, _ := cmd.Flags().GetBool("prompt-api-key")

		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])

		if promptKey {
			fmt.Print("Bugzilla API key (input hidden, leave empty to skip): ")
			key, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return fmt.Errorf("reading API key: %w", err)
			}
			cfg.APIKey = strings.TrimSpace(string(key))
		}

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Instance:  %s\n", cfg.InstanceURL)
		fmt.Printf("Database:  %s\n", cfg.Database.Path)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Instance:   %s\n", cfg.InstanceURL)
		apiKey := "(not set)"
		if cfg.APIKey != "" {
			apiKey = "(set)"
		}
		fmt.Printf("API key:    %s\n", apiKey)
		fmt.Printf("Database:   %s\n", cfg.Database.Path)
		fmt.Printf("Log dir:    %s\n", cfg.LogDir)
		fmt.Printf("Target dir: %s\n", cfg.Fetcher.TargetDir)
		return nil
	},
}

// crawl command

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Crawl the bug tracker once for new patch attachments",
	RunE: func(cmd *cobra.Command, args []string) error {
		instance, _ := cmd.Flags().GetString("instance")
		apiKey, _ := cmd.Flags().GetString("api-key")
		dbPath, _ := cmd.Flags().GetString("db")
		delta, _ := cmd.Flags().GetInt("time-delta")

		a, err := newApp("Crawl")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.OpenStore(dbPath)
		if err != nil {
			return err
		}

		// Seed the watermark so the first window covers the requested
		// number of days (plus a second so day boundaries stay inside).
		watermark := time.Now().Add(-time.Duration(delta)*24*time.Hour - time.Second)

		crawler, err := a.NewBugzillaCrawler(st, instance, apiKey, watermark)
		if err != nil {
			return err
		}

		if err := crawler.Crawl(); err != nil {
			return fmt.Errorf("crawl failed: %w", err)
		}
		fmt.Printf("Patch store: %s\n", st.Path())
		return nil
	},
}

// search command

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the patch store",
}

func newSearchCmd(use, short string, search func(a *app.App, term string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, _ := cmd.Flags().GetString("db")

			a, err := newApp("Search")
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.OpenStore(dbPath); err != nil {
				return err
			}
			return search(a, args[0])
		},
	}
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View crawl run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		dbPath, _ := cmd.Flags().GetString("db")

		a, err := newApp("History")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.OpenStore(dbPath)
		if err != nil {
			return err
		}

		runs, err := st.ListCrawlRuns(limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No crawl runs recorded.")
			return nil
		}

		for _, r := range runs {
			duration := ""
			if r.FinishedAt.Valid {
				duration = r.FinishedAt.Time.Sub(r.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("%s  %-25s  %s  %-15s  %d patch(es)  %s\n",
				r.ID[:8],
				r.Crawler,
				r.StartedAt.Format("2006-01-02 15:04:05"),
				r.Status,
				r.PatchesAdded,
				duration,
			)
		}
		return nil
	},
}

// fetch-sources command

var fetchSourcesCmd = &cobra.Command{
	Use:   "fetch-sources",
	Short: "Refresh the local pool of unpacked source packages",
	RunE: func(cmd *cobra.Command, args []string) error {
		targetDir, _ := cmd.Flags().GetString("target-dir")

		a, err := newApp("FetchSources")
		if err != nil {
			return err
		}
		defer a.Close()

		f, err := a.NewSourceFetcher(targetDir)
		if err != nil {
			return err
		}
		if err := f.FetchSources(); err != nil {
			return fmt.Errorf("fetching sources: %w", err)
		}
		return nil
	},
}

// db command

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the patch store database",
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the database schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("db")
		if dbPath == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dbPath = cfg.Database.Path
		}
		if dbPath == "" {
			return fmt.Errorf("no database path configured (use --db)")
		}

		db, err := sql.Open("sqlite3", dbPath)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()

		if err := migrations.Status(db); err != nil {
			return err
		}
		fmt.Println("Database schema is up to date.")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().BoolP("prompt-api-key", "k", false, "Prompt for a Bugzilla API key (input hidden)")
	rootCmd.AddCommand(configCmd)

	crawlCmd.Flags().StringP("instance", "i", "", "Bugzilla instance URL (defaults to the configured one)")
	crawlCmd.Flags().StringP("api-key", "k", "", "Bugzilla API key")
	crawlCmd.Flags().StringP("db", "o", "", "Patch store database file (a temporary file is used if not configured)")
	crawlCmd.Flags().IntP("time-delta", "t", 1, "Days to look back on the first run")
	rootCmd.AddCommand(crawlCmd)

	searchFilenameCmd := newSearchCmd("filename NAME", "Search patches by exact filename", searchByFilename)
	searchProducerCmd := newSearchCmd("producer NAME", "Search patches by exact producer", searchByProducer)
	searchOriginCmd := newSearchCmd("origin PREFIX", "Search patches by origin prefix", searchByOrigin)
	searchContentCmd := newSearchCmd("content FILE", "Search patches matching a file's exact contents", searchByContent)
	for _, c := range []*cobra.Command{searchFilenameCmd, searchProducerCmd, searchOriginCmd, searchContentCmd} {
		c.Flags().StringP("db", "o", "", "Patch store database file")
		searchCmd.AddCommand(c)
	}
	rootCmd.AddCommand(searchCmd)

	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	historyCmd.Flags().StringP("db", "o", "", "Patch store database file")
	rootCmd.AddCommand(historyCmd)

	fetchSourcesCmd.Flags().String("target-dir", "", "Directory to unpack source packages into")
	rootCmd.AddCommand(fetchSourcesCmd)

	dbCmd.AddCommand(dbStatusCmd)
	dbStatusCmd.Flags().StringP("db", "o", "", "Patch store database file")
	rootCmd.AddCommand(dbCmd)
}
