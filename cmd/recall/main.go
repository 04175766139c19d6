// Package main is the entrypoint for the recall CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/notecortex/recall/internal/config"
	"github.com/notecortex/recall/internal/coordinator"
	"github.com/notecortex/recall/internal/noteclient"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "recall",
		Short: "Recall and indexing sidecar for a note-store-backed chat agent",
	}

	root.AddCommand(versionCmd())
	root.AddCommand(reindexCmd())
	root.AddCommand(searchCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the recall version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(Version)
			return nil
		},
	}
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.FindConfigFile(), nil)
}

func reindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Force a full initial sync against the note store",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			c, err := coordinator.Register(config.FindConfigFile(), nil, log)
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}
			defer c.Shutdown()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			c.EnsureInitialized(ctx)

			if c.Sync == nil {
				return fmt.Errorf("sync service unavailable (note store unreachable)")
			}
			if err := c.Sync.InitialSync(context.Background()); err != nil {
				return fmt.Errorf("reindex: %w", err)
			}
			fmt.Println("reindex complete")
			return nil
		},
	}
}

func searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search [query]",
		Short: "Run the retrieval pipeline against a query and print the matched documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			c, err := coordinator.Register(config.FindConfigFile(), nil, log)
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}
			defer c.Shutdown()

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			c.EnsureInitialized(ctx)

			query := args[0]
			it := c.Intent.Analyze(query)
			res := c.Retrieve.Retrieve(ctx, query, it)
			if res.Error != "" {
				fmt.Println(res.Error)
				return nil
			}
			for _, d := range res.Docs {
				fmt.Printf("%.3f  %s  (%s)\n", d.Score, d.Hpath, d.UpdatedAt)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show index size, last sync time, and note-store reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			c, err := coordinator.Register(config.FindConfigFile(), nil, log)
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}
			defer c.Shutdown()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c.EnsureInitialized(ctx)

			fmt.Printf("note store reachable: %v\n", c.Available())
			if c.Store == nil {
				fmt.Println("local index: disabled")
				return nil
			}
			stats, err := c.Store.Stats(ctx)
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			fmt.Printf("docs indexed: %d\n", stats.TotalDocs)
			fmt.Printf("blocks indexed: %d\n", stats.TotalBlocks)
			fmt.Printf("last sync: %s\n", stats.LastSync)
			fmt.Printf("db path: %s\n", stats.DBPath)
			return nil
		},
	}
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose common configuration and connectivity problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				fmt.Printf("[FAIL] config: %v\n", err)
				return nil
			}
			fmt.Println("[OK] config loaded")

			if cfg.Siyuan.APIURL == "" {
				fmt.Println("[WARN] siyuan.apiUrl is not set — recall will run in local-index-only mode")
			} else {
				timeout := time.Duration(cfg.Recall.RemoteTimeoutMs) * time.Millisecond
				client := noteclient.New(cfg.Siyuan.APIURL, cfg.Siyuan.APIToken, timeout, zerolog.Nop())
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				health := client.HealthCheck(ctx)
				if health.Available {
					fmt.Printf("[OK] note store reachable at %s (version %s)\n", cfg.Siyuan.APIURL, health.Version)
				} else {
					fmt.Printf("[FAIL] note store unreachable at %s: %v\n", cfg.Siyuan.APIURL, health.Err)
				}
			}

			if !cfg.Index.Enabled {
				fmt.Println("[WARN] index.enabled = false — local search paths are unavailable")
			} else {
				fmt.Printf("[OK] index.dbPath = %s\n", cfg.Index.DBPath)
			}
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sidecar in long-lived mode, keeping the index synchronized",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			c, err := coordinator.Register(config.FindConfigFile(), nil, log)
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}
			defer c.Shutdown()

			log.Info().Msg("recall sidecar running, periodic sync active")
			select {}
		},
	}
}
