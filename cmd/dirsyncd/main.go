package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/dirsyncd/internal/config"
	"github.com/schaermu/dirsyncd/internal/report"
	"github.com/schaermu/dirsyncd/internal/server"
	"github.com/schaermu/dirsyncd/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	logLevel  string
	logFormat string

	// Sync command flags
	dryRun      bool
	allowDelete bool
	output      string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dirsyncd",
	Short: "Synchronize directory trees from a declarative configuration",
	Long: `dirsyncd makes destination directories match their configured sources.

Each mapping in the configuration is scanned on both sides, diffed into a plan
of copy, update, delete and skip actions, and applied with retries. Failed
actions are reported without aborting the rest of the run.

It can run as a oneshot sync (via systemd timer or cron) or as a long-running
daemon that syncs on a schedule and on signed HTTP triggers.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync <config>",
	Short: "Perform a one-time sync of all configured mappings",
	Long: `Sync loads the configuration, scans every mapping's source and destination,
and applies the resulting plan to the destination.

Deletes of files missing from the source only happen when allow_delete is set
in the configuration or --allow-delete is given; otherwise they are reported
as advisories. The summary is printed to standard output. Individual action
failures are part of the summary and do not change the exit code.`,
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

var validateCmd = &cobra.Command{
	Use:   "validate <config>",
	Short: "Load and validate a configuration file",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

var serveCmd = &cobra.Command{
	Use:   "serve <config>",
	Short: "Start the sync daemon",
	Long: `Serve performs an initial sync and then keeps running, syncing on the
configured cron schedule and on POST /sync requests signed with the trigger
secret. GET /status reports the last run.

The listener is taken from systemd socket activation when available, otherwise
serve.listen_addr is bound.`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "dirsyncd %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	syncCmd.Flags().BoolVar(&allowDelete, "allow-delete", false, "delete destination files missing from the source")
	syncCmd.Flags().StringVarP(&output, "output", "o", "text", "summary format (text, json)")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	if output != "text" && output != "json" {
		return fmt.Errorf("invalid output format %q (expected text or json)", output)
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger, args[0])
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if allowDelete {
		cfg.Sync.AllowDelete = true
	}

	engine := sync.NewEngine(cfg, logger, dryRun)

	rep, err := engine.Run(ctx)
	if rep != nil {
		if werr := writeReport(cmd.OutOrStdout(), rep, output); werr != nil {
			logger.Error("failed to write summary", "error", werr)
		}
	}
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger, args[0])
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d mapping(s)\n", len(cfg.Mappings))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger, args[0])
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve mode is not enabled in %s (set serve.enabled)", cfg.Path())
	}

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Start(ctx)
}

// writeReport prints the per-mapping and total summaries of rep.
func writeReport(w io.Writer, rep *sync.Report, format string) error {
	if format == "json" {
		return report.WriteJSON(w, rep)
	}

	for _, m := range rep.Mappings {
		if _, err := fmt.Fprintf(w, "%s (%s -> %s): %s\n", m.Name, m.Source, m.Destination, m.Phase); err != nil {
			return err
		}
		if rep.DryRun {
			if _, err := fmt.Fprintf(w, "  planned: copy %d, update %d, delete %d, skip %d\n",
				m.Planned.Copy, m.Planned.Update, m.Planned.Delete, m.Planned.Skip); err != nil {
				return err
			}
			continue
		}
		for _, warning := range m.Warnings {
			if _, err := fmt.Fprintf(w, "  warning: %s\n", warning); err != nil {
				return err
			}
		}
		if m.Error != "" {
			if _, err := fmt.Fprintf(w, "  error: %s\n", m.Error); err != nil {
				return err
			}
		}
	}

	if rep.DryRun {
		return nil
	}
	if _, err := fmt.Fprint(w, "total: "); err != nil {
		return err
	}
	return report.WriteText(w, rep.Total)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Logs go to stderr; stdout carries the summary.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger, path string) (*config.Config, error) {
	logger.Info("loading configuration", "path", path)

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"path", cfg.Path(),
		"mappings", len(cfg.Mappings),
		"workers", cfg.Sync.Workers,
		"allow_delete", cfg.Sync.AllowDelete)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
