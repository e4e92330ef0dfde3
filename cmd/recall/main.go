// Package main implements the recall CLI.
//
// Every command runs the retrieval core in-process against the configured
// store. `recall serve` keeps it running behind the HTTP API, and
// optionally the MCP stdio server and an inbox watcher.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recall/internal/app"
	"github.com/fyrsmithlabs/recall/internal/config"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath is the config file; empty means config.DefaultPath().
	configPath string
	// envFile is loaded into the environment before the config.
	envFile string
	// verbose keeps info logs on for one-shot commands.
	verbose bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "Conversation-aware document retrieval",
	Long: `recall indexes documents into a local vector store and selects the most
relevant context for a query, preferring the current conversation and
recent uploads before searching everything.

Configuration is read from ~/.config/recall/config.yaml (or --config),
then overridden by RECALL_* environment variables. A .env file in the
working directory is loaded first when present.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/recall/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at the configured level instead of warn")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "recall by Fyrsmith Labs\n")
		fmt.Fprintf(cmd.OutOrStdout(), "Version:    %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "Commit:     %s\n", gitCommit)
		fmt.Fprintf(cmd.OutOrStdout(), "Build Date: %s\n", buildDate)
	},
}

// loadConfig loads the dotenv file, then the config file and environment.
func loadConfig() (*config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	return config.Load(configPath)
}

// openApp builds and starts the application. quiet raises the log level to
// warn unless --verbose was given.
func openApp(ctx context.Context, quiet bool) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if quiet && !verbose {
		cfg.Logging.Level = "warn"
	}

	a, err := app.New(ctx, cfg, app.Options{Version: version})
	if err != nil {
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Close(context.Background())
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	return a, nil
}

// closeApp drains the worker within the configured drain timeout plus a
// margin for telemetry.
func closeApp(a *app.App) error {
	timeout := a.Config().Worker.DrainTimeout.Duration() + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.Close(ctx)
}

// withApp runs fn against a started app and always closes it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeApp(a); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}
