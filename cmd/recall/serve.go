package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/app"
	httpserver "github.com/fyrsmithlabs/recall/internal/http"
	"github.com/fyrsmithlabs/recall/internal/inbox"
	"github.com/fyrsmithlabs/recall/internal/mcp"
)

var (
	serveMCP          bool
	serveNoHTTP       bool
	serveWatch        string
	serveConversation string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveMCP, "mcp", false, "also serve MCP tools on stdin/stdout")
	serveCmd.Flags().BoolVar(&serveNoHTTP, "no-http", false, "disable the HTTP API (requires --mcp or --watch)")
	serveCmd.Flags().StringVar(&serveWatch, "watch", "", "ingest files dropped into this directory")
	serveCmd.Flags().StringVar(&serveConversation, "watch-conversation", "", "conversation assigned to watched files")
}

// serveCmd runs recall as a long-lived service
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, and optionally MCP and an inbox watcher",
	Long: `Run recall until interrupted.

The HTTP API listens on server.host:server.port. With --mcp the MCP tools
are also served on stdin/stdout, and the process exits when the MCP client
disconnects. With --watch, supported files created in the directory are
ingested and removed files are deleted from the index.

Examples:
  recall serve
  recall serve --mcp --no-http
  recall serve --watch ~/Documents/inbox`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveNoHTTP && !serveMCP && serveWatch == "" {
		return fmt.Errorf("--no-http needs --mcp or --watch")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	logger := a.Logger()
	cfg := a.Config()

	var (
		httpSrv *httpserver.Server
		watcher *inbox.Watcher
	)
	errCh := make(chan error, 3)

	if !serveNoHTTP {
		httpSrv, err = httpserver.NewServer(a.Session(), logger, &httpserver.Config{
			Host: cfg.Server.Host,
			Port: cfg.Server.Port,
		})
		if err != nil {
			_ = closeApp(a)
			return err
		}
		go func() {
			if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if serveWatch != "" {
		var meta map[string]any
		if serveConversation != "" {
			meta = map[string]any{"conversation_id": serveConversation}
		}
		watcher, err = inbox.NewWatcher(inbox.Config{Dir: serveWatch, Metadata: meta}, a.Session(), logger)
		if err == nil {
			err = watcher.Start(ctx)
		}
		if err != nil {
			if watcher != nil {
				watcher.Stop()
			}
			_ = shutdown(a, httpSrv, logger)
			return fmt.Errorf("inbox: %w", err)
		}
	}

	if serveMCP {
		mcpSrv, err := mcp.NewServer(&mcp.Config{Name: "recall", Version: version, Logger: logger}, a.Session())
		if err != nil {
			if watcher != nil {
				watcher.Stop()
			}
			_ = shutdown(a, httpSrv, logger)
			return err
		}
		go func() {
			// A closed stdin ends the session; treat it like a signal.
			errCh <- mcpSrv.Run(ctx)
		}()
	}

	logger.Info("recall serving",
		zap.Bool("http", httpSrv != nil),
		zap.Bool("mcp", serveMCP),
		zap.String("watch", serveWatch))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error("server stopped", zap.Error(runErr))
		}
	}
	stop()
	if watcher != nil {
		watcher.Stop()
		<-watcher.Done()
	}
	return errors.Join(runErr, shutdown(a, httpSrv, logger))
}

// shutdown stops the HTTP server within server.shutdown_timeout, then
// drains and closes the app.
func shutdown(a *app.App, httpSrv *httpserver.Server, logger *zap.Logger) error {
	var errs []error
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.Config().Server.ShutdownTimeout.Duration())
		if err := httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		cancel()
	}
	if err := closeApp(a); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		logger.Info("shutdown complete")
	}
	return errors.Join(errs...)
}
