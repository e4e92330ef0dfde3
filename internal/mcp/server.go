package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/session"
)

// Service is the session API the tools call.
type Service interface {
	IngestDocument(ctx context.Context, filePath string, overrides map[string]any) (string, error)
	IngestText(ctx context.Context, content string, meta map[string]any) (string, error)
	Query(ctx context.Context, req session.QueryRequest) (*session.QueryResult, error)
	DeleteDocument(ctx context.Context, documentID string) (bool, error)
	GetStats(ctx context.Context) (*session.Stats, error)
}

// Server is an MCP server backed by a recall session.
type Server struct {
	mcp     *mcp.Server
	service Service
	metrics *Metrics
	logger  *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name. Default: "recall"
	Name string

	// Version is the server version. Default: "dev"
	Version string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "recall",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server with every tool registered.
func NewServer(cfg *Config, service Service) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if service == nil {
		return nil, fmt.Errorf("session service is required")
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		service: service,
		metrics: NewMetrics(cfg.Logger),
		logger:  cfg.Logger.Named("mcp"),
	}
	s.registerTools()
	return s, nil
}

// Run serves MCP on stdin and stdout until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// instrument wraps a tool handler with metrics and logging.
func instrument[In, Out any](s *Server, name string, h mcp.ToolHandlerFor[In, Out]) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, name)
		defer s.metrics.DecrementActive(ctx, name)

		res, out, err := h(ctx, req, in)
		elapsed := time.Since(start)
		s.metrics.RecordInvocation(ctx, name, elapsed, err)
		if err != nil {
			s.logger.Warn("tool call failed",
				zap.String("tool", name),
				zap.Duration("duration", elapsed),
				zap.Error(err))
		} else {
			s.logger.Debug("tool call",
				zap.String("tool", name),
				zap.Duration("duration", elapsed))
		}
		return res, out, err
	}
}
