package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/reelscope/reelscope/internal/catalog"
	"github.com/reelscope/reelscope/internal/dispatch"
	"github.com/reelscope/reelscope/internal/ledger"
	"github.com/reelscope/reelscope/internal/merge"
	"github.com/reelscope/reelscope/internal/playback"
	"github.com/reelscope/reelscope/internal/reconcile"
	"github.com/reelscope/reelscope/internal/status"
	"github.com/reelscope/reelscope/internal/summary"
	"github.com/reelscope/reelscope/internal/worker"
)

// Summarizer produces AI reports from merged analysis data.
type Summarizer interface {
	Summarize(ctx context.Context, in summary.Input) (*summary.Report, error)
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port           int
	Version        string
	CORSOrigins    []string
	CallbackSecret string

	Repository catalog.Repository
	Catalog    *catalog.Service
	Ledger     *ledger.Ledger
	Cache      *status.Cache
	Pool       *worker.Pool
	Dispatcher dispatch.Client
	Reconciler *reconcile.Reconciler
	Merger     *merge.Engine
	Videos     *playback.Server
	Outputs    *playback.Server
	Summarizer Summarizer // nil when no API key is configured

	Logger    *slog.Logger
	StartTime time.Time
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 15 * time.Second,
			WriteTimeout:      0, // streams can be long
			IdleTimeout:       60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
