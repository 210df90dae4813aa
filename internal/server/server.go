// Package server provides the HTTP API for Torikomi.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/torikomi/internal/broker"
	"github.com/hyperjump/torikomi/internal/config"
	"github.com/hyperjump/torikomi/internal/extract"
	"github.com/hyperjump/torikomi/internal/keyword"
	"github.com/hyperjump/torikomi/internal/storage"
	"github.com/hyperjump/torikomi/internal/taskstore"
)

// Server is the HTTP server for the Torikomi API. Uploads are accepted and
// handed to the broker; processing happens on the worker pool.
type Server struct {
	broker    broker.Broker
	tasks     taskstore.TaskStore
	storage   storage.Storage
	index     keyword.KeywordIndex
	extractor *extract.Extractor
	config    *config.Config
	logger    *zap.Logger
	server    *http.Server
}

// NewServer creates a server with the given dependencies. index may be nil
// when keyword search is disabled.
func NewServer(
	b broker.Broker,
	tasks taskstore.TaskStore,
	st storage.Storage,
	index keyword.KeywordIndex,
	extractor *extract.Extractor,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	return &Server{
		broker:    b,
		tasks:     tasks,
		storage:   st,
		index:     index,
		extractor: extractor,
		config:    cfg,
		logger:    logger,
	}
}

// Router builds the chi router with all API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Post("/api/v1/documents", s.handleUpload)
	r.Get("/api/v1/documents", s.handleListDocuments)
	r.Get("/api/v1/documents/{id}", s.handleGetDocument)
	r.Get("/api/v1/documents/{id}/chunks", s.handleGetChunks)
	r.Delete("/api/v1/documents/{id}", s.handleDeleteDocument)
	r.Get("/api/v1/tasks/{id}", s.handleGetTask)
	r.Post("/api/v1/cleanup", s.handleCleanup)
	r.Get("/api/v1/search", s.handleSearch)
	r.Get("/api/v1/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
