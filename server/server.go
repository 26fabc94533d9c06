// Package server exposes the flow importer and the imported rows over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/petal-labs/flowport/bus"
	"github.com/petal-labs/flowport/importer"
	"github.com/petal-labs/flowport/inbox"
	"github.com/petal-labs/flowport/sse"
	"github.com/petal-labs/flowport/store"
)

// Importer runs one import from in-memory bytes.
type Importer interface {
	Import(ctx context.Context, data []byte, opts importer.Options) (*importer.Result, error)
}

// Sweeper triggers an inbox sweep on demand.
type Sweeper interface {
	RunOnce(ctx context.Context) (inbox.SweepObservation, error)
}

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Importer Importer
	Stores   store.Stores

	// Defaults are the import options a request starts from. Query
	// parameters and envelope fields override them per request.
	Defaults importer.Options

	// Inbox is optional. When set, POST /api/inbox/sweep runs a sweep.
	Inbox Sweeper

	// Events and Bus are optional. When both are set, import events are
	// streamed at GET /api/imports/{import_id}/events and GET /api/events.
	Events bus.EventStore
	Bus    bus.EventBus

	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the flowport HTTP API server.
type Server struct {
	importer   Importer
	stores     store.Stores
	defaults   importer.Options
	inbox      Sweeper
	events     bus.EventStore
	bus        bus.EventBus
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		importer:   cfg.Importer,
		stores:     cfg.Stores,
		defaults:   cfg.Defaults,
		inbox:      cfg.Inbox,
		events:     cfg.Events,
		bus:        cfg.Bus,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/flows/import", s.handleImport)
	mux.HandleFunc("POST /api/flows/detect", s.handleDetect)
	mux.HandleFunc("GET /api/flows", s.handleListFlows)
	mux.HandleFunc("GET /api/flows/{id}", s.handleGetFlow)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("GET /api/data-store-nodes/{id}", s.handleGetDataStoreNode)
	mux.HandleFunc("GET /api/if-nodes/{id}", s.handleGetIfNode)
	mux.HandleFunc("POST /api/inbox/sweep", s.handleInboxSweep)

	if s.events != nil && s.bus != nil {
		mux.Handle("GET /api/imports/{import_id}/events", sse.NewSSEHandler(s.events, s.bus))
		mux.Handle("GET /api/events", sse.NewFeedHandler(s.bus))
	}
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Phase   string   `json:"phase,omitempty"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

func isMaxBytesError(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
