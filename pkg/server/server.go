package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/chargewindow/pkg/controller"
	"github.com/raterudder/chargewindow/pkg/engine"
	"github.com/raterudder/chargewindow/pkg/log"
	"github.com/raterudder/chargewindow/pkg/storage"
)

// Server exposes the engine and controller over HTTP. It holds no state of
// its own; every response is built from snapshots.
type Server struct {
	engine     *engine.Engine
	controller *controller.Controller
	controlCfg controller.Config
	storage    storage.Database
	events     http.Handler

	listenAddr string
	httpServer *http.Server
	serverName string
	now        func() time.Time
}

// New returns a Server. events serves the websocket stream and may be nil.
func New(e *engine.Engine, c *controller.Controller, cfg controller.Config, db storage.Database, events http.Handler) *Server {
	return &Server{
		engine:     e,
		controller: c,
		controlCfg: cfg,
		storage:    db,
		events:     events,
		serverName: "chargewindow",
		now:        time.Now,
	}
}

// Configured registers the server flags. Dependencies are attached with
// Attach once they are built.
func Configured() *Server {
	srv := &Server{
		serverName: "chargewindow",
		now:        time.Now,
	}
	if revision := os.Getenv("K_REVISION"); revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in a container
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
	})

	return srv
}

// Attach sets the dependencies of a configured Server.
func (s *Server) Attach(e *engine.Engine, c *controller.Controller, cfg controller.Config, db storage.Database, events http.Handler) {
	s.engine = e
	s.controller = c
	s.controlCfg = cfg
	s.storage = db
	s.events = events
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/plan", s.handlePlan)
	apiMux.HandleFunc("GET /api/rates", s.handleRates)
	apiMux.HandleFunc("POST /api/control", s.handleControl)
	apiMux.HandleFunc("POST /api/target", s.handleTarget)
	apiMux.HandleFunc("POST /api/soc", s.handleSOC)
	apiMux.HandleFunc("POST /api/recompute", s.handleRecompute)
	apiMux.HandleFunc("GET /api/history/plans", s.handleHistoryPlans)
	apiMux.HandleFunc("GET /api/history/actions", s.handleHistoryActions)
	apiMux.HandleFunc("GET /api/history/rates", s.handleHistoryRates)

	mux := http.NewServeMux()
	mux.Handle("/api/", gziphandler.GzipHandler(s.securityHeadersMiddleware(apiMux)))
	// websocket upgrades cannot pass through the gzip writer
	if s.events != nil {
		mux.Handle("GET /api/ws", s.events)
	}
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(mux)
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.listenAddr,
		Handler:     s.setupHandler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
