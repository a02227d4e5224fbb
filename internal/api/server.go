// Package api serves the local status, metrics and transcript endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"Symmetry/internal/protocol"
	"Symmetry/internal/provider"
	"Symmetry/internal/storage"
)

// StatusProvider exposes node state for monitoring.
type StatusProvider interface {
	Status() provider.Status
}

// TranscriptStore reads persisted conversations.
type TranscriptStore interface {
	Transcripts(peerHex string) ([]storage.Entry, error)
	Restore(peerHex string, index uint64) ([]protocol.Message, error)
}

// Server is the local status HTTP server.
type Server struct {
	addr        string          // addr is the HTTP listen address
	status      StatusProvider  // status provides node state
	transcripts TranscriptStore // transcripts may be nil when nothing is persisted
	metrics     http.Handler    // metrics serves the Prometheus exposition
	log         *slog.Logger
	router      *mux.Router
	server      *http.Server // server is the underlying HTTP server
	listener    net.Listener
}

// New creates a new status server.
func New(addr string, status StatusProvider, transcripts TranscriptStore, metrics http.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		addr:        addr,
		status:      status,
		transcripts: transcripts,
		metrics:     metrics,
		log:         log.With("component", "api"),
	}

	s.router = s.routes()

	return s
}

// routes builds the request router.
func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/transcripts/{peer:[0-9a-fA-F]+}", s.handleTranscripts).Methods(http.MethodGet)
	r.HandleFunc("/transcripts/{peer:[0-9a-fA-F]+}/{index:[0-9]+}", s.handleTranscript).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.log.Info("status api started", "addr", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	writeJSON(w, http.StatusOK, s.status.Status())
}

// handleTranscripts handles GET /transcripts/{peer} requests.
func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		writeError(w, http.StatusServiceUnavailable, "transcripts not available")
		return
	}

	entries, err := s.transcripts.Transcripts(mux.Vars(r)["peer"])
	if err != nil {
		s.log.Warn("list transcripts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list transcripts")
		return
	}

	if entries == nil {
		entries = []storage.Entry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

// handleTranscript handles GET /transcripts/{peer}/{index} requests.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		writeError(w, http.StatusServiceUnavailable, "transcripts not available")
		return
	}

	vars := mux.Vars(r)

	index, err := strconv.ParseUint(vars["index"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid index")
		return
	}

	messages, err := s.transcripts.Restore(vars["peer"], index)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "transcript not found")
		return
	}
	if err != nil {
		s.log.Warn("restore transcript failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to restore transcript")
		return
	}

	writeJSON(w, http.StatusOK, messages)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
