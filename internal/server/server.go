package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"treeeval/internal/biometrics"
	"treeeval/internal/pipeline"
	"treeeval/internal/storage"
)

// History is the read side of the run store.
type History interface {
	RecentRuns(limit int) ([]storage.RunRecord, error)
	Run(id string) (storage.RunRecord, error)
	Pairings(runID string) ([]storage.PairingRecord, error)
}

// Evaluator starts runs and reports their progress. *pipeline.Runner
// satisfies it.
type Evaluator interface {
	Run(ctx context.Context, opts pipeline.Options) (pipeline.Summary, error)
	Running() bool
	Subscribe() (<-chan pipeline.Event, func())
}

// Defaults fill in run requests that leave fields out.
type Defaults struct {
	Root       string
	ReportPath string
}

// Server exposes run history and live progress over HTTP.
type Server struct {
	addr     string
	history  History
	runner   Evaluator
	defaults Defaults
	hub      *Hub
	log      *slog.Logger
	server   *http.Server

	// base context for runs started over HTTP; outlives the request
	runCtx context.Context
}

// NewServer creates a server. history may be nil when no store is configured.
func NewServer(addr string, history History, runner Evaluator, defaults Defaults, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		history:  history,
		runner:   runner,
		defaults: defaults,
		hub:      newHub(log),
		log:      log,
		runCtx:   context.Background(),
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.runCtx = ctx
	go s.hub.run(ctx)
	go s.forwardEvents(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs", s.handleStartRun).Methods("POST")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/runs/{id}/pairings", s.handlePairings).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.serveWS).Methods("GET")
	return r
}

// forwardEvents relays runner progress to websocket clients.
func (s *Server) forwardEvents(ctx context.Context) {
	events, unsubscribe := s.runner.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn("encode event", "error", err)
				continue
			}
			s.hub.Publish(payload)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.history.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	rec, err := s.history.Run(mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePairings(w http.ResponseWriter, r *http.Request) {
	if !s.historyEnabled(w) {
		return
	}
	id := mux.Vars(r)["id"]
	if _, err := s.history.Run(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	recs, err := s.history.Pairings(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.PairingRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// RunRequest is the body of POST /runs. Every field is optional.
type RunRequest struct {
	Root      string   `json:"root"`
	Report    string   `json:"report"`
	Platforms []string `json:"platforms"`
	Strict    bool     `json:"strict"`
	Truncate  bool     `json:"truncate"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	opts := pipeline.Options{
		RunID:      uuid.NewString(),
		Root:       firstNonEmpty(req.Root, s.defaults.Root),
		ReportPath: firstNonEmpty(req.Report, s.defaults.ReportPath),
		Truncate:   req.Truncate,
	}
	if opts.Root == "" || opts.ReportPath == "" {
		http.Error(w, "root and report are required", http.StatusBadRequest)
		return
	}
	if len(req.Platforms) > 0 {
		ps, err := biometrics.ParsePlatforms(req.Platforms)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		opts.Platforms = ps
	}
	if req.Strict {
		opts.Policy = pipeline.PolicyFatal
	}

	if s.runner.Running() {
		http.Error(w, pipeline.ErrBusy.Error(), http.StatusConflict)
		return
	}

	go func() {
		if _, err := s.runner.Run(s.runCtx, opts); err != nil {
			s.log.Warn("run started over http failed", "run", opts.RunID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": opts.RunID})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, unsubscribe := s.runner.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, _ := json.Marshal(ev)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) historyEnabled(w http.ResponseWriter) bool {
	if s.history == nil {
		http.Error(w, "run history is not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
