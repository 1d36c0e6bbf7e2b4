package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"particlestack/internal/logging"
	"particlestack/internal/pipeline"
	"particlestack/internal/storage"
)

// JobQueue is the part of the pipeline the server drives.
type JobQueue interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Result, func())
	SubscribeProgress() (<-chan pipeline.Progress, func())
}

// Server exposes the job API, live progress streams and metrics over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline JobQueue
	hub      *hub
	watch    *watchLoop
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server for pipe. store may be nil, in which case the
// job history endpoints answer 503.
func NewServer(addr string, store *storage.Store, pipe JobQueue, log *slog.Logger) (*Server, error) {
	if pipe == nil {
		return nil, errors.New("server requires a pipeline")
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		hub:      newHub(log),
		log:      log,
	}, nil
}

// Start begins the server and monitoring services. It blocks until ctx is
// cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.watch != nil {
		if err := s.watch.start(ctx); err != nil {
			s.log.Error("failed to start directory watcher", "error", err)
			return err
		}
	}
	go s.runHub(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
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

// runHub feeds pipeline events to websocket clients until ctx ends.
func (s *Server) runHub(ctx context.Context) {
	results, unsubResults := s.pipeline.Subscribe()
	defer unsubResults()
	progress, unsubProgress := s.pipeline.SubscribeProgress()
	defer unsubProgress()
	s.hub.run(ctx, results, progress)
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/alignments", s.handleAlignments).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.handleWebSocket).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var job pipeline.Job
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.UseNumber()
	if err := dec.Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "invalid job: "+err.Error())
		return
	}
	id, err := s.pipeline.Submit(job)
	switch {
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("job submitted", "job", id, "type", job.Type, "input", job.InputPath)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	meta, err := s.store.JobMeta(id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": rec, "meta": meta})
}

type runAlignments struct {
	Run        storage.BatchRun    `json:"run"`
	Alignments []storage.Alignment `json:"alignments"`
}

func (s *Server) handleAlignments(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.Job(id); err != nil {
		s.storeError(w, err)
		return
	}
	runs, err := s.store.BatchRuns(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	out := make([]runAlignments, 0, len(runs))
	for _, run := range runs {
		al, err := s.store.Alignments(run.ID)
		if err != nil {
			s.storeError(w, err)
			return
		}
		if al == nil {
			al = []storage.Alignment{}
		}
		out = append(out, runAlignments{Run: run, Alignments: al})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	_, _ = w.Write([]byte(": subscribed\n\n"))
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, storage.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, "job history is not available")
	default:
		s.log.Error("storage query failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

var _ JobQueue = (*pipeline.Pipeline)(nil)
