package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"astromeas/internal/fsutil"
	"astromeas/internal/measure"
	"astromeas/internal/pipeline"
	"astromeas/internal/storage"
	"astromeas/internal/watch"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Queue is the part of the pipeline the server needs.
type Queue interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes the measurement pipeline over HTTP and optionally watches
// directories for new images.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline Queue
	catalog  *measure.Catalog
	gatherer prometheus.Gatherer
	watcher  *watch.Watcher
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server. A watcher is set up when watchDirs is not
// empty; gatherer may be nil to disable /metrics.
func NewServer(
	addr string,
	store *storage.Store,
	pipe Queue,
	catalog *measure.Catalog,
	gatherer prometheus.Gatherer,
	watchDirs []string,
	log *slog.Logger,
) (*Server, error) {
	if catalog == nil {
		catalog = measure.Default()
	}
	s := &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		catalog:  catalog,
		gatherer: gatherer,
		log:      log,
	}

	if len(watchDirs) > 0 {
		w, err := watch.New(watchDirs, pipe, watch.Options{}, log)
		if err != nil {
			log.Warn("failed to set up watcher", "error", err)
		} else {
			s.watcher = w
			log.Info("watcher initialized", "paths", watchDirs)
		}
	}

	return s, nil
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.log.Error("failed to start watcher", "error", err)
			return err
		}
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")

		if s.watcher != nil {
			s.watcher.Stop()
		}

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

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleJobMeta).Methods("GET")
	r.HandleFunc("/jobs/{id}/sources", s.handleJobSources).Methods("GET")
	r.HandleFunc("/algorithms", s.handleAlgorithms).Methods("GET")
	r.HandleFunc("/measure", s.handleMeasure).Methods("POST")
	r.HandleFunc("/psf", s.handlePSF).Methods("POST")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
}

// Serve runs a server without a watcher.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe Queue, log *slog.Logger) error {
	server, err := NewServer(addr, store, pipe, nil, prometheus.DefaultGatherer, nil, log)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
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
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJobMeta(w http.ResponseWriter, r *http.Request) {
	meta, err := s.store.JobMeta(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleJobSources(w http.ResponseWriter, r *http.Request) {
	sums, err := s.store.SourcesForJob(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(sums) == 0 {
		http.Error(w, "no sources for job", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sums)
}

func (s *Server) handleAlgorithms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.Algorithms())
}

// MeasureRequest is the body of POST /measure.
type MeasureRequest struct {
	Image      string         `json:"image"`
	Footprints string         `json:"footprints,omitempty"`
	Algorithm  string         `json:"algorithm,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
}

func (s *Server) submit(w http.ResponseWriter, job pipeline.Job) {
	id, err := s.pipeline.Submit(job)
	if errors.Is(err, pipeline.ErrQueueFull) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleMeasure(w http.ResponseWriter, r *http.Request) {
	var req MeasureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Image == "" {
		http.Error(w, "image is required", http.StatusBadRequest)
		return
	}
	// measure jobs run on float32 images
	if req.Algorithm != "" && !s.catalog.Float32.Has(req.Algorithm) {
		http.Error(w, fmt.Sprintf("unknown centroid algorithm %q", req.Algorithm), http.StatusBadRequest)
		return
	}
	if req.Footprints == "" {
		req.Footprints = fsutil.FootprintsFor(req.Image)
		if req.Footprints == "" {
			http.Error(w, "no footprint file for "+req.Image, http.StatusBadRequest)
			return
		}
	}
	s.submit(w, pipeline.Job{
		Type:       pipeline.JobMeasure,
		InputPath:  req.Image,
		Footprints: req.Footprints,
		Algorithm:  req.Algorithm,
		Options:    req.Options,
	})
}

func (s *Server) handlePSF(w http.ResponseWriter, r *http.Request) {
	var opts map[string]any
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.submit(w, pipeline.Job{Type: pipeline.JobPSF, Options: opts})
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
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
