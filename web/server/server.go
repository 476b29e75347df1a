// Package server exposes the state of a running cluster render over HTTP on
// rank 0: the last gathered frame, its depth buffer, per-tile convergence,
// frame reports and recent log lines.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/df07/go-cluster-raytracer/pkg/stats"
)

// Snapshot is the state of the frame buffer after a frame
type Snapshot struct {
	Frame      int
	Image      image.Image
	Depth      *image.Gray16 // nil without a depth channel
	NumTiles   image.Point
	TileErrors []float32 // one per tile in index order
	AccumIDs   []int32
	Regions    []image.Rectangle // refinement regions in tile coordinates
	Variance   float32
	Completed  time.Time
}

// Server handles web requests for the status of a render session
type Server struct {
	addr    string
	log     *log.Logger
	console *Console

	mu       sync.RWMutex
	snapshot *Snapshot
	reports  []stats.FrameReport
	ranks    *stats.Recorder
}

// maxReports bounds the reports kept for /api/stats
const maxReports = 256

// NewServer creates a new status server listening on addr
func NewServer(addr string, logger *log.Logger, console *Console) *Server {
	if console == nil {
		console = NewConsole(0)
	}
	return &Server{addr: addr, log: logger, console: console, ranks: stats.NewRecorder()}
}

// Routes builds the router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Access-Control-Allow-Origin", "*"))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/frame.png", s.handleFramePNG)
		r.Get("/depth.tiff", s.handleDepthTIFF)
		r.Get("/stats", s.handleStats)
		r.Get("/ranks", s.handleRanks)
		r.Get("/tiles", s.handleTiles)
		r.Get("/tiles/{id}", s.handleTile)
		r.Get("/console", s.handleConsole)
	})
	return r
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("status server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Publish replaces the frame served by the image and tile endpoints
func (s *Server) Publish(snap *Snapshot) {
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
}

// Record keeps a frame report for /api/stats and /api/ranks; Server is a
// stats.Sink
func (s *Server) Record(ctx context.Context, r stats.FrameReport) error {
	s.mu.Lock()
	s.reports = append(s.reports, r)
	if n := len(s.reports); n > maxReports {
		s.reports = append(s.reports[:0], s.reports[n-maxReports:]...)
	}
	s.mu.Unlock()
	return s.ranks.Record(ctx, r)
}

func (s *Server) Close(context.Context) error { return nil }

func (s *Server) current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// handleHealth provides a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	frame := -1
	if snap := s.current(); snap != nil {
		frame = snap.Frame
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "frame": frame})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
