package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
)

// Sink receives frame reports. Implementations must be safe for concurrent
// use: in-process clusters report from every rank at once.
type Sink interface {
	Record(ctx context.Context, r FrameReport) error
	Close(ctx context.Context) error
}

// LogSink writes a one-line summary per report.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Record(_ context.Context, r FrameReport) error {
	s.Logger.Debug("frame timings",
		"frame", r.Frame,
		"rank", r.Rank,
		"tiles", r.TilesCompleted,
		"render", r.RenderTime,
		"wait", r.WaitTime,
		"gather", r.GatherTime,
		"compressed", fmt.Sprintf("%.1f%%", r.CompressedPercent),
		"queue_mean", r.QueueTimes.Mean,
		"work_mean", r.WorkTimes.Mean,
	)
	return nil
}

func (LogSink) Close(context.Context) error { return nil }

// FileSink appends reports as JSON lines.
type FileSink struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewFileSink opens path for appending, creating parent directories.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create stats dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open stats file: %w", err)
	}
	return &FileSink{f: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileSink) Record(_ context.Context, r FrameReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(r); err != nil {
		return fmt.Errorf("write frame report: %w", err)
	}
	return nil
}

func (s *FileSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Multi fans reports out to several sinks.
type Multi []Sink

func (m Multi) Record(ctx context.Context, r FrameReport) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps the most recent report per rank for the status server.
type Recorder struct {
	mu     sync.RWMutex
	latest map[int]FrameReport
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{latest: make(map[int]FrameReport)}
}

func (r *Recorder) Record(_ context.Context, rep FrameReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest[rep.Rank] = rep
	return nil
}

func (r *Recorder) Close(context.Context) error { return nil }

// Latest returns the last report of every rank, ordered by rank.
func (r *Recorder) Latest() []FrameReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FrameReport, 0, len(r.latest))
	for rank := 0; len(out) < len(r.latest); rank++ {
		if rep, ok := r.latest[rank]; ok {
			out = append(out, rep)
		}
	}
	return out
}
