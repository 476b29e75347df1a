package stats

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSummarize(t *testing.T) {
	s := Summarize([]time.Duration{4 * time.Millisecond, 1 * time.Millisecond, 3 * time.Millisecond, 2 * time.Millisecond})

	if s.Count != 4 {
		t.Errorf("Expected count 4, got %d", s.Count)
	}
	if s.Min != time.Millisecond || s.Max != 4*time.Millisecond {
		t.Errorf("Expected range [1ms,4ms], got [%v,%v]", s.Min, s.Max)
	}
	if s.Mean != 2500*time.Microsecond {
		t.Errorf("Expected mean 2.5ms, got %v", s.Mean)
	}
	if s.Median != 2500*time.Microsecond {
		t.Errorf("Expected median 2.5ms, got %v", s.Median)
	}
	if s.StdDev <= 0 {
		t.Errorf("Expected positive stddev, got %v", s.StdDev)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	if s := Summarize(nil); s != (DurationStats{}) {
		t.Errorf("Expected zero stats, got %+v", s)
	}
}

func TestFileSinkWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "frames.jsonl")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}
	ctx := context.Background()
	for frame := 0; frame < 3; frame++ {
		if err := sink.Record(ctx, FrameReport{Rank: 1, Frame: frame, TilesCompleted: 8}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	if err := sink.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r FrameReport
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("Line %d is not a report: %v", lines, err)
		}
		if r.Frame != lines || r.TilesCompleted != 8 {
			t.Errorf("Line %d: unexpected report %+v", lines, r)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("Expected 3 lines, got %d", lines)
	}
}

func TestRecorderKeepsLatestPerRank(t *testing.T) {
	rec := NewRecorder()
	ctx := context.Background()
	var sink Sink = Multi{rec}

	sink.Record(ctx, FrameReport{Rank: 1, Frame: 0})
	sink.Record(ctx, FrameReport{Rank: 0, Frame: 0})
	sink.Record(ctx, FrameReport{Rank: 1, Frame: 1})

	latest := rec.Latest()
	if len(latest) != 2 {
		t.Fatalf("Expected 2 ranks, got %d", len(latest))
	}
	if latest[0].Rank != 0 || latest[1].Rank != 1 || latest[1].Frame != 1 {
		t.Errorf("Unexpected latest reports %+v", latest)
	}
}
