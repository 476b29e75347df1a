package dfb

import (
	"image"
	"math"
	"testing"
)

func TestTileErrorDisabled(t *testing.T) {
	e := NewTileError(image.Point{})
	if e.Enabled() {
		t.Error("Expected tracker for an empty grid to be disabled")
	}
	e.Update(image.Pt(0, 0), 1)
	if got := e.At(image.Pt(3, 3)); !math.IsInf(float64(got), 1) {
		t.Errorf("Expected +Inf, got %v", got)
	}
	if got := e.Refine(1); !math.IsInf(float64(got), 1) {
		t.Errorf("Expected +Inf from Refine, got %v", got)
	}
}

func TestTileErrorRefine(t *testing.T) {
	e := NewTileError(image.Pt(4, 2))
	if got := len(e.Regions()); got != 1 {
		t.Fatalf("Expected 1 initial region, got %d", got)
	}
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			e.Update(image.Pt(x, y), 0.01)
		}
	}
	e.Update(image.Pt(3, 1), 0.05)

	got := e.Refine(0.1)
	if got != 0.05 {
		t.Errorf("Expected max error 0.05, got %v", got)
	}
	// every tile of the region is raised to the region max
	if v := e.At(image.Pt(0, 0)); v != 0.05 {
		t.Errorf("Expected tile (0,0) raised to 0.05, got %v", v)
	}
	regions := e.Regions()
	want := []image.Rectangle{image.Rect(0, 0, 2, 2), image.Rect(2, 0, 4, 2)}
	if len(regions) != len(want) {
		t.Fatalf("Expected %d regions, got %v", len(want), regions)
	}
	for i := range want {
		if regions[i] != want[i] {
			t.Errorf("Region %d: expected %v, got %v", i, want[i], regions[i])
		}
	}
}

func TestTileErrorRefineKeepsNoisyRegion(t *testing.T) {
	e := NewTileError(image.Pt(2, 2))
	e.Update(image.Pt(0, 0), 1)
	e.Update(image.Pt(1, 0), 0)
	e.Update(image.Pt(0, 1), 0)
	e.Update(image.Pt(1, 1), 0)

	e.Refine(0.1)
	if got := len(e.Regions()); got != 1 {
		t.Errorf("Expected region above threshold to stay whole, got %d regions", got)
	}
	if v := e.At(image.Pt(1, 1)); v != 1 {
		t.Errorf("Expected tile (1,1) raised to 1, got %v", v)
	}

	e.Clear()
	if v := e.At(image.Pt(0, 0)); !math.IsInf(float64(v), 1) {
		t.Errorf("Expected +Inf after Clear, got %v", v)
	}
}

func TestTileErrorZeroThresholdSkipsRefinement(t *testing.T) {
	e := NewTileError(image.Pt(2, 1))
	e.Update(image.Pt(0, 0), 0.2)
	e.Update(image.Pt(1, 0), 0.4)
	if got := e.Refine(0); got != 0.4 {
		t.Errorf("Expected max 0.4, got %v", got)
	}
	if v := e.At(image.Pt(0, 0)); v != 0.2 {
		t.Errorf("Expected tile (0,0) untouched, got %v", v)
	}
}
