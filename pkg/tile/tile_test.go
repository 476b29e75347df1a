package tile

import (
	"image"
	"math"
	"testing"
)

func TestGridCoversFrameBuffer(t *testing.T) {
	// 400x225 with 64x64 tiles is a 7x4 grid
	fbSize := image.Pt(400, 225)
	descs := Grid(fbSize, 3, 0)

	if len(descs) != 28 {
		t.Fatalf("Expected 28 tiles, got %d", len(descs))
	}

	covered := make([][]bool, fbSize.Y)
	for y := range covered {
		covered[y] = make([]bool, fbSize.X)
	}
	for _, d := range descs {
		r := RegionAt(d.Begin, fbSize)
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				if covered[y][x] {
					t.Errorf("Pixel (%d,%d) is covered by multiple tiles", x, y)
				}
				covered[y][x] = true
			}
		}
	}
	for y := 0; y < fbSize.Y; y++ {
		for x := 0; x < fbSize.X; x++ {
			if !covered[y][x] {
				t.Errorf("Pixel (%d,%d) is not covered by any tile", x, y)
			}
		}
	}
}

func TestStaticOwnership(t *testing.T) {
	// 256x256 with 4 ranks: tile 5 begins at (64,64) and belongs to rank 1
	fbSize := image.Pt(256, 256)
	numTiles := NumTiles(fbSize)

	if got := BeginOf(5, numTiles); got != image.Pt(64, 64) {
		t.Errorf("Expected tile 5 to begin at (64,64), got %v", got)
	}
	if got := IDOf(image.Pt(64, 64), numTiles); got != 5 {
		t.Errorf("Expected id 5, got %d", got)
	}

	for rank := 0; rank < 4; rank++ {
		descs := Grid(fbSize, 4, rank)
		if descs[5].Owner != 1 {
			t.Errorf("Expected owner 1, got %d", descs[5].Owner)
		}
		if descs[5].Mine() != (rank == 1) {
			t.Errorf("Rank %d: Mine() = %v", rank, descs[5].Mine())
		}
	}
}

func TestOwnershipIsUnique(t *testing.T) {
	fbSize := image.Pt(300, 200)
	const ranks = 3
	owners := make(map[int]int)
	for rank := 0; rank < ranks; rank++ {
		for _, d := range Grid(fbSize, ranks, rank) {
			if d.Mine() {
				owners[d.ID]++
			}
		}
	}
	for id := 0; id < TotalTiles(fbSize); id++ {
		if owners[id] != 1 {
			t.Errorf("Tile %d has %d owners, expected exactly 1", id, owners[id])
		}
	}
}

func TestNewTileClears(t *testing.T) {
	tl := New(image.Pt(384, 192), image.Pt(400, 225))
	if tl.Width() != 16 || tl.Height() != 33 {
		t.Errorf("Expected clipped 16x33 edge tile, got %dx%d", tl.Width(), tl.Height())
	}
	if !math.IsInf(float64(tl.Z[0]), 1) {
		t.Errorf("Expected cleared depth +Inf, got %f", tl.Z[0])
	}
}

func TestLookupRejectsForeignOrigins(t *testing.T) {
	numTiles := NumTiles(image.Pt(128, 128))
	tests := []struct {
		begin image.Point
		id    int
		ok    bool
	}{
		{image.Pt(0, 0), 0, true},
		{image.Pt(64, 64), 3, true},
		{image.Pt(128, 0), 0, false}, // past the last column, would wrap to tile 2
		{image.Pt(0, 128), 0, false},
		{image.Pt(-64, 0), 0, false},
		{image.Pt(32, 0), 0, false},
	}
	for _, tt := range tests {
		id, ok := Lookup(tt.begin, numTiles)
		if ok != tt.ok || (ok && id != tt.id) {
			t.Errorf("Lookup(%v): expected (%d, %v), got (%d, %v)", tt.begin, tt.id, tt.ok, id, ok)
		}
	}
}
