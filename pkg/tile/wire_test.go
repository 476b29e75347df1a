package tile

import (
	"image"
	"math"
	"testing"
)

func filledTile() *Tile {
	tl := New(image.Pt(64, 0), image.Pt(200, 100))
	tl.AccumID = 7
	tl.Generation = 2
	tl.Children = 3
	tl.SortOrder = -4
	for i := 0; i < Pixels; i++ {
		f := float32(i)
		tl.R[i], tl.G[i], tl.B[i], tl.A[i] = f*0.25, f*0.5, f, 1
		tl.Z[i] = f * 0.1
		tl.NX[i], tl.NY[i], tl.NZ[i] = 1, 0, -1
		tl.AR[i], tl.AG[i], tl.AB[i] = 0.1, 0.2, 0.3
	}
	tl.R[9] = float32(math.NaN())
	return tl
}

func TestWriteTileRoundTrip(t *testing.T) {
	src := filledTile()
	buf := EncodeWriteTile(src, 12, true)
	if len(buf) != WriteTileSize(true) {
		t.Errorf("Expected %d bytes, got %d", WriteTileSize(true), len(buf))
	}

	if frame, err := WriteTileFrame(buf); err != nil || frame != 12 {
		t.Errorf("Expected frame 12, got %d (%v)", frame, err)
	}

	got, err := DecodeWriteTile(buf)
	if err != nil {
		t.Fatalf("DecodeWriteTile failed: %v", err)
	}
	if got.Region != src.Region || got.FbSize != src.FbSize {
		t.Errorf("Expected region %v fb %v, got %v fb %v", src.Region, src.FbSize, got.Region, got.FbSize)
	}
	if got.AccumID != 7 || got.Generation != 2 || got.Children != 3 || got.SortOrder != -4 {
		t.Errorf("Header fields did not survive: %+v", [4]int32{got.AccumID, got.Generation, got.Children, got.SortOrder})
	}
	for i := 0; i < Pixels; i++ {
		if math.Float32bits(got.R[i]) != math.Float32bits(src.R[i]) ||
			got.G[i] != src.G[i] || got.B[i] != src.B[i] || got.A[i] != src.A[i] || got.Z[i] != src.Z[i] {
			t.Fatalf("Pixel %d differs after round trip", i)
		}
		if got.NZ[i] != -1 || got.AB[i] != src.AB[i] {
			t.Fatalf("Aux pixel %d differs after round trip", i)
		}
	}
}

func TestWriteTileWithoutAux(t *testing.T) {
	src := filledTile()
	buf := EncodeWriteTile(src, 0, false)
	got, err := DecodeWriteTile(buf)
	if err != nil {
		t.Fatalf("DecodeWriteTile failed: %v", err)
	}
	if got.NX[0] != 0 {
		t.Errorf("Expected aux planes to stay empty, got %f", got.NX[0])
	}
}

func TestDecodeWriteTileTruncated(t *testing.T) {
	buf := EncodeWriteTile(filledTile(), 0, false)
	if _, err := DecodeWriteTile(buf[:len(buf)-1]); err == nil {
		t.Error("Expected error for truncated message")
	}
	if _, err := DecodeWriteTile(EncodeProgress(0, 1)); err == nil {
		t.Error("Expected error for wrong command")
	}
	if _, err := WriteTileFrame(buf[:6]); err == nil {
		t.Error("Expected error reading the frame of a short message")
	}
}

func TestMasterTileRecords(t *testing.T) {
	a := &MasterTile{
		Command: CmdMasterWriteTileI8,
		Coords:  image.Pt(0, 64),
		Error:   0.5,
		Color8:  make([]uint32, Pixels),
	}
	a.Color8[3] = 0xff00ff00
	b := &MasterTile{
		Command: CmdMasterWriteTileF32 | CmdMasterTileHasDepth | CmdMasterTileHasAux,
		Coords:  image.Pt(64, 64),
		Error:   float32(math.Inf(1)),
		Color32: make([]float32, Pixels*4),
		Depth:   make([]float32, Pixels),
		Normal:  make([]float32, Pixels*3),
		Albedo:  make([]float32, Pixels*3),
	}
	b.Color32[5] = 0.75
	b.Depth[1] = 3
	b.Albedo[2] = 0.25

	var buf []byte
	buf = a.AppendTo(buf)
	buf = b.AppendTo(buf)
	if len(buf) != a.Size()+b.Size() {
		t.Errorf("Expected %d bytes, got %d", a.Size()+b.Size(), len(buf))
	}

	recs, err := DecodeMasterTiles(buf)
	if err != nil {
		t.Fatalf("DecodeMasterTiles failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(recs))
	}
	if recs[0].Coords != a.Coords || recs[0].Color8[3] != 0xff00ff00 || recs[0].Error != 0.5 {
		t.Errorf("First record mismatch: %+v", recs[0].Coords)
	}
	if recs[1].Color32[5] != 0.75 || recs[1].Depth[1] != 3 || recs[1].Albedo[2] != 0.25 {
		t.Error("Second record payload mismatch")
	}
	if !math.IsInf(float64(recs[1].Error), 1) {
		t.Errorf("Expected +Inf error, got %f", recs[1].Error)
	}
}

func TestErrorRecords(t *testing.T) {
	var buf []byte
	buf = AppendErrorRecord(buf, 3, 0.25)
	buf = AppendErrorRecord(buf, 9, 1.5)

	got := map[int]float32{}
	if err := DecodeErrorRecords(buf, func(id int, e float32) { got[id] = e }); err != nil {
		t.Fatalf("DecodeErrorRecords failed: %v", err)
	}
	if got[3] != 0.25 || got[9] != 1.5 {
		t.Errorf("Unexpected records %v", got)
	}
	if err := DecodeErrorRecords(buf[:5], func(int, float32) {}); err == nil {
		t.Error("Expected error for partial record")
	}
}

func TestProgressRoundTrip(t *testing.T) {
	rank, n, err := DecodeProgress(EncodeProgress(2, 17))
	if err != nil || rank != 2 || n != 17 {
		t.Errorf("Expected (2,17), got (%d,%d) err %v", rank, n, err)
	}
}
