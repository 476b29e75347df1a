package dfb

import (
	"context"
	"encoding/binary"
	"image"
	"math"
	"sync"

	"github.com/df07/go-cluster-raytracer/pkg/errors"
	"github.com/df07/go-cluster-raytracer/pkg/messaging"
)

// TileError tracks per-tile convergence error and the adaptive regions used
// to refine it. A TileError built for an empty grid is disabled: every query
// reports +Inf so no tile is ever skipped.
type TileError struct {
	mu       sync.RWMutex
	numTiles image.Point
	errs     []float32
	regions  []image.Rectangle
}

// NewTileError creates a tracker for a numTiles grid.
func NewTileError(numTiles image.Point) *TileError {
	e := &TileError{numTiles: numTiles}
	if numTiles.X > 0 && numTiles.Y > 0 {
		e.errs = make([]float32, numTiles.X*numTiles.Y)
	}
	e.Clear()
	return e
}

// Enabled reports whether errors are tracked at all.
func (e *TileError) Enabled() bool {
	return len(e.errs) > 0
}

// Clear resets every tile to +Inf and collapses the regions to one covering
// the grid.
func (e *TileError) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	inf := float32(math.Inf(1))
	for i := range e.errs {
		e.errs[i] = inf
	}
	e.regions = e.regions[:0]
	if e.Enabled() {
		e.regions = append(e.regions, image.Rectangle{Max: e.numTiles})
	}
}

// At returns the error of the tile at grid coordinates p.
func (e *TileError) At(p image.Point) float32 {
	if !e.Enabled() {
		return float32(math.Inf(1))
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.errs[p.X+p.Y*e.numTiles.X]
}

// Update records err for the tile at grid coordinates p.
func (e *TileError) Update(p image.Point, err float32) {
	if !e.Enabled() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs[p.X+p.Y*e.numTiles.X] = err
}

// Regions returns a copy of the current refinement regions in tile coords.
func (e *TileError) Regions() []image.Rectangle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]image.Rectangle(nil), e.regions...)
}

// Refine raises every tile of a region to the region's maximum so regions
// converge as a group, splits regions whose average is already below
// threshold along their longer axis, and returns the frame's maximum error.
// Regions created by this call are not revisited until the next one.
func (e *TileError) Refine(threshold float32) float32 {
	if !e.Enabled() {
		return float32(math.Inf(1))
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	if threshold > 0 {
		n = len(e.regions)
	}
	for i := 0; i < n; i++ {
		region := e.regions[i]
		var sum, maxErr float32
		for y := region.Min.Y; y < region.Max.Y; y++ {
			for x := region.Min.X; x < region.Max.X; x++ {
				v := e.errs[x+y*e.numTiles.X]
				sum += v
				maxErr = max(maxErr, v)
			}
		}
		for y := region.Min.Y; y < region.Max.Y; y++ {
			for x := region.Min.X; x < region.Max.X; x++ {
				e.errs[x+y*e.numTiles.X] = maxErr
			}
		}

		size := region.Size()
		avg := sum / float32(size.X*size.Y)
		if avg > threshold {
			continue
		}
		switch {
		case size.X >= size.Y && size.X > 1:
			split := region.Min.X + size.X/2
			e.regions[i].Max.X = split
			e.regions = append(e.regions, image.Rect(split, region.Min.Y, region.Max.X, region.Max.Y))
		case size.Y > 1:
			split := region.Min.Y + size.Y/2
			e.regions[i].Max.Y = split
			e.regions = append(e.regions, image.Rect(region.Min.X, split, region.Max.X, region.Max.Y))
		}
	}

	var maxErr float32
	for _, v := range e.errs {
		maxErr = max(maxErr, v)
	}
	return maxErr
}

// Sync replaces every rank's errors with rank 0's.
func (e *TileError) Sync(ctx context.Context, sctx *messaging.Context) error {
	if !e.Enabled() {
		return nil
	}
	var payload []byte
	if sctx.IsMaster() {
		e.mu.RLock()
		payload = appendFloats(nil, e.errs)
		e.mu.RUnlock()
	}
	got, err := sctx.Bcast(ctx, 0, payload)
	if err != nil {
		return err
	}
	if sctx.IsMaster() {
		return nil
	}
	if len(got) != 4*len(e.errs) {
		return errors.New(errors.ErrCodeProtocol, "tile error sync: got %d bytes, want %d", len(got), 4*len(e.errs))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	decodeFloats(got, e.errs)
	return nil
}

func appendFloats(buf []byte, vals []float32) []byte {
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

func decodeFloats(buf []byte, out []float32) {
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
}
