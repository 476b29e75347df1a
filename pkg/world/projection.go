package world

import (
	"image"
	"math"
	"sort"

	"github.com/df07/go-cluster-raytracer/pkg/core"
	"github.com/df07/go-cluster-raytracer/pkg/tile"
)

// Camera projects world points onto the screen: x and y in [0,1] with y up,
// depth along the view direction, negative behind the camera.
type Camera interface {
	ProjectPoint(p core.Vec3) (x, y, depth float64)
}

// ScreenBounds is a region's projection: a screen rectangle in [0,1]^2 and
// the depth range of its corners.
type ScreenBounds struct {
	Min, Max           [2]float64
	MinDepth, MaxDepth float64
}

// Behind reports whether the whole region lies behind the camera.
func (s ScreenBounds) Behind() bool {
	return s.MaxDepth < 0
}

// Project computes the screen bounds of the region. When any corner is
// behind the camera the projection is unreliable and the bounds cover the
// whole screen.
func (r Region) Project(cam Camera) ScreenBounds {
	s := ScreenBounds{
		Min:      [2]float64{math.Inf(1), math.Inf(1)},
		Max:      [2]float64{math.Inf(-1), math.Inf(-1)},
		MinDepth: math.Inf(1),
		MaxDepth: math.Inf(-1),
	}
	behind := false
	for _, c := range r.Bounds.Corners() {
		x, y, z := cam.ProjectPoint(c)
		s.MinDepth, s.MaxDepth = min(s.MinDepth, z), max(s.MaxDepth, z)
		if z <= 0 {
			behind = true
			continue
		}
		s.Min = [2]float64{min(s.Min[0], x), min(s.Min[1], y)}
		s.Max = [2]float64{max(s.Max[0], x), max(s.Max[1], y)}
	}
	if behind {
		s.Min, s.Max = [2]float64{0, 0}, [2]float64{1, 1}
		return s
	}
	for i := 0; i < 2; i++ {
		s.Min[i] = min(max(s.Min[i], 0), 1)
		s.Max[i] = min(max(s.Max[i], 0), 1)
	}
	return s
}

// TileRect returns the tiles the projection touches, padded by one tile on
// each side and clipped to the grid.
func (s ScreenBounds) TileRect(fbSize image.Point) image.Rectangle {
	numTiles := tile.NumTiles(fbSize)
	lo := image.Pt(
		int(max(s.Min[0]*float64(fbSize.X)-tile.Size, 0))/tile.Size,
		int(max(s.Min[1]*float64(fbSize.Y)-tile.Size, 0))/tile.Size)
	hi := image.Pt(
		int(math.Ceil(min(s.Max[0]*float64(fbSize.X)+tile.Size, float64(fbSize.X))/tile.Size)),
		int(math.Ceil(min(s.Max[1]*float64(fbSize.Y)+tile.Size, float64(fbSize.Y))/tile.Size)))
	return image.Rectangle{Min: lo, Max: hi}.Intersect(image.Rectangle{Max: numTiles})
}

// Projection caches the screen footprint of every region for one frame.
type Projection struct {
	fbSize image.Point
	bounds []ScreenBounds
	rects  []image.Rectangle
	order  []int32
}

// Project projects every region of the world for a frame.
func (w *World) Project(cam Camera, fbSize image.Point) *Projection {
	p := &Projection{
		fbSize: fbSize,
		bounds: make([]ScreenBounds, len(w.AllRegions)),
		rects:  make([]image.Rectangle, len(w.AllRegions)),
		order:  make([]int32, len(w.AllRegions)),
	}
	for i, r := range w.AllRegions {
		p.bounds[i] = r.Project(cam)
		if !p.bounds[i].Behind() {
			p.rects[i] = p.bounds[i].TileRect(fbSize)
		}
	}

	// nearest region first; sort order grows with distance
	ids := make([]int, len(w.AllRegions))
	for i := range ids {
		ids[i] = i
	}
	sort.SliceStable(ids, func(a, b int) bool {
		return p.bounds[ids[a]].MinDepth < p.bounds[ids[b]].MinDepth
	})
	for rank, id := range ids {
		p.order[id] = int32(rank)
	}
	return p
}

// Bounds returns the screen bounds of region id.
func (p *Projection) Bounds(id int) ScreenBounds {
	return p.bounds[id]
}

// SortOrder ranks region id by distance; nearer regions have smaller values.
func (p *Projection) SortOrder(id int) int32 {
	return p.order[id]
}

// Touches reports whether region id may cover tile tileID.
func (p *Projection) Touches(id, tileID int) bool {
	numTiles := tile.NumTiles(p.fbSize)
	at := image.Pt(tileID%numTiles.X, tileID/numTiles.X)
	return at.In(p.rects[id])
}

// VisibleRegions returns the regions that may cover tile tileID; their count
// is the number of region fragments the tile's background announces.
func (p *Projection) VisibleRegions(tileID int) []int {
	var ids []int
	for id := range p.rects {
		if p.Touches(id, tileID) {
			ids = append(ids, id)
		}
	}
	return ids
}

// TilesForRegion returns the tiles of region id this rank renders. When
// several ranks hold the region they take its tiles round robin by tile
// index.
func (w *World) TilesForRegion(p *Projection, id int) []int {
	owners := w.Owners[id]
	turn := sort.SearchInts(owners, w.sctx.Rank())
	if turn >= len(owners) || owners[turn] != w.sctx.Rank() {
		return nil
	}
	numTiles := tile.NumTiles(p.fbSize)
	rect := p.rects[id]
	var ids []int
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			t := x + y*numTiles.X
			if t%len(owners) == turn {
				ids = append(ids, t)
			}
		}
	}
	return ids
}
