// Package tile defines the fixed-size screen tiles exchanged between ranks,
// the tile grid math and the wire codecs used to ship them.
package tile

import (
	"image"
	"math"
)

// Size is the edge length of a tile in pixels.
const Size = 64

// Pixels is the number of pixels in a tile.
const Pixels = Size * Size

// Tile holds one rank's contribution for a 64x64 screen region. Pixel (x, y)
// relative to Region.Min lives at index x + y*Size in every plane; pixels
// outside the frame buffer are padding and ignored by compositors.
type Tile struct {
	Region image.Rectangle
	FbSize image.Point

	AccumID    int32
	Generation int32
	Children   int32
	SortOrder  int32

	R, G, B, A, Z [Pixels]float32

	// Normal and albedo, only shipped when the frame buffer carries them.
	NX, NY, NZ [Pixels]float32
	AR, AG, AB [Pixels]float32
}

// New returns a cleared tile covering the tile that starts at begin.
func New(begin image.Point, fbSize image.Point) *Tile {
	t := &Tile{
		Region: RegionAt(begin, fbSize),
		FbSize: fbSize,
	}
	t.Clear()
	return t
}

// Clear zeroes color and aux planes and pushes depth to +Inf.
func (t *Tile) Clear() {
	inf := float32(math.Inf(1))
	for i := 0; i < Pixels; i++ {
		t.R[i], t.G[i], t.B[i], t.A[i] = 0, 0, 0, 0
		t.Z[i] = inf
		t.NX[i], t.NY[i], t.NZ[i] = 0, 0, 0
		t.AR[i], t.AG[i], t.AB[i] = 0, 0, 0
	}
}

// Width returns the number of valid columns in the tile.
func (t *Tile) Width() int {
	return t.Region.Dx()
}

// Height returns the number of valid rows in the tile.
func (t *Tile) Height() int {
	return t.Region.Dy()
}

// Index returns the plane index for tile-relative coordinates.
func Index(x, y int) int {
	return x + y*Size
}

// SetColor stores an RGBA sample at tile-relative coordinates.
func (t *Tile) SetColor(x, y int, r, g, b, a float32) {
	i := Index(x, y)
	t.R[i], t.G[i], t.B[i], t.A[i] = r, g, b, a
}

// CopyFrom copies every field of src into t.
func (t *Tile) CopyFrom(src *Tile) {
	*t = *src
}

// Desc identifies a tile in the grid and the rank that owns it. It is
// immutable for the lifetime of the frame buffer.
type Desc struct {
	Begin image.Point
	ID    int
	Owner int

	rank int
}

// NewDesc builds the descriptor for tile id as seen from rank.
func NewDesc(begin image.Point, id, owner, rank int) Desc {
	return Desc{Begin: begin, ID: id, Owner: owner, rank: rank}
}

// Mine reports whether the local rank owns the tile.
func (d Desc) Mine() bool {
	return d.Owner == d.rank
}

// NumTiles returns the tile grid dimensions for a frame buffer size.
func NumTiles(fbSize image.Point) image.Point {
	return image.Pt((fbSize.X+Size-1)/Size, (fbSize.Y+Size-1)/Size)
}

// TotalTiles returns the number of tiles covering the frame buffer.
func TotalTiles(fbSize image.Point) int {
	n := NumTiles(fbSize)
	return n.X * n.Y
}

// IDOf maps a tile's pixel begin to its linear index.
func IDOf(begin image.Point, numTiles image.Point) int {
	return begin.X/Size + (begin.Y/Size)*numTiles.X
}

// Lookup returns the index of the tile starting at begin. It reports false
// unless begin is the aligned origin of a tile inside the grid.
func Lookup(begin image.Point, numTiles image.Point) (int, bool) {
	if begin.X < 0 || begin.Y < 0 || begin.X%Size != 0 || begin.Y%Size != 0 {
		return 0, false
	}
	if begin.X/Size >= numTiles.X || begin.Y/Size >= numTiles.Y {
		return 0, false
	}
	return IDOf(begin, numTiles), true
}

// BeginOf maps a linear tile index to its pixel begin.
func BeginOf(id int, numTiles image.Point) image.Point {
	return image.Pt((id%numTiles.X)*Size, (id/numTiles.X)*Size)
}

// RegionAt returns the pixel rectangle of the tile starting at begin,
// clipped to the frame buffer.
func RegionAt(begin image.Point, fbSize image.Point) image.Rectangle {
	return image.Rect(begin.X, begin.Y, begin.X+Size, begin.Y+Size).
		Intersect(image.Rect(0, 0, fbSize.X, fbSize.Y))
}

// OwnerOf returns the rank owning tile id: tiles are dealt round robin.
func OwnerOf(id, numRanks int) int {
	return id % numRanks
}

// Grid returns the descriptors of every tile, in index order.
func Grid(fbSize image.Point, numRanks, rank int) []Desc {
	numTiles := NumTiles(fbSize)
	descs := make([]Desc, 0, numTiles.X*numTiles.Y)
	for id := 0; id < numTiles.X*numTiles.Y; id++ {
		descs = append(descs, NewDesc(BeginOf(id, numTiles), id, OwnerOf(id, numRanks), rank))
	}
	return descs
}
