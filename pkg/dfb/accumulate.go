package dfb

import (
	"math"
	"sort"

	"github.com/df07/go-cluster-raytracer/pkg/tile"
)

var infError = float32(math.Inf(1))

// accumulateTile folds src into the running sums and writes the normalized
// mean into final. Sums restart when src.AccumID is 0; the variance buffer
// only sees odd accumIDs. It returns the tile error, +Inf when it cannot be
// estimated yet.
func accumulateTile(src, final, accum, variance *tile.Tile, hasAccum, hasVariance bool) float32 {
	w, h := src.Width(), src.Height()
	id := src.AccumID
	final.Region, final.FbSize, final.AccumID = src.Region, src.FbSize, id

	if !hasAccum {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := tile.Index(x, y)
				final.R[i], final.G[i], final.B[i], final.A[i] = src.R[i], src.G[i], src.B[i], src.A[i]
				final.Z[i] = src.Z[i]
			}
		}
		return infError
	}

	rn := 1 / float32(id+1)
	trackVariance := hasVariance && id&1 == 1
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := tile.Index(x, y)
			if id > 0 {
				accum.R[i] += src.R[i]
				accum.G[i] += src.G[i]
				accum.B[i] += src.B[i]
				accum.A[i] += src.A[i]
			} else {
				accum.R[i], accum.G[i], accum.B[i], accum.A[i] = src.R[i], src.G[i], src.B[i], src.A[i]
			}
			if trackVariance {
				if id == 1 {
					variance.R[i], variance.G[i], variance.B[i], variance.A[i] = src.R[i], src.G[i], src.B[i], src.A[i]
				} else {
					variance.R[i] += src.R[i]
					variance.G[i] += src.G[i]
					variance.B[i] += src.B[i]
					variance.A[i] += src.A[i]
				}
			}
			final.R[i] = accum.R[i] * rn
			final.G[i] = accum.G[i] * rn
			final.B[i] = accum.B[i] * rn
			final.A[i] = accum.A[i] * rn
			final.Z[i] = src.Z[i]
		}
	}

	if !hasVariance || id == 0 {
		return infError
	}
	return tileError(accum, variance, id, w, h)
}

// accumulateSimple adds src into the sums without normalizing; used for the
// intermediate instances of a tile rendered several times in one frame.
func accumulateSimple(src, accum, variance *tile.Tile) {
	w, h := src.Width(), src.Height()
	odd := src.AccumID&1 == 1
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := tile.Index(x, y)
			accum.R[i] += src.R[i]
			accum.G[i] += src.G[i]
			accum.B[i] += src.B[i]
			accum.A[i] += src.A[i]
			if odd {
				variance.R[i] += src.R[i]
				variance.G[i] += src.G[i]
				variance.B[i] += src.B[i]
				variance.A[i] += src.A[i]
			}
		}
	}
}

// accumulateAux averages normal and albedo the same way as color.
func accumulateAux(src, final, accum *tile.Tile, restart bool) {
	w, h := src.Width(), src.Height()
	rn := 1 / float32(src.AccumID+1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := tile.Index(x, y)
			if restart {
				accum.NX[i], accum.NY[i], accum.NZ[i] = src.NX[i], src.NY[i], src.NZ[i]
				accum.AR[i], accum.AG[i], accum.AB[i] = src.AR[i], src.AG[i], src.AB[i]
			} else {
				accum.NX[i] += src.NX[i]
				accum.NY[i] += src.NY[i]
				accum.NZ[i] += src.NZ[i]
				accum.AR[i] += src.AR[i]
				accum.AG[i] += src.AG[i]
				accum.AB[i] += src.AB[i]
			}
			final.NX[i], final.NY[i], final.NZ[i] = accum.NX[i]*rn, accum.NY[i]*rn, accum.NZ[i]*rn
			final.AR[i], final.AG[i], final.AB[i] = accum.AR[i]*rn, accum.AG[i]*rn, accum.AB[i]*rn
		}
	}
}

// tileError compares the mean of all samples with the mean of the odd ones:
// for each pixel |mean_all - mean_odd|_1 / sqrt(sum(mean_all)), averaged
// over the tile. accumID is the last sample index folded into accum.
func tileError(accum, variance *tile.Tile, accumID int32, w, h int) float32 {
	odd := (accumID + 1) / 2
	if accumID <= 0 || odd == 0 || w*h == 0 {
		return infError
	}
	rn := 1 / float64(accumID+1)
	rv := 1 / float64(odd)

	var sum float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := tile.Index(x, y)
			ar, ag, ab := float64(accum.R[i])*rn, float64(accum.G[i])*rn, float64(accum.B[i])*rn
			den := ar + ag + ab
			if den <= 0 {
				continue
			}
			vr, vg, vb := float64(variance.R[i])*rv, float64(variance.G[i])*rv, float64(variance.B[i])*rv
			sum += (math.Abs(ar-vr) + math.Abs(ag-vg) + math.Abs(ab-vb)) / math.Sqrt(den)
		}
	}
	return float32(sum / float64(w*h))
}

// zComposite keeps, per pixel, whichever of src and dst is nearer.
func zComposite(src, dst *tile.Tile) {
	for i := 0; i < tile.Pixels; i++ {
		if src.Z[i] < dst.Z[i] {
			dst.R[i], dst.G[i], dst.B[i], dst.A[i] = src.R[i], src.G[i], src.B[i], src.A[i]
			dst.Z[i] = src.Z[i]
			dst.NX[i], dst.NY[i], dst.NZ[i] = src.NX[i], src.NY[i], src.NZ[i]
			dst.AR[i], dst.AG[i], dst.AB[i] = src.AR[i], src.AG[i], src.AB[i]
		}
	}
}

// sortAndBlend orders fragments farthest first (descending SortOrder) and
// composites them back to front with premultiplied "over" into frags[0].
func sortAndBlend(frags []*tile.Tile) {
	sort.SliceStable(frags, func(a, b int) bool {
		return frags[a].SortOrder > frags[b].SortOrder
	})
	dst := frags[0]
	for _, src := range frags[1:] {
		for i := 0; i < tile.Pixels; i++ {
			t := 1 - src.A[i]
			dst.R[i] = src.R[i] + dst.R[i]*t
			dst.G[i] = src.G[i] + dst.G[i]*t
			dst.B[i] = src.B[i] + dst.B[i]*t
			dst.A[i] = src.A[i] + dst.A[i]*t
			dst.Z[i] = min(dst.Z[i], src.Z[i])
		}
	}
}
