// Package world exchanges the scene regions each rank holds and maps them to
// the screen tiles each rank must render.
package world

import (
	"context"
	"encoding/binary"
	"math"
	"slices"
	"sort"

	"github.com/df07/go-cluster-raytracer/pkg/core"
	"github.com/df07/go-cluster-raytracer/pkg/errors"
	"github.com/df07/go-cluster-raytracer/pkg/messaging"
)

// Region is a box of scene data held by one or more ranks. ID < 0 lets
// Commit assign the id, matching regions with identical bounds.
type Region struct {
	Bounds core.AABB
	ID     int
}

// World is the cluster-wide region table, identical on every rank after
// Commit.
type World struct {
	sctx *messaging.Context
	id   messaging.ObjectID

	// AllRegions is sorted by id; a region's id is its index.
	AllRegions []Region
	// Owners maps region id to the sorted ranks holding it.
	Owners map[int][]int
	// MyRegionIDs lists, sorted, the regions this rank holds.
	MyRegionIDs []int
}

// New creates an uncommitted world registered with sctx.
func New(sctx *messaging.Context) *World {
	w := &World{sctx: sctx, id: sctx.NewObjectID()}
	sctx.RegisterObject(w.id, w)
	return w
}

func (*World) Kind() messaging.Kind { return messaging.KindModel }

// Commit exchanges every rank's local regions and rebuilds the region
// table. All ranks must call it together; a configuration error on any rank
// fails the commit on every rank.
func (w *World) Commit(ctx context.Context, local []Region) error {
	mine := dedupe(local)

	parts, err := w.sctx.Allgather(ctx, encodeRegions(mine))
	if err != nil {
		return err
	}
	perRank := make([][]Region, len(parts))
	for r, p := range parts {
		regions, err := decodeRegions(p)
		if err != nil {
			return errors.Wrap(errors.ErrCodeProtocol, err, "regions of rank %d", r)
		}
		if len(regions) == 0 {
			return errors.New(errors.ErrCodeConfig, "rank %d committed no regions", r)
		}
		perRank[r] = regions
	}

	all, owners, err := merge(perRank)
	if err != nil {
		return err
	}
	w.AllRegions = all
	w.Owners = owners
	w.MyRegionIDs = w.MyRegionIDs[:0]
	for id, ranks := range owners {
		if slices.Contains(ranks, w.sctx.Rank()) {
			w.MyRegionIDs = append(w.MyRegionIDs, id)
		}
	}
	sort.Ints(w.MyRegionIDs)

	w.sctx.Logger().Debug("world committed", "regions", len(all), "mine", w.MyRegionIDs)
	return nil
}

// dedupe drops repeated regions from a local list.
func dedupe(local []Region) []Region {
	out := slices.Clone(local)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Bounds.Less(out[j].Bounds)
	})
	return slices.CompactFunc(out, func(a, b Region) bool {
		return a.ID == b.ID && a.Bounds.Equal(b.Bounds)
	})
}

// merge builds the global table. Explicit ids win; a region without an id
// takes the id of an identical box, or the next free id in rank order.
func merge(perRank [][]Region) ([]Region, map[int][]int, error) {
	byID := map[int]core.AABB{}
	for r, regions := range perRank {
		for _, reg := range regions {
			if reg.ID < 0 {
				continue
			}
			if b, ok := byID[reg.ID]; ok && !b.Equal(reg.Bounds) {
				return nil, nil, errors.New(errors.ErrCodeConfig,
					"region id %d has conflicting bounds %v and %v (rank %d)", reg.ID, b, reg.Bounds, r)
			}
			byID[reg.ID] = reg.Bounds
		}
	}

	owners := map[int][]int{}
	for r, regions := range perRank {
		for _, reg := range regions {
			id := reg.ID
			if id < 0 {
				id = lookupBounds(byID, reg.Bounds)
				if id < 0 {
					id = nextFree(byID)
					byID[id] = reg.Bounds
				}
			}
			if !slices.Contains(owners[id], r) {
				owners[id] = append(owners[id], r)
			}
		}
	}

	ids := make([]int, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	if len(ids) > 0 && ids[len(ids)-1] != len(ids)-1 {
		return nil, nil, errors.New(errors.ErrCodeConfig, "region ids must be dense from 0, got %v", ids)
	}
	all := make([]Region, len(ids))
	for _, id := range ids {
		all[id] = Region{Bounds: byID[id], ID: id}
		sort.Ints(owners[id])
	}
	return all, owners, nil
}

func lookupBounds(byID map[int]core.AABB, b core.AABB) int {
	best := -1
	for id, other := range byID {
		if other.Equal(b) && (best < 0 || id < best) {
			best = id
		}
	}
	return best
}

func nextFree(byID map[int]core.AABB) int {
	for id := 0; ; id++ {
		if _, ok := byID[id]; !ok {
			return id
		}
	}
}

const regionRecordSize = 8 + 6*8

func encodeRegions(regions []Region) []byte {
	buf := make([]byte, 0, len(regions)*regionRecordSize)
	for _, r := range regions {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(int64(r.ID)))
		for _, v := range []float64{r.Bounds.Min.X, r.Bounds.Min.Y, r.Bounds.Min.Z, r.Bounds.Max.X, r.Bounds.Max.Y, r.Bounds.Max.Z} {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
	}
	return buf
}

func decodeRegions(buf []byte) ([]Region, error) {
	if len(buf)%regionRecordSize != 0 {
		return nil, errors.New(errors.ErrCodeProtocol, "region list of %d bytes", len(buf))
	}
	out := make([]Region, 0, len(buf)/regionRecordSize)
	f := func(off int) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(buf[off:])) }
	for off := 0; off < len(buf); off += regionRecordSize {
		id := int(int64(binary.LittleEndian.Uint64(buf[off:])))
		out = append(out, Region{
			ID: id,
			Bounds: core.NewAABB(
				core.NewVec3(f(off+8), f(off+16), f(off+24)),
				core.NewVec3(f(off+32), f(off+40), f(off+48))),
		})
	}
	return out, nil
}
