package balancer

import (
	"context"

	"github.com/df07/go-cluster-raytracer/pkg/dfb"
	"github.com/df07/go-cluster-raytracer/pkg/tasking"
	"github.com/df07/go-cluster-raytracer/pkg/tile"
	"github.com/df07/go-cluster-raytracer/pkg/world"
)

// Static renders tile k on rank k mod N, every frame, with no negotiation.
type Static struct {
	counters
	// Parallelism bounds the tiles rendered at once; 0 means one per CPU.
	Parallelism int
}

// NewStatic creates a static balancer.
func NewStatic() *Static {
	return &Static{}
}

func (*Static) Name() string { return "static" }

func (s *Static) RenderFrame(ctx context.Context, fb *dfb.FrameBuffer, r Renderer, _ *world.World) (float32, error) {
	if _, err := ensureWriteMultiple(fb); err != nil {
		return 0, err
	}
	threshold := r.ErrorThreshold()
	if err := fb.StartNewFrame(ctx, threshold); err != nil {
		return 0, err
	}
	start := s.begin()
	perFrame := r.BeginFrame(fb)

	sctx := fb.Context()
	rank, n := sctx.Rank(), sctx.NumRanks()
	var ids []int
	for id := rank; id < fb.TotalTiles(); id += n {
		ids = append(ids, id)
	}

	err := tasking.ParallelFor(ctx, len(ids), s.Parallelism, func(ctx context.Context, i int) error {
		id := ids[i]
		if fb.TileError(id) <= threshold {
			return nil
		}
		t := tile.New(tile.BeginOf(id, fb.NumTiles()), fb.Size())
		t.AccumID = fb.AccumID(id)
		return s.renderTile(ctx, fb, t, func(job int) { r.RenderTile(perFrame, t, job) }, r.SamplesPerPixel())
	})
	if err != nil {
		return 0, err
	}
	s.end(start)
	return finish(ctx, fb, r, perFrame)
}
