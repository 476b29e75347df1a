package balancer

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/df07/go-cluster-raytracer/pkg/dfb"
	"github.com/df07/go-cluster-raytracer/pkg/errors"
	"github.com/df07/go-cluster-raytracer/pkg/tasking"
	"github.com/df07/go-cluster-raytracer/pkg/tile"
	"github.com/df07/go-cluster-raytracer/pkg/world"
)

// ErrNotDistributedRenderer is returned when a world with several regions is
// rendered by a renderer that cannot render a single region.
var ErrNotDistributedRenderer = errors.New(errors.ErrCodeUnsupported, "distributed rendering requires a region renderer")

// RegionRenderer renders the part of the scene inside one region. Pixels
// outside the region's data are left transparent with depth +Inf; color is
// premultiplied by alpha.
type RegionRenderer interface {
	Renderer
	Camera() world.Camera
	Background() [4]float32
	RenderRegionTile(perFrame any, region world.Region, t *tile.Tile, job int)
}

// Distributed renders each rank's regions and alpha-blends the fragments of
// every tile over a background contributed by the tile's owner.
type Distributed struct {
	counters
	// Replicated renders worlds with a single region when the renderer is
	// not a RegionRenderer.
	Replicated LoadBalancer
	// Parallelism bounds the tiles rendered at once per layer.
	Parallelism int
}

// NewDistributed creates the balancer; replicated serves single-region
// worlds rendered by a plain Renderer.
func NewDistributed(replicated LoadBalancer) *Distributed {
	return &Distributed{Replicated: replicated}
}

func (*Distributed) Name() string { return "distributed" }

func (d *Distributed) LastFrame() FrameStats {
	if d.last.Load() == nil && d.Replicated != nil {
		return d.Replicated.LastFrame()
	}
	return d.counters.LastFrame()
}

func (d *Distributed) RenderFrame(ctx context.Context, fb *dfb.FrameBuffer, r Renderer, w *world.World) (float32, error) {
	rr, ok := r.(RegionRenderer)
	if !ok {
		if w != nil && len(w.AllRegions) == 1 && d.Replicated != nil {
			return d.Replicated.RenderFrame(ctx, fb, r, w)
		}
		return 0, ErrNotDistributedRenderer
	}
	if w == nil || len(w.AllRegions) == 0 {
		return 0, errors.New(errors.ErrCodeConfig, "distributed rendering needs a committed world")
	}
	if _, ok := fb.TileOperation().(dfb.AlphaBlendOperation); !ok {
		if err := fb.SetTileOperation(dfb.AlphaBlendOperation{}); err != nil {
			return 0, err
		}
	}

	threshold := r.ErrorThreshold()
	if err := fb.StartNewFrame(ctx, threshold); err != nil {
		return 0, err
	}
	start := d.begin()
	perFrame := r.BeginFrame(fb)
	proj := w.Project(rr.Camera(), fb.Size())

	// layer 0 is the background of owned tiles, layer i the i-th own region
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.renderBackground(gctx, fb, rr, proj)
	})
	for _, id := range w.MyRegionIDs {
		g.Go(func() error {
			return d.renderRegion(gctx, fb, rr, perFrame, w, proj, id)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	d.end(start)
	return finish(ctx, fb, r, perFrame)
}

// renderBackground sends one opaque background fragment per owned tile,
// announcing how many region fragments will follow.
func (d *Distributed) renderBackground(ctx context.Context, fb *dfb.FrameBuffer, rr RegionRenderer, proj *world.Projection) error {
	var ids []int
	for _, desc := range fb.Tiles() {
		if desc.Mine() {
			ids = append(ids, desc.ID)
		}
	}
	bg := rr.Background()
	inf := float32(math.Inf(1))
	return tasking.ParallelFor(ctx, len(ids), d.Parallelism, func(ctx context.Context, i int) error {
		id := ids[i]
		if fb.TileError(id) <= rr.ErrorThreshold() {
			return nil
		}
		t := tile.New(tile.BeginOf(id, fb.NumTiles()), fb.Size())
		t.AccumID = fb.AccumID(id)
		t.Generation, t.SortOrder = 0, math.MaxInt32
		t.Children = int32(len(proj.VisibleRegions(id)))
		for p := 0; p < tile.Pixels; p++ {
			t.R[p], t.G[p], t.B[p], t.A[p], t.Z[p] = bg[0], bg[1], bg[2], bg[3], inf
		}
		return fb.SetTile(ctx, t)
	})
}

// renderRegion renders this rank's share of the tiles region id touches.
func (d *Distributed) renderRegion(ctx context.Context, fb *dfb.FrameBuffer, rr RegionRenderer, perFrame any, w *world.World, proj *world.Projection, id int) error {
	ids := w.TilesForRegion(proj, id)
	region := w.AllRegions[id]
	return tasking.ParallelFor(ctx, len(ids), d.Parallelism, func(ctx context.Context, i int) error {
		tid := ids[i]
		if fb.TileError(tid) <= rr.ErrorThreshold() {
			return nil
		}
		t := tile.New(tile.BeginOf(tid, fb.NumTiles()), fb.Size())
		t.AccumID = fb.AccumID(tid)
		t.Generation, t.Children, t.SortOrder = 1, 0, proj.SortOrder(id)
		return d.renderTile(ctx, fb, t, func(job int) { rr.RenderRegionTile(perFrame, region, t, job) }, rr.SamplesPerPixel())
	})
}
