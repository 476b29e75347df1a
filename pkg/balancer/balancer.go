// Package balancer decides which rank renders which tile each frame and
// drives the frame buffer through a frame.
//
// Three strategies are available:
//   - Static: tile k is rendered by rank k mod N
//   - Dynamic: rank 0 hands out tile tasks on request, preferring the
//     requester's own tiles and duplicating the noisiest tiles to keep
//     every rank busy
//   - Distributed: ranks render the scene regions they hold and the frame
//     buffer alpha-blends the region fragments over a background
package balancer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/df07/go-cluster-raytracer/pkg/dfb"
	"github.com/df07/go-cluster-raytracer/pkg/tasking"
	"github.com/df07/go-cluster-raytracer/pkg/tile"
	"github.com/df07/go-cluster-raytracer/pkg/world"
)

// Renderer fills tiles with pixels. RenderTile is called concurrently for
// distinct jobs of the same tile and must only write the job's pixels.
type Renderer interface {
	BeginFrame(fb *dfb.FrameBuffer) any
	RenderTile(perFrame any, t *tile.Tile, job int)
	EndFrame(perFrame any, channels dfb.Channels)
	ErrorThreshold() float32
	SamplesPerPixel() int
}

// LoadBalancer renders one frame into fb and returns the frame's error
// estimate (meaningful on rank 0).
type LoadBalancer interface {
	Name() string
	RenderFrame(ctx context.Context, fb *dfb.FrameBuffer, r Renderer, w *world.World) (float32, error)
	LastFrame() FrameStats
}

// FrameStats is a balancer's own account of the last frame.
type FrameStats struct {
	TilesRendered int
	RenderTime    time.Duration
}

// PixelsPerJob is the number of tile pixels one render job covers.
const PixelsPerJob = 64

// NumJobs returns how many jobs a tile is split into. With spp < 1 the first
// frame renders a subsampled preview: fewer jobs, each covering a larger
// block.
func NumJobs(spp int, accumID int32) int {
	blocks := 1
	if accumID <= 0 && spp < 1 {
		blocks = min(1<<(-2*spp), tile.Pixels)
	}
	per := tile.Pixels / PixelsPerJob
	return (per + blocks - 1) / blocks
}

// JobPixels returns the tile-relative pixel indices [lo, hi) covered by job
// when the tile is split into n jobs.
func JobPixels(job, n int) (lo, hi int) {
	per := (tile.Pixels + n - 1) / n
	lo = job * per
	return lo, min(lo+per, tile.Pixels)
}

// ParseKind validates a balancer name.
func ParseKind(s string) (string, error) {
	switch s {
	case "static", "dynamic", "distributed":
		return s, nil
	}
	return "", fmt.Errorf("unknown load balancer %q", s)
}

// counters is embedded by every balancer.
type counters struct {
	rendered atomic.Int64
	last     atomic.Pointer[FrameStats]
}

func (c *counters) begin() time.Time {
	c.rendered.Store(0)
	return time.Now()
}

func (c *counters) end(start time.Time) {
	c.last.Store(&FrameStats{TilesRendered: int(c.rendered.Load()), RenderTime: time.Since(start)})
}

func (c *counters) LastFrame() FrameStats {
	if s := c.last.Load(); s != nil {
		return *s
	}
	return FrameStats{}
}

// renderTile runs every job of t unless the frame was cancelled. The tile is
// sent regardless so the owner can still complete it.
func (c *counters) renderTile(ctx context.Context, fb *dfb.FrameBuffer, t *tile.Tile, render func(job int), spp int) error {
	if !fb.FrameCancelled() {
		err := tasking.ParallelFor(ctx, NumJobs(spp, t.AccumID), 0, func(_ context.Context, job int) error {
			render(job)
			return nil
		})
		if err != nil {
			return err
		}
		c.rendered.Add(1)
	}
	return fb.SetTile(ctx, t)
}

// ensureWriteMultiple attaches a WriteMultiple operation unless one is
// already in use and returns it.
func ensureWriteMultiple(fb *dfb.FrameBuffer) (*dfb.WriteMultipleOperation, error) {
	if op, ok := fb.TileOperation().(*dfb.WriteMultipleOperation); ok {
		return op, nil
	}
	op := &dfb.WriteMultipleOperation{}
	return op, fb.SetTileOperation(op)
}

// finish waits for the frame and closes it on this rank.
func finish(ctx context.Context, fb *dfb.FrameBuffer, r Renderer, perFrame any) (float32, error) {
	if err := fb.WaitUntilFinished(ctx); err != nil {
		return 0, err
	}
	r.EndFrame(perFrame, fb.Channels())
	return fb.EndFrame(r.ErrorThreshold()), nil
}
