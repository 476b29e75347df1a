package balancer

import (
	"context"
	"image"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/df07/go-cluster-raytracer/pkg/core"
	"github.com/df07/go-cluster-raytracer/pkg/dfb"
	"github.com/df07/go-cluster-raytracer/pkg/errors"
	"github.com/df07/go-cluster-raytracer/pkg/messaging"
	"github.com/df07/go-cluster-raytracer/pkg/tile"
	"github.com/df07/go-cluster-raytracer/pkg/transport"
	"github.com/df07/go-cluster-raytracer/pkg/world"
)

func startCluster(t *testing.T, n int) []*messaging.Context {
	t.Helper()
	fabric := transport.NewFabric(n)
	ctxs := make([]*messaging.Context, n)
	for r := 0; r < n; r++ {
		c, err := messaging.NewContext(fabric.Endpoint(r))
		if err != nil {
			t.Fatalf("NewContext(%d) failed: %v", r, err)
		}
		if err := c.Start(); err != nil {
			t.Fatalf("Start(%d) failed: %v", r, err)
		}
		ctxs[r] = c
	}
	t.Cleanup(func() {
		for _, c := range ctxs {
			c.Close()
		}
	})
	return ctxs
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// onAll runs fn concurrently on every rank and fails on the first error.
func onAll(t *testing.T, n int, fn func(r int) error) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make([]error, n)
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = fn(r)
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("Rank %d failed: %v", r, err)
		}
	}
}

// shadeRenderer paints every tile a gray level derived from its index.
type shadeRenderer struct {
	threshold float32
	spp       int

	mu     sync.Mutex
	frames int
}

func shade(id, total int) float32 { return float32(id+1) / float32(total+1) }

func (s *shadeRenderer) BeginFrame(fb *dfb.FrameBuffer) any { return fb.NumTiles() }

func (s *shadeRenderer) RenderTile(perFrame any, t *tile.Tile, job int) {
	numTiles := perFrame.(image.Point)
	v := shade(tile.IDOf(t.Region.Min, numTiles), numTiles.X*numTiles.Y)
	lo, hi := JobPixels(job, NumJobs(s.spp, t.AccumID))
	for i := lo; i < hi; i++ {
		t.R[i], t.G[i], t.B[i], t.A[i], t.Z[i] = v, v, v, 1, 1
	}
}

func (s *shadeRenderer) EndFrame(any, dfb.Channels) {
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
}

func (s *shadeRenderer) ErrorThreshold() float32 { return s.threshold }
func (s *shadeRenderer) SamplesPerPixel() int    { return s.spp }

func TestNumJobs(t *testing.T) {
	tests := []struct {
		spp     int
		accumID int32
		want    int
	}{
		{1, 0, 64},
		{4, 3, 64},
		{0, 0, 64},
		{-1, 0, 16},
		{-1, 1, 64},
		{-3, 0, 1},
	}
	for _, tt := range tests {
		if got := NumJobs(tt.spp, tt.accumID); got != tt.want {
			t.Errorf("NumJobs(%d, %d): expected %d, got %d", tt.spp, tt.accumID, tt.want, got)
		}
	}
	lo, hi := JobPixels(63, 64)
	if lo != 63*64 || hi != tile.Pixels {
		t.Errorf("Expected last job to cover [%d,%d), got [%d,%d)", 63*64, tile.Pixels, lo, hi)
	}
}

func TestScheduleTilePrefersLargestQueue(t *testing.T) {
	var sent []TileTask
	var to []int
	c := newCoordinator(3, func(w int, task TileTask) {
		to = append(to, w)
		sent = append(sent, task)
	})
	c.preferred[0] = []TileTask{{TileID: 0}}
	c.preferred[1] = []TileTask{{TileID: 1}}
	c.preferred[2] = []TileTask{{TileID: 2}, {TileID: 5}, {TileID: 8}}

	c.scheduleTile(0) // own queue
	c.scheduleTile(0) // own queue empty, steal from queue 2
	if sent[0].TileID != 0 {
		t.Errorf("Expected own tile 0 first, got %d", sent[0].TileID)
	}
	if sent[1].TileID != 8 || sent[1].TilesExhausted {
		t.Errorf("Expected tile 8 from the largest queue, got %+v", sent[1])
	}
	if len(c.preferred[2]) != 2 || len(c.preferred[1]) != 1 {
		t.Errorf("Expected queues 1 and 2 to hold 1 and 2 tasks, got %d and %d", len(c.preferred[1]), len(c.preferred[2]))
	}

	// drain everything, then every worker is told exactly once
	for i := 0; i < 6; i++ {
		c.scheduleTile(i % 3)
	}
	for w := 0; w < 3; w++ {
		c.scheduleTile(w)
		c.scheduleTile(w)
	}
	exhausted := make([]int, 3)
	for i, task := range sent {
		if task.TilesExhausted {
			exhausted[to[i]]++
		}
	}
	for w, n := range exhausted {
		if n != 1 {
			t.Errorf("Worker %d: expected 1 exhausted signal, got %d", w, n)
		}
	}
}

func TestGenerateTileTasksDuplicatesNoisiest(t *testing.T) {
	ctxs := startCluster(t, 1)
	fb, err := dfb.New(ctxs[0], image.Pt(128, 128), dfb.FormatRGBA8, dfb.ChannelColor|dfb.ChannelAccum|dfb.ChannelVariance)
	if err != nil {
		t.Fatalf("dfb.New failed: %v", err)
	}
	defer fb.Release()
	errs := fb.TileErrors()
	errs.Update(image.Pt(0, 0), 0)
	errs.Update(image.Pt(1, 0), 0.5)
	errs.Update(image.Pt(0, 1), 0.3)
	errs.Update(image.Pt(1, 1), 0.2)

	c := newCoordinator(2, func(int, TileTask) {})
	counts := c.generateTileTasks(fb, 0.1)
	want := []int32{1, 2, 1, 1}
	for i := range want {
		if counts[i] != want[i] {
			t.Errorf("Tile %d: expected %d instances, got %d", i, want[i], counts[i])
		}
	}
	if len(c.preferred[0]) != 1 || len(c.preferred[1]) != 3 {
		t.Fatalf("Expected queues of 1 and 3 tasks, got %d and %d", len(c.preferred[0]), len(c.preferred[1]))
	}
	accumIDs := map[int32]bool{}
	for _, task := range c.preferred[1] {
		if task.TileID == 1 {
			accumIDs[task.AccumID] = true
		}
	}
	if !accumIDs[0] || !accumIDs[1] {
		t.Errorf("Expected tile 1 instances with accumIDs 0 and 1, got %v", accumIDs)
	}
}

type cluster struct {
	ctxs []*messaging.Context
	fbs  []*dfb.FrameBuffer
}

func newCluster(t *testing.T, n int, size image.Point, format dfb.ColorFormat, channels dfb.Channels) *cluster {
	t.Helper()
	c := &cluster{ctxs: startCluster(t, n)}
	for r, sctx := range c.ctxs {
		fb, err := dfb.New(sctx, size, format, channels)
		if err != nil {
			t.Fatalf("dfb.New(%d) failed: %v", r, err)
		}
		t.Cleanup(fb.Release)
		c.fbs = append(c.fbs, fb)
	}
	return c
}

func checkShades(t *testing.T, fb *dfb.FrameBuffer) {
	t.Helper()
	m, err := fb.MapBuffer(dfb.ChannelColor)
	if err != nil {
		t.Fatalf("MapBuffer failed: %v", err)
	}
	defer fb.Unmap(m)
	for _, d := range fb.Tiles() {
		v := shade(d.ID, fb.TotalTiles())
		want := dfb.PackRGBA8(v, v, v, 1)
		if got := m.Color8[d.Begin.X+d.Begin.Y*fb.Size().X]; got != want {
			t.Errorf("Tile %d: expected %#x, got %#x", d.ID, want, got)
		}
	}
}

func TestStaticFrame(t *testing.T) {
	const n = 3
	c := newCluster(t, n, image.Pt(300, 200), dfb.FormatRGBA8, dfb.ChannelColor)
	ctx := testCtx(t)
	lbs := []*Static{NewStatic(), NewStatic(), NewStatic()}
	r := &shadeRenderer{spp: 1}

	onAll(t, n, func(rank int) error {
		_, err := lbs[rank].RenderFrame(ctx, c.fbs[rank], r, nil)
		return err
	})
	checkShades(t, c.fbs[0])

	rendered := 0
	for _, lb := range lbs {
		rendered += lb.LastFrame().TilesRendered
	}
	if rendered != c.fbs[0].TotalTiles() {
		t.Errorf("Expected %d tiles rendered, got %d", c.fbs[0].TotalTiles(), rendered)
	}
	if r.frames != n {
		t.Errorf("Expected EndFrame on %d ranks, got %d", n, r.frames)
	}
}

func TestDynamicFramesLiveness(t *testing.T) {
	const n = 3
	c := newCluster(t, n, image.Pt(256, 256), dfb.FormatRGBA8, dfb.ChannelColor|dfb.ChannelAccum|dfb.ChannelVariance)
	ctx := testCtx(t)
	lbs := make([]*Dynamic, n)
	for r, sctx := range c.ctxs {
		lbs[r] = NewDynamic(sctx, 4)
		t.Cleanup(lbs[r].Release)
	}
	r := &shadeRenderer{spp: 1, threshold: 0.01}

	for frame := 0; frame < 3; frame++ {
		onAll(t, n, func(rank int) error {
			_, err := lbs[rank].RenderFrame(ctx, c.fbs[rank], r, nil)
			return err
		})
		checkShades(t, c.fbs[0])
	}

	// identical samples converge after two frames, so the third renders nothing
	rendered := 0
	for _, lb := range lbs {
		rendered += lb.LastFrame().TilesRendered
	}
	if rendered != 0 {
		t.Errorf("Expected converged frame to render no tiles, got %d", rendered)
	}
	if got := c.fbs[0].AccumID(0); got != 3 {
		t.Errorf("Expected accumID 3 after three frames, got %d", got)
	}
}

func TestTaskRoundTrip(t *testing.T) {
	in := TileTask{TileID: 77, AccumID: 12, TilesExhausted: true}
	out, err := decodeTask(encodeTask(in))
	if err != nil {
		t.Fatalf("decodeTask failed: %v", err)
	}
	if out != in {
		t.Errorf("Expected %+v, got %+v", in, out)
	}
	if _, err := decodeTask([]byte{msgTask, 1}); err == nil {
		t.Error("Expected error for truncated task")
	}
}

// orthoCamera looks down -z at the unit square from z = 10.
type orthoCamera struct{}

func (orthoCamera) ProjectPoint(p core.Vec3) (float64, float64, float64) {
	return p.X, p.Y, 10 - p.Z
}

// regionRenderer paints a region's whole tile with its premultiplied color.
type regionRenderer struct {
	colors map[int][4]float32
}

func (regionRenderer) BeginFrame(*dfb.FrameBuffer) any { return nil }
func (regionRenderer) RenderTile(any, *tile.Tile, int) {}
func (regionRenderer) EndFrame(any, dfb.Channels)      {}
func (regionRenderer) ErrorThreshold() float32         { return 0 }
func (regionRenderer) SamplesPerPixel() int            { return 1 }
func (regionRenderer) Camera() world.Camera            { return orthoCamera{} }
func (regionRenderer) Background() [4]float32          { return [4]float32{0, 0, 0, 1} }
func (rr regionRenderer) RenderRegionTile(_ any, reg world.Region, t *tile.Tile, job int) {
	c := rr.colors[reg.ID]
	lo, hi := JobPixels(job, NumJobs(1, t.AccumID))
	for i := lo; i < hi; i++ {
		t.R[i], t.G[i], t.B[i], t.A[i], t.Z[i] = c[0], c[1], c[2], c[3], 1
	}
}

func TestDistributedFrame(t *testing.T) {
	const n = 2
	size := image.Pt(256, 256)
	c := newCluster(t, n, size, dfb.FormatRGBA32F, dfb.ChannelColor)
	ctx := testCtx(t)

	near := world.Region{Bounds: core.NewAABB(core.NewVec3(0, 0, 5), core.NewVec3(0.5, 0.5, 6)), ID: 0}
	far := world.Region{Bounds: core.NewAABB(core.NewVec3(0.5, 0.5, 0), core.NewVec3(1, 1, 1)), ID: 1}
	worlds := make([]*world.World, n)
	for r, sctx := range c.ctxs {
		worlds[r] = world.New(sctx)
	}
	onAll(t, n, func(rank int) error {
		local := []world.Region{near}
		if rank == 1 {
			local = []world.Region{far}
		}
		return worlds[rank].Commit(ctx, local)
	})

	rr := regionRenderer{colors: map[int][4]float32{
		0: {0, 0.5, 0, 0.5},
		1: {0.5, 0, 0, 0.5},
	}}
	lbs := []*Distributed{NewDistributed(nil), NewDistributed(nil)}
	onAll(t, n, func(rank int) error {
		_, err := lbs[rank].RenderFrame(ctx, c.fbs[rank], rr, worlds[rank])
		return err
	})

	m, err := c.fbs[0].MapBuffer(dfb.ChannelColor)
	if err != nil {
		t.Fatalf("MapBuffer failed: %v", err)
	}
	pixel := func(tx, ty int) [4]float32 {
		i := 4 * (tx*tile.Size + ty*tile.Size*size.X)
		return [4]float32{m.Color32[i], m.Color32[i+1], m.Color32[i+2], m.Color32[i+3]}
	}
	tests := []struct {
		tx, ty int
		want   [4]float32
	}{
		{0, 0, [4]float32{0, 0.5, 0, 1}},    // near only
		{3, 3, [4]float32{0.5, 0, 0, 1}},    // far only
		{1, 2, [4]float32{0.25, 0.5, 0, 1}}, // near over far
		{3, 0, [4]float32{0, 0, 0, 1}},      // background
	}
	for _, tt := range tests {
		got := pixel(tt.tx, tt.ty)
		for ch := range got {
			if math.Abs(float64(got[ch]-tt.want[ch])) > 1e-5 {
				t.Errorf("Tile (%d,%d): expected %v, got %v", tt.tx, tt.ty, tt.want, got)
				break
			}
		}
	}
}

func TestDistributedNeedsRegionRenderer(t *testing.T) {
	c := newCluster(t, 1, image.Pt(64, 64), dfb.FormatRGBA8, dfb.ChannelColor)
	ctx := testCtx(t)
	w := world.New(c.ctxs[0])
	regions := []world.Region{
		{Bounds: core.NewAABB(core.NewVec3(0, 0, 0), core.NewVec3(1, 1, 1)), ID: 0},
		{Bounds: core.NewAABB(core.NewVec3(2, 0, 0), core.NewVec3(3, 1, 1)), ID: 1},
	}
	if err := w.Commit(ctx, regions); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	lb := NewDistributed(NewStatic())
	if _, err := lb.RenderFrame(ctx, c.fbs[0], &shadeRenderer{spp: 1}, w); !errors.Is(err, errors.ErrCodeUnsupported) {
		t.Errorf("Expected UNSUPPORTED error, got %v", err)
	}

	// a single region falls back to replicated rendering
	single := world.New(c.ctxs[0])
	if err := single.Commit(ctx, regions[:1]); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if _, err := lb.RenderFrame(ctx, c.fbs[0], &shadeRenderer{spp: 1}, single); err != nil {
		t.Fatalf("replicated frame failed: %v", err)
	}
	checkShades(t, c.fbs[0])
	if got := lb.LastFrame().TilesRendered; got != 1 {
		t.Errorf("Expected 1 tile rendered by the replicated balancer, got %d", got)
	}
}
