package dfb

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/df07/go-cluster-raytracer/pkg/errors"
	"github.com/df07/go-cluster-raytracer/pkg/messaging"
	"github.com/df07/go-cluster-raytracer/pkg/tile"
)

// LiveTile is the compositor state of one owned tile. Process is called once
// per contribution; the compositor calls back into the frame buffer exactly
// once per frame when the tile is final.
type LiveTile interface {
	Desc() tile.Desc
	NewFrame()
	Process(t *tile.Tile)
	data() *TileData
}

// TileOperation selects the compositor used for owned tiles.
type TileOperation interface {
	Kind() string
	Attach(fb *FrameBuffer)
	MakeTile(fb *FrameBuffer, d tile.Desc) LiveTile
}

// TileData is the state shared by every compositor: running sums, the
// normalized result and its error.
type TileData struct {
	desc tile.Desc
	fb   *FrameBuffer

	mu       sync.Mutex
	accum    tile.Tile
	variance tile.Tile
	final    tile.Tile
	err      float32

	completed bool
}

func (td *TileData) init(fb *FrameBuffer, d tile.Desc) {
	td.desc, td.fb, td.err = d, fb, infError
	region := tile.RegionAt(d.Begin, fb.size)
	td.accum.Region, td.variance.Region, td.final.Region = region, region, region
	td.accum.FbSize, td.variance.FbSize, td.final.FbSize = fb.size, fb.size, fb.size
}

func (td *TileData) Desc() tile.Desc { return td.desc }
func (td *TileData) data() *TileData { return td }

// Final returns the normalized result of the last completed frame.
func (td *TileData) Final() *tile.Tile { return &td.final }

// Error returns the error computed when the tile last completed.
func (td *TileData) Error() float32 { return td.err }

func (td *TileData) resetFrame() {
	td.completed = false
}

// accumulate folds t into the sums and updates final and err.
func (td *TileData) accumulate(t *tile.Tile) {
	fb := td.fb
	td.err = accumulateTile(t, &td.final, &td.accum, &td.variance, fb.channels.Has(ChannelAccum), fb.channels.Has(ChannelVariance))
	if fb.hasAux() {
		accumulateAux(t, &td.final, &td.accum, t.AccumID == 0 || !fb.channels.Has(ChannelAccum))
	}
}

func (td *TileData) finish() {
	td.fb.tileIsCompleted(td)
}

// WriteMultipleOperation composites tiles rendered by one or more instances,
// as produced by the static and dynamic load balancers. The instance count
// per tile is set on rank 0 and synchronized before each frame.
type WriteMultipleOperation struct {
	mu        sync.RWMutex
	instances []int32
}

func (*WriteMultipleOperation) Kind() string { return "write-multiple" }

// Attach sizes the instance table to one instance per tile.
func (op *WriteMultipleOperation) Attach(fb *FrameBuffer) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.instances = make([]int32, fb.TotalTiles())
	for i := range op.instances {
		op.instances[i] = 1
	}
}

func (op *WriteMultipleOperation) MakeTile(fb *FrameBuffer, d tile.Desc) LiveTile {
	t := &WriteMultipleTile{op: op}
	t.init(fb, d)
	return t
}

// SetInstances replaces the per-tile instance counts.
func (op *WriteMultipleOperation) SetInstances(counts []int32) {
	op.mu.Lock()
	defer op.mu.Unlock()
	copy(op.instances, counts)
}

// Instances returns the number of contributions expected for tile id.
func (op *WriteMultipleOperation) Instances(id int) int32 {
	op.mu.RLock()
	defer op.mu.RUnlock()
	if id < 0 || id >= len(op.instances) {
		return 1
	}
	return op.instances[id]
}

// SyncInstances broadcasts rank 0's instance table to every rank.
func (op *WriteMultipleOperation) SyncInstances(ctx context.Context, sctx *messaging.Context) error {
	op.mu.RLock()
	var payload []byte
	if sctx.IsMaster() {
		payload = make([]byte, 0, 4*len(op.instances))
		for _, n := range op.instances {
			payload = binary.LittleEndian.AppendUint32(payload, uint32(n))
		}
	}
	n := len(op.instances)
	op.mu.RUnlock()

	got, err := sctx.Bcast(ctx, 0, payload)
	if err != nil {
		return err
	}
	if sctx.IsMaster() {
		return nil
	}
	if len(got) != 4*n {
		return errors.New(errors.ErrCodeProtocol, "tile instance sync: got %d bytes, want %d", len(got), 4*n)
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	for i := range op.instances {
		op.instances[i] = int32(binary.LittleEndian.Uint32(got[4*i:]))
	}
	return nil
}

// WriteMultipleTile holds back one even-accumID contribution until every
// instance has arrived, so the error is estimated with one fewer sample
// than the mean it is compared against.
type WriteMultipleTile struct {
	TileData
	op *WriteMultipleOperation

	instances    int32
	writeOnce    bool
	maxAccumID   int32
	buffered     tile.Tile
	tileBuffered bool
	depthSeeded  bool
}

func (t *WriteMultipleTile) NewFrame() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetFrame()
	t.maxAccumID = 0
	t.instances = t.op.Instances(t.desc.ID)
	t.writeOnce = t.instances <= 1
	t.tileBuffered = false
	t.depthSeeded = false
	if !t.writeOnce && t.fb.AccumID(t.desc.ID) <= 1 {
		// intermediate instances add without restarting the sums
		base := t.fb.AccumID(t.desc.ID)
		if base == 0 {
			clearPlanes(&t.accum)
		}
		clearPlanes(&t.variance)
	}
}

func (t *WriteMultipleTile) Process(src *tile.Tile) {
	if t.writeOnce {
		t.mu.Lock()
		t.accumulate(src)
		t.mu.Unlock()
		t.finish()
		return
	}

	t.mu.Lock()
	t.maxAccumID = max(t.maxAccumID, src.AccumID)
	if !t.tileBuffered && src.AccumID&1 == 0 {
		t.buffered.CopyFrom(src)
		t.tileBuffered = true
	} else {
		accumulateSimple(src, &t.accum, &t.variance)
		if !t.depthSeeded {
			t.final.Z = src.Z
			t.depthSeeded = true
		}
		if t.fb.hasAux() {
			accumulateAux(src, &t.final, &t.accum, false)
		}
	}
	t.instances--
	done := t.instances == 0
	if t.instances < 0 {
		t.mu.Unlock()
		t.fb.fail(errors.New(errors.ErrCodeProtocol, "tile %d received more instances than expected", t.desc.ID))
		return
	}
	if !done {
		t.mu.Unlock()
		return
	}

	w, h := src.Width(), src.Height()
	switch {
	case !t.tileBuffered:
		normalize(&t.final, &t.accum, t.maxAccumID, w, h)
		t.err = tileError(&t.accum, &t.variance, t.maxAccumID, w, h)
	case t.maxAccumID&1 == 0:
		// the variance buffer is one sample short; estimate the error now,
		// while accum is short the buffered sample too
		prev := tileError(&t.accum, &t.variance, t.maxAccumID-1, w, h)
		t.buffered.AccumID = t.maxAccumID
		t.accumulate(&t.buffered)
		t.err = prev
	default:
		t.buffered.AccumID = t.maxAccumID
		accumulateTile(&t.buffered, &t.final, &t.accum, &t.variance, t.fb.channels.Has(ChannelAccum), false)
		if t.fb.hasAux() {
			accumulateAux(&t.buffered, &t.final, &t.accum, false)
		}
		t.err = tileError(&t.accum, &t.variance, t.maxAccumID, w, h)
	}
	t.mu.Unlock()
	t.finish()
}

func clearPlanes(t *tile.Tile) {
	region, fbSize := t.Region, t.FbSize
	*t = tile.Tile{Region: region, FbSize: fbSize}
}

func normalize(final, accum *tile.Tile, accumID int32, w, h int) {
	rn := 1 / float32(accumID+1)
	final.AccumID = accumID
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := tile.Index(x, y)
			final.R[i] = accum.R[i] * rn
			final.G[i] = accum.G[i] * rn
			final.B[i] = accum.B[i] * rn
			final.A[i] = accum.A[i] * rn
		}
	}
}

// AlphaBlendOperation composites depth-ordered, possibly transparent region
// contributions announced through the generation protocol.
type AlphaBlendOperation struct{}

func (AlphaBlendOperation) Kind() string        { return "alpha-blend" }
func (AlphaBlendOperation) Attach(*FrameBuffer) {}

func (AlphaBlendOperation) MakeTile(fb *FrameBuffer, d tile.Desc) LiveTile {
	t := &AlphaBlendTile{}
	t.init(fb, d)
	return t
}

// generationState tracks the causal protocol: generation 0 is a single
// tile; each tile of generation g announces through Children how many tiles
// of generation g+1 to expect.
type generationState struct {
	current      int32
	missing      int32
	expectedNext int32
}

func (g *generationState) reset() {
	*g = generationState{current: 0, missing: 1, expectedNext: 0}
}

// arrive accounts for one tile of the current generation.
func (g *generationState) arrive(children int32) error {
	g.missing--
	g.expectedNext += children
	if g.missing < 0 {
		return fmt.Errorf("negative missing: missing=%d expectedNext=%d generation=%d", g.missing, g.expectedNext, g.current)
	}
	return nil
}

// advance moves to the next generation once the current one is complete.
func (g *generationState) advance() bool {
	if g.missing != 0 || g.expectedNext <= 0 {
		return false
	}
	g.current++
	g.missing = g.expectedNext
	g.expectedNext = 0
	return true
}

// done reports whether no generation is outstanding.
func (g *generationState) done() bool {
	return g.missing == 0 && g.expectedNext == 0
}

// AlphaBlendTile buffers fragments until the generation protocol says every
// contribution has arrived, then blends them back to front exactly once.
type AlphaBlendTile struct {
	TileData
	gen       generationState
	fragments []*tile.Tile
}

func (t *AlphaBlendTile) NewFrame() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetFrame()
	t.gen.reset()
	if len(t.fragments) > 0 {
		t.fb.log.Warn("starting frame with buffered fragments", "tile", t.desc.ID, "fragments", len(t.fragments))
		t.fragments = t.fragments[:0]
	}
}

func (t *AlphaBlendTile) Process(src *tile.Tile) {
	t.mu.Lock()
	frag := &tile.Tile{}
	frag.CopyFrom(src)
	t.fragments = append(t.fragments, frag)

	var perr error
	if src.Generation == t.gen.current {
		perr = t.gen.arrive(src.Children)
		for perr == nil && t.gen.advance() {
			for _, f := range t.fragments {
				if f.Generation == t.gen.current {
					if perr = t.gen.arrive(f.Children); perr != nil {
						break
					}
				}
			}
		}
	}
	if perr != nil {
		t.mu.Unlock()
		t.fb.fail(errors.Wrap(errors.ErrCodeProtocol, perr, "alpha blend tile %d", t.desc.ID))
		return
	}
	if !t.gen.done() {
		t.mu.Unlock()
		return
	}

	sortAndBlend(t.fragments)
	t.accumulate(t.fragments[0])
	t.fragments = t.fragments[:0]
	t.mu.Unlock()
	t.finish()
}

// ZCompositeOperation merges opaque contributions from a fixed number of
// workers by nearest depth.
type ZCompositeOperation struct {
	NumWorkers int
}

func (ZCompositeOperation) Kind() string        { return "z-composite" }
func (ZCompositeOperation) Attach(*FrameBuffer) {}

func (op ZCompositeOperation) MakeTile(fb *FrameBuffer, d tile.Desc) LiveTile {
	n := op.NumWorkers
	if n <= 0 {
		n = fb.sctx.NumRanks()
	}
	t := &ZCompositeTile{numWorkers: n}
	t.init(fb, d)
	return t
}

// ZCompositeTile keeps the nearest fragment per pixel and completes after
// exactly numWorkers contributions.
type ZCompositeTile struct {
	TileData
	numWorkers int
	parts      int
	composited tile.Tile
}

func (t *ZCompositeTile) NewFrame() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetFrame()
	t.parts = 0
}

func (t *ZCompositeTile) Process(src *tile.Tile) {
	t.mu.Lock()
	if t.parts == 0 {
		t.composited.CopyFrom(src)
	} else {
		zComposite(src, &t.composited)
	}
	t.parts++
	if t.parts > t.numWorkers {
		t.mu.Unlock()
		t.fb.fail(errors.New(errors.ErrCodeProtocol, "z-composite tile %d got %d parts, expected %d", t.desc.ID, t.parts, t.numWorkers))
		return
	}
	if t.parts < t.numWorkers {
		t.mu.Unlock()
		return
	}
	t.accumulate(&t.composited)
	t.mu.Unlock()
	t.finish()
}
