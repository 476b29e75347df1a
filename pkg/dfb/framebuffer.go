// Package dfb implements the distributed frame buffer: the screen is split
// into 64x64 tiles dealt round robin to ranks, every rank ships its tile
// contributions to the owner, owners composite them with the attached tile
// operation and rank 0 gathers the finished tiles into a local image.
//
// A frame runs StartNewFrame, SetTile for every contribution,
// WaitUntilFinished and EndFrame, in that order, on every rank.
package dfb

import (
	"context"
	"encoding/binary"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/df07/go-cluster-raytracer/pkg/errors"
	"github.com/df07/go-cluster-raytracer/pkg/messaging"
	"github.com/df07/go-cluster-raytracer/pkg/stats"
	"github.com/df07/go-cluster-raytracer/pkg/tasking"
	"github.com/df07/go-cluster-raytracer/pkg/tile"
)

// ProgressFunc receives the fraction of tiles completed on rank 0. Returning
// false cancels the frame.
type ProgressFunc func(progress float32) bool

// Option configures a FrameBuffer.
type Option func(*FrameBuffer)

// WithPool processes incoming tiles on pool instead of a private one.
func WithPool(pool *tasking.Pool) Option {
	return func(fb *FrameBuffer) { fb.pool = pool }
}

// WithFrameTimeout fails WaitUntilFinished with a STALLED error when the
// frame does not complete within d. Zero waits forever.
func WithFrameTimeout(d time.Duration) Option {
	return func(fb *FrameBuffer) { fb.frameTimeout = d }
}

// WithProgress installs a progress callback, invoked on rank 0.
func WithProgress(fn ProgressFunc) Option {
	return func(fb *FrameBuffer) { fb.progress = fn }
}

// WithProgressInterval sets how often ranks report completed tiles.
func WithProgressInterval(d time.Duration) Option {
	return func(fb *FrameBuffer) { fb.progressInterval = d }
}

// FrameBuffer is one rank's part of the distributed frame buffer.
type FrameBuffer struct {
	sctx *messaging.Context
	id   messaging.ObjectID
	log  *log.Logger

	size     image.Point
	numTiles image.Point
	format   ColorFormat
	channels Channels

	pool             *tasking.Pool
	ownPool          bool
	frameTimeout     time.Duration
	progress         ProgressFunc
	progressInterval time.Duration

	// frame state
	mu          sync.Mutex
	op          TileOperation
	allTiles    []tile.Desc
	myTiles     []LiveTile
	liveByID    []LiveTile
	frameActive atomic.Bool
	frameDone   chan struct{}
	closeFrame  *sync.Once
	frameID     int
	fatalMu     sync.Mutex
	fatal       error

	// seqMu orders admitted tiles against frame starts. frameSeq numbers the
	// frames started since New and stamps every tile sent to another rank.
	seqMu        sync.RWMutex
	frameSeq     uint32
	inflight     sync.WaitGroup
	cancelledSeq atomic.Uint32

	// completion bookkeeping
	countMu        sync.Mutex
	completed      int
	progressTiles  int
	lastProgress   time.Time
	globalComplete atomic.Int64

	// gathered output
	gatherMu    sync.Mutex
	gatherBuf   []byte
	tilesExpect []int
	local       *LocalFrameBuffer
	accumMu     sync.RWMutex
	accumIDs    []int32
	tileErr     *TileError
	variance    float32
	cancelled   atomic.Bool
	lastReport  stats.FrameReport
	timings     timings
}

// New creates the frame buffer and registers it with sctx. Every rank must
// construct its frame buffers in the same order.
func New(sctx *messaging.Context, size image.Point, format ColorFormat, channels Channels, opts ...Option) (*FrameBuffer, error) {
	if size.X <= 0 || size.Y <= 0 {
		return nil, errors.New(errors.ErrCodeConfig, "frame buffer size %v must be positive", size)
	}
	if channels.Has(ChannelVariance) && !channels.Has(ChannelAccum) {
		return nil, errors.New(errors.ErrCodeConfig, "variance channel requires the accum channel")
	}
	fb := &FrameBuffer{
		sctx:             sctx,
		id:               sctx.NewObjectID(),
		log:              sctx.Logger().With("fb", size),
		size:             size,
		numTiles:         tile.NumTiles(size),
		format:           format,
		channels:         channels,
		progressInterval: time.Second,
	}
	for _, opt := range opts {
		opt(fb)
	}
	if fb.pool == nil {
		fb.pool = tasking.NewPool(0)
		fb.ownPool = true
	}
	fb.pool.Start()

	total := fb.TotalTiles()
	fb.accumIDs = make([]int32, total)
	if channels.Has(ChannelVariance) {
		fb.tileErr = NewTileError(fb.numTiles)
	} else {
		fb.tileErr = NewTileError(image.Point{})
	}
	if sctx.IsMaster() && format != FormatNone {
		fb.local = NewLocalFrameBuffer(size, format, channels)
	}
	fb.allTiles = tile.Grid(size, sctx.NumRanks(), sctx.Rank())
	fb.liveByID = make([]LiveTile, total)

	sctx.RegisterObject(fb.id, fb)
	sctx.Register(fb.id, fb)
	return fb, nil
}

// Kind identifies the frame buffer in the object registry.
func (fb *FrameBuffer) Kind() messaging.Kind { return messaging.KindFrameBuffer }

// ID returns the object id shared by this frame buffer on every rank.
func (fb *FrameBuffer) ID() messaging.ObjectID { return fb.id }

// Context returns the messaging session of the frame buffer.
func (fb *FrameBuffer) Context() *messaging.Context { return fb.sctx }

func (fb *FrameBuffer) Size() image.Point     { return fb.size }
func (fb *FrameBuffer) NumTiles() image.Point { return fb.numTiles }
func (fb *FrameBuffer) TotalTiles() int       { return fb.numTiles.X * fb.numTiles.Y }
func (fb *FrameBuffer) Format() ColorFormat   { return fb.format }
func (fb *FrameBuffer) Channels() Channels    { return fb.channels }

// Tiles returns the descriptor of every tile in index order.
func (fb *FrameBuffer) Tiles() []tile.Desc { return fb.allTiles }

// Local returns the assembled image on rank 0, nil elsewhere.
func (fb *FrameBuffer) Local() *LocalFrameBuffer { return fb.local }

func (fb *FrameBuffer) hasAux() bool {
	return fb.channels&(ChannelNormal|ChannelAlbedo) != 0
}

// Release unregisters the frame buffer and stops its private pool.
func (fb *FrameBuffer) Release() {
	fb.sctx.Unregister(fb.id)
	if fb.ownPool {
		fb.pool.Stop()
	}
}

// SetTileOperation attaches op and rebuilds the owned tiles. Attaching the
// operation already in use is a no-op.
func (fb *FrameBuffer) SetTileOperation(op TileOperation) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.frameActive.Load() {
		return errors.New(errors.ErrCodeConfig, "cannot change tile operation during a frame")
	}
	if fb.op == op {
		return nil
	}
	fb.op = op
	op.Attach(fb)
	fb.createTiles()
	return nil
}

// TileOperation returns the attached operation.
func (fb *FrameBuffer) TileOperation() TileOperation {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.op
}

func (fb *FrameBuffer) createTiles() {
	fb.myTiles = fb.myTiles[:0]
	clear(fb.liveByID)
	for _, d := range fb.allTiles {
		if !d.Mine() {
			continue
		}
		lt := fb.op.MakeTile(fb, d)
		fb.myTiles = append(fb.myTiles, lt)
		fb.liveByID[d.ID] = lt
	}
}

// NumMyTiles returns the number of tiles this rank owns.
func (fb *FrameBuffer) NumMyTiles() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.myTiles)
}

// LiveTile returns the compositor of an owned tile, nil otherwise.
func (fb *FrameBuffer) LiveTile(id int) LiveTile {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.liveByID[id]
}

// TileID returns the index of the tile containing pixel p.
func (fb *FrameBuffer) TileID(p image.Point) int {
	return tile.IDOf(image.Pt(p.X/tile.Size*tile.Size, p.Y/tile.Size*tile.Size), fb.numTiles)
}

// StartNewFrame begins a frame on this rank. Every rank must call it; it
// returns after a barrier, so no rank can send tiles for the frame before all
// of them are ready to receive.
func (fb *FrameBuffer) StartNewFrame(ctx context.Context, errorThreshold float32) error {
	if fb.frameActive.Load() {
		return errors.New(errors.ErrCodeConfig, "frame already started")
	}
	if fb.TileOperation() == nil {
		return errors.New(errors.ErrCodeConfig, "no tile operation attached")
	}
	if err := fb.tileErr.Sync(ctx, fb.sctx); err != nil {
		return err
	}

	// tiles admitted for the previous frame finish before its state is reset
	fb.seqMu.Lock()
	fb.inflight.Wait()
	fb.frameSeq++
	fb.seqMu.Unlock()

	fb.mu.Lock()
	fb.timings.reset()
	fb.cancelled.Store(false)
	fb.fatalMu.Lock()
	fb.fatal = nil
	fb.fatalMu.Unlock()

	fb.gatherMu.Lock()
	fb.gatherBuf = fb.gatherBuf[:0]
	fb.gatherMu.Unlock()

	for _, lt := range fb.myTiles {
		lt.NewFrame()
	}

	completed := 0
	if fb.sctx.IsMaster() {
		fb.tilesExpect = make([]int, fb.sctx.NumRanks())
	}
	hasAccum := fb.channels.Has(ChannelAccum)
	for _, d := range fb.allTiles {
		if hasAccum && fb.TileError(d.ID) <= errorThreshold {
			if d.Mine() {
				completed++
			}
		} else if fb.sctx.IsMaster() {
			fb.tilesExpect[d.Owner]++
		}
	}

	fb.countMu.Lock()
	fb.completed = 0
	fb.progressTiles = 0
	fb.lastProgress = time.Now()
	fb.countMu.Unlock()
	fb.globalComplete.Store(0)

	fb.frameDone = make(chan struct{})
	fb.closeFrame = &sync.Once{}
	fb.frameActive.Store(true)
	fb.mu.Unlock()

	fb.log.Debug("frame started", "frame", fb.frameID, "owned", len(fb.myTiles), "converged", completed)

	if err := fb.sctx.Barrier(ctx); err != nil {
		return err
	}
	fb.markCompleted(completed)
	return nil
}

// SetTile routes a contribution to its owner: processed in place when this
// rank owns the tile, sent over the transport otherwise.
func (fb *FrameBuffer) SetTile(ctx context.Context, t *tile.Tile) error {
	id, ok := tile.Lookup(t.Region.Min, fb.numTiles)
	if !ok {
		return errors.New(errors.ErrCodeConfig, "tile at %v is not a tile of the %v frame buffer", t.Region.Min, fb.size)
	}
	d := fb.allTiles[id]
	if !d.Mine() {
		return fb.sctx.SendTo(ctx, d.Owner, fb.id, tile.EncodeWriteTile(t, fb.currentSeq(), fb.hasAux()))
	}
	if !fb.frameActive.Load() {
		return errors.New(errors.ErrCodeProtocol, "set tile %d while no frame is active", id)
	}
	fb.liveByID[id].Process(t)
	return nil
}

// Incoming handles frame buffer messages from other ranks.
func (fb *FrameBuffer) Incoming(msg messaging.Message) {
	cmd, err := tile.Command(msg.Payload)
	if err != nil {
		fb.log.Error("malformed frame buffer message", "from", msg.From, "err", err)
		return
	}
	switch {
	case cmd&tile.CmdUpdateProgress != 0:
		fb.updateProgress(msg.Payload)
	case cmd&tile.CmdCancelRendering != 0:
		fb.cancelled.Store(true)
		fb.cancelledSeq.Store(fb.currentSeq())
		fb.closeCurrentFrame()
	case cmd&tile.CmdWorkerWriteTile != 0:
		fb.admitTile(msg)
	default:
		fb.log.Error("unknown frame buffer message", "from", msg.From, "command", cmd)
	}
}

func (fb *FrameBuffer) currentSeq() uint32 {
	fb.seqMu.RLock()
	defer fb.seqMu.RUnlock()
	return fb.frameSeq
}

// admitTile schedules a tile sent for the current frame. Tiles stamped with
// an earlier frame arrived after that frame ended and are dropped.
func (fb *FrameBuffer) admitTile(msg messaging.Message) {
	frame, err := tile.WriteTileFrame(msg.Payload)
	if err != nil {
		fb.fail(errors.Wrap(errors.ErrCodeTransport, err, "tile from rank %d", msg.From))
		return
	}

	fb.seqMu.RLock()
	seq := fb.frameSeq
	active := fb.frameActive.Load()
	if frame == seq && active {
		fb.inflight.Add(1)
		fb.seqMu.RUnlock()
		fb.scheduleProcessing(msg)
		return
	}
	fb.seqMu.RUnlock()

	switch {
	case frame < seq && frame == fb.cancelledSeq.Load():
		fb.log.Debug("dropping tile of a cancelled frame", "from", msg.From, "frame", frame)
	case frame < seq:
		fb.log.Warn("dropping tile of an ended frame", "from", msg.From, "frame", frame, "current", seq)
	case frame > seq:
		fb.fail(errors.New(errors.ErrCodeProtocol, "rank %d sent a tile for frame %d during frame %d", msg.From, frame, seq))
	case fb.cancelled.Load():
		fb.log.Debug("dropping tile of a cancelled frame", "from", msg.From, "frame", frame)
	default:
		fb.fail(errors.New(errors.ErrCodeProtocol, "tile message from rank %d while no frame is active", msg.From))
	}
}

func (fb *FrameBuffer) scheduleProcessing(msg messaging.Message) {
	queued := time.Now()
	fb.pool.Schedule(func() {
		defer fb.inflight.Done()
		started := time.Now()
		t, err := tile.DecodeWriteTile(msg.Payload)
		if err != nil {
			fb.fail(errors.Wrap(errors.ErrCodeTransport, err, "decode tile from rank %d", msg.From))
			return
		}
		id, ok := tile.Lookup(t.Region.Min, fb.numTiles)
		if !ok {
			fb.fail(errors.New(errors.ErrCodeProtocol, "rank %d sent a tile at %v outside the %v frame buffer", msg.From, t.Region.Min, fb.size))
			return
		}
		lt := fb.liveByID[id]
		if lt == nil {
			fb.fail(errors.New(errors.ErrCodeProtocol, "rank %d sent tile %v to a non-owner", msg.From, t.Region.Min))
			return
		}
		lt.Process(t)
		fb.timings.addTask(started.Sub(queued), time.Since(started))
	})
}

// tileIsCompleted is called by a compositor once its tile is final for the
// frame.
func (fb *FrameBuffer) tileIsCompleted(td *TileData) {
	td.mu.Lock()
	if td.completed {
		td.mu.Unlock()
		fb.fail(errors.New(errors.ErrCodeProtocol, "tile %d completed twice", td.desc.ID))
		return
	}
	td.completed = true
	var record []byte
	if fb.format != FormatNone {
		record = fb.masterTile(td).AppendTo(nil)
	} else {
		record = tile.AppendErrorRecord(nil, td.desc.ID, td.err)
	}
	td.mu.Unlock()

	fb.gatherMu.Lock()
	fb.gatherBuf = append(fb.gatherBuf, record...)
	fb.gatherMu.Unlock()

	fb.markCompleted(1)
}

// masterTile converts a finished tile into its gather record.
func (fb *FrameBuffer) masterTile(td *TileData) *tile.MasterTile {
	f := &td.final
	m := &tile.MasterTile{Coords: td.desc.Begin, Error: td.err}
	switch fb.format {
	case FormatRGBA8, FormatSRGBA:
		m.Command = tile.CmdMasterWriteTileI8
		m.Color8 = make([]uint32, tile.Pixels)
		pack := PackRGBA8
		if fb.format == FormatSRGBA {
			pack = PackSRGBA
		}
		for i := range m.Color8 {
			m.Color8[i] = pack(f.R[i], f.G[i], f.B[i], f.A[i])
		}
	default:
		m.Command = tile.CmdMasterWriteTileF32
		m.Color32 = make([]float32, 4*tile.Pixels)
		for i := 0; i < tile.Pixels; i++ {
			m.Color32[4*i], m.Color32[4*i+1], m.Color32[4*i+2], m.Color32[4*i+3] = f.R[i], f.G[i], f.B[i], f.A[i]
		}
	}
	if fb.channels.Has(ChannelDepth) {
		m.Command |= tile.CmdMasterTileHasDepth
		m.Depth = append([]float32(nil), f.Z[:]...)
	}
	if fb.hasAux() {
		m.Command |= tile.CmdMasterTileHasAux
		m.Normal = make([]float32, 3*tile.Pixels)
		m.Albedo = make([]float32, 3*tile.Pixels)
		for i := 0; i < tile.Pixels; i++ {
			m.Normal[3*i], m.Normal[3*i+1], m.Normal[3*i+2] = f.NX[i], f.NY[i], f.NZ[i]
			m.Albedo[3*i], m.Albedo[3*i+1], m.Albedo[3*i+2] = f.AR[i], f.AG[i], f.AB[i]
		}
	}
	return m
}

// markCompleted counts n finished tiles, reports progress to rank 0 at most
// once per interval and closes the frame when every owned tile is done.
func (fb *FrameBuffer) markCompleted(n int) {
	fb.countMu.Lock()
	fb.completed += n
	fb.progressTiles += n
	completed := fb.completed
	var report int
	if now := time.Now(); now.Sub(fb.lastProgress) >= fb.progressInterval {
		report = fb.progressTiles
		fb.progressTiles = 0
		fb.lastProgress = now
	}
	fb.countMu.Unlock()

	switch {
	case report > 0 && fb.sctx.IsMaster():
		fb.addProgress(report)
	case report > 0:
		if err := fb.sctx.SendTo(context.Background(), 0, fb.id, tile.EncodeProgress(fb.sctx.Rank(), report)); err != nil {
			fb.log.Warn("progress report failed", "err", err)
		}
	}

	owned := fb.NumMyTiles()
	switch {
	case completed == owned:
		fb.closeCurrentFrame()
	case completed > owned:
		fb.fail(errors.New(errors.ErrCodeProtocol, "%d tiles completed but only %d owned", completed, owned))
	}
}

func (fb *FrameBuffer) closeCurrentFrame() {
	fb.mu.Lock()
	done, once := fb.frameDone, fb.closeFrame
	fb.mu.Unlock()
	if once != nil {
		once.Do(func() { close(done) })
	}
}

// fail records the first fatal error of the frame and releases waiters.
func (fb *FrameBuffer) fail(err error) {
	fb.fatalMu.Lock()
	if fb.fatal == nil {
		fb.fatal = err
		fb.log.Error("frame failed", "err", err)
	}
	fb.fatalMu.Unlock()
	fb.closeCurrentFrame()
}

func (fb *FrameBuffer) fatalErr() error {
	fb.fatalMu.Lock()
	defer fb.fatalMu.Unlock()
	return fb.fatal
}

// WaitUntilFinished blocks until every owned tile is complete, agrees with
// rank 0 on whether the frame was cancelled and gathers the finished tiles on
// rank 0.
func (fb *FrameBuffer) WaitUntilFinished(ctx context.Context) error {
	start := time.Now()
	fb.mu.Lock()
	done := fb.frameDone
	fb.mu.Unlock()
	if done == nil {
		return errors.New(errors.ErrCodeConfig, "wait without a started frame")
	}

	var stall <-chan time.Time
	if fb.frameTimeout > 0 {
		timer := time.NewTimer(fb.frameTimeout)
		defer timer.Stop()
		stall = timer.C
	}

	select {
	case <-done:
	case <-ctx.Done():
		fb.frameActive.Store(false)
		return errors.Wrap(errors.ErrCodeCancelled, ctx.Err(), "waiting for frame %d", fb.frameID)
	case <-fb.sctx.Done():
		fb.frameActive.Store(false)
		if err := fb.sctx.Err(); err != nil {
			return errors.Wrap(errors.ErrCodeTransport, err, "waiting for frame %d", fb.frameID)
		}
		return errors.New(errors.ErrCodeTransport, "session closed while waiting for frame %d", fb.frameID)
	case <-stall:
		fb.frameActive.Store(false)
		fb.countMu.Lock()
		completed := fb.completed
		fb.countMu.Unlock()
		return errors.New(errors.ErrCodeStalled, "frame %d: %d of %d owned tiles completed after %v",
			fb.frameID, completed, fb.NumMyTiles(), fb.frameTimeout)
	}
	if err := fb.fatalErr(); err != nil {
		fb.frameActive.Store(false)
		return err
	}

	var flag []byte
	if fb.sctx.IsMaster() {
		flag = []byte{0}
		if fb.cancelled.Load() {
			flag[0] = 1
		}
	}
	got, err := fb.sctx.Bcast(ctx, 0, flag)
	if err != nil {
		return err
	}
	fb.frameActive.Store(false)
	fb.timings.wait = time.Since(start)

	if fb.sctx.IsMaster() && fb.progress != nil {
		fb.progress(1)
	}
	if len(got) > 0 && got[0] == 1 {
		fb.cancelled.Store(true)
		fb.cancelledSeq.Store(fb.currentSeq())
		fb.log.Info("frame cancelled", "frame", fb.frameID)
		return nil
	}

	switch {
	case fb.format != FormatNone:
		return fb.gatherFinalTiles(ctx)
	case fb.channels.Has(ChannelVariance):
		return fb.gatherFinalErrors(ctx)
	}
	return nil
}

// EndFrame refines the convergence regions on rank 0 and advances the
// accumulation ids. It returns the frame's maximum tile error (rank 0).
func (fb *FrameBuffer) EndFrame(errorThreshold float32) float32 {
	if fb.sctx.IsMaster() {
		fb.variance = fb.tileErr.Refine(errorThreshold)
	}
	if fb.channels.Has(ChannelAccum) {
		wm, _ := fb.TileOperation().(*WriteMultipleOperation)
		fb.accumMu.Lock()
		for i := range fb.accumIDs {
			step := int32(1)
			if wm != nil {
				step = max(1, wm.Instances(i))
			}
			fb.accumIDs[i] += step
		}
		fb.accumMu.Unlock()
	}
	fb.lastReport = fb.report()
	fb.frameID++
	return fb.variance
}

// Variance returns the error computed by the last EndFrame on rank 0.
func (fb *FrameBuffer) Variance() float32 {
	return fb.variance
}

// AccumID returns the accumulation index the next contribution to tile id
// should carry. It is 0 without an accum channel.
func (fb *FrameBuffer) AccumID(id int) int32 {
	if !fb.channels.Has(ChannelAccum) {
		return 0
	}
	fb.accumMu.RLock()
	defer fb.accumMu.RUnlock()
	return fb.accumIDs[id]
}

// TileError returns the convergence error of tile id; +Inf when unknown.
func (fb *FrameBuffer) TileError(id int) float32 {
	return fb.tileErr.At(tile.BeginOf(id, fb.numTiles).Div(tile.Size))
}

// TileErrors returns the error tracker; status snapshots read its refinement
// regions.
func (fb *FrameBuffer) TileErrors() *TileError {
	return fb.tileErr
}

// Clear restarts accumulation on every tile.
func (fb *FrameBuffer) Clear() {
	fb.accumMu.Lock()
	clear(fb.accumIDs)
	fb.accumMu.Unlock()
	if fb.channels.Has(ChannelAccum) {
		fb.tileErr.Clear()
	}
	if fb.local != nil {
		fb.local.clear()
	}
	fb.frameID = 0
}

// CancelFrame stops the current frame on every rank. Tiles still in flight
// are dropped when they arrive; callers should Clear before the next frame
// if partial accumulation matters.
func (fb *FrameBuffer) CancelFrame() {
	if fb.cancelled.Swap(true) {
		return
	}
	fb.cancelledSeq.Store(fb.currentSeq())
	fb.log.Info("cancelling frame", "frame", fb.frameID)
	msg := binary.LittleEndian.AppendUint32(nil, tile.CmdCancelRendering)
	for r := 0; r < fb.sctx.NumRanks(); r++ {
		if r == fb.sctx.Rank() {
			continue
		}
		if err := fb.sctx.SendTo(context.Background(), r, fb.id, msg); err != nil {
			fb.log.Warn("cancel not delivered", "rank", r, "err", err)
		}
	}
	fb.closeCurrentFrame()
}

// FrameCancelled reports whether the current frame was cancelled.
func (fb *FrameBuffer) FrameCancelled() bool {
	return fb.cancelled.Load()
}

// FrameID returns the number of frames ended since the last Clear.
func (fb *FrameBuffer) FrameID() int {
	return fb.frameID
}

// MapBuffer returns a copy of one channel of the assembled image. Only rank 0
// with a color format holds one.
func (fb *FrameBuffer) MapBuffer(ch Channels) (*Mapping, error) {
	if fb.local == nil {
		return nil, errors.New(errors.ErrCodeUnsupported, "rank %d has no local frame buffer to map", fb.sctx.Rank())
	}
	return fb.local.mapChannel(ch)
}

// Unmap releases a mapping returned by MapBuffer.
func (fb *FrameBuffer) Unmap(m *Mapping) error {
	if fb.local == nil {
		return errors.New(errors.ErrCodeUnsupported, "rank %d has no local frame buffer", fb.sctx.Rank())
	}
	return fb.local.unmap(m)
}
