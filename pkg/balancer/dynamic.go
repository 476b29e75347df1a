package balancer

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/df07/go-cluster-raytracer/pkg/dfb"
	"github.com/df07/go-cluster-raytracer/pkg/errors"
	"github.com/df07/go-cluster-raytracer/pkg/messaging"
	"github.com/df07/go-cluster-raytracer/pkg/tasking"
	"github.com/df07/go-cluster-raytracer/pkg/tile"
	"github.com/df07/go-cluster-raytracer/pkg/world"
)

// TileTask is one unit of work handed to a worker.
type TileTask struct {
	TileID         int
	AccumID        int32
	TilesExhausted bool
}

const (
	msgRequest byte = iota + 1
	msgTask
)

// Dynamic hands out tile tasks from rank 0. Every rank, rank 0 included,
// works; rank 0 additionally runs the coordinator.
type Dynamic struct {
	counters
	sctx *messaging.Context
	id   messaging.ObjectID
	log  *log.Logger

	// NumPreAllocated is the number of tasks issued to every worker before
	// any request arrives.
	NumPreAllocated int

	frame atomic.Uint32
	coord *coordinator
	work  *worker
}

// NewDynamic creates the balancer and registers it with sctx; every rank
// must create it at the same point in its construction order.
func NewDynamic(sctx *messaging.Context, numPreAllocated int) *Dynamic {
	d := &Dynamic{
		sctx:            sctx,
		id:              sctx.NewObjectID(),
		log:             sctx.Logger().With("balancer", "dynamic"),
		NumPreAllocated: max(numPreAllocated, 1),
	}
	if sctx.IsMaster() {
		d.coord = newCoordinator(sctx.NumRanks(), d.sendTask)
	}
	d.work = &worker{d: d}
	sctx.RegisterObject(d.id, d)
	sctx.Register(d.id, d)
	return d
}

func (*Dynamic) Kind() messaging.Kind { return messaging.KindLoadBalancer }
func (*Dynamic) Name() string         { return "dynamic" }

// Release unregisters the balancer.
func (d *Dynamic) Release() {
	d.sctx.Unregister(d.id)
}

func (d *Dynamic) RenderFrame(ctx context.Context, fb *dfb.FrameBuffer, r Renderer, _ *world.World) (float32, error) {
	op, err := ensureWriteMultiple(fb)
	if err != nil {
		return 0, err
	}
	threshold := r.ErrorThreshold()
	frame := d.frame.Add(1)

	if d.coord != nil {
		counts := d.coord.generateTileTasks(fb, threshold)
		op.SetInstances(counts)
	}
	if err := op.SyncInstances(ctx, d.sctx); err != nil {
		return 0, err
	}

	d.work.reset(ctx, fb, r, frame)
	if err := fb.StartNewFrame(ctx, threshold); err != nil {
		return 0, err
	}
	start := d.begin()
	d.work.begin(r.BeginFrame(fb))

	if d.coord != nil {
		for i := 0; i < d.NumPreAllocated; i++ {
			for w := 0; w < d.sctx.NumRanks(); w++ {
				d.coord.scheduleTile(w)
			}
		}
	}

	if err := fb.WaitUntilFinished(ctx); err != nil {
		return 0, err
	}
	if err := d.work.wait(ctx); err != nil {
		return 0, err
	}
	d.end(start)
	r.EndFrame(d.work.perFrame, fb.Channels())
	return fb.EndFrame(threshold), nil
}

// Incoming handles requests on rank 0 and tasks on every rank.
func (d *Dynamic) Incoming(msg messaging.Message) {
	if len(msg.Payload) == 0 {
		d.log.Error("empty balancer message", "from", msg.From)
		return
	}
	switch msg.Payload[0] {
	case msgRequest:
		if d.coord == nil || len(msg.Payload) < 9 {
			d.log.Error("unexpected tile request", "from", msg.From)
			return
		}
		requester := int(binary.LittleEndian.Uint32(msg.Payload[1:]))
		frame := binary.LittleEndian.Uint32(msg.Payload[5:])
		if frame != d.frame.Load() {
			d.log.Debug("ignoring request from an old frame", "from", requester, "frame", frame)
			return
		}
		d.coord.scheduleTile(requester)
	case msgTask:
		task, err := decodeTask(msg.Payload)
		if err != nil {
			d.log.Error("malformed tile task", "from", msg.From, "err", err)
			return
		}
		d.work.incoming(task)
	default:
		d.log.Error("unknown balancer message", "from", msg.From, "type", msg.Payload[0])
	}
}

func (d *Dynamic) sendTask(worker int, task TileTask) {
	if err := d.sctx.SendTo(context.Background(), worker, d.id, encodeTask(task)); err != nil {
		d.log.Error("tile task not delivered", "worker", worker, "err", err)
	}
}

func (d *Dynamic) requestTile(frame uint32) {
	buf := []byte{msgRequest}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(d.sctx.Rank()))
	buf = binary.LittleEndian.AppendUint32(buf, frame)
	if err := d.sctx.SendTo(context.Background(), 0, d.id, buf); err != nil {
		d.log.Error("tile request not delivered", "err", err)
	}
}

func encodeTask(t TileTask) []byte {
	buf := []byte{msgTask}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(t.TileID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(t.AccumID))
	if t.TilesExhausted {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func decodeTask(buf []byte) (TileTask, error) {
	if len(buf) != 10 {
		return TileTask{}, fmt.Errorf("tile task of %d bytes", len(buf))
	}
	return TileTask{
		TileID:         int(binary.LittleEndian.Uint32(buf[1:])),
		AccumID:        int32(binary.LittleEndian.Uint32(buf[5:])),
		TilesExhausted: buf[9] == 1,
	}, nil
}

// coordinator keeps one queue of tasks per worker, filled with the tiles the
// worker owns, and tells each worker exactly once per frame that no work is
// left.
type coordinator struct {
	mu        sync.Mutex
	preferred [][]TileTask
	notified  []bool
	send      func(worker int, task TileTask)
}

func newCoordinator(numWorkers int, send func(int, TileTask)) *coordinator {
	return &coordinator{
		preferred: make([][]TileTask, numWorkers),
		notified:  make([]bool, numWorkers),
		send:      send,
	}
}

// generateTileTasks fills the queues for a frame and returns the number of
// instances of every tile. Active tiles are queued once, then the noisiest
// are queued again round robin until the stream is as long as the grid, so
// duplicates of one tile sit far apart. Each instance gets its own accumID.
func (c *coordinator) generateTileTasks(fb *dfb.FrameBuffer, threshold float32) []int32 {
	type active struct {
		err float32
		id  int
	}
	numRanks := len(c.preferred)
	total := fb.TotalTiles()
	counts := make([]int32, total)
	base := make([]int32, total)

	c.mu.Lock()
	defer c.mu.Unlock()
	for w := range c.preferred {
		c.preferred[w] = c.preferred[w][:0]
		c.notified[w] = false
	}

	var tiles []active
	for id := 0; id < total; id++ {
		counts[id] = 1
		e := fb.TileError(id)
		if e <= threshold {
			continue
		}
		tiles = append(tiles, active{err: e, id: id})
		base[id] = fb.AccumID(id)
		owner := tile.OwnerOf(id, numRanks)
		c.preferred[owner] = append(c.preferred[owner], TileTask{TileID: id, AccumID: base[id]})
	}
	if len(tiles) == 0 {
		return counts
	}

	sort.SliceStable(tiles, func(a, b int) bool { return tiles[a].err > tiles[b].err })
	for i, k := len(tiles), 0; i < total; i, k = i+1, (k+1)%len(tiles) {
		id := tiles[k].id
		task := TileTask{TileID: id, AccumID: base[id] + counts[id]}
		counts[id]++
		owner := tile.OwnerOf(id, numRanks)
		c.preferred[owner] = append(c.preferred[owner], task)
	}
	return counts
}

// scheduleTile answers a worker: a task from its own queue, else from the
// largest queue, else the exhausted sentinel if it was not sent yet.
func (c *coordinator) scheduleTile(worker int) {
	c.mu.Lock()
	if c.notified[worker] {
		c.mu.Unlock()
		return
	}
	q := worker
	if len(c.preferred[q]) == 0 {
		for i := range c.preferred {
			if len(c.preferred[i]) > len(c.preferred[q]) {
				q = i
			}
		}
	}
	var task TileTask
	if n := len(c.preferred[q]); n == 0 {
		c.notified[worker] = true
		task.TilesExhausted = true
	} else {
		task = c.preferred[q][n-1]
		c.preferred[q] = c.preferred[q][:n-1]
	}
	c.mu.Unlock()
	c.send(worker, task)
}

// worker renders the tasks it receives and signals when it has none in
// flight and none coming.
type worker struct {
	d *Dynamic

	mu        sync.Mutex
	ctx       context.Context
	fb        *dfb.FrameBuffer
	r         Renderer
	frame     uint32
	available bool
	scheduled int
	drained   chan struct{}
	drainOnce *sync.Once
	ready     chan struct{}
	perFrame  any
	err       error
}

func (w *worker) reset(ctx context.Context, fb *dfb.FrameBuffer, r Renderer, frame uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ctx, w.fb, w.r, w.frame = ctx, fb, r, frame
	w.available = true
	w.scheduled = 0
	w.drained = make(chan struct{})
	w.drainOnce = &sync.Once{}
	w.ready = make(chan struct{})
	w.perFrame = nil
	w.err = nil
}

// begin publishes the per-frame renderer data and releases waiting tasks.
func (w *worker) begin(perFrame any) {
	w.mu.Lock()
	w.perFrame = perFrame
	ready := w.ready
	w.mu.Unlock()
	close(ready)
}

func (w *worker) incoming(task TileTask) {
	w.mu.Lock()
	if task.TilesExhausted {
		w.available = false
	} else {
		w.scheduled++
	}
	idle := w.scheduled == 0 && !w.available
	w.mu.Unlock()

	if task.TilesExhausted {
		if idle {
			w.drain()
		}
		return
	}
	go w.tileTask(task)
}

func (w *worker) tileTask(task TileTask) {
	w.mu.Lock()
	ctx, fb, r, frame, ready := w.ctx, w.fb, w.r, w.frame, w.ready
	w.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		w.fail(ctx.Err())
		return
	}
	w.mu.Lock()
	perFrame := w.perFrame
	w.mu.Unlock()

	t := tile.New(tile.BeginOf(task.TileID, fb.NumTiles()), fb.Size())
	t.AccumID = task.AccumID
	if !fb.FrameCancelled() {
		err := tasking.ParallelFor(ctx, NumJobs(r.SamplesPerPixel(), t.AccumID), 0, func(_ context.Context, job int) error {
			r.RenderTile(perFrame, t, job)
			return nil
		})
		if err != nil {
			w.fail(err)
		}
		w.d.rendered.Add(1)
	}

	w.mu.Lock()
	more := w.available
	w.mu.Unlock()
	if more {
		w.d.requestTile(frame)
	}
	if err := fb.SetTile(ctx, t); err != nil {
		w.fail(err)
	}

	w.mu.Lock()
	w.scheduled--
	idle := w.scheduled == 0 && !w.available
	w.mu.Unlock()
	if idle {
		w.drain()
	}
}

func (w *worker) fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
}

func (w *worker) drain() {
	w.mu.Lock()
	once, ch := w.drainOnce, w.drained
	w.mu.Unlock()
	once.Do(func() { close(ch) })
}

// wait blocks until every received task has been rendered and the
// coordinator has said no more are coming.
func (w *worker) wait(ctx context.Context) error {
	w.mu.Lock()
	ch := w.drained
	w.mu.Unlock()
	select {
	case <-ch:
	case <-ctx.Done():
		return errors.Wrap(errors.ErrCodeCancelled, ctx.Err(), "waiting for tile tasks")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
