package dfb

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/df07/go-cluster-raytracer/pkg/errors"
	"github.com/df07/go-cluster-raytracer/pkg/stats"
	"github.com/df07/go-cluster-raytracer/pkg/tasking"
	"github.com/df07/go-cluster-raytracer/pkg/tile"
)

// timings accumulates the per-frame measurements behind Report.
type timings struct {
	mu          sync.Mutex
	started     time.Time
	queue       []time.Duration
	work        []time.Duration
	wait        time.Duration
	compress    time.Duration
	gather      time.Duration
	decompress  time.Duration
	masterWrite time.Duration
	compressed  float64
}

func (t *timings) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = time.Now()
	t.queue, t.work = t.queue[:0], t.work[:0]
	t.wait, t.compress, t.gather, t.decompress, t.masterWrite = 0, 0, 0, 0, 0
	t.compressed = 0
}

func (t *timings) addTask(queued, worked time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(t.queue, queued)
	t.work = append(t.work, worked)
}

// report snapshots the measurements of the frame that just ended.
func (fb *FrameBuffer) report() stats.FrameReport {
	owned := fb.NumMyTiles()
	variance := fb.variance
	if math.IsInf(float64(variance), 0) {
		variance = -1
	}
	fb.countMu.Lock()
	completed := fb.completed
	fb.countMu.Unlock()
	fb.timings.mu.Lock()
	defer fb.timings.mu.Unlock()
	t := &fb.timings
	return stats.FrameReport{
		Session:           fb.sctx.Session().String(),
		Rank:              fb.sctx.Rank(),
		Frame:             fb.frameID,
		Started:           t.started,
		TilesOwned:        owned,
		TilesCompleted:    completed,
		Variance:          variance,
		Cancelled:         fb.cancelled.Load(),
		QueueTimes:        stats.Summarize(t.queue),
		WorkTimes:         stats.Summarize(t.work),
		WaitTime:          t.wait,
		CompressTime:      t.compress,
		GatherTime:        t.gather,
		DecompressTime:    t.decompress,
		MasterWriteTime:   t.masterWrite,
		CompressedPercent: t.compressed,
		FrameTime:         time.Since(t.started),
	}
}

// Report returns this rank's statistics for the last ended frame.
func (fb *FrameBuffer) Report() stats.FrameReport {
	return fb.lastReport
}

// updateProgress handles a worker's completed-tile report on rank 0.
func (fb *FrameBuffer) updateProgress(payload []byte) {
	_, n, err := tile.DecodeProgress(payload)
	if err != nil {
		fb.log.Error("malformed progress message", "err", err)
		return
	}
	fb.addProgress(n)
}

func (fb *FrameBuffer) addProgress(n int) {
	done := fb.globalComplete.Add(int64(n))
	if fb.progress == nil || !fb.frameActive.Load() {
		return
	}
	p := min(float32(done)/float32(fb.TotalTiles()), 1)
	if !fb.progress(p) {
		fb.CancelFrame()
	}
}

// gatherFinalTiles ships every completed tile to rank 0, snappy compressed,
// where they are written into the local frame buffer and their errors fed
// to the tile error tracker.
func (fb *FrameBuffer) gatherFinalTiles(ctx context.Context) error {
	fb.gatherMu.Lock()
	raw := fb.gatherBuf
	fb.gatherMu.Unlock()

	start := time.Now()
	compressed := snappy.Encode(nil, raw)
	fb.timings.mu.Lock()
	fb.timings.compress = time.Since(start)
	if len(raw) > 0 {
		fb.timings.compressed = 100 * float64(len(compressed)) / float64(len(raw))
	}
	fb.timings.mu.Unlock()

	start = time.Now()
	parts, err := fb.sctx.Gather(ctx, 0, compressed)
	if err != nil {
		return err
	}
	gathered := time.Since(start)
	if !fb.sctx.IsMaster() {
		fb.timings.mu.Lock()
		fb.timings.gather = gathered
		fb.timings.mu.Unlock()
		return nil
	}

	start = time.Now()
	decoded := make([][]*tile.MasterTile, len(parts))
	err = tasking.ParallelFor(ctx, len(parts), 0, func(_ context.Context, r int) error {
		buf, err := snappy.Decode(nil, parts[r])
		if err != nil {
			return errors.Wrap(errors.ErrCodeProtocol, err, "decompress tiles of rank %d", r)
		}
		tiles, err := tile.DecodeMasterTiles(buf)
		if err != nil {
			return errors.Wrap(errors.ErrCodeProtocol, err, "decode tiles of rank %d", r)
		}
		if len(tiles) != fb.tilesExpect[r] {
			return errors.New(errors.ErrCodeProtocol, "rank %d sent %d tiles, expected %d", r, len(tiles), fb.tilesExpect[r])
		}
		decoded[r] = tiles
		return nil
	})
	if err != nil {
		return err
	}
	decompressed := time.Since(start)

	start = time.Now()
	var all []*tile.MasterTile
	for _, tiles := range decoded {
		all = append(all, tiles...)
	}
	err = tasking.ParallelFor(ctx, len(all), 0, func(_ context.Context, i int) error {
		m := all[i]
		fb.local.WriteTile(m)
		if m.Error < infError {
			fb.tileErr.Update(m.Coords.Div(tile.Size), m.Error)
		}
		return nil
	})
	if err != nil {
		return err
	}

	fb.timings.mu.Lock()
	fb.timings.gather = gathered
	fb.timings.decompress = decompressed
	fb.timings.masterWrite = time.Since(start)
	fb.timings.mu.Unlock()
	return nil
}

// gatherFinalErrors collects only tile errors, for frame buffers that keep
// no color on rank 0.
func (fb *FrameBuffer) gatherFinalErrors(ctx context.Context) error {
	fb.gatherMu.Lock()
	raw := fb.gatherBuf
	fb.gatherMu.Unlock()

	start := time.Now()
	parts, err := fb.sctx.Gather(ctx, 0, raw)
	if err != nil {
		return err
	}
	fb.timings.mu.Lock()
	fb.timings.gather = time.Since(start)
	fb.timings.mu.Unlock()
	if !fb.sctx.IsMaster() {
		return nil
	}
	for r, part := range parts {
		n := 0
		err := tile.DecodeErrorRecords(part, func(id int, e float32) {
			n++
			if e < infError {
				fb.tileErr.Update(tile.BeginOf(id, fb.numTiles).Div(tile.Size), e)
			}
		})
		if err != nil {
			return errors.Wrap(errors.ErrCodeProtocol, err, "error records of rank %d", r)
		}
		if n != fb.tilesExpect[r] {
			return errors.New(errors.ErrCodeProtocol, "rank %d sent %d error records, expected %d", r, n, fb.tilesExpect[r])
		}
	}
	return nil
}
