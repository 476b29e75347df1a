package messaging

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/df07/go-cluster-raytracer/pkg/errors"
)

type collOp uint8

const (
	opBarrierIn collOp = iota + 1
	opBarrierOut
	opBcast
	opGather
	opAllgather
)

const collHeader = 1 + 8

type collKey struct {
	op   collOp
	seq  uint64
	from int
}

// collectives matches collective traffic to waiting calls by (op, seq,
// sender). Every rank advances seq once per call, so calls must be made in
// the same order everywhere and from one goroutine at a time.
type collectives struct {
	c *Context

	seqMu sync.Mutex
	seq   uint64

	mu    sync.Mutex
	slots map[collKey]chan []byte
}

func newCollectives(c *Context) *collectives {
	return &collectives{c: c, slots: make(map[collKey]chan []byte)}
}

func (cl *collectives) next() uint64 {
	cl.seqMu.Lock()
	defer cl.seqMu.Unlock()
	cl.seq++
	return cl.seq
}

func (cl *collectives) slot(k collKey) chan []byte {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	ch, ok := cl.slots[k]
	if !ok {
		ch = make(chan []byte, 1)
		cl.slots[k] = ch
	}
	return ch
}

func (cl *collectives) release(k collKey) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.slots, k)
}

func (cl *collectives) incoming(msg Message) {
	if len(msg.Payload) < collHeader {
		cl.c.log.Error("dropping short collective message", "from", msg.From, "bytes", len(msg.Payload))
		return
	}
	k := collKey{
		op:   collOp(msg.Payload[0]),
		seq:  binary.LittleEndian.Uint64(msg.Payload[1:collHeader]),
		from: msg.From,
	}
	select {
	case cl.slot(k) <- msg.Payload[collHeader:]:
	default:
		cl.c.log.Error("duplicate collective message", "op", k.op, "seq", k.seq, "from", k.from)
	}
}

func (cl *collectives) send(ctx context.Context, to int, op collOp, seq uint64, data []byte) error {
	buf := make([]byte, collHeader, collHeader+len(data))
	buf[0] = byte(op)
	binary.LittleEndian.PutUint64(buf[1:], seq)
	buf = append(buf, data...)
	return cl.c.SendTo(ctx, to, collectiveID, buf)
}

func (cl *collectives) recv(ctx context.Context, op collOp, seq uint64, from int) ([]byte, error) {
	k := collKey{op: op, seq: seq, from: from}
	ch := cl.slot(k)
	select {
	case data := <-ch:
		cl.release(k)
		return data, nil
	case <-ctx.Done():
		return nil, errors.Wrap(errors.ErrCodeCancelled, ctx.Err(), "collective %d/%d waiting on rank %d", op, seq, from)
	case <-cl.c.done:
		if err := cl.c.Err(); err != nil {
			return nil, errors.Wrap(errors.ErrCodeTransport, err, "collective %d/%d", op, seq)
		}
		return nil, errors.New(errors.ErrCodeTransport, "context closed during collective %d/%d", op, seq)
	}
}

// Barrier returns once every rank has entered it.
func (c *Context) Barrier(ctx context.Context) error {
	cl := c.coll
	seq := cl.next()
	if !c.IsMaster() {
		if err := cl.send(ctx, 0, opBarrierIn, seq, nil); err != nil {
			return err
		}
		_, err := cl.recv(ctx, opBarrierOut, seq, 0)
		return err
	}
	for r := 1; r < c.NumRanks(); r++ {
		if _, err := cl.recv(ctx, opBarrierIn, seq, r); err != nil {
			return err
		}
	}
	for r := 1; r < c.NumRanks(); r++ {
		if err := cl.send(ctx, r, opBarrierOut, seq, nil); err != nil {
			return err
		}
	}
	return nil
}

// Bcast returns root's data on every rank.
func (c *Context) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	cl := c.coll
	seq := cl.next()
	if c.Rank() != root {
		return cl.recv(ctx, opBcast, seq, root)
	}
	for r := 0; r < c.NumRanks(); r++ {
		if r == root {
			continue
		}
		if err := cl.send(ctx, r, opBcast, seq, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// Gather collects every rank's data on root, indexed by rank. Other ranks get
// a nil slice.
func (c *Context) Gather(ctx context.Context, root int, data []byte) ([][]byte, error) {
	cl := c.coll
	seq := cl.next()
	if c.Rank() != root {
		return nil, cl.send(ctx, root, opGather, seq, data)
	}
	out := make([][]byte, c.NumRanks())
	out[root] = data
	for r := 0; r < c.NumRanks(); r++ {
		if r == root {
			continue
		}
		got, err := cl.recv(ctx, opGather, seq, r)
		if err != nil {
			return nil, err
		}
		out[r] = got
	}
	return out, nil
}

// Allgather returns every rank's data on every rank, indexed by rank.
func (c *Context) Allgather(ctx context.Context, data []byte) ([][]byte, error) {
	cl := c.coll
	seq := cl.next()
	for r := 0; r < c.NumRanks(); r++ {
		if r == c.Rank() {
			continue
		}
		if err := cl.send(ctx, r, opAllgather, seq, data); err != nil {
			return nil, err
		}
	}
	out := make([][]byte, c.NumRanks())
	out[c.Rank()] = data
	for r := 0; r < c.NumRanks(); r++ {
		if r == c.Rank() {
			continue
		}
		got, err := cl.recv(ctx, opAllgather, seq, r)
		if err != nil {
			return nil, err
		}
		out[r] = got
	}
	return out, nil
}
