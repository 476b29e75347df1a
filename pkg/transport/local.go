// Package transport implements messaging.Transport backends:
//   - local: an in-process fabric where every rank is a goroutine set, used by
//     the single-process cluster mode and by multi-rank tests
//   - redis: one list per rank in a shared Redis, used when ranks run as
//     separate processes
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/df07/go-cluster-raytracer/pkg/messaging"
)

// Fabric connects a fixed number of in-process endpoints.
type Fabric struct {
	endpoints []*Local
}

// NewFabric creates a fabric with n endpoints, one per rank.
func NewFabric(n int) *Fabric {
	f := &Fabric{endpoints: make([]*Local, n)}
	for r := range f.endpoints {
		f.endpoints[r] = &Local{
			fabric: f,
			rank:   r,
			wake:   make(chan struct{}, 1),
			stop:   make(chan struct{}),
		}
	}
	return f
}

// Endpoint returns rank's transport.
func (f *Fabric) Endpoint(rank int) *Local {
	return f.endpoints[rank]
}

// Size returns the number of ranks on the fabric.
func (f *Fabric) Size() int {
	return len(f.endpoints)
}

// Local is one rank's endpoint on a Fabric. Its mailbox is unbounded so a
// sender never blocks on a slow receiver, and a single delivery goroutine
// keeps per-sender order.
type Local struct {
	fabric *Fabric
	rank   int

	mu      sync.Mutex
	mailbox []messaging.Message
	closed  bool

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

func (l *Local) Rank() int     { return l.rank }
func (l *Local) NumRanks() int { return len(l.fabric.endpoints) }

// Send copies msg into the destination mailbox.
func (l *Local) Send(ctx context.Context, msg messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.To < 0 || msg.To >= len(l.fabric.endpoints) {
		return fmt.Errorf("no endpoint for rank %d", msg.To)
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	return l.fabric.endpoints[msg.To].enqueue(msg)
}

func (l *Local) enqueue(msg messaging.Message) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("rank %d endpoint closed", l.rank)
	}
	l.mailbox = append(l.mailbox, msg)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the delivery goroutine.
func (l *Local) Start(deliver func(messaging.Message), _ func(error)) error {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-l.stop:
				return
			case <-l.wake:
			}
			for {
				l.mu.Lock()
				if len(l.mailbox) == 0 {
					l.mu.Unlock()
					break
				}
				batch := l.mailbox
				l.mailbox = nil
				l.mu.Unlock()
				for _, msg := range batch {
					deliver(msg)
				}
			}
		}
	}()
	return nil
}

// Close stops delivery; queued messages are dropped.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mailbox = nil
	l.mu.Unlock()
	close(l.stop)
	l.wg.Wait()
	return nil
}
