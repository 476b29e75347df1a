package messaging_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/df07/go-cluster-raytracer/pkg/errors"
	"github.com/df07/go-cluster-raytracer/pkg/messaging"
	"github.com/df07/go-cluster-raytracer/pkg/transport"
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

// onAll runs fn concurrently on every rank and fails on the first error.
func onAll(t *testing.T, ctxs []*messaging.Context, fn func(c *messaging.Context) error) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make([]error, len(ctxs))
	for r, c := range ctxs {
		wg.Add(1)
		go func(r int, c *messaging.Context) {
			defer wg.Done()
			errs[r] = fn(c)
		}(r, c)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("Rank %d failed: %v", r, err)
		}
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCollectives(t *testing.T) {
	ctxs := startCluster(t, 3)
	ctx := testCtx(t)

	onAll(t, ctxs, func(c *messaging.Context) error {
		if err := c.Barrier(ctx); err != nil {
			return err
		}

		got, err := c.Bcast(ctx, 1, []byte("from one"))
		if err != nil {
			return err
		}
		if string(got) != "from one" {
			return fmt.Errorf("bcast got %q", got)
		}

		gathered, err := c.Gather(ctx, 0, []byte{byte(c.Rank())})
		if err != nil {
			return err
		}
		if c.IsMaster() {
			for r, g := range gathered {
				if !bytes.Equal(g, []byte{byte(r)}) {
					return fmt.Errorf("gather slot %d got %v", r, g)
				}
			}
		} else if gathered != nil {
			return fmt.Errorf("non-root gather returned %v", gathered)
		}

		all, err := c.Allgather(ctx, []byte{byte(10 + c.Rank())})
		if err != nil {
			return err
		}
		for r, g := range all {
			if !bytes.Equal(g, []byte{byte(10 + r)}) {
				return fmt.Errorf("allgather slot %d got %v", r, g)
			}
		}
		return c.Barrier(ctx)
	})
}

func TestCollectiveCancelled(t *testing.T) {
	ctxs := startCluster(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// rank 1 waits for a bcast rank 0 never sends
	_, err := ctxs[1].Bcast(ctx, 0, nil)
	if !errors.Is(err, errors.ErrCodeCancelled) {
		t.Errorf("Expected CANCELLED, got %v", err)
	}
}

func TestRoutingAndUnknownObject(t *testing.T) {
	ctxs := startCluster(t, 2)
	ctx := testCtx(t)

	// ids are allocated identically on every rank
	idA := ctxs[0].NewObjectID()
	idB := ctxs[1].NewObjectID()
	if idA != idB {
		t.Fatalf("Expected matching ids, got %d and %d", idA, idB)
	}

	got := make(chan messaging.Message, 2)
	ctxs[1].Register(idB, messaging.HandlerFunc(func(m messaging.Message) { got <- m }))

	// unknown id is dropped, later traffic still flows
	if err := ctxs[0].SendTo(ctx, 1, idA+100, []byte("lost")); err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}
	if err := ctxs[0].SendTo(ctx, 1, idA, []byte("hello")); err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}

	select {
	case m := <-got:
		if string(m.Payload) != "hello" || m.From != 0 {
			t.Errorf("Unexpected message %+v", m)
		}
	case <-ctx.Done():
		t.Fatal("Timed out waiting for routed message")
	}

	if err := ctxs[0].SendTo(ctx, 7, idA, nil); !errors.Is(err, errors.ErrCodeConfig) {
		t.Errorf("Expected CONFIG error for bad rank, got %v", err)
	}
}

type fakeModel struct{}

func (fakeModel) Kind() messaging.Kind { return messaging.KindModel }

type fakeRenderer struct{}

func (fakeRenderer) Kind() messaging.Kind { return messaging.KindRenderer }

func TestLookupAs(t *testing.T) {
	ctxs := startCluster(t, 1)
	c := ctxs[0]
	id := c.NewObjectID()
	c.RegisterObject(id, fakeModel{})

	if _, err := messaging.LookupAs[fakeModel](c, id); err != nil {
		t.Errorf("Expected lookup to succeed, got %v", err)
	}
	if _, err := messaging.LookupAs[fakeRenderer](c, id); err == nil {
		t.Error("Expected type mismatch error")
	}
	c.Unregister(id)
	if _, err := messaging.LookupAs[fakeModel](c, id); err == nil {
		t.Error("Expected error after unregister")
	}
}
