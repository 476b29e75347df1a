package transport

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/df07/go-cluster-raytracer/pkg/errors"
	"github.com/df07/go-cluster-raytracer/pkg/messaging"
)

// memMailboxes keeps each list in a buffered channel.
type memMailboxes struct {
	mu      sync.Mutex
	lists   map[string]chan string
	popErr  error
	deleted []string
}

func newMemMailboxes() *memMailboxes {
	return &memMailboxes{lists: make(map[string]chan string)}
}

func (m *memMailboxes) list(key string) chan string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.lists[key]
	if !ok {
		ch = make(chan string, 1024)
		m.lists[key] = ch
	}
	return ch
}

func (m *memMailboxes) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	ch := m.list(key)
	for _, v := range values {
		switch v := v.(type) {
		case []byte:
			ch <- string(v)
		case string:
			ch <- v
		}
	}
	return redis.NewIntResult(int64(len(ch)), nil)
}

func (m *memMailboxes) BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	m.mu.Lock()
	err := m.popErr
	m.mu.Unlock()
	if err != nil {
		return redis.NewStringSliceResult(nil, err)
	}
	select {
	case v := <-m.list(keys[0]):
		return redis.NewStringSliceResult([]string{keys[0], v}, nil)
	case <-time.After(timeout):
		return redis.NewStringSliceResult(nil, redis.Nil)
	case <-ctx.Done():
		return redis.NewStringSliceResult(nil, ctx.Err())
	}
}

func (m *memMailboxes) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.lists, k)
		m.deleted = append(m.deleted, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (m *memMailboxes) Close() error { return nil }

func testRedis(m *memMailboxes, session uuid.UUID, rank, size int) *Redis {
	return newRedis(m, RedisConfig{
		Session:     session,
		Rank:        rank,
		NumRanks:    size,
		PollTimeout: 20 * time.Millisecond,
		Logger:      log.New(io.Discard),
	})
}

func TestRedisPreservesSenderOrder(t *testing.T) {
	m := newMemMailboxes()
	session := uuid.New()
	send := testRedis(m, session, 0, 2)
	recv := testRedis(m, session, 1, 2)

	var mu sync.Mutex
	var got []messaging.Message
	done := make(chan struct{})
	const n = 100
	recv.Start(func(msg messaging.Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
		if len(got) == n {
			close(done)
		}
	}, func(err error) {
		t.Errorf("Unexpected transport failure: %v", err)
	})

	for i := 0; i < n; i++ {
		msg := messaging.Message{From: 0, To: 1, Object: 7, Payload: []byte{byte(i)}}
		if err := send.Send(context.Background(), msg); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for messages")
	}
	if err := recv.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, msg := range got {
		if msg.Payload[0] != byte(i) {
			t.Fatalf("Message %d arrived out of order: got %d", i, msg.Payload[0])
		}
		if msg.From != 0 || msg.To != 1 || msg.Object != 7 {
			t.Errorf("Expected message from 0 to 1 for object 7, got %+v", msg)
		}
	}
	if len(m.deleted) != 1 || m.deleted[0] != recv.Key(1) {
		t.Errorf("Expected Close to delete %s, got %v", recv.Key(1), m.deleted)
	}
}

func TestRedisReceiveFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *memMailboxes, key string)
	}{
		{"malformed envelope", func(m *memMailboxes, key string) {
			m.RPush(context.Background(), key, []byte{1, 2, 3})
		}},
		{"server error", func(m *memMailboxes, key string) {
			m.popErr = errors.New(errors.ErrCodeTransport, "READONLY replica")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMemMailboxes()
			r := testRedis(m, uuid.New(), 0, 1)
			tt.setup(m, r.Key(0))

			failed := make(chan error, 1)
			r.Start(func(msg messaging.Message) {
				t.Errorf("Expected no delivery, got %+v", msg)
			}, func(err error) {
				failed <- err
			})
			defer r.Close()

			select {
			case err := <-failed:
				if !errors.Is(err, errors.ErrCodeTransport) {
					t.Errorf("Expected TRANSPORT error, got %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Expected the receive loop to report a failure")
			}
		})
	}
}

func TestRedisFailureClosesSession(t *testing.T) {
	m := newMemMailboxes()
	session := uuid.New()
	r := testRedis(m, session, 0, 2)
	sctx, err := messaging.NewContext(r, messaging.WithSession(session), messaging.WithLogger(log.New(io.Discard)))
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	if err := sctx.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sctx.Close()

	m.RPush(context.Background(), r.Key(0), []byte("bad"))

	select {
	case <-sctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected a malformed message to close the session")
	}
	if !errors.Is(sctx.Err(), errors.ErrCodeTransport) {
		t.Errorf("Expected TRANSPORT session error, got %v", sctx.Err())
	}
	if err := sctx.Barrier(context.Background()); !errors.Is(err, errors.ErrCodeTransport) {
		t.Errorf("Expected Barrier to fail with TRANSPORT, got %v", err)
	}
}
