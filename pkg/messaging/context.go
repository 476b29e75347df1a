// Package messaging routes byte messages between ranks to registered
// handlers and provides the collective operations the frame buffer and load
// balancers synchronize with.
//
// A Context replaces process-wide registries: every session owns its handler
// table, its object registry and its id allocator. Objects constructed in the
// same order on every rank receive the same ObjectID, which is what lets a
// message addressed to an id on one rank reach the matching object on another.
package messaging

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/df07/go-cluster-raytracer/pkg/errors"
)

// ObjectID addresses a handler on every rank.
type ObjectID uint32

// collectiveID is reserved for Barrier, Bcast, Gather and Allgather traffic.
const collectiveID ObjectID = 0

// Message is a payload addressed to an object on a rank.
type Message struct {
	From    int
	To      int
	Object  ObjectID
	Payload []byte
}

// Transport moves messages between ranks. Implementations must preserve
// per-sender ordering and support sending to the local rank.
type Transport interface {
	Rank() int
	NumRanks() int
	Send(ctx context.Context, msg Message) error
	// Start delivers incoming messages to deliver. A transport that can no
	// longer receive reports it once through fail and stops delivering.
	Start(deliver func(Message), fail func(error)) error
	Close() error
}

// Handler consumes messages addressed to its ObjectID.
type Handler interface {
	Incoming(msg Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Message)

func (f HandlerFunc) Incoming(msg Message) { f(msg) }

// Kind tags objects in the registry so lookups are checked.
type Kind int

const (
	KindFrameBuffer Kind = iota + 1
	KindRenderer
	KindModel
	KindLoadBalancer
)

func (k Kind) String() string {
	switch k {
	case KindFrameBuffer:
		return "FrameBuffer"
	case KindRenderer:
		return "Renderer"
	case KindModel:
		return "Model"
	case KindLoadBalancer:
		return "LoadBalancer"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Object is anything stored in the registry.
type Object interface {
	Kind() Kind
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the session logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Context) { c.log = l }
}

// WithSession pins the session id; ranks of one cluster must agree on it.
func WithSession(id uuid.UUID) Option {
	return func(c *Context) { c.session = id }
}

// Context is one rank's view of a messaging session.
type Context struct {
	transport Transport
	session   uuid.UUID
	log       *log.Logger

	mu       sync.RWMutex
	handlers map[ObjectID]Handler
	objects  map[ObjectID]Object
	nextID   ObjectID

	coll *collectives

	closeOnce sync.Once
	doneOnce  sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// NewContext creates a session over t. Call Start once every handler that may
// receive early traffic is registered.
func NewContext(t Transport, opts ...Option) (*Context, error) {
	if t == nil {
		return nil, errors.New(errors.ErrCodeConfig, "messaging context needs a transport")
	}
	if t.NumRanks() <= 0 || t.Rank() < 0 || t.Rank() >= t.NumRanks() {
		return nil, errors.New(errors.ErrCodeConfig, "invalid rank %d of %d", t.Rank(), t.NumRanks())
	}
	c := &Context{
		transport: t,
		handlers:  make(map[ObjectID]Handler),
		objects:   make(map[ObjectID]Object),
		nextID:    collectiveID + 1,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = log.NewWithOptions(io.Discard, log.Options{})
	}
	if c.session == uuid.Nil {
		c.session = uuid.New()
	}
	c.log = c.log.WithPrefix(fmt.Sprintf("rank %d", t.Rank()))
	c.coll = newCollectives(c)
	return c, nil
}

// Start begins delivering incoming messages.
func (c *Context) Start() error {
	if err := c.transport.Start(c.incoming, c.fail); err != nil {
		return errors.Wrap(errors.ErrCodeTransport, err, "start transport")
	}
	return nil
}

// Close shuts the transport down and releases blocked collectives.
func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.doneOnce.Do(func() { close(c.done) })
		err = c.transport.Close()
	})
	return err
}

// fail records the first transport failure and releases everything blocked
// on the session.
func (c *Context) fail(err error) {
	c.errMu.Lock()
	first := c.err == nil
	if first {
		c.err = errors.Wrap(errors.ErrCodeTransport, err, "session %s", c.session)
	}
	c.errMu.Unlock()
	if first {
		c.log.Error("transport failed", "err", err)
	}
	c.doneOnce.Do(func() { close(c.done) })
}

// Done is closed when the context is closed or its transport fails.
func (c *Context) Done() <-chan struct{} {
	return c.done
}

// Err returns the transport failure that closed the session, or nil.
func (c *Context) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Context) Rank() int           { return c.transport.Rank() }
func (c *Context) NumRanks() int       { return c.transport.NumRanks() }
func (c *Context) IsMaster() bool      { return c.transport.Rank() == 0 }
func (c *Context) Session() uuid.UUID  { return c.session }
func (c *Context) Logger() *log.Logger { return c.log }

// NewObjectID allocates the next id. Construction must happen in the same
// order on every rank.
func (c *Context) NewObjectID() ObjectID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

// Register installs h for id, replacing any previous handler.
func (c *Context) Register(id ObjectID, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[id] = h
}

// Unregister removes the handler and registry entry for id.
func (c *Context) Unregister(id ObjectID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, id)
	delete(c.objects, id)
}

// RegisterObject records obj under id.
func (c *Context) RegisterObject(id ObjectID, obj Object) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[id] = obj
}

// Lookup returns the object registered under id.
func (c *Context) Lookup(id ObjectID) (Object, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	obj, ok := c.objects[id]
	return obj, ok
}

// LookupAs returns the object registered under id as T, failing when the id
// is unknown or holds a different type.
func LookupAs[T Object](c *Context, id ObjectID) (T, error) {
	var zero T
	obj, ok := c.Lookup(id)
	if !ok {
		return zero, errors.New(errors.ErrCodeConfig, "no object registered under id %d", id)
	}
	typed, ok := obj.(T)
	if !ok {
		return zero, errors.New(errors.ErrCodeConfig, "object %d is a %s, not %T", id, obj.Kind(), zero)
	}
	return typed, nil
}

// SendTo delivers payload to the handler registered under id on rank.
func (c *Context) SendTo(ctx context.Context, rank int, id ObjectID, payload []byte) error {
	if rank < 0 || rank >= c.NumRanks() {
		return errors.New(errors.ErrCodeConfig, "send to rank %d of %d", rank, c.NumRanks())
	}
	msg := Message{From: c.Rank(), To: rank, Object: id, Payload: payload}
	if err := c.transport.Send(ctx, msg); err != nil {
		return errors.Wrap(errors.ErrCodeTransport, err, "send object %d to rank %d", id, rank)
	}
	return nil
}

func (c *Context) incoming(msg Message) {
	if msg.Object == collectiveID {
		c.coll.incoming(msg)
		return
	}
	c.mu.RLock()
	h, ok := c.handlers[msg.Object]
	c.mu.RUnlock()
	if !ok {
		c.log.Error("dropping message for unknown object", "object", msg.Object, "from", msg.From, "bytes", len(msg.Payload))
		return
	}
	h.Incoming(msg)
}
