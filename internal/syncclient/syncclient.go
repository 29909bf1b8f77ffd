// Package syncclient is the observer half of entity state sync, used by Go
// tools and tests that watch entity fields the way the browser console
// does.
//
// A Field keeps an optimistic local copy of one entity field. Local edits
// show immediately and are proposed to the server at most once per window.
// Each edit is outstanding until the server echoes it back; authoritative
// broadcasts only overwrite the local copy once no edits are outstanding,
// so a burst of edits is never clobbered by echoes of its own earlier
// values.
package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/gjallarhorn/internal/clock"
	"github.com/DoyleJ11/gjallarhorn/internal/types"
	pkgtypes "github.com/DoyleJ11/gjallarhorn/pkg/types"
)

const DefaultWindow = 150 * time.Millisecond

// Conn is the client side of the transport. *transport.Conn implements it.
type Conn interface {
	Request(ctx context.Context, path string, args ...any) (json.RawMessage, error)
	Emit(ctx context.Context, path string, args ...any) error
	Subscribe(path string, fn func(args []json.RawMessage)) func()
}

type Client struct {
	conn   Conn
	clock  clock.Clock
	window time.Duration
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	fields []watched
}

type watched interface {
	resync(ctx context.Context) error
	close()
}

type Option func(*Client)

func WithClock(c clock.Clock) Option { return func(cl *Client) { cl.clock = c } }

// WithWindow sets how long proposals are coalesced.
func WithWindow(d time.Duration) Option { return func(cl *Client) { cl.window = d } }

func New(conn Conn, log *zap.Logger, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		clock:  clock.Real(),
		window: DefaultWindow,
		log:    log.Named("Sync"),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resync re-fetches every watched field after a reconnect. Unflushed
// proposals are dropped and outstanding edits forgotten.
func (c *Client) Resync(ctx context.Context) error {
	c.mu.Lock()
	fields := append([]watched(nil), c.fields...)
	c.mu.Unlock()
	for _, f := range fields {
		if err := f.resync(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close stops every field and abandons pending proposals.
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	fields := c.fields
	c.fields = nil
	c.mu.Unlock()
	for _, f := range fields {
		f.close()
	}
}

type Field[T any] struct {
	c       *Client
	backend string
	key     string
	unsub   func()

	mu       sync.Mutex
	value    pkgtypes.Option[T]
	loaded   bool
	early    []pkgtypes.Value
	edits    int
	queued   int
	proposal pkgtypes.Option[T]
	timer    clock.Timer
	onChange func(pkgtypes.Option[T])
}

// Watch subscribes to a field and then fetches its baseline. Broadcasts
// that arrive before the baseline are replayed on top of it.
func Watch[T any](ctx context.Context, c *Client, backend, key string) (*Field[T], error) {
	f := &Field[T]{c: c, backend: backend, key: key}
	f.unsub = c.conn.Subscribe(types.FieldPath(backend, key), f.onBroadcast)
	if err := f.load(ctx); err != nil {
		f.unsub()
		return nil, err
	}
	c.mu.Lock()
	c.fields = append(c.fields, f)
	c.mu.Unlock()
	return f, nil
}

func (f *Field[T]) load(ctx context.Context) error {
	raw, err := f.c.conn.Request(ctx, types.StatePath(f.backend), f.key)
	if err != nil {
		return fmt.Errorf("fetch %s.%s: %w", f.backend, f.key, err)
	}
	var v pkgtypes.Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("fetch %s.%s: %w", f.backend, f.key, err)
	}
	baseline, err := decode[T](v)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.value = baseline
	f.loaded = true
	early := f.early
	f.early = nil
	for _, v := range early {
		f.applyLocked(v)
	}
	fn, cur := f.onChange, f.value
	f.mu.Unlock()
	if fn != nil {
		fn(cur)
	}
	return nil
}

// Get returns the local value.
func (f *Field[T]) Get() pkgtypes.Option[T] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Edits returns the number of local edits the server has not yet echoed.
func (f *Field[T]) Edits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.edits
}

// OnChange registers fn to be called with every new local value.
func (f *Field[T]) OnChange(fn func(pkgtypes.Option[T])) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}

// Set updates the local value and proposes it.
func (f *Field[T]) Set(v T) { f.propose(pkgtypes.Some(v)) }

// Unset proposes "no value".
func (f *Field[T]) Unset() { f.propose(pkgtypes.None[T]()) }

func (f *Field[T]) propose(v pkgtypes.Option[T]) {
	f.mu.Lock()
	f.value = v
	f.edits++
	f.queued++
	f.proposal = v
	if f.timer == nil {
		f.timer = f.c.clock.AfterFunc(f.c.window, f.flush)
	}
	fn := f.onChange
	f.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}

// flush sends the latest proposal of the window. The edits it replaced
// will never be echoed, so they stop counting.
func (f *Field[T]) flush() {
	f.mu.Lock()
	if f.timer == nil {
		f.mu.Unlock()
		return
	}
	f.timer = nil
	v := f.proposal
	f.edits -= f.queued - 1
	f.queued = 0
	f.mu.Unlock()

	val, err := encode(v)
	if err == nil {
		err = f.c.conn.Emit(f.c.ctx, types.StatePath(f.backend), f.key, val)
	}
	if err != nil {
		f.c.log.Warn("proposal dropped", zap.String("backend", f.backend), zap.String("key", f.key), zap.Error(err))
	}
}

func (f *Field[T]) onBroadcast(args []json.RawMessage) {
	if len(args) == 0 {
		return
	}
	var v pkgtypes.Value
	if err := json.Unmarshal(args[0], &v); err != nil {
		f.c.log.Warn("bad broadcast", zap.String("backend", f.backend), zap.String("key", f.key), zap.Error(err))
		return
	}

	f.mu.Lock()
	if !f.loaded {
		f.early = append(f.early, v)
		f.mu.Unlock()
		return
	}
	changed := f.applyLocked(v)
	fn, cur := f.onChange, f.value
	f.mu.Unlock()
	if changed && fn != nil {
		fn(cur)
	}
}

// applyLocked counts one echo against the outstanding edits and takes the
// server's value once there are none left.
func (f *Field[T]) applyLocked(v pkgtypes.Value) bool {
	f.edits--
	if f.edits > 0 {
		return false
	}
	f.edits = 0
	next, err := decode[T](v)
	if err != nil {
		f.c.log.Warn("undecodable broadcast", zap.String("backend", f.backend), zap.String("key", f.key), zap.Error(err))
		return false
	}
	f.value = next
	return true
}

func (f *Field[T]) resync(ctx context.Context) error {
	f.mu.Lock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.queued = 0
	f.edits = 0
	f.loaded = false
	f.mu.Unlock()
	return f.load(ctx)
}

func (f *Field[T]) close() {
	f.unsub()
	f.mu.Lock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.mu.Unlock()
}

func decode[T any](v pkgtypes.Value) (pkgtypes.Option[T], error) {
	if !v.Present {
		return pkgtypes.None[T](), nil
	}
	var out T
	if err := v.Decode(&out); err != nil {
		return pkgtypes.None[T](), err
	}
	return pkgtypes.Some(out), nil
}

func encode[T any](v pkgtypes.Option[T]) (pkgtypes.Value, error) {
	x, ok := v.Get()
	if !ok {
		return pkgtypes.Value{}, nil
	}
	return pkgtypes.ValueOf(x)
}
