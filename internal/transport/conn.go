package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gjallarhorn/internal/types"
)

var ErrDisconnected = errors.New("disconnected")

// RemoteError is a failure reported by the server's handler.
type RemoteError struct {
	Path    string
	Message string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("%s: %s", e.Path, e.Message) }

// Conn is the client end of a Server connection.
type Conn struct {
	ws  *websocket.Conn
	log *zap.Logger

	mu      sync.Mutex
	pending map[string]chan types.Frame
	subs    map[string]map[int]func([]json.RawMessage)
	nextSub int

	ready chan struct{}
	done  chan struct{}
	err   error
}

// Dial connects to a Server and waits until it reports ready.
func Dial(ctx context.Context, url string, log *zap.Logger) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(8 << 20)

	c := &Conn{
		ws:      ws,
		log:     log.Named("SocketClient"),
		pending: make(map[string]chan types.Frame),
		subs:    make(map[string]map[int]func([]json.RawMessage)),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	select {
	case <-c.ready:
		return c, nil
	case <-c.done:
		return nil, c.err
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

// Done is closed when the connection is lost.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "bye")
}

// Request calls the responder at path and returns its raw result.
func (c *Conn) Request(ctx context.Context, path string, args ...any) (json.RawMessage, error) {
	raw, err := types.EncodeArgs(args...)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	reply := make(chan types.Frame, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrDisconnected
	default:
	}
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, types.Frame{Type: types.FrameRequest, ID: id, Path: path, Args: raw}); err != nil {
		return nil, err
	}

	select {
	case f := <-reply:
		if f.Error != "" {
			return nil, &RemoteError{Path: path, Message: f.Error}
		}
		return f.Result, nil
	case <-c.done:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Emit sends a fire-and-forget event.
func (c *Conn) Emit(ctx context.Context, path string, args ...any) error {
	raw, err := types.EncodeArgs(args...)
	if err != nil {
		return err
	}
	return c.write(ctx, types.Frame{Type: types.FrameEvent, Path: path, Args: raw})
}

// Subscribe calls fn for every event on path until the returned func is
// called. fn runs on the connection's reading goroutine.
func (c *Conn) Subscribe(path string, fn func(args []json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[path] == nil {
		c.subs[path] = make(map[int]func([]json.RawMessage))
	}
	id := c.nextSub
	c.nextSub++
	c.subs[path][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[path], id)
	}
}

func (c *Conn) write(ctx context.Context, f types.Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := c.ws.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.done)
	readyOnce := sync.Once{}
	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			c.err = fmt.Errorf("%w: %v", ErrDisconnected, err)
			return
		}
		var f types.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("bad frame", zap.Error(err))
			continue
		}
		switch f.Type {
		case types.FrameResponse:
			c.mu.Lock()
			reply, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				reply <- f
			}
		case types.FrameEvent:
			if f.Path == types.EventReady {
				readyOnce.Do(func() { close(c.ready) })
				continue
			}
			c.mu.Lock()
			handlers := make([]func([]json.RawMessage), 0, len(c.subs[f.Path]))
			for _, fn := range c.subs[f.Path] {
				handlers = append(handlers, fn)
			}
			c.mu.Unlock()
			for _, fn := range handlers {
				fn(f.Args)
			}
		}
	}
}
