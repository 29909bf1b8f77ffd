package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gjallarhorn/internal/types"
)

var (
	ErrDuplicateHandler = errors.New("duplicate handler")
	ErrUnknownClient    = errors.New("unknown client")
	ErrNoHandler        = errors.New("no handler")
	ErrHandlerPanic     = errors.New("handler panicked")
)

// Handler answers a request. The returned value is marshalled as the result.
type Handler func(ctx context.Context, clientID string, args []json.RawMessage) (any, error)

// EventHandler consumes a fire-and-forget event. It runs on the reading
// goroutine of the sender's connection and must not block.
type EventHandler func(clientID string, args []json.RawMessage)

type responder struct {
	handler Handler
	scopes  []string
}

type listener struct {
	handler EventHandler
	scopes  []string
}

type client struct {
	id     string
	outbox chan []byte
}

// Server accepts websocket connections and routes frames to registered
// handlers. Every connection sees every handler.
type Server struct {
	log        *zap.Logger
	outboxSize int
	writeWait  time.Duration

	mu         sync.RWMutex
	responders map[string]responder
	listeners  map[string][]listener
	clients    map[string]*client
}

type ServerOption func(*Server)

// WithOutboxSize bounds how many frames may queue for one client before it
// is dropped as too slow.
func WithOutboxSize(n int) ServerOption { return func(s *Server) { s.outboxSize = n } }

func NewServer(log *zap.Logger, opts ...ServerOption) *Server {
	s := &Server{
		log:        log.Named("Socket"),
		outboxSize: 256,
		writeWait:  3 * time.Second,
		responders: make(map[string]responder),
		listeners:  make(map[string][]listener),
		clients:    make(map[string]*client),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.responders[types.PathPing] = responder{handler: func(context.Context, string, []json.RawMessage) (any, error) {
		return nil, nil
	}}
	return s
}

// Respond registers the single handler for requests to path.
func (s *Server) Respond(path string, scopes []string, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.responders[path]; ok {
		return fmt.Errorf("%w for %q", ErrDuplicateHandler, path)
	}
	s.responders[path] = responder{handler: h, scopes: scopes}
	return nil
}

// On adds a handler for events sent to path.
func (s *Server) On(path string, scopes []string, h EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[path] = append(s.listeners[path], listener{handler: h, scopes: scopes})
}

// Scopes returns the capability tags attached to the responder at path.
func (s *Server) Scopes(path string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.responders[path]
	return r.scopes, ok
}

func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Emit broadcasts an event to every connected client.
func (s *Server) Emit(path string, args ...any) error {
	payload, err := eventPayload(path, args)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		s.enqueue(id, c, payload)
	}
	return nil
}

// EmitTo sends an event to one client.
func (s *Server) EmitTo(clientID, path string, args ...any) error {
	payload, err := eventPayload(path, args)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownClient, clientID)
	}
	s.enqueue(clientID, c, payload)
	return nil
}

// enqueue must be called with s.mu held.
func (s *Server) enqueue(id string, c *client, payload []byte) {
	select {
	case c.outbox <- payload:
	default:
		// Client is slow/full - drop them.
		s.log.Warn("dropping slow client", zap.String("client", id))
		close(c.outbox)
		delete(s.clients, id)
	}
}

func eventPayload(path string, args []any) ([]byte, error) {
	raw, err := types.EncodeArgs(args...)
	if err != nil {
		return nil, err
	}
	return json.Marshal(types.Frame{Type: types.FrameEvent, Path: path, Args: raw})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The console is served from the same origin; allow local tooling too.
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	c := &client{id: uuid.NewString(), outbox: make(chan []byte, s.outboxSize)}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.log.Info("acquired new client", zap.String("client", c.id))

	defer func() {
		s.mu.Lock()
		if cur, ok := s.clients[c.id]; ok && cur == c {
			close(c.outbox)
			delete(s.clients, c.id)
		}
		s.mu.Unlock()
		s.log.Info("lost client", zap.String("client", c.id))
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Writer goroutine
	go func() {
		defer cancel()
		for payload := range c.outbox {
			wctx, wcancel := context.WithTimeout(ctx, s.writeWait)
			err := conn.Write(wctx, websocket.MessageText, payload)
			wcancel()
			if err != nil {
				return
			}
		}
		if ctx.Err() == nil {
			// Outbox closed while still connected: the client was dropped.
			conn.Close(websocket.StatusPolicyViolation, "too slow")
		}
	}()

	if err := s.EmitTo(c.id, types.EventReady); err != nil {
		return
	}

	// Reader loop
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					s.log.Debug("read failed", zap.String("client", c.id), zap.Error(err))
				}
			}
			return
		}

		var f types.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Warn("bad frame", zap.String("client", c.id), zap.Error(err))
			continue
		}

		switch f.Type {
		case types.FrameRequest:
			go s.serveRequest(ctx, c.id, f)
		case types.FrameEvent:
			s.dispatchEvent(c.id, f)
		default:
			s.log.Warn("unknown frame type", zap.String("client", c.id), zap.String("type", string(f.Type)))
		}
	}
}

func (s *Server) serveRequest(ctx context.Context, clientID string, f types.Frame) {
	s.mu.RLock()
	r, ok := s.responders[f.Path]
	s.mu.RUnlock()

	resp := types.Frame{Type: types.FrameResponse, ID: f.ID, Path: f.Path}
	if !ok {
		resp.Error = fmt.Sprintf("%v for %q", ErrNoHandler, f.Path)
	} else if result, err := s.call(ctx, r.handler, clientID, f.Args); err != nil {
		s.log.Error("request failed", zap.String("path", f.Path), zap.Error(err))
		resp.Error = err.Error()
	} else if raw, err := json.Marshal(result); err != nil {
		resp.Error = fmt.Sprintf("encode result: %v", err)
	} else {
		resp.Result = raw
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[clientID]; ok {
		s.enqueue(clientID, c, payload)
	}
}

// call runs h on the request goroutine. A panic fails the request instead
// of the process.
func (s *Server) call(ctx context.Context, h Handler, clientID string, args []json.RawMessage) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(ctx, clientID, args)
}

func (s *Server) dispatchEvent(clientID string, f types.Frame) {
	s.mu.RLock()
	ls := s.listeners[f.Path]
	s.mu.RUnlock()
	for _, l := range ls {
		s.notify(l.handler, clientID, f)
	}
}

func (s *Server) notify(h EventHandler, clientID string, f types.Frame) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event handler panicked", zap.String("path", f.Path), zap.Any("panic", r))
		}
	}()
	h(clientID, f.Args)
}
