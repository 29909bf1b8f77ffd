// Package eventloop runs every entity mutation on one goroutine.
//
// Work arrives as tasks. A task posted with Post runs after everything
// already queued; a task queued with NextTick runs as soon as the current
// task returns, before the next posted task. Blocking I/O does not belong on
// the loop: use Go to run it elsewhere and hop back with the result.
//
// Errors returned from tasks (and panics inside them) are unhandled by
// definition and go to the error handler, which the system treats as fatal.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DoyleJ11/gjallarhorn/internal/clock"
)

var ErrClosed = errors.New("event loop closed")

type Task func() error

type Loop struct {
	mu     sync.Mutex
	tasks  []Task
	micro  []Task
	closed bool
	signal chan struct{} // buffered, size 1

	clock   clock.Clock
	onError atomic.Pointer[func(error)]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Loop)

func WithClock(c clock.Clock) Option { return func(l *Loop) { l.clock = c } }

func WithErrorHandler(fn func(error)) Option {
	return func(l *Loop) { l.onError.Store(&fn) }
}

func New(opts ...Option) *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		tasks:  make([]Task, 0, 64),
		signal: make(chan struct{}, 1),
		clock:  clock.Real(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetErrorHandler replaces the handler for unhandled task errors. The
// handler runs on the loop.
func (l *Loop) SetErrorHandler(fn func(error)) { l.onError.Store(&fn) }

func (l *Loop) Clock() clock.Clock { return l.clock }

// Context is cancelled when the loop stops.
func (l *Loop) Context() context.Context { return l.ctx }

func (l *Loop) Done() <-chan struct{} { return l.done }

// Post queues t behind all pending tasks. Returns false once the loop is
// closed.
func (l *Loop) Post(t Task) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.tasks = append(l.tasks, t)
	l.wake()
	return true
}

// NextTick queues t to run right after the current task.
func (l *Loop) NextTick(t Task) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.micro = append(l.micro, t)
	l.wake()
	return true
}

// wake must be called with l.mu held.
func (l *Loop) wake() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop and waits for it. fn's error is returned to the
// caller rather than reported. Do must not be called from the loop itself.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	ok := l.Post(func() error {
		result <- fn()
		return nil
	})
	if !ok {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	}
}

// Timer is a pending AfterFunc task.
type Timer struct {
	t         clock.Timer
	cancelled atomic.Bool
}

// Stop cancels the task, including when the clock already fired and the
// task is waiting in the queue.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	wasActive := !t.cancelled.Swap(true)
	t.t.Stop()
	return wasActive
}

// AfterFunc runs t on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, t Task) *Timer {
	timer := &Timer{}
	timer.t = l.clock.AfterFunc(d, func() {
		l.Post(func() error {
			if timer.cancelled.Swap(true) {
				return nil
			}
			return t()
		})
	})
	return timer
}

// Go runs work off the loop and then hands its outcome to then on the
// loop. A nil then leaves any error unhandled.
func Go[T any](l *Loop, work func(context.Context) (T, error), then func(T, error) error) {
	go func() {
		v, err := work(l.ctx)
		l.Post(func() error {
			if then == nil {
				return err
			}
			return then(v, err)
		})
	}()
}

// Run executes tasks until ctx is cancelled or Close is called. It must be
// called from exactly one goroutine.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	defer l.cancel()

	for {
		if t, ok := l.next(); ok {
			l.exec(t)
			l.drainMicro()
			continue
		}

		select {
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case <-l.ctx.Done():
			return nil
		case <-l.signal:
			l.drainMicro()
		}
	}
}

// Close stops accepting tasks. Run returns once it notices.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cancel()
}

func (l *Loop) next() (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return nil, false
	}
	t := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	return t, true
}

func (l *Loop) drainMicro() {
	for {
		l.mu.Lock()
		if len(l.micro) == 0 {
			l.mu.Unlock()
			return
		}
		t := l.micro[0]
		l.micro[0] = nil
		l.micro = l.micro[1:]
		l.mu.Unlock()
		l.exec(t)
	}
}

func (l *Loop) exec(t Task) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				if e, ok := r.(error); ok {
					err = fmt.Errorf("panic: %w", e)
					return
				}
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return t()
	}()
	if err != nil {
		l.report(err)
	}
}

func (l *Loop) report(err error) {
	if h := l.onError.Load(); h != nil && *h != nil {
		(*h)(err)
	}
}
