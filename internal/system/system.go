// Package system is the entity every error ends up at. It tells the
// operator about each error, tracks whether the process is in a fatal
// state and writes emergency snapshots of every entity when it enters one.
package system

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gjallarhorn/internal/entity"
	"github.com/DoyleJ11/gjallarhorn/internal/errs"
	"github.com/DoyleJ11/gjallarhorn/internal/eventloop"
	"github.com/DoyleJ11/gjallarhorn/internal/snapshot"
	"github.com/DoyleJ11/gjallarhorn/internal/types"
)

const (
	Identifier = "system"
	// Source names errors that were not classified by whoever raised them.
	Source = "System"

	dumpTargetLayout = "2006-01-02T15-04-05.000Z"
)

type Status struct {
	Fatal bool `json:"fatal"`
}

type State struct {
	Status Status `json:"status"`
}

type Config struct {
	Store snapshot.Store
	// Nodes lists every live entity at the time of a dump.
	Nodes       func() []entity.Node
	DumpTimeout time.Duration
	// Exit ends the process. Defaults to a no-op logger warning so tests
	// never exit.
	Exit func(code int)
}

type System struct {
	*entity.Entity[State]
	cfg Config

	dumping bool // loop only
}

// New creates the system entity, takes over the loop's handler for
// unhandled errors and subscribes to sink.
func New(rt entity.Runtime, sink *errs.Sink, cfg Config) *System {
	if cfg.DumpTimeout <= 0 {
		cfg.DumpTimeout = 5 * time.Second
	}
	s := &System{cfg: cfg}
	s.Entity = entity.New(rt, Identifier, State{}, entity.WithScopes("shell"))
	if s.cfg.Exit == nil {
		s.cfg.Exit = func(code int) { s.Log().Warn("exit requested without an exit function", zap.Int("code", code)) }
	}
	s.Expose(
		entity.Action("markNonFatal", s.markNonFatal),
		entity.Action("coldRestart", s.coldRestart),
	)

	rt.Loop.SetErrorHandler(s.handle)
	sink.Subscribe(func(err error) {
		rt.Loop.Post(func() error {
			s.handle(err)
			return nil
		})
	})
	return s
}

// Classify returns err as an *errs.Error. Unclassified errors are fatal
// and attributed to the system.
func Classify(err error) *errs.Error {
	var e *errs.Error
	if errors.As(err, &e) {
		return e
	}
	return errs.Fatal(err.Error(), Source, err)
}

// handle runs on the loop.
func (s *System) handle(err error) {
	e := Classify(err)
	fields := []zap.Field{zap.String("source", e.Source), zap.Bool("fatal", e.Fatal), zap.Error(err)}
	if e.Fatal {
		s.Log().Error(e.Message, fields...)
	} else {
		s.Log().Warn(e.Message, fields...)
	}

	if err := s.Broadcast(types.PathShellError, e.Message, e.Source, e.Fatal); err != nil {
		s.Log().Error("broadcast error", zap.Error(err))
	}
	if !e.Fatal {
		return
	}

	if !s.State().Status.Fatal {
		s.SetState(func(st *State) { st.Status.Fatal = true })
	}
	s.emergencyDump()
}

func (s *System) emergencyDump() {
	if s.dumping || s.cfg.Store == nil {
		return
	}
	s.dumping = true
	target := s.Loop().Clock().Now().UTC().Format(dumpTargetLayout)
	eventloop.Go(s.Loop(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.DumpAll(ctx, target, false)
	}, func(_ struct{}, err error) error {
		s.dumping = false
		if err != nil {
			s.Log().Error("emergency dump incomplete", zap.String("target", target), zap.Error(err))
		} else {
			s.Log().Info("emergency dump written", zap.String("target", target))
		}
		return nil
	})
}

// DumpAll snapshots every entity to target in parallel. It waits at most
// the configured dump timeout. Must not be called from the loop.
func (s *System) DumpAll(ctx context.Context, target string, final bool) error {
	if s.cfg.Store == nil || s.cfg.Nodes == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DumpTimeout)
	defer cancel()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result error
	)
	for _, n := range s.cfg.Nodes() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.Dump(ctx, s.cfg.Store, target, final); err != nil && !errors.Is(err, entity.ErrTerminated) {
				mu.Lock()
				result = multierr.Append(result, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return result
}

func (s *System) markNonFatal(ctx context.Context) error {
	return s.Update(ctx, func(st *State) { st.Status.Fatal = false })
}

func (s *System) coldRestart(ctx context.Context) error {
	s.Log().Warn("cold restart requested")
	if err := s.DumpAll(ctx, snapshot.DefaultTarget, true); err != nil {
		s.Log().Error("dump before restart incomplete", zap.Error(err))
	}
	s.cfg.Exit(1)
	return nil
}
