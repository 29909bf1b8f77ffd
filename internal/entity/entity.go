// Package entity implements the stateful backends clients synchronise with.
//
// An Entity owns a flat state record. Clients fetch single fields, propose
// new values for single fields and call the operations the entity exposes.
// Every change is broadcast per field. After each change the entity runs
// one effect pass, then the passes of every entity bound to it.
//
// All state belongs to the event loop. Code already on the loop (effects,
// restore hooks, timers, continuations) uses State and SetState; everything
// else goes through Read and Update.
package entity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/DoyleJ11/gjallarhorn/internal/engine"
	"github.com/DoyleJ11/gjallarhorn/internal/errs"
	"github.com/DoyleJ11/gjallarhorn/internal/eventloop"
	"github.com/DoyleJ11/gjallarhorn/internal/snapshot"
	"github.com/DoyleJ11/gjallarhorn/internal/transport"
	"github.com/DoyleJ11/gjallarhorn/internal/types"
	pkgtypes "github.com/DoyleJ11/gjallarhorn/pkg/types"
)

var (
	ErrUnknownField = errors.New("unknown state field")
	ErrTerminated   = errors.New("entity terminated")
	ErrBadProposal  = errors.New("malformed proposal")
)

type Phase int32

const (
	PhaseConstructing Phase = iota
	PhaseRestoring
	PhaseInitializing
	PhaseReady
	PhaseDumping
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseConstructing:
		return "constructing"
	case PhaseRestoring:
		return "restoring"
	case PhaseInitializing:
		return "initializing"
	case PhaseReady:
		return "ready"
	case PhaseDumping:
		return "dumping"
	case PhaseTerminated:
		return "terminated"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// Runtime is shared by every entity of a process.
type Runtime struct {
	Loop      *eventloop.Loop
	Server    *transport.Server
	Snapshots *snapshot.Loaded
	Errors    errs.Reporter
	Log       *zap.Logger
}

// Node is the type-independent view of an entity used for dependent
// binding, dumps and lifecycle queries.
type Node interface {
	Identifier() string
	Phase() Phase
	Dump(ctx context.Context, store snapshot.Store, target string, final bool) error

	pass(chain map[Node]bool) error
	addDependent(n Node)
}

type Entity[S any] struct {
	id     string
	scopes []string
	rt     Runtime
	log    *zap.Logger

	state  S
	fields fieldTable
	fx     *engine.Scheduler
	phase  atomic.Int32

	listeners  func(fx *engine.Effects)
	onRestore  func() error
	ops        []Operation
	dependents []Node

	passPending bool
}

type Option func(*config)

type config struct {
	scopes []string
}

// WithScopes attaches capability tags to every handler of the entity.
func WithScopes(scopes ...string) Option {
	return func(c *config) { c.scopes = append(c.scopes, scopes...) }
}

// New creates an entity in the constructing phase. S must be a struct;
// its exported fields, named by their JSON tags, are the synchronised
// fields. Nothing is registered until Start.
func New[S any](rt Runtime, identifier string, initial S, opts ...Option) *Entity[S] {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	if rt.Log == nil {
		rt.Log = zap.NewNop()
	}
	e := &Entity[S]{
		id:     identifier,
		scopes: cfg.scopes,
		rt:     rt,
		log:    rt.Log.Named(identifier),
		state:  initial,
		fields: newFieldTable(reflect.TypeFor[S]()),
	}
	e.fx = engine.New(func(cb engine.Callback) {
		rt.Loop.NextTick(func() error {
			if err := cb(); err != nil {
				return fmt.Errorf("%s: %w", e.id, err)
			}
			return nil
		})
	})
	return e
}

func (e *Entity[S]) Identifier() string { return e.id }

func (e *Entity[S]) Scopes() []string { return e.scopes }

func (e *Entity[S]) Log() *zap.Logger { return e.log }

func (e *Entity[S]) Loop() *eventloop.Loop { return e.rt.Loop }

func (e *Entity[S]) Phase() Phase { return Phase(e.phase.Load()) }

func (e *Entity[S]) setPhase(p Phase) { e.phase.Store(int32(p)) }

// Listen sets the routine declaring the entity's effects. It is re-run on
// every pass and must declare the same effects each time.
func (e *Entity[S]) Listen(declare func(fx *engine.Effects)) { e.listeners = declare }

// OnRestore sets a hook run on the loop after a snapshot has been restored
// and the first pass has completed.
func (e *Entity[S]) OnRestore(fn func() error) { e.onRestore = fn }

// Expose adds remotely callable operations. Call before Start.
func (e *Entity[S]) Expose(ops ...Operation) { e.ops = append(e.ops, ops...) }

// BindDependent makes e re-run its effects whenever upstream runs its own.
func (e *Entity[S]) BindDependent(upstream Node) { upstream.addDependent(e) }

func (e *Entity[S]) addDependent(n Node) { e.dependents = append(e.dependents, n) }

// Report passes err to the process error channel.
func (e *Entity[S]) Report(err error) {
	if err == nil {
		return
	}
	if e.rt.Errors == nil {
		e.log.Error("unreported error", zap.Error(err))
		return
	}
	e.rt.Errors.Report(err)
}

// Broadcast sends a process-wide event to every client.
func (e *Entity[S]) Broadcast(path string, args ...any) error {
	return e.rt.Server.Emit(path, args...)
}

// Start begins the restore sequence on the loop and returns immediately.
func (e *Entity[S]) Start() {
	if !e.rt.Loop.Post(e.restore) {
		e.log.Warn("loop closed before start")
	}
}

func (e *Entity[S]) restore() error {
	snap, restored := e.rt.Snapshots.Take(e.id)
	if restored {
		e.setPhase(PhaseRestoring)
		if err := json.Unmarshal(snap.State, &e.state); err != nil {
			return fmt.Errorf("%s: restore state: %w", e.id, err)
		}
		e.fx.Restore(snap.LastValues)
		e.log.Info("restored from snapshot")
	} else {
		e.setPhase(PhaseInitializing)
	}

	if err := e.register(); err != nil {
		return fmt.Errorf("%s: %w", e.id, err)
	}
	if err := e.pass(map[Node]bool{}); err != nil {
		return err
	}
	e.setPhase(PhaseReady)

	if restored && e.onRestore != nil {
		if err := e.onRestore(); err != nil {
			return fmt.Errorf("%s: restore hook: %w", e.id, err)
		}
	}
	return nil
}

func (e *Entity[S]) register() error {
	srv := e.rt.Server
	statePath := types.StatePath(e.id)

	err := srv.Respond(statePath, e.scopes, func(ctx context.Context, _ string, args []json.RawMessage) (any, error) {
		key, err := arg[string](args, 0)
		if err != nil {
			return nil, err
		}
		var v pkgtypes.Value
		err = e.rt.Loop.Do(ctx, func() error {
			var ferr error
			v, ferr = e.value(key)
			return ferr
		})
		return v, err
	})
	if err != nil {
		return err
	}

	srv.On(statePath, e.scopes, func(clientID string, args []json.RawMessage) {
		key, err := arg[string](args, 0)
		if err == nil && key == "" {
			err = errors.New("missing key")
		}
		var v pkgtypes.Value
		if err == nil {
			v, err = arg[pkgtypes.Value](args, 1)
		}
		if err != nil {
			e.Report(errs.New(fmt.Sprintf("%v from %s: %v", ErrBadProposal, clientID, err), e.id))
			return
		}
		e.rt.Loop.Post(func() error {
			if err := e.propose(key, v); err != nil {
				e.Report(errs.New(err.Error(), e.id))
			}
			return nil
		})
	})

	for _, op := range e.ops {
		path := types.OperationPath(e.id, op.Name)
		err := srv.Respond(path, e.scopes, func(ctx context.Context, _ string, args []json.RawMessage) (any, error) {
			res, err := op.invoke(ctx, args)
			if err != nil {
				e.log.Warn("operation failed", zap.String("op", op.Name), zap.Error(err))
				e.Report(err)
				return nil, err
			}
			return res, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// State returns the current state. Loop only.
func (e *Entity[S]) State() S { return e.state }

// SetState mutates the state in place, broadcasts every field whose
// encoding changed and schedules one effect pass. Loop only.
func (e *Entity[S]) SetState(mutate func(s *S)) {
	rv := reflect.ValueOf(&e.state).Elem()
	before := e.fields.encodeAll(rv)
	mutate(&e.state)
	after := e.fields.encodeAll(rv)
	for i, f := range e.fields.list {
		if before[i] == nil || after[i] == nil || !bytes.Equal(before[i], after[i]) {
			e.broadcast(f)
		}
	}
	e.schedulePass()
}

// Read returns a copy of the state taken on the loop. Slices and maps in
// it are shared with the entity and must not be modified.
func (e *Entity[S]) Read(ctx context.Context) (S, error) {
	var s S
	err := e.rt.Loop.Do(ctx, func() error {
		s = e.state
		return nil
	})
	return s, err
}

// Update applies mutate on the loop, as SetState.
func (e *Entity[S]) Update(ctx context.Context, mutate func(s *S)) error {
	return e.rt.Loop.Do(ctx, func() error {
		if e.Phase() == PhaseTerminated {
			return ErrTerminated
		}
		e.SetState(mutate)
		return nil
	})
}

func (e *Entity[S]) value(key string) (pkgtypes.Value, error) {
	f, ok := e.fields.lookup(key)
	if !ok {
		return pkgtypes.Value{}, fmt.Errorf("%w %q", ErrUnknownField, key)
	}
	return pkgtypes.ValueOf(f.get(reflect.ValueOf(&e.state).Elem()))
}

// propose applies a client proposal unconditionally and echoes it to every
// client, the proposer included, whether or not the value changed.
func (e *Entity[S]) propose(key string, v pkgtypes.Value) error {
	if e.Phase() == PhaseTerminated {
		return ErrTerminated
	}
	f, ok := e.fields.lookup(key)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownField, key)
	}
	if err := f.set(reflect.ValueOf(&e.state).Elem(), v); err != nil {
		return err
	}
	e.broadcast(f)
	e.schedulePass()
	return nil
}

func (e *Entity[S]) broadcast(f field) {
	v, err := pkgtypes.ValueOf(f.get(reflect.ValueOf(&e.state).Elem()))
	if err != nil {
		e.Report(fmt.Errorf("%s: encode %q: %w", e.id, f.key, err))
		return
	}
	if err := e.rt.Server.Emit(types.FieldPath(e.id, f.key), v); err != nil {
		e.Report(fmt.Errorf("%s: broadcast %q: %w", e.id, f.key, err))
	}
}

// schedulePass queues one pass for the next tick. Mutations in the same
// synchronous stretch share it.
func (e *Entity[S]) schedulePass() {
	switch e.Phase() {
	case PhaseConstructing, PhaseTerminated:
		return
	}
	if e.passPending {
		return
	}
	e.passPending = true
	e.rt.Loop.NextTick(func() error {
		e.passPending = false
		return e.pass(map[Node]bool{})
	})
}

// pass evaluates e's effects, then those of its ready dependents. Entities
// already in chain are skipped so cyclic bindings terminate.
func (e *Entity[S]) pass(chain map[Node]bool) error {
	if chain[e] {
		return nil
	}
	chain[e] = true
	if e.listeners != nil {
		if err := e.fx.Pass(e.listeners); err != nil {
			return fmt.Errorf("%s: %w", e.id, err)
		}
	}
	for _, d := range e.dependents {
		switch d.Phase() {
		case PhaseReady, PhaseDumping:
		default:
			continue
		}
		if err := d.pass(chain); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot captures state and effect history. Loop only.
func (e *Entity[S]) Snapshot() (snapshot.Snapshot, error) {
	state, err := json.Marshal(e.state)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("%s: encode state: %w", e.id, err)
	}
	lv, err := e.fx.LastValues()
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("%s: %w", e.id, err)
	}
	return snapshot.Snapshot{State: state, LastValues: lv}, nil
}

// Dump writes a snapshot of e to store under target. The snapshot is taken
// on the loop and written off it. A final dump leaves the entity
// terminated; otherwise it returns to ready.
func (e *Entity[S]) Dump(ctx context.Context, store snapshot.Store, target string, final bool) error {
	var snap snapshot.Snapshot
	prev := PhaseReady
	err := e.rt.Loop.Do(ctx, func() error {
		prev = e.Phase()
		if prev == PhaseTerminated {
			return ErrTerminated
		}
		e.setPhase(PhaseDumping)
		var err error
		snap, err = e.Snapshot()
		return err
	})
	if err != nil {
		e.phase.CompareAndSwap(int32(PhaseDumping), int32(prev))
		return err
	}

	err = store.Save(ctx, target, e.id, snap)
	next := prev
	if final {
		next = PhaseTerminated
	}
	e.phase.CompareAndSwap(int32(PhaseDumping), int32(next))
	if err != nil {
		return fmt.Errorf("%s: %w", e.id, err)
	}
	return nil
}

// Nodes picks the entities out of a list of constructed singletons.
func Nodes(values []any) []Node {
	var out []Node
	for _, v := range values {
		if n, ok := v.(Node); ok {
			out = append(out, n)
		}
	}
	return out
}
