// Package engine evaluates an entity's declared effects after each state
// change.
//
// An entity declares its effects in one routine that is re-run on every
// pass. Each effect has a stable name, a dependency list and a callback.
// The callback fires when any dependency differs from the values recorded
// for that name on the previous pass. Effects fire in declaration order and
// the first failing callback ends the pass.
package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrDuplicateEffect = errors.New("effect declared twice in one pass")
	ErrEffectFailed    = errors.New("effect failed")
)

// Deps are compared elementwise with SameValue.
type Deps []any

type Callback func() error

type record struct {
	values Deps
	known  bool
	// baseline holds the encoded values restored from a snapshot until the
	// effect is declared again.
	baseline json.RawMessage
}

// Scheduler keeps the dependency history of one entity.
type Scheduler struct {
	records     map[string]*record
	initialized bool
	deferFn     func(Callback)

	// per pass
	seen map[string]bool
	err  error
}

// New returns a Scheduler whose first pass defers every callback through
// deferFn instead of running it inline.
func New(deferFn func(Callback)) *Scheduler {
	return &Scheduler{
		records: make(map[string]*record),
		deferFn: deferFn,
	}
}

// Restore installs dependency history from a snapshot. Passes after a
// restore only fire effects whose dependencies differ from it.
func (s *Scheduler) Restore(lastValues map[string]json.RawMessage) {
	for name, raw := range lastValues {
		s.records[name] = &record{baseline: append(json.RawMessage(nil), raw...)}
	}
	s.initialized = true
}

func (s *Scheduler) Initialized() bool { return s.initialized }

// Pass runs declare once and returns the first callback error.
func (s *Scheduler) Pass(declare func(fx *Effects)) error {
	s.seen = make(map[string]bool)
	s.err = nil
	declare(&Effects{s: s})
	s.initialized = true
	return s.err
}

// LastValues encodes the recorded dependencies of every effect.
func (s *Scheduler) LastValues() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(s.records))
	for name, r := range s.records {
		if !r.known {
			out[name] = r.baseline
			continue
		}
		raw, err := json.Marshal(r.values)
		if err != nil {
			return nil, fmt.Errorf("encode deps for effect %q: %w", name, err)
		}
		out[name] = raw
	}
	return out, nil
}

// Effects is handed to an entity's declaration routine.
type Effects struct {
	s *Scheduler
}

// On declares the effect called name. It must be declared unconditionally
// on every pass.
func (fx *Effects) On(name string, deps Deps, cb Callback) {
	s := fx.s
	if s.err != nil {
		return
	}
	if s.seen[name] {
		s.err = fmt.Errorf("%w: %q", ErrDuplicateEffect, name)
		return
	}
	s.seen[name] = true

	r, ok := s.records[name]
	if !ok {
		r = &record{}
		s.records[name] = r
	}

	if !s.initialized {
		r.values, r.known = deps, true
		s.deferFn(func() error {
			if err := cb(); err != nil {
				return fmt.Errorf("%w: %q: %w", ErrEffectFailed, name, err)
			}
			return nil
		})
		return
	}

	if !r.changed(deps) {
		return
	}
	r.values, r.known, r.baseline = deps, true, nil
	if err := cb(); err != nil {
		s.err = fmt.Errorf("%w: %q: %w", ErrEffectFailed, name, err)
	}
}

func (r *record) changed(deps Deps) bool {
	if !r.known {
		if r.baseline == nil {
			return true
		}
		raw, err := json.Marshal(deps)
		if err != nil {
			return true
		}
		var want bytes.Buffer
		if err := json.Compact(&want, r.baseline); err != nil {
			return true
		}
		if !bytes.Equal(raw, want.Bytes()) {
			return true
		}
		// Same as the restored baseline: adopt the live values silently.
		r.values, r.known = deps, true
		return false
	}
	return !sameDeps(r.values, deps)
}

func sameDeps(prev, next Deps) bool {
	if len(prev) != len(next) {
		return false
	}
	for i := range next {
		if !SameValue(prev[i], next[i]) {
			return false
		}
	}
	return true
}
