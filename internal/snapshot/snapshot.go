// Package snapshot persists entity state for warm restarts.
//
// A snapshot is consumed at most once: loading deletes it. Snapshots under
// DefaultTarget are picked up on the next start; any other target (such as
// the timestamped dumps written on fatal errors) is kept for inspection.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

const DefaultTarget = "persistent"

var ErrMalformed = errors.New("malformed snapshot")

type Snapshot struct {
	State      json.RawMessage            `json:"state"`
	LastValues map[string]json.RawMessage `json:"lastValues"`
}

type Store interface {
	// Save writes the snapshot of identifier under target, replacing any
	// previous one.
	Save(ctx context.Context, target, identifier string, s Snapshot) error
	// Consume returns and removes every snapshot under DefaultTarget, keyed
	// by sanitized identifier.
	Consume(ctx context.Context) (map[string]Snapshot, error)
}

func (s Snapshot) validate() error {
	if len(s.State) == 0 {
		return errors.New("missing state")
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(s.State, &probe); err != nil {
		return errors.New("state is not an object")
	}
	return nil
}

// Loaded holds the snapshots consumed at startup until each entity takes
// its own.
type Loaded struct {
	mu sync.Mutex
	m  map[string]Snapshot
}

func NewLoaded(m map[string]Snapshot) *Loaded {
	if m == nil {
		m = make(map[string]Snapshot)
	}
	return &Loaded{m: m}
}

// Take hands out the snapshot for identifier once.
func (l *Loaded) Take(identifier string) (Snapshot, bool) {
	if l == nil {
		return Snapshot{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := Sanitize(identifier)
	s, ok := l.m[key]
	delete(l.m, key)
	return s, ok
}

func (l *Loaded) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
