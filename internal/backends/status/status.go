// Package status counts recent requests to external services so the
// operator can see how close the console is to their rate limits.
package status

import (
	"time"

	"github.com/DoyleJ11/gjallarhorn/internal/entity"
)

const (
	Identifier = "status"
	// Window is how long a request counts towards its rate.
	Window = 60 * time.Second
)

type State struct {
	StartGGRate int `json:"startGGRate"`
	DBRate      int `json:"dbRate"`
}

type Status struct {
	*entity.Entity[State]
}

func New(rt entity.Runtime) *Status {
	s := &Status{Entity: entity.New(rt, Identifier, State{})}
	// Timers from before the restart are gone.
	s.OnRestore(func() error {
		s.SetState(func(st *State) { *st = State{} })
		return nil
	})
	return s
}

// RecordStartGG counts one start.gg request. Safe from any goroutine.
func (s *Status) RecordStartGG() {
	s.record(func(st *State) *int { return &st.StartGGRate })
}

// RecordDB counts one database round trip. Safe from any goroutine.
func (s *Status) RecordDB() {
	s.record(func(st *State) *int { return &st.DBRate })
}

func (s *Status) record(rate func(*State) *int) {
	s.Loop().Post(func() error {
		if s.Phase() == entity.PhaseTerminated {
			return nil
		}
		s.SetState(func(st *State) { *rate(st)++ })
		s.Loop().AfterFunc(Window, func() error {
			s.SetState(func(st *State) {
				if *rate(st) > 0 {
					*rate(st)--
				}
			})
			return nil
		})
		return nil
	})
}
