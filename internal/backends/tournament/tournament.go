// Package tournament tracks the tournament being broadcast. Picking a slug
// selects, in turn, its first event, that event's first phase and the
// phase's first group; the operator can override each step.
package tournament

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/gjallarhorn/internal/backends/push"
	"github.com/DoyleJ11/gjallarhorn/internal/engine"
	"github.com/DoyleJ11/gjallarhorn/internal/entity"
	"github.com/DoyleJ11/gjallarhorn/internal/errs"
	"github.com/DoyleJ11/gjallarhorn/internal/eventloop"
	"github.com/DoyleJ11/gjallarhorn/internal/output"
	"github.com/DoyleJ11/gjallarhorn/internal/startgg"
	"github.com/DoyleJ11/gjallarhorn/pkg/types"
)

const (
	Identifier    = "tournament"
	Source        = "Tournament"
	BracketFile   = "bracket.json"
	BracketsEvery = 30 * time.Second
)

// API is the part of the start.gg client the tournament uses.
type API interface {
	TournamentMeta(ctx context.Context, slug string) (*startgg.Tournament, error)
	PhaseGroupSets(ctx context.Context, phaseGroupID int) ([]startgg.Set, error)
	EntrantsByName(ctx context.Context, name string, eventID int) ([]startgg.Entrant, error)
}

type Selection struct {
	TournamentSlug string            `json:"tournamentSlug"`
	EventID        types.Option[int] `json:"eventId"`
	PhaseID        types.Option[int] `json:"phaseId"`
	PhaseGroupID   types.Option[int] `json:"phaseGroupId"`
	EntrantSize    types.Option[int] `json:"entrantSize"`
}

type State struct {
	// TournamentMeta is absent while loading and null for an unknown slug.
	TournamentMeta   types.Option[*startgg.Tournament] `json:"tournamentMeta"`
	Tournament       Selection                         `json:"tournament"`
	AutoBrackets     bool                              `json:"autoBrackets"`
	PushBracketState types.Option[push.State]          `json:"pushBracketState"`
}

func (s State) meta() *startgg.Tournament {
	m, _ := s.TournamentMeta.Get()
	return m
}

func (s State) metaID() types.Option[int] {
	if m := s.meta(); m != nil {
		return types.Some(m.ID)
	}
	return types.None[int]()
}

func (s State) event() *startgg.Event {
	id, ok := s.Tournament.EventID.Get()
	if !ok {
		return nil
	}
	return s.meta().Event(id)
}

type Tournament struct {
	*entity.Entity[State]
	api API
	out *output.Writer

	timer *eventloop.Timer // loop only
}

func New(rt entity.Runtime, api API, out *output.Writer, slug string) *Tournament {
	t := &Tournament{api: api, out: out}
	t.Entity = entity.New(rt, Identifier, State{Tournament: Selection{TournamentSlug: slug}},
		entity.WithScopes("pages:tournament"))
	t.Expose(
		entity.Action("pushBrackets", t.PushBrackets),
		entity.Op1("getEntrantsByName", t.EntrantsByName),
	)
	t.Listen(t.listeners)
	t.OnRestore(func() error {
		if t.State().AutoBrackets {
			t.pushSoon()
		}
		return nil
	})
	return t
}

func (t *Tournament) listeners(fx *engine.Effects) {
	s := t.State()

	fx.On("tournamentSlug", engine.Deps{s.Tournament.TournamentSlug}, func() error {
		t.fetchMeta(s.Tournament.TournamentSlug)
		return nil
	})

	fx.On("eventId", engine.Deps{s.metaID()}, func() error {
		t.SetState(func(st *State) {
			st.Tournament.EventID = types.None[int]()
			if m := st.meta(); m != nil && len(m.Events) > 0 {
				st.Tournament.EventID = types.Some(m.Events[0].ID)
			}
		})
		return nil
	})

	fx.On("phaseId", engine.Deps{s.Tournament.EventID}, func() error {
		t.SetState(func(st *State) {
			st.Tournament.PhaseID = types.None[int]()
			st.Tournament.EntrantSize = types.None[int]()
			if ev := st.event(); ev != nil {
				st.Tournament.EntrantSize = types.Some(ev.EntrantSizeMax)
				if len(ev.Phases) > 0 {
					st.Tournament.PhaseID = types.Some(ev.Phases[0].ID)
				}
			}
		})
		return nil
	})

	fx.On("phaseGroupId", engine.Deps{s.Tournament.PhaseID}, func() error {
		t.SetState(func(st *State) {
			st.Tournament.PhaseGroupID = types.None[int]()
			id, ok := st.Tournament.PhaseID.Get()
			if !ok {
				return
			}
			if ph := st.event().Phase(id); ph != nil && len(ph.PhaseGroups.Nodes) > 0 {
				st.Tournament.PhaseGroupID = types.Some(ph.PhaseGroups.Nodes[0].ID)
			}
		})
		return nil
	})

	fx.On("autoBrackets", engine.Deps{s.AutoBrackets}, func() error {
		if s.AutoBrackets {
			t.pushSoon()
		} else {
			t.timer.Stop()
		}
		return nil
	})
}

// fetchMeta clears the selection and loads the tournament behind slug.
// Loop only.
func (t *Tournament) fetchMeta(slug string) {
	t.SetState(func(st *State) {
		st.TournamentMeta = types.None[*startgg.Tournament]()
		st.Tournament = Selection{TournamentSlug: slug}
	})
	if slug == "" {
		return
	}

	eventloop.Go(t.Loop(), func(ctx context.Context) (*startgg.Tournament, error) {
		return t.api.TournamentMeta(ctx, slug)
	}, func(meta *startgg.Tournament, err error) error {
		if t.State().Tournament.TournamentSlug != slug {
			t.Log().Debug("dropping stale tournament meta", zap.String("slug", slug))
			return nil
		}
		if err != nil {
			if _, ok := errs.Downgrade(err); !ok {
				return err
			}
			t.SetState(func(st *State) { st.TournamentMeta = types.Some[*startgg.Tournament](nil) })
			t.Report(err)
			return nil
		}
		t.SetState(func(st *State) { st.TournamentMeta = types.Some(meta) })
		if meta == nil {
			t.Report(errs.New("Invalid slug entered!", Source))
		}
		return nil
	})
}

// PushBrackets exports the selected phase group to bracket.json. While
// auto-brackets is on the next push is scheduled; a failure turns it off.
func (t *Tournament) PushBrackets(ctx context.Context) error {
	if err := t.Loop().Do(ctx, func() error {
		t.timer.Stop()
		return nil
	}); err != nil {
		return err
	}

	err := push.Wrap(ctx, t.Loop().Clock().Now, t.setPush, func(ctx context.Context) error {
		s, err := t.Read(ctx)
		if err != nil {
			return err
		}
		pg, ok := s.Tournament.PhaseGroupID.Get()
		if !ok {
			return errs.New("No active phase group!", Source)
		}
		sets, err := t.api.PhaseGroupSets(ctx, pg)
		if err != nil {
			err, _ = errs.Downgrade(err)
			return err
		}
		return t.out.WriteJSON(ctx, BracketFile, BracketExport(sets), true)
	})
	if err != nil {
		if uerr := t.Update(ctx, func(s *State) { s.AutoBrackets = false }); uerr != nil {
			t.Log().Warn("could not disable auto-brackets", zap.Error(uerr))
		}
		return err
	}

	return t.Loop().Do(ctx, func() error {
		if t.State().AutoBrackets {
			t.timer.Stop()
			t.timer = t.Loop().AfterFunc(BracketsEvery, func() error {
				t.pushSoon()
				return nil
			})
		}
		return nil
	})
}

// pushSoon starts a bracket push off the loop. Loop only.
func (t *Tournament) pushSoon() {
	t.timer.Stop()
	eventloop.Go(t.Loop(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.PushBrackets(ctx)
	}, func(_ struct{}, err error) error {
		var e *errs.Error
		switch {
		case errors.Is(err, entity.ErrTerminated):
			return nil
		case errors.As(err, &e):
			t.Report(err)
			return nil
		}
		return err
	})
}

// EntrantsByName searches the selected event. Lookup failures are
// reported and leave the result empty.
func (t *Tournament) EntrantsByName(ctx context.Context, name string) ([]startgg.Entrant, error) {
	s, err := t.Read(ctx)
	if err != nil {
		return nil, err
	}
	eventID, ok := s.Tournament.EventID.Get()
	if name == "" || !ok {
		return []startgg.Entrant{}, nil
	}
	entrants, err := t.api.EntrantsByName(ctx, name, eventID)
	if err != nil {
		if _, ok := errs.Downgrade(err); !ok {
			return nil, err
		}
		t.Report(err)
		return []startgg.Entrant{}, nil
	}
	if entrants == nil {
		entrants = []startgg.Entrant{}
	}
	return entrants, nil
}

func (t *Tournament) setPush(ctx context.Context, st push.State) error {
	return t.Update(ctx, func(s *State) { s.PushBracketState = types.Some(st) })
}
