// Package queue mirrors a start.gg stream queue into the operator's list of
// upcoming sets. Operator edits to the round, score and start time survive
// every refresh.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/gjallarhorn/internal/backends/push"
	"github.com/DoyleJ11/gjallarhorn/internal/backends/tournament"
	"github.com/DoyleJ11/gjallarhorn/internal/engine"
	"github.com/DoyleJ11/gjallarhorn/internal/entity"
	"github.com/DoyleJ11/gjallarhorn/internal/errs"
	"github.com/DoyleJ11/gjallarhorn/internal/eventloop"
	"github.com/DoyleJ11/gjallarhorn/internal/output"
	"github.com/DoyleJ11/gjallarhorn/internal/startgg"
	"github.com/DoyleJ11/gjallarhorn/pkg/types"
)

const (
	Identifier = "queue"
	Source     = "Queue"
	File       = "queue.json"
	FetchEvery = time.Minute
	// Shown is the number of rows in queue.json.
	Shown = 8
)

// API is the part of the start.gg client the queue uses.
type API interface {
	StreamQueues(ctx context.Context, slug string) ([]startgg.StreamQueue, error)
	SetByID(ctx context.Context, id startgg.ID) (*startgg.Set, error)
}

type Side struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type Set struct {
	ID         startgg.ID `json:"id"`
	Identifier string     `json:"identifier,omitempty"`
	State      int        `json:"state,omitempty"`

	CustomRound     bool `json:"customRound,omitempty"`
	CustomScore     bool `json:"customScore,omitempty"`
	CustomStartTime bool `json:"customStartTime,omitempty"`

	Score      string `json:"score,omitempty"`
	Round      string `json:"round,omitempty"`
	StartTime  string `json:"startTime,omitempty"`
	Left       *Side  `json:"left,omitempty"`
	Right      *Side  `json:"right,omitempty"`
	LeftScore  int    `json:"leftScore"`
	RightScore int    `json:"rightScore"`
	// WinnerIdx is 0 for left and 1 for right.
	WinnerIdx *int `json:"winnerIdx,omitempty"`
}

type State struct {
	Queue []Set `json:"queue"`
	// Queues are the lowercased stream names of the tournament.
	Queues      []string             `json:"queues"`
	ActiveQueue types.Option[string] `json:"activeQueue"`
	StartIndex  int                  `json:"startIndex"`
	AutoFetch   bool                 `json:"autoFetch"`

	PushLoadState  types.Option[push.State] `json:"pushLoadState"`
	PushFetchState types.Option[push.State] `json:"pushFetchState"`
	PushQueueState types.Option[push.State] `json:"pushQueueState"`
}

type Queue struct {
	*entity.Entity[State]
	api API
	t   *tournament.Tournament
	out *output.Writer
	loc *time.Location

	timer *eventloop.Timer // loop only
}

type Option func(*Queue)

// WithLocation sets the zone start times are shown in. Defaults to local
// time.
func WithLocation(loc *time.Location) Option { return func(q *Queue) { q.loc = loc } }

// New creates the queue. It follows t: a new tournament slug reloads the
// stream names.
func New(rt entity.Runtime, api API, t *tournament.Tournament, out *output.Writer, opts ...Option) *Queue {
	q := &Queue{api: api, t: t, out: out, loc: time.Local}
	for _, o := range opts {
		o(q)
	}
	q.Entity = entity.New(rt, Identifier, State{Queue: []Set{}, Queues: []string{}})
	q.BindDependent(t)
	q.Expose(
		entity.Action("loadQueues", q.LoadQueues),
		entity.Action("fetch", q.Fetch),
		entity.Action("clear", q.Clear),
		entity.Action("push", q.Push),
	)
	q.Listen(func(fx *engine.Effects) {
		s := q.State()
		fx.On("autoFetch", engine.Deps{s.AutoFetch}, func() error {
			if s.AutoFetch {
				q.fetchSoon()
			} else {
				q.timer.Stop()
			}
			return nil
		})
		slug := t.State().Tournament.TournamentSlug
		fx.On("loadQueues", engine.Deps{slug}, func() error {
			q.loadSoon(slug)
			return nil
		})
	})
	q.OnRestore(func() error {
		if q.State().AutoFetch {
			q.fetchSoon()
		}
		return nil
	})
	return q
}

// LoadQueues refreshes the stream names of the selected tournament.
func (q *Queue) LoadQueues(ctx context.Context) error {
	s, err := q.t.Read(ctx)
	if err != nil {
		return err
	}
	return q.loadQueues(ctx, s.Tournament.TournamentSlug)
}

func (q *Queue) loadQueues(ctx context.Context, slug string) error {
	if slug == "" {
		return q.Update(ctx, func(s *State) { s.Queues = []string{} })
	}
	return push.Wrap(ctx, q.Loop().Clock().Now, q.setLoadPush, func(ctx context.Context) error {
		queues, err := q.api.StreamQueues(ctx, slug)
		if err != nil {
			err, _ = errs.Downgrade(err)
			return err
		}
		names := []string{}
		for _, sq := range queues {
			if n := sq.Name(); n != "" {
				names = append(names, n)
			}
		}
		return q.Update(ctx, func(s *State) { s.Queues = names })
	})
}

// Fetch refreshes the queue from the active stream queue. While
// auto-fetch is on the next fetch is scheduled; a failure turns it off.
func (q *Queue) Fetch(ctx context.Context) error {
	if err := q.Loop().Do(ctx, func() error {
		q.timer.Stop()
		return nil
	}); err != nil {
		return err
	}

	err := push.Wrap(ctx, q.Loop().Clock().Now, q.setFetchPush, func(ctx context.Context) error {
		s, err := q.Read(ctx)
		if err != nil {
			return err
		}
		ts, err := q.t.Read(ctx)
		if err != nil {
			return err
		}
		queues, err := q.api.StreamQueues(ctx, ts.Tournament.TournamentSlug)
		if err != nil {
			err, _ = errs.Downgrade(err)
			return err
		}
		active := strings.ToLower(s.ActiveQueue.OrElse(""))
		for _, sq := range queues {
			if active != "" && sq.Name() == active {
				return q.populate(ctx, s.Queue, sq.Sets)
			}
		}
		return errs.New("Couldn't find stream queue!", Source)
	})
	if err != nil {
		if uerr := q.Update(ctx, func(s *State) { s.AutoFetch = false }); uerr != nil {
			q.Log().Warn("could not disable auto-fetch", zap.Error(uerr))
		}
		return err
	}

	return q.Loop().Do(ctx, func() error {
		if q.State().AutoFetch {
			q.timer.Stop()
			q.timer = q.Loop().AfterFunc(FetchEvery, func() error {
				q.fetchSoon()
				return nil
			})
		}
		return nil
	})
}

// populate merges the upstream sets into the queue. Sets that left the
// stream queue are kept only once complete; incomplete ones are looked up
// by id first.
func (q *Queue) populate(ctx context.Context, queue []Set, sets []startgg.Set) error {
	upstream := make(map[startgg.ID]bool, len(sets))
	for _, set := range sets {
		upstream[set.ID] = true
	}
	var localOnly []Set
	for _, qs := range queue {
		if !upstream[qs.ID] {
			localOnly = append(localOnly, qs)
		}
	}

	refreshed := make([]*startgg.Set, len(localOnly))
	g, gctx := errgroup.WithContext(ctx)
	for i, qs := range localOnly {
		if qs.State == startgg.SetCompleted {
			continue
		}
		g.Go(func() error {
			set, err := q.api.SetByID(gctx, qs.ID)
			refreshed[i] = set
			return err
		})
	}
	if err := g.Wait(); err != nil {
		err, _ = errs.Downgrade(err)
		return err
	}

	return q.Update(ctx, func(s *State) {
		current := make(map[startgg.ID]Set, len(s.Queue))
		for _, qs := range s.Queue {
			current[qs.ID] = qs
		}
		next := []Set{}
		for i, local := range localOnly {
			qs, ok := current[local.ID]
			if !ok {
				continue
			}
			set := refreshed[i]
			if qs.State == startgg.SetCompleted || (set != nil && set.State == startgg.SetCompleted) {
				next = append(next, merge(qs, set, q.loc))
			}
		}
		for i := range sets {
			next = append(next, merge(current[sets[i].ID], &sets[i], q.loc))
		}
		s.Queue = next
		s.StartIndex = min(s.StartIndex, len(next)-1)
		s.StartIndex = max(s.StartIndex, 0)
	})
}

// merge updates qs from set without touching the fields the operator
// marked custom. A nil set leaves qs as is.
func merge(qs Set, set *startgg.Set, loc *time.Location) Set {
	if set == nil {
		return qs
	}
	qs.ID = set.ID
	if set.Identifier != "" {
		qs.Identifier = set.Identifier
	}
	if set.State != 0 {
		qs.State = set.State
	}
	if set.WinnerID != nil {
		idx := -1
		for i, slot := range set.Slots {
			if slot.Entrant != nil && slot.Entrant.ID == *set.WinnerID {
				idx = i
				break
			}
		}
		qs.WinnerIdx = &idx
	}

	left, right := set.Slot(0).Score(), set.Slot(1).Score()
	qs.LeftScore, qs.RightScore = left, right
	if !qs.CustomRound {
		qs.Round = roundName(set)
	}
	if !qs.CustomScore {
		qs.Score = ""
		if left != 0 || right != 0 {
			qs.Score = fmt.Sprintf("%d - %d", left, right)
		}
	}
	if !qs.CustomStartTime && set.StartAt != nil {
		qs.StartTime = time.Unix(*set.StartAt, 0).In(loc).Format("15:04")
	}
	qs.Left = side(set.Slot(0), qs.Left)
	qs.Right = side(set.Slot(1), qs.Right)
	return qs
}

func side(slot startgg.Slot, prev *Side) *Side {
	switch {
	case slot.Entrant == nil:
		return nil
	case prev != nil && prev.ID == slot.Entrant.ID:
		return prev
	}
	return &Side{ID: slot.Entrant.ID, Name: slot.Entrant.Name}
}

func roundName(set *startgg.Set) string {
	r := set.FullRoundText
	if r == "Grand Final" {
		return r
	}
	bracket := "Winners"
	if set.Round < 0 {
		bracket = "Elimination"
	}
	return strings.TrimSpace(bracket + " " + r)
}

// Clear empties the queue.
func (q *Queue) Clear(ctx context.Context) error {
	return q.Update(ctx, func(s *State) {
		s.Queue = []Set{}
		s.StartIndex = 0
	})
}

type exportRow struct {
	Score         string `json:"score"`
	Round         string `json:"round"`
	StartTime     string `json:"startTime"`
	Entrant1      string `json:"entrant1.name"`
	Entrant1Score int    `json:"entrant1.score"`
	Entrant1Won   bool   `json:"entrant1.winner"`
	Entrant2      string `json:"entrant2.name"`
	Entrant2Score int    `json:"entrant2.score"`
	Entrant2Won   bool   `json:"entrant2.winner"`
}

func row(qs Set) exportRow {
	name := func(s *Side) string {
		if s == nil || s.Name == "" {
			return "TBD"
		}
		return s.Name
	}
	r := exportRow{
		Score:         qs.Score,
		Round:         qs.Round,
		StartTime:     qs.StartTime,
		Entrant1:      name(qs.Left),
		Entrant1Score: qs.LeftScore,
		Entrant2:      name(qs.Right),
		Entrant2Score: qs.RightScore,
	}
	if r.Score == "" {
		r.Score = "vs"
	}
	if qs.WinnerIdx != nil {
		r.Entrant1Won = *qs.WinnerIdx == 0
		r.Entrant2Won = *qs.WinnerIdx == 1
	}
	return r
}

// Push exports Shown rows starting at the start index, padding with empty
// rows.
func (q *Queue) Push(ctx context.Context) error {
	return push.Wrap(ctx, q.Loop().Clock().Now, q.setQueuePush, func(ctx context.Context) error {
		s, err := q.Read(ctx)
		if err != nil {
			return err
		}
		rows := make([]exportRow, Shown)
		for i := range rows {
			var qs Set
			if j := s.StartIndex + i; j >= 0 && j < len(s.Queue) {
				qs = s.Queue[j]
			}
			rows[i] = row(qs)
		}
		return q.out.WriteJSON(ctx, File, rows, true)
	})
}

// fetchSoon starts a fetch off the loop. Loop only.
func (q *Queue) fetchSoon() {
	q.timer.Stop()
	eventloop.Go(q.Loop(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, q.Fetch(ctx)
	}, func(_ struct{}, err error) error { return q.settle(err) })
}

// loadSoon starts loading the stream names of slug off the loop. Loop only.
func (q *Queue) loadSoon(slug string) {
	eventloop.Go(q.Loop(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, q.loadQueues(ctx, slug)
	}, func(_ struct{}, err error) error { return q.settle(err) })
}

// settle reports classified errors and lets the rest crash the loop.
func (q *Queue) settle(err error) error {
	var e *errs.Error
	switch {
	case err == nil, errors.Is(err, entity.ErrTerminated):
		return nil
	case errors.As(err, &e):
		q.Report(err)
		return nil
	}
	return err
}

func (q *Queue) setLoadPush(ctx context.Context, st push.State) error {
	return q.Update(ctx, func(s *State) { s.PushLoadState = types.Some(st) })
}

func (q *Queue) setFetchPush(ctx context.Context, st push.State) error {
	return q.Update(ctx, func(s *State) { s.PushFetchState = types.Some(st) })
}

func (q *Queue) setQueuePush(ctx context.Context, st push.State) error {
	return q.Update(ctx, func(s *State) { s.PushQueueState = types.Some(st) })
}
