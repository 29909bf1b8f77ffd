// Package ticker keeps the scrolling news ticker and can reshuffle it on a
// timer.
package ticker

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gjallarhorn/internal/backends/push"
	"github.com/DoyleJ11/gjallarhorn/internal/engine"
	"github.com/DoyleJ11/gjallarhorn/internal/entity"
	"github.com/DoyleJ11/gjallarhorn/internal/eventloop"
	"github.com/DoyleJ11/gjallarhorn/internal/output"
	"github.com/DoyleJ11/gjallarhorn/pkg/types"
)

const (
	Identifier   = "ticker"
	File         = "ticker.json"
	ShuffleEvery = 5 * time.Minute
)

type Entry struct {
	ID      string `json:"id"`
	Subject string `json:"subject,omitempty"`
	Ticker  string `json:"ticker,omitempty"`
}

type State struct {
	Entries []Entry `json:"entries"`
	// I counts every entry ever added.
	I           int                      `json:"i"`
	AutoShuffle bool                     `json:"autoShuffle"`
	PushState   types.Option[push.State] `json:"pushState"`
}

type Ticker struct {
	*entity.Entity[State]
	out *output.Writer

	timer *eventloop.Timer // loop only
}

func New(rt entity.Runtime, out *output.Writer) *Ticker {
	t := &Ticker{out: out}
	t.Entity = entity.New(rt, Identifier, State{Entries: []Entry{}})
	t.Expose(
		entity.Action("push", t.Push),
		entity.Op0("addEntry", t.AddEntry),
		entity.Action("shuffle", t.Shuffle),
	)
	t.Listen(func(fx *engine.Effects) {
		s := t.State()
		fx.On("autoShuffle", engine.Deps{s.AutoShuffle}, func() error {
			if s.AutoShuffle {
				t.shuffleSoon()
			} else {
				t.timer.Stop()
			}
			return nil
		})
	})
	t.OnRestore(func() error {
		if t.State().AutoShuffle {
			t.shuffleSoon()
		}
		return nil
	})
	return t
}

type export struct {
	Subject string `json:"subject"`
	Ticker  string `json:"ticker"`
}

// Push exports the entries in their current order.
func (t *Ticker) Push(ctx context.Context) error {
	return push.Wrap(ctx, t.Loop().Clock().Now, t.setPush, func(ctx context.Context) error {
		s, err := t.Read(ctx)
		if err != nil {
			return err
		}
		rows := make([]export, len(s.Entries))
		for i, e := range s.Entries {
			rows[i] = export{Subject: e.Subject, Ticker: e.Ticker}
		}
		return t.out.WriteJSON(ctx, File, rows, true)
	})
}

// AddEntry appends an empty entry and returns it.
func (t *Ticker) AddEntry(ctx context.Context) (Entry, error) {
	e := Entry{ID: uuid.NewString()}
	err := t.Update(ctx, func(s *State) {
		s.Entries = append(append([]Entry(nil), s.Entries...), e)
		s.I++
	})
	return e, err
}

// Shuffle reorders the entries at random and pushes them. While
// auto-shuffle is on, the next shuffle is scheduled; a failure turns it
// off.
func (t *Ticker) Shuffle(ctx context.Context) error {
	err := t.Loop().Do(ctx, func() error {
		t.timer.Stop()
		t.SetState(func(s *State) {
			entries := append([]Entry(nil), s.Entries...)
			rand.Shuffle(len(entries), func(i, j int) { entries[i], entries[j] = entries[j], entries[i] })
			s.Entries = entries
		})
		return nil
	})
	if err != nil {
		return err
	}

	if err := t.Push(ctx); err != nil {
		if uerr := t.Update(ctx, func(s *State) { s.AutoShuffle = false }); uerr != nil {
			t.Log().Warn("could not disable auto-shuffle", zap.Error(uerr))
		}
		return err
	}

	return t.Loop().Do(ctx, func() error {
		if t.State().AutoShuffle {
			t.timer.Stop()
			t.timer = t.Loop().AfterFunc(ShuffleEvery, func() error {
				t.shuffleSoon()
				return nil
			})
		}
		return nil
	})
}

// shuffleSoon starts a shuffle off the loop. Loop only.
func (t *Ticker) shuffleSoon() {
	t.timer.Stop()
	eventloop.Go(t.Loop(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.Shuffle(ctx)
	}, func(_ struct{}, err error) error {
		if errors.Is(err, entity.ErrTerminated) {
			return nil
		}
		return err
	})
}

func (t *Ticker) setPush(ctx context.Context, st push.State) error {
	return t.Update(ctx, func(s *State) { s.PushState = types.Some(st) })
}
