// Package casters holds the names on the commentary desk.
package casters

import (
	"context"

	"github.com/DoyleJ11/gjallarhorn/internal/backends/push"
	"github.com/DoyleJ11/gjallarhorn/internal/entity"
	"github.com/DoyleJ11/gjallarhorn/internal/output"
	"github.com/DoyleJ11/gjallarhorn/pkg/types"
)

const (
	Identifier = "casters"
	File       = "casters.json"
	Seats      = 4
)

type Caster struct {
	Caster   string `json:"caster,omitempty"`
	Twitter  string `json:"twitter,omitempty"`
	Pronouns string `json:"pronouns,omitempty"`
}

type State struct {
	Casters   []Caster                `json:"casters"`
	PushState types.Option[push.State] `json:"pushState"`
}

type Casters struct {
	*entity.Entity[State]
	out *output.Writer
}

func New(rt entity.Runtime, out *output.Writer) *Casters {
	c := &Casters{out: out}
	c.Entity = entity.New(rt, Identifier, State{Casters: make([]Caster, Seats)}, entity.WithScopes("pages:tournament"))
	c.Expose(entity.Action("write", c.Write))
	return c
}

// export is the file layout: every key is present, empty when unset.
type export struct {
	Caster   string `json:"caster"`
	Twitter  string `json:"twitter"`
	Pronouns string `json:"pronouns"`
}

// Write exports the desk to casters.json.
func (c *Casters) Write(ctx context.Context) error {
	return push.Wrap(ctx, c.Loop().Clock().Now, c.setPush, func(ctx context.Context) error {
		s, err := c.Read(ctx)
		if err != nil {
			return err
		}
		rows := make([]export, len(s.Casters))
		for i, cs := range s.Casters {
			rows[i] = export(cs)
		}
		return c.out.WriteJSON(ctx, File, rows, true)
	})
}

func (c *Casters) setPush(ctx context.Context, st push.State) error {
	return c.Update(ctx, func(s *State) { s.PushState = types.Some(st) })
}
