// Package lowerthirds holds the caption bars shown under the broadcast, one
// per kind, each with its own saved presets.
package lowerthirds

import (
	"context"
	"path"

	"github.com/DoyleJ11/gjallarhorn/internal/backends/push"
	"github.com/DoyleJ11/gjallarhorn/internal/entity"
	"github.com/DoyleJ11/gjallarhorn/internal/errs"
	"github.com/DoyleJ11/gjallarhorn/internal/output"
	"github.com/DoyleJ11/gjallarhorn/pkg/types"
)

const (
	Identifier = "lower-thirds"
	Source     = "Lower Thirds"
	Dir        = "lower-thirds"
)

// Kinds in the order the console lists them.
const (
	Twitter  = "twitter"
	Twitch   = "twitch"
	Message  = "message"
	Champion = "champion"
	Preshow  = "preshow"
)

type Data struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type State struct {
	// Type is the kind Push exports.
	Type string `json:"type"`

	Twitter  Data `json:"twitter"`
	Twitch   Data `json:"twitch"`
	Message  Data `json:"message"`
	Champion Data `json:"champion"`
	Preshow  Data `json:"preshow"`

	TwitterPresets  []Data `json:"twitterPresets"`
	TwitchPresets   []Data `json:"twitchPresets"`
	MessagePresets  []Data `json:"messagePresets"`
	ChampionPresets []Data `json:"championPresets"`
	PreshowPresets  []Data `json:"preshowPresets"`

	TwitterPushState  types.Option[push.State] `json:"twitterPushState"`
	TwitchPushState   types.Option[push.State] `json:"twitchPushState"`
	MessagePushState  types.Option[push.State] `json:"messagePushState"`
	ChampionPushState types.Option[push.State] `json:"championPushState"`
	PreshowPushState  types.Option[push.State] `json:"preshowPushState"`
}

// kind returns the data and push state of kind, or nil for an unknown
// kind.
func (s *State) kind(kind string) (*Data, *types.Option[push.State]) {
	switch kind {
	case Twitter:
		return &s.Twitter, &s.TwitterPushState
	case Twitch:
		return &s.Twitch, &s.TwitchPushState
	case Message:
		return &s.Message, &s.MessagePushState
	case Champion:
		return &s.Champion, &s.ChampionPushState
	case Preshow:
		return &s.Preshow, &s.PreshowPushState
	}
	return nil, nil
}

type LowerThirds struct {
	*entity.Entity[State]
	out *output.Writer
}

func New(rt entity.Runtime, out *output.Writer) *LowerThirds {
	l := &LowerThirds{out: out}
	l.Entity = entity.New(rt, Identifier, State{
		Type:            Twitter,
		TwitterPresets:  []Data{},
		TwitchPresets:   []Data{},
		MessagePresets:  []Data{},
		ChampionPresets: []Data{},
		PreshowPresets:  []Data{},
	}, entity.WithScopes("pages:tournament"))
	l.Expose(entity.Action("push", l.Push))
	return l
}

type export struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// File is the export of kind, relative to the output folder.
func File(kind string) string { return path.Join(Dir, kind+".json") }

// Push exports the selected kind to lower-thirds/<type>.json.
func (l *LowerThirds) Push(ctx context.Context) error {
	s, err := l.Read(ctx)
	if err != nil {
		return err
	}
	kind := s.Type
	data, _ := s.kind(kind)
	if data == nil {
		return errs.New("Unknown lower third type!", Source)
	}

	set := func(ctx context.Context, st push.State) error {
		return l.Update(ctx, func(s *State) {
			if _, ps := s.kind(kind); ps != nil {
				*ps = types.Some(st)
			}
		})
	}
	return push.Wrap(ctx, l.Loop().Clock().Now, set, func(ctx context.Context) error {
		return l.out.WriteJSON(ctx, File(kind), export{Title: data.Title, Body: data.Body}, true)
	})
}
