package startgg

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ID accepts both numeric and string identifiers. start.gg returns string
// ids for sets that only exist in a bracket preview.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

type Tournament struct {
	ID     int     `json:"id"`
	Name   string  `json:"name"`
	Events []Event `json:"events"`
}

// Event returns the event with id, or nil.
func (t *Tournament) Event(id int) *Event {
	if t == nil {
		return nil
	}
	for i := range t.Events {
		if t.Events[i].ID == id {
			return &t.Events[i]
		}
	}
	return nil
}

type Event struct {
	ID             int     `json:"id"`
	Name           string  `json:"name"`
	EntrantSizeMax int     `json:"entrantSizeMax"`
	Phases         []Phase `json:"phases"`
}

func (e *Event) Phase(id int) *Phase {
	if e == nil {
		return nil
	}
	for i := range e.Phases {
		if e.Phases[i].ID == id {
			return &e.Phases[i]
		}
	}
	return nil
}

type Phase struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	NumSeeds    int    `json:"numSeeds"`
	PhaseGroups struct {
		Nodes []PhaseGroup `json:"nodes"`
	} `json:"phaseGroups"`
}

type PhaseGroup struct {
	ID                int    `json:"id"`
	BracketType       string `json:"bracketType"`
	DisplayIdentifier string `json:"displayIdentifier"`
}

type Entrant struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	InitialSeedNum *int   `json:"initialSeedNum,omitempty"`
}

type Standing struct {
	Stats struct {
		Score struct {
			Value *int `json:"value"`
		} `json:"score"`
	} `json:"stats"`
}

type Slot struct {
	Entrant  *Entrant  `json:"entrant"`
	Standing *Standing `json:"standing,omitempty"`
}

// Score is the games won in the set so far, zero when not reported.
func (s Slot) Score() int {
	if s.Standing == nil || s.Standing.Stats.Score.Value == nil {
		return 0
	}
	return *s.Standing.Stats.Score.Value
}

// SetCompleted is the start.gg activity state of a finished set.
const SetCompleted = 3

type Set struct {
	ID            ID     `json:"id"`
	State         int    `json:"state,omitempty"`
	WinnerID      *int   `json:"winnerId"`
	FullRoundText string `json:"fullRoundText"`
	Round         int    `json:"round"`
	Identifier    string `json:"identifier"`
	StartAt       *int64 `json:"startAt,omitempty"`
	Slots         []Slot `json:"slots"`
}

// Slot returns slot i, or the zero slot when the set has fewer.
func (s *Set) Slot(i int) Slot {
	if s == nil || i < 0 || i >= len(s.Slots) {
		return Slot{}
	}
	return s.Slots[i]
}

type Stream struct {
	StreamName string `json:"streamName"`
}

// StreamQueue is the ordered list of sets assigned to a stream.
type StreamQueue struct {
	Stream *Stream `json:"stream"`
	Sets   []Set   `json:"sets"`
}

// Name is the lowercased stream name.
func (q StreamQueue) Name() string {
	if q.Stream == nil {
		return ""
	}
	return strings.ToLower(q.Stream.StreamName)
}
