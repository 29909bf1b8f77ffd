package tournament

import "github.com/DoyleJ11/gjallarhorn/internal/startgg"

type GameEntrant struct {
	Name   string `json:"name"`
	Winner bool   `json:"winner"`
}

// Game is one set as the bracket graphic shows it.
type Game struct {
	ID         startgg.ID  `json:"id"`
	Round      string      `json:"round"`
	Identifier string      `json:"identifier"`
	Bracket    string      `json:"bracket"`
	Entrant1   GameEntrant `json:"entrant1"`
	Entrant2   GameEntrant `json:"entrant2"`
}

// BracketExport lays out sets in call order. Negative rounds are on the
// losers side.
func BracketExport(sets []startgg.Set) []Game {
	games := make([]Game, 0, len(sets))
	for _, s := range sets {
		g := Game{
			ID:         s.ID,
			Round:      s.FullRoundText,
			Identifier: s.Identifier,
			Bracket:    "Winners Bracket",
		}
		if s.Round < 0 {
			g.Bracket = "Losers Bracket"
		}
		g.Entrant1 = slotEntrant(s, 0)
		g.Entrant2 = slotEntrant(s, 1)
		games = append(games, g)
	}
	return games
}

func slotEntrant(s startgg.Set, i int) GameEntrant {
	if i >= len(s.Slots) || s.Slots[i].Entrant == nil {
		return GameEntrant{}
	}
	e := s.Slots[i].Entrant
	return GameEntrant{
		Name:   e.Name,
		Winner: s.WinnerID != nil && *s.WinnerID == e.ID,
	}
}
