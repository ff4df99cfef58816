package models

// Team is a side in team and 1v1 matches
type Team string

const (
	TeamNone Team = ""
	TeamRed  Team = "red"
	TeamBlue Team = "blue"
)

// Valid reports whether t names a side.
func (t Team) Valid() bool {
	return t == TeamRed || t == TeamBlue
}

// Opponent returns the other side.
func (t Team) Opponent() Team {
	switch t {
	case TeamRed:
		return TeamBlue
	case TeamBlue:
		return TeamRed
	}
	return TeamNone
}
