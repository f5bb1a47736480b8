package snakegame

// SnakeState is one slot's view inside a snapshot, head first.
type SnakeState struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
	Body        []Cell `json:"body"`
	Heading     string `json:"heading"`
	Score       int    `json:"score"`
}

// Snapshot is a complete, self-describing view of a session at one tick. A
// guest can render it without any prior history.
type Snapshot struct {
	MatchID string       `json:"match_id"`
	Tick    uint64       `json:"tick"`
	Width   int          `json:"width"`
	Height  int          `json:"height"`
	Snakes  []SnakeState `json:"snakes"`
	Food    Cell         `json:"food"`
	Status  string       `json:"status"`
	Winner  string       `json:"winner,omitempty"`
	Cause   string       `json:"cause,omitempty"`
}

// snapshotLocked builds the current snapshot. Callers hold s.mu.
func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		MatchID: s.ID,
		Tick:    s.tickCount,
		Width:   s.cfg.Width,
		Height:  s.cfg.Height,
		Food:    s.food,
		Status:  s.status.String(),
	}
	for _, sl := range s.slots {
		snap.Snakes = append(snap.Snakes, SnakeState{
			PlayerID:    sl.id,
			DisplayName: sl.name,
			Body:        append([]Cell(nil), sl.body...),
			Heading:     sl.heading.String(),
			Score:       sl.score,
		})
	}
	if s.result != nil {
		snap.Winner = s.result.Winner
		snap.Cause = s.result.Cause
	}
	return snap
}

// CurrentSnapshot returns the session's state as of the last completed tick.
func (s *Session) CurrentSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}
