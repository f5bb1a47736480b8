package main

import (
	"fmt"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/companyzero/bisonrelay/zkidentity"

	"github.com/macula-io/macula-arcade-sub000/node"
	"github.com/macula-io/macula-arcade-sub000/snakegame"
)

type appMode int

const (
	modeLobby appMode = iota
	modeQueued
	modeGame
	modeOver
)

type snapshotMsg snakegame.Snapshot

type outcomeMsg struct {
	matchID string
	res     snakegame.Result
}

type appstate struct {
	sync.Mutex

	node     *node.Node
	playerID zkidentity.ShortID
	name     string

	mode         appMode
	msgCh        chan tea.Msg
	snap         snakegame.Snapshot
	outcome      snakegame.Result
	notification string
}

func newAppstate(playerID zkidentity.ShortID, name string) *appstate {
	return &appstate{
		playerID: playerID,
		name:     name,
		msgCh:    make(chan tea.Msg, 16),
	}
}

// pushSnapshot and pushOutcome feed node callbacks into the tea loop.
func (m *appstate) pushSnapshot(snap snakegame.Snapshot) {
	select {
	case m.msgCh <- snapshotMsg(snap):
	default:
	}
}

// pushOutcome must never block a supervisor callback on a tea loop that
// already exited; a full buffer drops the oldest message (stale snapshots
// matter less than the outcome) and retries once.
func (m *appstate) pushOutcome(matchID string, res snakegame.Result) {
	msg := outcomeMsg{matchID: matchID, res: res}
	select {
	case m.msgCh <- msg:
	default:
		select {
		case <-m.msgCh:
		default:
		}
		select {
		case m.msgCh <- msg:
		default:
		}
	}
}

func (m *appstate) waitForMsg() tea.Cmd {
	return func() tea.Msg {
		return <-m.msgCh
	}
}

func (m *appstate) Init() tea.Cmd {
	return tea.Batch(m.waitForMsg(), tea.EnterAltScreen)
}

func (m *appstate) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case snapshotMsg:
		m.Lock()
		m.snap = snakegame.Snapshot(msg)
		if m.mode == modeQueued || m.mode == modeLobby {
			m.mode = modeGame
			m.notification = "Match found!"
		}
		m.Unlock()
		return m, m.waitForMsg()

	case outcomeMsg:
		m.Lock()
		m.outcome = msg.res
		m.mode = modeOver
		m.Unlock()
		return m, m.waitForMsg()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *appstate) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit

	case "enter", " ":
		m.Lock()
		mode := m.mode
		m.Unlock()
		switch mode {
		case modeLobby, modeOver:
			pos, err := m.node.Register(m.playerID, m.name, false)
			m.Lock()
			if err != nil {
				m.notification = fmt.Sprintf("register: %v", err)
			} else {
				m.mode = modeQueued
				m.notification = fmt.Sprintf("Waiting for an opponent (queue position %d)", pos)
			}
			m.Unlock()
		}
		return m, nil

	case "esc":
		m.Lock()
		mode := m.mode
		m.Unlock()
		if mode == modeQueued {
			if err := m.node.Unregister(m.playerID); err == nil {
				m.Lock()
				m.mode = modeLobby
				m.notification = "Left the queue"
				m.Unlock()
			}
		}
		return m, nil

	case "up", "down", "left", "right":
		m.Lock()
		mode := m.mode
		m.Unlock()
		if mode != modeGame {
			return m, nil
		}
		h, err := snakegame.ParseHeading(msg.String())
		if err != nil {
			return m, nil
		}
		// Reversals are dropped host-side; no need to pre-validate here.
		if err := m.node.SubmitHeading(m.playerID, h); err != nil {
			m.Lock()
			m.notification = fmt.Sprintf("input: %v", err)
			m.Unlock()
		}
		return m, nil
	}
	return m, nil
}

func (m *appstate) View() string {
	m.Lock()
	defer m.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "macula arcade — %s\n\n", m.name)

	switch m.mode {
	case modeLobby:
		b.WriteString("Press ENTER to join the queue, q to quit.\n")
	case modeQueued:
		pos := m.node.QueuePosition(m.playerID)
		if pos > 0 {
			fmt.Fprintf(&b, "Queued at position %d. ESC to leave, q to quit.\n", pos)
		} else {
			b.WriteString("Matching...\n")
		}
	case modeGame:
		b.WriteString(renderGrid(m.snap, m.playerID.String()))
	case modeOver:
		b.WriteString(renderOutcome(m.outcome, m.playerID.String()))
		b.WriteString("\nPress ENTER to play again, q to quit.\n")
	}

	if m.notification != "" {
		fmt.Fprintf(&b, "\n%s\n", m.notification)
	}
	return b.String()
}

func renderGrid(snap snakegame.Snapshot, selfID string) string {
	if snap.Width == 0 || snap.Height == 0 {
		return "Waiting for first snapshot...\n"
	}

	grid := make([][]rune, snap.Height)
	for y := range grid {
		grid[y] = make([]rune, snap.Width)
		for x := range grid[y] {
			grid[y][x] = '.'
		}
	}
	plot := func(c snakegame.Cell, r rune) {
		if c.X >= 0 && c.X < snap.Width && c.Y >= 0 && c.Y < snap.Height {
			grid[c.Y][c.X] = r
		}
	}

	plot(snap.Food, '@')
	for _, sn := range snap.Snakes {
		bodyMark, headMark := 'o', 'O'
		if sn.PlayerID == selfID {
			bodyMark, headMark = 'x', 'X'
		}
		for i := len(sn.Body) - 1; i >= 0; i-- {
			mark := bodyMark
			if i == 0 {
				mark = headMark
			}
			plot(sn.Body[i], mark)
		}
	}

	var b strings.Builder
	for _, sn := range snap.Snakes {
		you := ""
		if sn.PlayerID == selfID {
			you = " (you)"
		}
		fmt.Fprintf(&b, "%s%s: %d  ", sn.DisplayName, you, sn.Score)
	}
	fmt.Fprintf(&b, "tick %d\n\n", snap.Tick)
	for _, row := range grid {
		b.WriteString(string(row))
		b.WriteByte('\n')
	}
	return b.String()
}

func renderOutcome(res snakegame.Result, selfID string) string {
	switch {
	case res.Cause == snakegame.CauseForfeit:
		return "Opponent disconnected — you win by forfeit."
	case res.Winner == "":
		return "Draw."
	case res.Winner == selfID:
		return "You win!"
	default:
		return "You lose."
	}
}
