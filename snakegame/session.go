package snakegame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/slog"
)

// Status is a session's lifecycle state.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusFinished
)

func (st Status) String() string {
	switch st {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	default:
		return fmt.Sprintf("status(%d)", int(st))
	}
}

// Terminal causes carried on the session outcome.
const (
	CauseElimination = "elimination"
	CauseDraw        = "draw"
	CauseForfeit     = "forfeit"
)

// Result is a session's terminal outcome. Winner is empty on a draw.
type Result struct {
	Winner string
	Cause  string
}

// PlayerSpec describes one slot at session creation.
type PlayerSpec struct {
	ID          string
	DisplayName string
	// Controlled slots take submitted headings; autonomous slots run the
	// bot decision function every tick.
	Controlled bool
}

// Config carries per-session tuning.
type Config struct {
	Width        int
	Height       int
	TickInterval time.Duration
	// SnapshotBuffer bounds the snapshot channel; when a subscriber lags,
	// the oldest snapshot is dropped, never the tick.
	SnapshotBuffer int
}

func (c *Config) setDefaults() {
	if c.Width == 0 {
		c.Width = 24
	}
	if c.Height == 0 {
		c.Height = 18
	}
	if c.TickInterval == 0 {
		c.TickInterval = 125 * time.Millisecond
	}
	if c.SnapshotBuffer == 0 {
		c.SnapshotBuffer = 16
	}
}

const initialLength = 3

type slot struct {
	id         string
	name       string
	controlled bool

	body    []Cell // head first
	heading Heading
	score   int

	// last submitted heading for controlled slots; applied at the top of
	// each tick unless it reverses the current heading.
	submitted    Heading
	hasSubmitted bool

	// scratch state for the tick in progress
	newHead     Cell
	droppedTail Cell
}

type headingInput struct {
	playerID string
	heading  Heading
}

// Session runs one match. Only the host node ever constructs a Session;
// guests work from received snapshots. All mutable state is private to the
// session's own tick goroutine plus s.mu for snapshot readers.
type Session struct {
	ID  string
	cfg Config
	log slog.Logger

	mu        sync.RWMutex
	status    Status
	tickCount uint64
	slots     [2]*slot
	food      Cell
	result    *Result
	rng       *rand.Rand

	inputCh chan headingInput
	snapCh  chan Snapshot

	onFinish func(Result, Snapshot)
	onCrash  func(error)

	quit       chan struct{}
	closeOnce  sync.Once
	finishOnce sync.Once
}

// New builds a pending session for the given match. The food RNG is seeded
// from the match id so any independent re-simulation reproduces identical
// placements.
func New(matchID string, a, b PlayerSpec, cfg Config, log slog.Logger) (*Session, error) {
	cfg.setDefaults()
	if cfg.Width < 8 || cfg.Height < 6 {
		return nil, fmt.Errorf("grid %dx%d too small", cfg.Width, cfg.Height)
	}
	if a.ID == b.ID {
		return nil, errors.New("both slots name the same player")
	}

	s := &Session{
		ID:      matchID,
		cfg:     cfg,
		log:     log,
		rng:     rand.New(rand.NewSource(seedFromMatchID(matchID))),
		inputCh: make(chan headingInput, 32),
		snapCh:  make(chan Snapshot, cfg.SnapshotBuffer),
		quit:    make(chan struct{}),
	}

	// Slot A enters from the left edge heading right, slot B mirrored from
	// the right, on separate rows.
	rowA := cfg.Height / 3
	rowB := cfg.Height - 1 - rowA
	s.slots[0] = newSlot(a, leftStart(rowA), HeadingRight)
	s.slots[1] = newSlot(b, rightStart(cfg.Width, rowB), HeadingLeft)

	s.food = s.freeCell()
	return s, nil
}

func newSlot(p PlayerSpec, body []Cell, h Heading) *slot {
	return &slot{
		id:         p.ID,
		name:       p.DisplayName,
		controlled: p.Controlled,
		body:       body,
		heading:    h,
	}
}

func leftStart(row int) []Cell {
	body := make([]Cell, initialLength)
	for i := 0; i < initialLength; i++ {
		body[i] = Cell{initialLength - 1 - i, row}
	}
	return body
}

func rightStart(width, row int) []Cell {
	body := make([]Cell, initialLength)
	for i := 0; i < initialLength; i++ {
		body[i] = Cell{width - initialLength + i, row}
	}
	return body
}

func seedFromMatchID(matchID string) int64 {
	sum := blake256.Sum256([]byte(matchID))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// OnFinish registers the completion callback, invoked exactly once, on the
// tick goroutine, before any further tick would be scheduled.
func (s *Session) OnFinish(fn func(Result, Snapshot)) { s.onFinish = fn }

// OnCrash registers the supervisor's crash callback.
func (s *Session) OnCrash(fn func(error)) { s.onCrash = fn }

// Snapshots returns the per-tick snapshot stream. Slow readers lose old
// snapshots, never stall the clock.
func (s *Session) Snapshots() <-chan Snapshot { return s.snapCh }

// Done is closed when the tick loop has exited, whether by completion,
// crash, or Stop.
func (s *Session) Done() <-chan struct{} { return s.quit }

// SubmitHeading records a controlled slot's heading. A reversal of the
// current heading is accepted here and silently ignored at the next tick.
func (s *Session) SubmitHeading(playerID string, h Heading) error {
	s.mu.RLock()
	status := s.status
	var found, controlled bool
	for _, sl := range s.slots {
		if sl.id == playerID {
			found, controlled = true, sl.controlled
		}
	}
	s.mu.RUnlock()

	if !found {
		return fmt.Errorf("player %s not in session %s", playerID, s.ID)
	}
	if !controlled {
		return fmt.Errorf("player %s slot is autonomous", playerID)
	}
	if status == StatusFinished {
		return fmt.Errorf("session %s already finished", s.ID)
	}

	in := headingInput{playerID: playerID, heading: h}
	select {
	case s.inputCh <- in:
	default:
		// Full buffer: drop the oldest submission and retry once.
		select {
		case <-s.inputCh:
		default:
		}
		select {
		case s.inputCh <- in:
		default:
		}
	}
	return nil
}

// Run starts the tick loop. The loop re-arms its own timer after every tick
// rather than running on a preemptive ticker, so a slow tick delays the next
// instead of stacking on it.
func (s *Session) Run() {
	s.mu.Lock()
	if s.status != StatusPending {
		s.mu.Unlock()
		return
	}
	s.status = StatusRunning
	s.mu.Unlock()

	go s.loop()
}

// Stop abandons the session without producing an outcome. Used on node
// shutdown; finished sessions are unaffected.
func (s *Session) Stop() {
	s.closeOnce.Do(func() { close(s.quit) })
}

func (s *Session) loop() {
	defer s.Stop()
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("session %s: tick loop panic: %v", s.ID, r)
			if s.onCrash != nil {
				s.onCrash(fmt.Errorf("session %s crashed: %v", s.ID, r))
			}
		}
	}()

	timer := time.NewTimer(s.cfg.TickInterval)
	defer timer.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-timer.C:
			if s.step() {
				s.finish()
				return
			}
			timer.Reset(s.cfg.TickInterval)
		}
	}
}

func (s *Session) finish() {
	s.finishOnce.Do(func() {
		s.mu.RLock()
		res := *s.result
		snap := s.snapshotLocked()
		s.mu.RUnlock()
		if s.onFinish != nil {
			s.onFinish(res, snap)
		}
	})
}

// step advances the simulation one tick and reports whether the session
// reached a terminal state.
func (s *Session) step() bool {
	s.drainInputs()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusFinished {
		return true
	}
	s.tickCount++

	a, b := s.slots[0], s.slots[1]

	// 1. Next headings: bots decide, controlled slots take the last
	// submission unless it reverses.
	for i, sl := range s.slots {
		opp := s.slots[1-i]
		if sl.controlled {
			if sl.hasSubmitted && sl.submitted != sl.heading.Opposite() {
				sl.heading = sl.submitted
			}
		} else {
			sl.heading = chooseHeading(sl.heading, sl.body, opp.body, s.food, s.cfg.Width, s.cfg.Height)
		}
	}

	// 2. Advance both heads; tails drop but are remembered for growth.
	for _, sl := range s.slots {
		sl.newHead = sl.body[0].step(sl.heading)
		sl.droppedTail = sl.body[len(sl.body)-1]
		next := make([]Cell, 0, len(sl.body))
		next = append(next, sl.newHead)
		next = append(next, sl.body[:len(sl.body)-1]...)
		sl.body = next
	}

	// 3. Collisions on post-move heads.
	if winner, finished := s.resolveCollisions(); finished {
		s.result = winner
		s.status = StatusFinished
		s.emitSnapshotLocked()
		return true
	}

	// 4. Growth: the eater keeps the tail it just dropped.
	for _, sl := range [2]*slot{a, b} {
		if sl.newHead == s.food {
			sl.body = append(sl.body, sl.droppedTail)
			sl.score++
			s.food = s.freeCell()
		}
	}

	// 5. Snapshot out; the publish path downstream is fire-and-forget.
	s.emitSnapshotLocked()
	return false
}

func (s *Session) drainInputs() {
	for {
		select {
		case in := <-s.inputCh:
			s.mu.Lock()
			for _, sl := range s.slots {
				if sl.id == in.playerID && sl.controlled {
					sl.submitted = in.heading
					sl.hasSubmitted = true
				}
			}
			s.mu.Unlock()
		default:
			return
		}
	}
}

// resolveCollisions applies the collision priority on the post-move heads:
// simultaneous head-on is a draw; otherwise out-of-bounds, own body, then
// opponent body eliminate a side. Both sides violating distinct rules in the
// same tick is a draw by mutual elimination.
func (s *Session) resolveCollisions() (*Result, bool) {
	a, b := s.slots[0], s.slots[1]

	if a.newHead == b.newHead {
		return &Result{Cause: CauseDraw}, true
	}

	aDead := s.eliminated(a, b)
	bDead := s.eliminated(b, a)
	switch {
	case aDead && bDead:
		return &Result{Cause: CauseDraw}, true
	case aDead:
		return &Result{Winner: b.id, Cause: CauseElimination}, true
	case bDead:
		return &Result{Winner: a.id, Cause: CauseElimination}, true
	}
	return nil, false
}

func (s *Session) eliminated(sl, opp *slot) bool {
	if !inBounds(sl.newHead, s.cfg.Width, s.cfg.Height) {
		return true
	}
	if contains(sl.body[1:], sl.newHead) {
		return true
	}
	return contains(opp.body[1:], sl.newHead)
}

// freeCell picks a uniformly random cell not covered by either snake.
func (s *Session) freeCell() Cell {
	free := make([]Cell, 0, s.cfg.Width*s.cfg.Height)
	for y := 0; y < s.cfg.Height; y++ {
		for x := 0; x < s.cfg.Width; x++ {
			c := Cell{x, y}
			covered := false
			for _, sl := range s.slots {
				if sl != nil && contains(sl.body, c) {
					covered = true
					break
				}
			}
			if !covered {
				free = append(free, c)
			}
		}
	}
	if len(free) == 0 {
		// Grid fully covered; leave the food where it is.
		return s.food
	}
	return free[s.rng.Intn(len(free))]
}

// emitSnapshotLocked hands the current snapshot to subscribers without ever
// blocking the tick; when the buffer is full the oldest snapshot is dropped.
func (s *Session) emitSnapshotLocked() {
	snap := s.snapshotLocked()
	select {
	case s.snapCh <- snap:
	default:
		select {
		case <-s.snapCh:
		default:
		}
		select {
		case s.snapCh <- snap:
		default:
		}
	}
}

// Status returns the session's lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Result returns the terminal outcome, or nil while running.
func (s *Session) Result() *Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.result == nil {
		return nil
	}
	res := *s.result
	return &res
}

// Players returns the player ids occupying the session's two slots.
func (s *Session) Players() [2]string {
	return [2]string{s.slots[0].id, s.slots[1].id}
}
