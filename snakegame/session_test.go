package snakegame

import (
	"math/rand"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSession builds a running session directly so individual ticks can be
// driven with step(), including on grids smaller than New allows.
func testSession(w, h int, a, b *slot, food Cell) *Session {
	s := &Session{
		ID:      "corridor-test",
		cfg:     Config{Width: w, Height: h, TickInterval: time.Millisecond, SnapshotBuffer: 4},
		log:     slog.Disabled,
		status:  StatusRunning,
		food:    food,
		rng:     rand.New(rand.NewSource(1)),
		inputCh: make(chan headingInput, 32),
		snapCh:  make(chan Snapshot, 4),
		quit:    make(chan struct{}),
	}
	s.slots[0], s.slots[1] = a, b
	return s
}

func controlledSlot(id string, body []Cell, h Heading) *slot {
	return &slot{id: id, name: id, controlled: true, body: body, heading: h}
}

func TestCorridorRunToFood(t *testing.T) {
	// A runs down a 6-wide corridor toward food at the far end; B marches
	// along its own row and never interferes.
	a := controlledSlot("alice", []Cell{{2, 1}, {1, 1}, {0, 1}}, HeadingRight)
	b := controlledSlot("bob", []Cell{{3, 2}, {4, 2}, {5, 2}}, HeadingLeft)
	s := testSession(6, 3, a, b, Cell{5, 1})

	wantHeads := []Cell{{3, 1}, {4, 1}, {5, 1}}
	for i, want := range wantHeads {
		require.False(t, s.step(), "tick %d should not finish", i+1)
		assert.Equal(t, want, a.body[0], "head after tick %d", i+1)
	}

	// The eating tick grows the body immediately and relocates the food.
	assert.Len(t, a.body, 4)
	assert.Equal(t, 1, a.score)
	assert.NotEqual(t, Cell{5, 1}, s.food)
	assert.False(t, contains(a.body, s.food))
	assert.False(t, contains(b.body, s.food))
}

func TestGrowthHappensExactlyOnce(t *testing.T) {
	a := controlledSlot("alice", []Cell{{2, 1}, {1, 1}, {0, 1}}, HeadingRight)
	b := controlledSlot("bob", []Cell{{2, 4}, {1, 4}, {0, 4}}, HeadingRight)
	s := testSession(10, 6, a, b, Cell{3, 1})

	require.False(t, s.step())
	require.Len(t, a.body, 4)

	// Move the food out of reach; further ticks keep the length constant.
	s.food = Cell{9, 5}
	require.False(t, s.step())
	require.False(t, s.step())
	assert.Len(t, a.body, 4)
	assert.Equal(t, 1, a.score)
}

func TestHeadOnCollisionIsDraw(t *testing.T) {
	a := controlledSlot("alice", []Cell{{2, 3}, {1, 3}, {0, 3}}, HeadingRight)
	b := controlledSlot("bob", []Cell{{4, 3}, {5, 3}, {6, 3}}, HeadingLeft)
	s := testSession(8, 6, a, b, Cell{0, 0})

	require.True(t, s.step())
	assert.Equal(t, StatusFinished, s.Status())
	res := s.Result()
	require.NotNil(t, res)
	assert.Empty(t, res.Winner)
	assert.Equal(t, CauseDraw, res.Cause)
}

func TestHeadOnOutranksOtherViolations(t *testing.T) {
	// Both next heads land on (3,3) while A is also stepping back into its
	// own body; the simultaneous head-on still decides the tick as a draw.
	a := controlledSlot("alice", []Cell{{2, 3}, {3, 3}, {3, 4}}, HeadingRight)
	b := controlledSlot("bob", []Cell{{4, 3}, {5, 3}, {6, 3}}, HeadingLeft)
	s := testSession(8, 6, a, b, Cell{0, 0})

	require.True(t, s.step())
	res := s.Result()
	require.NotNil(t, res)
	assert.Equal(t, CauseDraw, res.Cause)
}

func TestWallCollisionEliminates(t *testing.T) {
	a := controlledSlot("alice", []Cell{{7, 3}, {6, 3}, {5, 3}}, HeadingRight)
	b := controlledSlot("bob", []Cell{{3, 1}, {2, 1}, {1, 1}}, HeadingRight)
	s := testSession(8, 6, a, b, Cell{0, 0})

	require.True(t, s.step())
	res := s.Result()
	require.NotNil(t, res)
	assert.Equal(t, "bob", res.Winner)
	assert.Equal(t, CauseElimination, res.Cause)
}

func TestOpponentBodyCollisionEliminates(t *testing.T) {
	a := controlledSlot("alice", []Cell{{2, 2}, {1, 2}, {0, 2}}, HeadingRight)
	b := controlledSlot("bob", []Cell{{3, 1}, {3, 2}, {3, 3}}, HeadingUp)
	s := testSession(8, 6, a, b, Cell{7, 5})

	// A's head steps into B's mid-body at (3,2), which B still occupies
	// after its own move up.
	require.True(t, s.step())
	res := s.Result()
	require.NotNil(t, res)
	assert.Equal(t, "bob", res.Winner)
	assert.Equal(t, CauseElimination, res.Cause)
}

func TestDistinctViolationsSameTickDraw(t *testing.T) {
	// A leaves the grid while B reverses into its own body on the same
	// tick: mutual elimination, no winner.
	a := controlledSlot("alice", []Cell{{7, 1}, {6, 1}, {5, 1}}, HeadingRight)
	b := controlledSlot("bob", []Cell{{2, 4}, {3, 4}, {4, 4}}, HeadingRight)
	s := testSession(8, 6, a, b, Cell{0, 0})

	require.True(t, s.step())
	res := s.Result()
	require.NotNil(t, res)
	assert.Empty(t, res.Winner)
	assert.Equal(t, CauseDraw, res.Cause)
}

func TestReversalSubmissionIgnored(t *testing.T) {
	a := controlledSlot("alice", []Cell{{2, 1}, {1, 1}, {0, 1}}, HeadingRight)
	b := controlledSlot("bob", []Cell{{2, 4}, {1, 4}, {0, 4}}, HeadingRight)
	s := testSession(10, 6, a, b, Cell{9, 5})

	require.NoError(t, s.SubmitHeading("alice", HeadingLeft))
	require.False(t, s.step())
	assert.Equal(t, Cell{3, 1}, a.body[0], "reversal must not apply")
	assert.Equal(t, HeadingRight, a.heading)

	// A perpendicular submission applies normally.
	require.NoError(t, s.SubmitHeading("alice", HeadingDown))
	require.False(t, s.step())
	assert.Equal(t, Cell{3, 2}, a.body[0])
}

func TestSubmitHeadingRejectsOutsiders(t *testing.T) {
	a := controlledSlot("alice", []Cell{{2, 1}, {1, 1}, {0, 1}}, HeadingRight)
	b := &slot{id: "bot-1", name: "bot-1", body: []Cell{{2, 4}, {1, 4}, {0, 4}}, heading: HeadingRight}
	s := testSession(10, 6, a, b, Cell{9, 5})

	assert.Error(t, s.SubmitHeading("mallory", HeadingUp))
	assert.Error(t, s.SubmitHeading("bot-1", HeadingUp), "autonomous slots take no input")
}

func TestFoodPlacementDeterministic(t *testing.T) {
	const matchID = "5c0ffee5c0ffee5c0ffee5c0ffee5c0ffee5c0ffee5c0ffee5c0ffee5c0ffee"
	specA := PlayerSpec{ID: "alice", DisplayName: "alice", Controlled: true}
	specB := PlayerSpec{ID: "bob", DisplayName: "bob", Controlled: true}

	s1, err := New(matchID, specA, specB, Config{}, slog.Disabled)
	require.NoError(t, err)
	s2, err := New(matchID, specA, specB, Config{}, slog.Disabled)
	require.NoError(t, err)

	require.Equal(t, s1.food, s2.food)
	for i := 0; i < 20; i++ {
		assert.Equal(t, s1.freeCell(), s2.freeCell(), "placement %d", i)
	}
}

func TestNewValidates(t *testing.T) {
	specA := PlayerSpec{ID: "alice", Controlled: true}
	specB := PlayerSpec{ID: "bob", Controlled: true}

	_, err := New("m", specA, specB, Config{Width: 4, Height: 4, TickInterval: time.Millisecond}, slog.Disabled)
	assert.Error(t, err)

	_, err = New("m", specA, specA, Config{}, slog.Disabled)
	assert.Error(t, err)
}

func TestRunFinishesAndReportsOnce(t *testing.T) {
	// With no inputs both controlled snakes march into opposite walls on
	// the same tick, so the session ends in a bounded number of ticks.
	s, err := New("run-test",
		PlayerSpec{ID: "alice", DisplayName: "alice", Controlled: true},
		PlayerSpec{ID: "bob", DisplayName: "bob", Controlled: true},
		Config{TickInterval: 2 * time.Millisecond}, slog.Disabled)
	require.NoError(t, err)

	type finishReport struct {
		res  Result
		snap Snapshot
	}
	done := make(chan finishReport, 2)
	s.OnFinish(func(res Result, snap Snapshot) {
		done <- finishReport{res: res, snap: snap}
	})

	s.Run()
	select {
	case rep := <-done:
		assert.Equal(t, CauseDraw, rep.res.Cause)
		assert.Equal(t, StatusFinished.String(), rep.snap.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("tick loop did not exit")
	}

	select {
	case rep := <-done:
		t.Fatalf("finish callback ran twice: %+v", rep.res)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopWithoutOutcome(t *testing.T) {
	s, err := New("stop-test",
		PlayerSpec{ID: "alice", Controlled: true},
		PlayerSpec{ID: "bob", Controlled: true},
		Config{TickInterval: 50 * time.Millisecond}, slog.Disabled)
	require.NoError(t, err)

	s.Run()
	s.Stop()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("tick loop did not exit after Stop")
	}
	assert.Nil(t, s.Result())
}
