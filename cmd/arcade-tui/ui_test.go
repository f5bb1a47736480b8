package main

import (
	"testing"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/stretchr/testify/require"

	"github.com/macula-io/macula-arcade-sub000/snakegame"
)

// Node callbacks run on supervisor goroutines; a tea loop that already quit
// must never wedge them. Pushes are lossy instead of blocking.
func TestCallbackPushesNeverBlock(t *testing.T) {
	var id zkidentity.ShortID
	m := newAppstate(id, "tester")

	// Nobody drains msgCh, as after the program exits.
	for i := 0; i < cap(m.msgCh)+8; i++ {
		m.pushSnapshot(snakegame.Snapshot{Tick: uint64(i)})
	}

	done := make(chan struct{})
	go func() {
		m.pushOutcome("m-over", snakegame.Result{Cause: snakegame.CauseDraw})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("outcome push blocked on a full buffer")
	}

	// The outcome displaced a stale snapshot rather than being lost.
	found := false
	for drained := false; !drained; {
		select {
		case msg := <-m.msgCh:
			if _, ok := msg.(outcomeMsg); ok {
				found = true
			}
		default:
			drained = true
		}
	}
	require.True(t, found, "outcome should survive the full buffer")
}
