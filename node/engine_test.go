package node

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macula-io/macula-arcade-sub000/realm"
)

func shortID(b byte) zkidentity.ShortID {
	var id zkidentity.ShortID
	id[0] = b
	return id
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// topicCapture records decoded facts published on the engine's own
// transport. Loopback delivery to own subscribers is synchronous, so the
// records are final as soon as the triggering call returns.
type topicCapture[T any] struct {
	mu   sync.Mutex
	msgs []T
}

func captureTopic[T any](t *testing.T, rt realm.Transport, topic string) *topicCapture[T] {
	t.Helper()
	c := &topicCapture[T]{}
	sub, err := rt.Subscribe(topic, decodeInto[T](slog.Disabled, func(m T) {
		c.mu.Lock()
		c.msgs = append(c.msgs, m)
		c.mu.Unlock()
	}))
	require.NoError(t, err)
	t.Cleanup(sub.Cancel)
	return c
}

func (c *topicCapture[T]) all() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.msgs...)
}

type matchRecorder struct {
	mu      sync.Mutex
	matched []string
	expects []string
	a, b    Participant
}

func (r *matchRecorder) onMatched(matchID string, a, b Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matched = append(r.matched, matchID)
	r.a, r.b = a, b
}

func (r *matchRecorder) onExpect(matchID string, a, b Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expects = append(r.expects, matchID)
	r.a, r.b = a, b
}

func (r *matchRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.matched), len(r.expects)
}

func newTestEngine(t *testing.T, nodeID zkidentity.ShortID, clock *fakeClock) (*Engine, realm.Transport, *matchRecorder) {
	t.Helper()
	bus := realm.NewBus()
	rt := bus.Attach(nodeID, slog.Disabled)
	rec := &matchRecorder{}
	e := NewEngine(EngineConfig{
		Namespace: "arcade",
		Transport: rt,
		Log:       slog.Disabled,
		Clock:     clock.Now,
		OnMatched: rec.onMatched,
		OnExpect:  rec.onExpect,
	})
	return e, rt, rec
}

func registeredFact(playerID, nodeID zkidentity.ShortID, name string) realm.PlayerRegistered {
	return realm.PlayerRegistered{
		PlayerID:    playerID.String(),
		NodeID:      nodeID.String(),
		DisplayName: name,
		Timestamp:   time.Now().UnixMilli(),
	}
}

func TestMatchIDOrderIndependent(t *testing.T) {
	alice, bob := shortID(0xAA).String(), shortID(0xBB).String()

	id := MatchID(alice, bob)
	assert.Equal(t, id, MatchID(bob, alice))
	assert.Len(t, id, 64)

	carol := shortID(0xCC).String()
	assert.NotEqual(t, id, MatchID(alice, carol))
	assert.NotEqual(t, id, MatchID(bob, carol))
}

func TestHostNodeDeterministic(t *testing.T) {
	low, high := shortID(0x01), shortID(0x02)
	assert.Equal(t, low, HostNode(low, high))
	assert.Equal(t, low, HostNode(high, low))
	assert.Equal(t, low, HostNode(low, low))
}

func TestRegisterQueuePositions(t *testing.T) {
	e, _, _ := newTestEngine(t, shortID(1), newFakeClock())

	pos, err := e.Register(shortID(0xAA), "alice", false)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	pos, err = e.Register(shortID(0xBB), "bob", false)
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	_, err = e.Register(shortID(0xAA), "alice", false)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	assert.Equal(t, 1, e.QueuePosition(shortID(0xAA)))
	assert.Equal(t, 2, e.QueuePosition(shortID(0xBB)))

	require.NoError(t, e.Unregister(shortID(0xAA)))
	assert.Equal(t, 0, e.QueuePosition(shortID(0xAA)))
	assert.Equal(t, 1, e.QueuePosition(shortID(0xBB)))

	assert.ErrorIs(t, e.Unregister(shortID(0xAA)), ErrNotRegistered)
}

type stubRoster struct{ busy bool }

func (r stubRoster) InSession(zkidentity.ShortID) bool { return r.busy }

func TestRegisterBlockedWhileInSession(t *testing.T) {
	bus := realm.NewBus()
	rt := bus.Attach(shortID(1), slog.Disabled)
	e := NewEngine(EngineConfig{
		Namespace: "arcade",
		Transport: rt,
		Log:       slog.Disabled,
		Roster:    stubRoster{busy: true},
	})

	_, err := e.Register(shortID(0xAA), "alice", false)
	assert.ErrorIs(t, err, ErrAlreadyInSession)
}

func TestMirrorPairingProposesMatch(t *testing.T) {
	node1, node2 := shortID(1), shortID(2)
	alice, bob := shortID(0xAA), shortID(0xBB)
	e, rt, rec := newTestEngine(t, node1, newFakeClock())
	proposed := captureTopic[realm.MatchProposed](t, rt, realm.TopicMatchProposed("arcade"))

	_, err := e.Register(alice, "alice", false)
	require.NoError(t, err)
	e.HandlePlayerRegistered(registeredFact(bob, node2, "bob"))

	msgs := proposed.all()
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, MatchID(alice.String(), bob.String()), m.MatchID)
	assert.Equal(t, alice.String(), m.PlayerA)
	assert.Equal(t, bob.String(), m.PlayerB)
	assert.Equal(t, node1.String(), m.ProposerNode)

	// Speculatively dequeued while the proposal is pending; re-registering
	// is still rejected.
	assert.Equal(t, 0, e.QueuePosition(alice))
	_, err = e.Register(alice, "alice", false)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	// The explicit confirmation from the other origin node completes the
	// set; node1 is the lower id and hosts.
	e.HandleMatchConfirmed(realm.MatchConfirmed{MatchID: m.MatchID, NodeID: node2.String()})
	matched, expects := rec.counts()
	assert.Equal(t, 1, matched)
	assert.Equal(t, 0, expects)
	assert.Equal(t, alice, rec.a.ID)
	assert.Equal(t, bob, rec.b.ID)
}

func TestRacingProposalIsImplicitConfirmation(t *testing.T) {
	node1, node2 := shortID(1), shortID(2)
	alice, bob := shortID(0xAA), shortID(0xBB)
	e, _, rec := newTestEngine(t, node1, newFakeClock())

	_, err := e.Register(alice, "alice", false)
	require.NoError(t, err)
	e.HandlePlayerRegistered(registeredFact(bob, node2, "bob"))

	// The other node proposed the identical pair in the same window. The
	// digest collides with our tracked proposal, so it doubles as that
	// node's confirmation.
	race := realm.MatchProposed{
		MatchID:      MatchID(alice.String(), bob.String()),
		PlayerA:      alice.String(),
		NodeA:        node1.String(),
		PlayerB:      bob.String(),
		NodeB:        node2.String(),
		ProposerNode: node2.String(),
	}
	e.HandleMatchProposed(race)
	matched, expects := rec.counts()
	assert.Equal(t, 1, matched)
	assert.Equal(t, 0, expects)

	// Duplicate delivery of the same proposal starts nothing further.
	e.HandleMatchProposed(race)
	e.HandleMatchConfirmed(realm.MatchConfirmed{MatchID: race.MatchID, NodeID: node2.String()})
	matched, expects = rec.counts()
	assert.Equal(t, 1, matched)
	assert.Equal(t, 0, expects)
}

func TestInboundProposalConfirmsAndHandsOff(t *testing.T) {
	node1, node2 := shortID(1), shortID(2)
	alice, bob := shortID(0xAA), shortID(0xBB)
	e, rt, rec := newTestEngine(t, node2, newFakeClock())
	confirmed := captureTopic[realm.MatchConfirmed](t, rt, realm.TopicMatchConfirmed("arcade"))

	_, err := e.Register(bob, "bob", false)
	require.NoError(t, err)

	e.HandleMatchProposed(realm.MatchProposed{
		MatchID:      MatchID(alice.String(), bob.String()),
		PlayerA:      alice.String(),
		NodeA:        node1.String(),
		PlayerB:      bob.String(),
		NodeB:        node2.String(),
		ProposerNode: node1.String(),
	})

	msgs := confirmed.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, node2.String(), msgs[0].NodeID)

	// Both origin nodes are now in the confirmation set; node1 is the
	// lower id, so this node expects a remote host.
	matched, expects := rec.counts()
	assert.Equal(t, 0, matched)
	assert.Equal(t, 1, expects)
	assert.Equal(t, 0, e.QueuePosition(bob))
}

func TestForgedMatchIDDropped(t *testing.T) {
	node1, node2 := shortID(1), shortID(2)
	alice, bob := shortID(0xAA), shortID(0xBB)
	e, rt, rec := newTestEngine(t, node2, newFakeClock())
	confirmed := captureTopic[realm.MatchConfirmed](t, rt, realm.TopicMatchConfirmed("arcade"))

	_, err := e.Register(bob, "bob", false)
	require.NoError(t, err)

	e.HandleMatchProposed(realm.MatchProposed{
		MatchID:      "deadbeef",
		PlayerA:      alice.String(),
		NodeA:        node1.String(),
		PlayerB:      bob.String(),
		NodeB:        node2.String(),
		ProposerNode: node1.String(),
	})

	assert.Empty(t, confirmed.all())
	matched, expects := rec.counts()
	assert.Zero(t, matched)
	assert.Zero(t, expects)
	assert.Equal(t, 1, e.QueuePosition(bob), "player must stay queued")
}

func TestProposalForUnknownPlayerIgnored(t *testing.T) {
	node1, node2 := shortID(1), shortID(2)
	alice, xavier := shortID(0xAA), shortID(0xCC)
	e, rt, rec := newTestEngine(t, node2, newFakeClock())
	confirmed := captureTopic[realm.MatchConfirmed](t, rt, realm.TopicMatchConfirmed("arcade"))

	// Xavier registered and left before the proposal arrived.
	_, err := e.Register(xavier, "xavier", false)
	require.NoError(t, err)
	require.NoError(t, e.Unregister(xavier))

	e.HandleMatchProposed(realm.MatchProposed{
		MatchID:      MatchID(alice.String(), xavier.String()),
		PlayerA:      alice.String(),
		NodeA:        node1.String(),
		PlayerB:      xavier.String(),
		NodeB:        node2.String(),
		ProposerNode: node1.String(),
	})

	assert.Empty(t, confirmed.all())
	matched, expects := rec.counts()
	assert.Zero(t, matched)
	assert.Zero(t, expects)
}

func TestUnregisterFactClearsMirror(t *testing.T) {
	node1, node2 := shortID(1), shortID(2)
	alice, bob := shortID(0xAA), shortID(0xBB)
	e, rt, _ := newTestEngine(t, node1, newFakeClock())
	proposed := captureTopic[realm.MatchProposed](t, rt, realm.TopicMatchProposed("arcade"))

	e.HandlePlayerRegistered(registeredFact(bob, node2, "bob"))
	e.HandlePlayerUnregistered(realm.PlayerUnregistered{
		PlayerID: bob.String(),
		NodeID:   node2.String(),
	})

	_, err := e.Register(alice, "alice", false)
	require.NoError(t, err)

	assert.Empty(t, proposed.all(), "no opponent should be known")
	assert.Equal(t, 1, e.QueuePosition(alice))
}

func TestSweepRequeuesAbandonedProposal(t *testing.T) {
	node1, node2 := shortID(1), shortID(2)
	alice, bob := shortID(0xAA), shortID(0xBB)
	clock := newFakeClock()
	e, _, rec := newTestEngine(t, node1, clock)

	_, err := e.Register(alice, "alice", false)
	require.NoError(t, err)
	e.HandlePlayerRegistered(registeredFact(bob, node2, "bob"))
	require.Equal(t, 0, e.QueuePosition(alice), "held by pending proposal")

	// Not yet expired: nothing moves.
	clock.Advance(defaultProposalTTL / 2)
	e.Sweep()
	assert.Equal(t, 0, e.QueuePosition(alice))

	// Past the TTL the proposal is abandoned and the held entry returns.
	clock.Advance(defaultProposalTTL)
	e.Sweep()
	assert.Equal(t, 1, e.QueuePosition(alice))
	matched, expects := rec.counts()
	assert.Zero(t, matched)
	assert.Zero(t, expects)

	// A late confirmation for the abandoned match is a no-op.
	e.HandleMatchConfirmed(realm.MatchConfirmed{
		MatchID: MatchID(alice.String(), bob.String()),
		NodeID:  node2.String(),
	})
	matched, expects = rec.counts()
	assert.Zero(t, matched)
	assert.Zero(t, expects)
}

func TestFindOpponentsAnswersFromQueue(t *testing.T) {
	alice, bob := shortID(0xAA), shortID(0xBB)
	e, rt, _ := newTestEngine(t, shortID(1), newFakeClock())

	_, err := e.Register(alice, "alice", false)
	require.NoError(t, err)
	_, err = e.Register(bob, "bob", true)
	require.NoError(t, err)
	require.NoError(t, rt.Advertise(realm.ProcFindOpponents("arcade"), e.HandleFindOpponents))

	args, err := json.Marshal(realm.FindOpponentsRequest{ExcludePlayerID: alice.String(), Limit: 4})
	require.NoError(t, err)
	raw, err := rt.Call(context.Background(), realm.ProcFindOpponents("arcade"), args, time.Second)
	require.NoError(t, err)

	var reply realm.FindOpponentsReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.Len(t, reply.Opponents, 1)
	assert.Equal(t, bob.String(), reply.Opponents[0].PlayerID)
	assert.True(t, reply.Opponents[0].Bot)
}

func TestPlayerHeldThroughHandoff(t *testing.T) {
	bus := realm.NewBus()
	rt := bus.Attach(shortID(1), slog.Disabled)
	clock := newFakeClock()
	alice, bob := shortID(0xAA), shortID(0xBB)

	// A registration racing the handoff must lose for as long as the match
	// is being handed over; the claim releases only once binding is done.
	var duringHandoff error
	handedOff := false
	var e *Engine
	e = NewEngine(EngineConfig{
		Namespace: "arcade",
		Transport: rt,
		Log:       slog.Disabled,
		Clock:     clock.Now,
		OnMatched: func(matchID string, a, b Participant) {
			_, duringHandoff = e.Register(alice, "alice", false)
			handedOff = true
		},
	})

	_, err := e.Register(alice, "alice", false)
	require.NoError(t, err)
	e.HandlePlayerRegistered(registeredFact(bob, shortID(2), "bob"))

	e.HandleMatchConfirmed(realm.MatchConfirmed{
		MatchID: MatchID(alice.String(), bob.String()),
		NodeID:  shortID(2).String(),
	})
	require.True(t, handedOff)
	assert.ErrorIs(t, duringHandoff, ErrAlreadyRegistered)

	// Handoff returned, claim released: alice may queue again.
	pos, err := e.Register(alice, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
}

func TestRequeueLocalRestoresOnlyLocalEntries(t *testing.T) {
	clock := newFakeClock()
	e, rt, _ := newTestEngine(t, shortID(1), clock)
	reg := captureTopic[realm.PlayerRegistered](t, rt, realm.TopicPlayerRegistered("arcade"))

	alice := Participant{ID: shortID(0xAA), Node: shortID(1), DisplayName: "alice"}
	bob := Participant{ID: shortID(0xBB), Node: shortID(2), DisplayName: "bob"}

	e.RequeueLocal(alice, bob)

	assert.Equal(t, 1, e.QueuePosition(alice.ID))
	assert.Zero(t, e.QueuePosition(bob.ID), "remote participant is the other node's problem")

	// The return to the queue is re-announced so mirrors fill back in.
	facts := reg.all()
	require.Len(t, facts, 1)
	assert.Equal(t, alice.ID.String(), facts[0].PlayerID)

	// Requeueing again is a no-op while the entry is still queued.
	e.RequeueLocal(alice)
	assert.Equal(t, 1, e.QueuePosition(alice.ID))
	assert.Len(t, reg.all(), 1)
}
