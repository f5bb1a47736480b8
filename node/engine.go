// Package node ties one arcade node together: the matchmaking protocol
// engine that pairs players across the realm without a central arbiter, and
// the supervisor that owns the resulting match sessions.
package node

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/slog"

	"github.com/macula-io/macula-arcade-sub000/realm"
)

var (
	ErrAlreadyRegistered = errors.New("player already registered")
	ErrNotRegistered     = errors.New("player not registered")
	ErrAlreadyInSession  = errors.New("player already in a session")
	ErrInvalidMatchID    = errors.New("match id does not digest from its participants")
)

const (
	defaultProposalTTL  = 10 * time.Second
	discoveryLimit      = 8
	discoveryTimeout    = 5 * time.Second
	remoteRecordMaxAge  = 5 * time.Minute
	matchmakingSweepInt = time.Second
)

// MatchID is the digest of the unordered participant pair. Both nodes derive
// the same id independently, so racing proposals for the same pair collide
// instead of forking.
func MatchID(playerA, playerB string) string {
	if playerB < playerA {
		playerA, playerB = playerB, playerA
	}
	sum := blake256.Sum256([]byte(playerA + "\x00" + playerB))
	return hex.EncodeToString(sum[:])
}

// HostNode deterministically elects the session host: the lower of the two
// origin node ids. Recomputable identically on both sides, so no extra
// negotiation round is needed.
func HostNode(a, b zkidentity.ShortID) zkidentity.ShortID {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return a
	}
	return b
}

// Participant is one side of a match.
type Participant struct {
	ID          zkidentity.ShortID
	Node        zkidentity.ShortID
	DisplayName string
	Bot         bool
}

// QueueEntry is a locally registered player waiting for a match.
type QueueEntry struct {
	PlayerID    zkidentity.ShortID
	DisplayName string
	Bot         bool
	OriginNode  zkidentity.ShortID
	EnqueuedAt  time.Time
}

// remoteRecord mirrors another node's queue entry. It is derived from
// inbound facts, stale-tolerant, and never authoritative.
type remoteRecord struct {
	playerID     zkidentity.ShortID
	node         zkidentity.ShortID
	name         string
	bot          bool
	registeredAt time.Time
	seen         time.Time
}

// proposal tracks a match from proposed to confirmed. The confirmation set
// holds origin nodes; finality requires both participants' nodes.
type proposal struct {
	matchID   string
	a, b      Participant
	proposer  zkidentity.ShortID
	confirmed map[zkidentity.ShortID]bool
	createdAt time.Time

	// queue entries this node holds back speculatively; returned to the
	// queue if the proposal is abandoned.
	held []*QueueEntry

	// done marks a proposal whose handoff is running. It stays in the
	// table until the supervisor has bound the players, so re-registration
	// is rejected for the whole window.
	done bool
}

// Roster answers whether a player is currently bound to a session. Owned by
// the Supervisor.
type Roster interface {
	InSession(playerID zkidentity.ShortID) bool
}

// Engine is the matchmaking protocol engine: it owns the local wait queue,
// the remote-player mirror, and the pending-proposal table. One engine runs
// per node; all state behind one mutex, so local queue mutations are
// linearizable while cross-node state stays eventually consistent.
type Engine struct {
	ns     string
	rt     realm.Transport
	log    slog.Logger
	roster Roster
	clock  func() time.Time

	proposalTTL time.Duration

	// onMatched fires when this node is the elected host for a confirmed
	// match; onExpect fires when the other node is.
	onMatched func(matchID string, a, b Participant)
	onExpect  func(matchID string, a, b Participant)

	mu        sync.Mutex
	queue     []*QueueEntry
	remote    map[zkidentity.ShortID]*remoteRecord
	proposals map[string]*proposal
}

// EngineConfig wires an Engine's collaborators explicitly.
type EngineConfig struct {
	Namespace   string
	Transport   realm.Transport
	Log         slog.Logger
	Roster      Roster
	ProposalTTL time.Duration
	Clock       func() time.Time

	OnMatched func(matchID string, a, b Participant)
	OnExpect  func(matchID string, a, b Participant)
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.ProposalTTL == 0 {
		cfg.ProposalTTL = defaultProposalTTL
	}
	return &Engine{
		ns:          cfg.Namespace,
		rt:          cfg.Transport,
		log:         cfg.Log,
		roster:      cfg.Roster,
		clock:       cfg.Clock,
		proposalTTL: cfg.ProposalTTL,
		onMatched:   cfg.OnMatched,
		onExpect:    cfg.OnExpect,
		remote:      make(map[zkidentity.ShortID]*remoteRecord),
		proposals:   make(map[string]*proposal),
	}
}

// Register enqueues a local player and broadcasts the fact. It returns the
// player's 1-based queue position.
func (e *Engine) Register(playerID zkidentity.ShortID, displayName string, bot bool) (int, error) {
	if e.roster != nil && e.roster.InSession(playerID) {
		return 0, ErrAlreadyInSession
	}

	e.mu.Lock()
	if e.queuedLocked(playerID) != nil || e.heldLocked(playerID) {
		e.mu.Unlock()
		return 0, ErrAlreadyRegistered
	}
	entry := &QueueEntry{
		PlayerID:    playerID,
		DisplayName: displayName,
		Bot:         bot,
		OriginNode:  e.rt.NodeID(),
		EnqueuedAt:  e.clock(),
	}
	e.queue = append(e.queue, entry)
	pos := len(e.queue)
	e.mu.Unlock()

	e.publish(realm.TopicPlayerRegistered(e.ns), realm.PlayerRegistered{
		PlayerID:    playerID.String(),
		NodeID:      e.rt.NodeID().String(),
		DisplayName: displayName,
		Bot:         bot,
		Timestamp:   entry.EnqueuedAt.UnixMilli(),
	})

	// Pair against the mirror if it already knows someone; otherwise fall
	// back to asking the realm directly.
	if !e.tryPair() {
		go e.discover(playerID)
	}
	return pos, nil
}

// Unregister removes a local queue entry and broadcasts the fact. It cannot
// retract an already-broadcast proposal; receivers re-validate instead.
func (e *Engine) Unregister(playerID zkidentity.ShortID) error {
	e.mu.Lock()
	entry := e.queuedLocked(playerID)
	if entry == nil {
		e.mu.Unlock()
		return ErrNotRegistered
	}
	e.removeFromQueueLocked(playerID)
	e.mu.Unlock()

	e.publish(realm.TopicPlayerUnregistered(e.ns), realm.PlayerUnregistered{
		PlayerID:  playerID.String(),
		NodeID:    e.rt.NodeID().String(),
		Timestamp: e.clock().UnixMilli(),
	})
	return nil
}

// QueuePosition returns a waiting player's 1-based position, or 0 when the
// player is not queued.
func (e *Engine) QueuePosition(playerID zkidentity.ShortID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, entry := range e.queue {
		if entry.PlayerID == playerID {
			return i + 1
		}
	}
	return 0
}

// HandlePlayerRegistered refreshes the mirror from an inbound fact and, when
// the fact is not an echo of our own broadcast, attempts pairing.
func (e *Engine) HandlePlayerRegistered(m realm.PlayerRegistered) {
	nodeID, playerID, ok := e.parseIDs(m.NodeID, m.PlayerID)
	if !ok {
		return
	}
	if nodeID == e.rt.NodeID() {
		return // echo
	}

	e.mu.Lock()
	e.remote[playerID] = &remoteRecord{
		playerID:     playerID,
		node:         nodeID,
		name:         m.DisplayName,
		bot:          m.Bot,
		registeredAt: time.UnixMilli(m.Timestamp),
		seen:         e.clock(),
	}
	e.mu.Unlock()

	e.tryPair()
}

// HandlePlayerUnregistered drops the mirrored record.
func (e *Engine) HandlePlayerUnregistered(m realm.PlayerUnregistered) {
	nodeID, playerID, ok := e.parseIDs(m.NodeID, m.PlayerID)
	if !ok || nodeID == e.rt.NodeID() {
		return
	}
	e.mu.Lock()
	if rec, ok := e.remote[playerID]; ok && rec.node == nodeID {
		delete(e.remote, playerID)
	}
	e.mu.Unlock()
}

// tryPair proposes a match between the oldest local queue entry and the
// oldest mirrored remote player. Both are removed from their queues
// speculatively; an abandoned proposal returns the local one.
func (e *Engine) tryPair() bool {
	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return false
	}
	entry := e.queue[0]

	var rec *remoteRecord
	for _, r := range e.remote {
		if rec == nil || r.registeredAt.Before(rec.registeredAt) {
			rec = r
		}
	}
	if rec == nil {
		e.mu.Unlock()
		return false
	}

	matchID := MatchID(entry.PlayerID.String(), rec.playerID.String())
	if _, racing := e.proposals[matchID]; racing {
		e.mu.Unlock()
		return false
	}

	local := Participant{ID: entry.PlayerID, Node: entry.OriginNode, DisplayName: entry.DisplayName, Bot: entry.Bot}
	remote := Participant{ID: rec.playerID, Node: rec.node, DisplayName: rec.name, Bot: rec.bot}
	p := &proposal{
		matchID:   matchID,
		a:         local,
		b:         remote,
		proposer:  e.rt.NodeID(),
		confirmed: map[zkidentity.ShortID]bool{e.rt.NodeID(): true},
		createdAt: e.clock(),
		held:      []*QueueEntry{entry},
	}
	e.proposals[matchID] = p
	e.removeFromQueueLocked(entry.PlayerID)
	delete(e.remote, rec.playerID)
	e.mu.Unlock()

	e.log.Debugf("proposing match %s: %s vs %s", matchID, local.ID, remote.ID)
	e.publish(realm.TopicMatchProposed(e.ns), realm.MatchProposed{
		MatchID:      matchID,
		PlayerA:      local.ID.String(),
		NodeA:        local.Node.String(),
		BotA:         local.Bot,
		PlayerB:      remote.ID.String(),
		NodeB:        remote.Node.String(),
		BotB:         remote.Bot,
		ProposerNode: e.rt.NodeID().String(),
		Timestamp:    e.clock().UnixMilli(),
	})
	return true
}

// HandleMatchProposed processes an inbound proposal. A proposal for a match
// we already track is the race where both sides proposed independently; the
// identical digest makes it an implicit confirmation from the remote node.
func (e *Engine) HandleMatchProposed(m realm.MatchProposed) {
	proposerNode, ok := parseID(m.ProposerNode)
	if !ok || proposerNode == e.rt.NodeID() {
		return // echo of our own proposal
	}
	if MatchID(m.PlayerA, m.PlayerB) != m.MatchID {
		e.log.Warnf("dropping proposal %s from %s: %v", m.MatchID, m.ProposerNode, ErrInvalidMatchID)
		return
	}

	e.mu.Lock()
	if p, tracked := e.proposals[m.MatchID]; tracked {
		p.confirmed[proposerNode] = true
		fin := e.maybeFinalizeLocked(p)
		e.mu.Unlock()
		fin()
		return
	}

	// Untracked: accept only if it names a player actually queued here.
	a, aOK := parseID(m.PlayerA)
	b, bOK := parseID(m.PlayerB)
	nodeA, naOK := parseID(m.NodeA)
	nodeB, nbOK := parseID(m.NodeB)
	if !aOK || !bOK || !naOK || !nbOK {
		e.mu.Unlock()
		return
	}
	var entry *QueueEntry
	if nodeA == e.rt.NodeID() {
		entry = e.queuedLocked(a)
	} else if nodeB == e.rt.NodeID() {
		entry = e.queuedLocked(b)
	}
	if entry == nil {
		// Stale or foreign proposal; nothing held here.
		e.mu.Unlock()
		return
	}

	p := &proposal{
		matchID:   m.MatchID,
		a:         Participant{ID: a, Node: nodeA, DisplayName: e.displayNameLocked(a, entry), Bot: e.botLocked(a, entry, m.BotA)},
		b:         Participant{ID: b, Node: nodeB, DisplayName: e.displayNameLocked(b, entry), Bot: e.botLocked(b, entry, m.BotB)},
		proposer:  proposerNode,
		confirmed: map[zkidentity.ShortID]bool{e.rt.NodeID(): true, proposerNode: true},
		createdAt: e.clock(),
		held:      []*QueueEntry{entry},
	}
	e.proposals[m.MatchID] = p
	e.removeFromQueueLocked(entry.PlayerID)
	delete(e.remote, a)
	delete(e.remote, b)
	fin := e.maybeFinalizeLocked(p)
	e.mu.Unlock()

	e.publish(realm.TopicMatchConfirmed(e.ns), realm.MatchConfirmed{
		MatchID:   m.MatchID,
		NodeID:    e.rt.NodeID().String(),
		Timestamp: e.clock().UnixMilli(),
	})
	fin()
}

// HandleMatchConfirmed merges an explicit confirmation into the set. Order
// and duplicates do not matter; the merge is commutative.
func (e *Engine) HandleMatchConfirmed(m realm.MatchConfirmed) {
	nodeID, ok := parseID(m.NodeID)
	if !ok {
		return
	}
	e.mu.Lock()
	p, tracked := e.proposals[m.MatchID]
	if !tracked {
		e.mu.Unlock()
		return
	}
	p.confirmed[nodeID] = true
	fin := e.maybeFinalizeLocked(p)
	e.mu.Unlock()
	fin()
}

// maybeFinalizeLocked checks the confirmation set. Once it spans both origin
// nodes the host decision is derived and the returned func runs the handoff
// outside the engine lock. The proposal is only removed from the table after
// the handoff returns: the supervisor binds the players inside it, so a
// participant is held or bound at every instant, never neither.
func (e *Engine) maybeFinalizeLocked(p *proposal) func() {
	if p.done || !p.confirmed[p.a.Node] || !p.confirmed[p.b.Node] {
		return func() {}
	}
	p.done = true

	host := HostNode(p.a.Node, p.b.Node)
	a, b := p.a, p.b
	release := func() {
		e.mu.Lock()
		delete(e.proposals, p.matchID)
		e.mu.Unlock()
	}
	if host == e.rt.NodeID() {
		return func() {
			e.log.Infof("match %s confirmed, hosting session", p.matchID)
			if e.onMatched != nil {
				e.onMatched(p.matchID, a, b)
			}
			release()
		}
	}
	return func() {
		e.log.Infof("match %s confirmed, host is %s", p.matchID, host)
		if e.onExpect != nil {
			e.onExpect(p.matchID, a, b)
		}
		release()
	}
}

// RequeueLocal returns locally originated participants to the wait queue
// after a failed session handoff and re-announces them to the realm. Players
// the roster already binds are left alone.
func (e *Engine) RequeueLocal(parts ...Participant) {
	now := e.clock()
	var requeued []*QueueEntry
	e.mu.Lock()
	for _, p := range parts {
		if p.Node != e.rt.NodeID() {
			continue
		}
		if e.roster != nil && e.roster.InSession(p.ID) {
			continue
		}
		if e.queuedLocked(p.ID) != nil {
			continue
		}
		entry := &QueueEntry{
			PlayerID:    p.ID,
			DisplayName: p.DisplayName,
			Bot:         p.Bot,
			OriginNode:  p.Node,
			EnqueuedAt:  now,
		}
		e.queue = append(e.queue, entry)
		requeued = append(requeued, entry)
	}
	e.mu.Unlock()

	for _, entry := range requeued {
		e.publish(realm.TopicPlayerRegistered(e.ns), realm.PlayerRegistered{
			PlayerID:    entry.PlayerID.String(),
			NodeID:      entry.OriginNode.String(),
			DisplayName: entry.DisplayName,
			Bot:         entry.Bot,
			Timestamp:   entry.EnqueuedAt.UnixMilli(),
		})
	}
	if len(requeued) > 0 {
		e.tryPair()
	}
}

// Sweep abandons proposals that never converged and prunes stale mirror
// records. Held queue entries return at their original enqueue time.
func (e *Engine) Sweep() {
	now := e.clock()

	e.mu.Lock()
	var requeued []*QueueEntry
	for id, p := range e.proposals {
		if p.done || now.Sub(p.createdAt) < e.proposalTTL {
			continue
		}
		e.log.Debugf("abandoning unconverged proposal %s", id)
		delete(e.proposals, id)
		requeued = append(requeued, p.held...)
	}
	if len(requeued) > 0 {
		e.queue = append(e.queue, requeued...)
		sort.SliceStable(e.queue, func(i, j int) bool {
			return e.queue[i].EnqueuedAt.Before(e.queue[j].EnqueuedAt)
		})
	}
	for id, rec := range e.remote {
		if now.Sub(rec.seen) > remoteRecordMaxAge {
			delete(e.remote, id)
		}
	}
	e.mu.Unlock()

	if len(requeued) > 0 {
		e.tryPair()
	}
}

// HandleFindOpponents answers the fallback discovery procedure from the
// local queue.
func (e *Engine) HandleFindOpponents(_ context.Context, args []byte) ([]byte, error) {
	var req realm.FindOpponentsRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 || limit > discoveryLimit {
		limit = discoveryLimit
	}

	e.mu.Lock()
	reply := realm.FindOpponentsReply{Opponents: []realm.Opponent{}}
	for _, entry := range e.queue {
		if entry.PlayerID.String() == req.ExcludePlayerID {
			continue
		}
		reply.Opponents = append(reply.Opponents, realm.Opponent{
			PlayerID:    entry.PlayerID.String(),
			NodeID:      entry.OriginNode.String(),
			DisplayName: entry.DisplayName,
			Bot:         entry.Bot,
			EnqueuedAt:  entry.EnqueuedAt.UnixMilli(),
		})
		if len(reply.Opponents) >= limit {
			break
		}
	}
	e.mu.Unlock()

	return json.Marshal(reply)
}

// discover asks the realm for opponents when the mirror is empty. Failures
// and empty replies are both fine; the mirror fills from facts eventually.
func (e *Engine) discover(exclude zkidentity.ShortID) {
	args, err := json.Marshal(realm.FindOpponentsRequest{
		ExcludePlayerID: exclude.String(),
		Limit:           discoveryLimit,
	})
	if err != nil {
		return
	}
	raw, err := e.rt.Call(context.Background(), realm.ProcFindOpponents(e.ns), args, discoveryTimeout)
	if err != nil {
		e.log.Debugf("opponent discovery failed: %v", err)
		return
	}
	var reply realm.FindOpponentsReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		e.log.Debugf("bad discovery reply: %v", err)
		return
	}

	e.mu.Lock()
	for _, opp := range reply.Opponents {
		nodeID, playerID, ok := e.parseIDs(opp.NodeID, opp.PlayerID)
		if !ok || nodeID == e.rt.NodeID() {
			continue
		}
		if _, known := e.remote[playerID]; known {
			continue
		}
		e.remote[playerID] = &remoteRecord{
			playerID:     playerID,
			node:         nodeID,
			name:         opp.DisplayName,
			bot:          opp.Bot,
			registeredAt: time.UnixMilli(opp.EnqueuedAt),
			seen:         e.clock(),
		}
	}
	e.mu.Unlock()

	e.tryPair()
}

func (e *Engine) queuedLocked(playerID zkidentity.ShortID) *QueueEntry {
	for _, entry := range e.queue {
		if entry.PlayerID == playerID {
			return entry
		}
	}
	return nil
}

// heldLocked reports whether a player sits inside a pending proposal.
func (e *Engine) heldLocked(playerID zkidentity.ShortID) bool {
	for _, p := range e.proposals {
		if p.a.ID == playerID || p.b.ID == playerID {
			return true
		}
	}
	return false
}

func (e *Engine) removeFromQueueLocked(playerID zkidentity.ShortID) {
	for i, entry := range e.queue {
		if entry.PlayerID == playerID {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

func (e *Engine) displayNameLocked(id zkidentity.ShortID, local *QueueEntry) string {
	if local != nil && local.PlayerID == id {
		return local.DisplayName
	}
	if rec, ok := e.remote[id]; ok {
		return rec.name
	}
	return ""
}

// botLocked resolves a participant's slot kind, preferring local knowledge
// over what the proposal claims.
func (e *Engine) botLocked(id zkidentity.ShortID, local *QueueEntry, claimed bool) bool {
	if local != nil && local.PlayerID == id {
		return local.Bot
	}
	if rec, ok := e.remote[id]; ok {
		return rec.bot
	}
	return claimed
}

func (e *Engine) publish(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		e.log.Errorf("encode %s: %v", topic, err)
		return
	}
	if err := e.rt.Publish(context.Background(), topic, payload); err != nil {
		// Best effort: lost facts degrade to eventual consistency only.
		e.log.Warnf("publish %s: %v", topic, err)
	}
}

func (e *Engine) parseIDs(node, player string) (zkidentity.ShortID, zkidentity.ShortID, bool) {
	nodeID, ok := parseID(node)
	if !ok {
		return nodeID, nodeID, false
	}
	playerID, ok := parseID(player)
	return nodeID, playerID, ok
}

func parseID(s string) (zkidentity.ShortID, bool) {
	var id zkidentity.ShortID
	if err := id.FromString(s); err != nil {
		return id, false
	}
	return id, true
}
