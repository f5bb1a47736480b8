package node

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/slog"

	"github.com/macula-io/macula-arcade-sub000/realm"
	"github.com/macula-io/macula-arcade-sub000/snakegame"
)

var ErrSessionAlreadyExists = errors.New("session already exists for match")

const (
	defaultSilenceTTL = 5 * time.Second

	// finishedRetention bounds how long a resolved match id is remembered.
	// Cross-node delivery is unordered, so a session_started (or a stray
	// state snapshot) can trail the session_ended that resolved the match;
	// the tombstone keeps such stragglers from resurrecting it.
	finishedRetention = time.Minute
)

// membership is the Supervisor's record of one match: an authoritative
// session when this node hosts, a passive projection when it does not.
type membership struct {
	matchID string
	host    bool
	session *snakegame.Session // nil unless hosting
	players []zkidentity.ShortID

	stateSub realm.Subscription
	inputSub realm.Subscription
	silence  *time.Timer
}

// Supervisor starts and tracks match sessions. It owns the membership table
// and the player-to-session roster; the protocol engine consults the roster
// but never touches session state.
type Supervisor struct {
	ns         string
	rt         realm.Transport
	log        slog.Logger
	sessionCfg snakegame.Config
	silenceTTL time.Duration

	onSnapshot func(snakegame.Snapshot)
	onOutcome  func(matchID string, res snakegame.Result)

	mu        sync.Mutex
	members   map[string]*membership
	inSession map[zkidentity.ShortID]string
	finished  map[string]time.Time // tombstones for resolved matches
}

// SupervisorConfig wires a Supervisor's collaborators explicitly.
type SupervisorConfig struct {
	Namespace  string
	Transport  realm.Transport
	Log        slog.Logger
	Session    snakegame.Config
	SilenceTTL time.Duration

	// OnSnapshot feeds the presentation layer; OnOutcome delivers terminal
	// results (including local forfeits from host silence).
	OnSnapshot func(snakegame.Snapshot)
	OnOutcome  func(matchID string, res snakegame.Result)
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.SilenceTTL == 0 {
		cfg.SilenceTTL = defaultSilenceTTL
	}
	return &Supervisor{
		ns:         cfg.Namespace,
		rt:         cfg.Transport,
		log:        cfg.Log,
		sessionCfg: cfg.Session,
		silenceTTL: cfg.SilenceTTL,
		onSnapshot: cfg.OnSnapshot,
		onOutcome:  cfg.OnOutcome,
		members:    make(map[string]*membership),
		inSession:  make(map[zkidentity.ShortID]string),
		finished:   make(map[string]time.Time),
	}
}

// rememberFinishedLocked tombstones a resolved match id so late-arriving
// session_started facts cannot resurrect it. Callers hold s.mu.
func (s *Supervisor) rememberFinishedLocked(matchID string) {
	now := time.Now()
	for id, at := range s.finished {
		if now.Sub(at) > finishedRetention {
			delete(s.finished, id)
		}
	}
	s.finished[matchID] = now
}

// MatchFor returns the match a player is bound to, if any.
func (s *Supervisor) MatchFor(playerID zkidentity.ShortID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matchID, ok := s.inSession[playerID]
	return matchID, ok
}

// InSession implements Roster for the protocol engine.
func (s *Supervisor) InSession(playerID zkidentity.ShortID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inSession[playerID]
	return ok
}

// StartSession runs the authoritative session for a match this node hosts.
func (s *Supervisor) StartSession(matchID string, a, b Participant) error {
	sess, err := snakegame.New(matchID,
		snakegame.PlayerSpec{ID: a.ID.String(), DisplayName: a.DisplayName, Controlled: !a.Bot},
		snakegame.PlayerSpec{ID: b.ID.String(), DisplayName: b.DisplayName, Controlled: !b.Bot},
		s.sessionCfg, s.log)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if m, ok := s.members[matchID]; ok && (m.host || m.stateSub != nil) {
		s.mu.Unlock()
		return ErrSessionAlreadyExists
	}
	m := &membership{
		matchID: matchID,
		host:    true,
		session: sess,
		players: []zkidentity.ShortID{a.ID, b.ID},
	}
	s.members[matchID] = m
	s.inSession[a.ID] = matchID
	s.inSession[b.ID] = matchID
	s.mu.Unlock()

	sess.OnFinish(func(res snakegame.Result, final snakegame.Snapshot) {
		s.completeHosted(matchID, res, final)
	})
	sess.OnCrash(func(err error) {
		s.hostedCrashed(matchID, err)
	})

	inputSub, err := s.rt.Subscribe(realm.TopicSessionInput(s.ns, matchID), func(_ string, payload []byte) {
		var in realm.SessionInput
		if err := json.Unmarshal(payload, &in); err != nil {
			return
		}
		h, err := snakegame.ParseHeading(in.Heading)
		if err != nil {
			return
		}
		// Invalid submissions (wrong player, reversal) are dropped, no ack.
		_ = sess.SubmitHeading(in.PlayerID, h)
	})
	if err != nil {
		s.log.Warnf("session %s: input subscription failed: %v", matchID, err)
	} else {
		s.mu.Lock()
		m.inputSub = inputSub
		s.mu.Unlock()
	}

	go s.pumpSnapshots(sess)

	initial := sess.CurrentSnapshot()
	raw, err := json.Marshal(initial)
	if err != nil {
		return err
	}
	s.publish(realm.TopicSessionStarted(s.ns), realm.SessionStarted{
		MatchID:   matchID,
		HostNode:  s.rt.NodeID().String(),
		Snapshot:  raw,
		Timestamp: time.Now().UnixMilli(),
	})
	if s.onSnapshot != nil {
		s.onSnapshot(initial)
	}

	sess.Run()
	s.log.Infof("session %s started, players %s vs %s", matchID, a.ID, b.ID)
	return nil
}

// pumpSnapshots relays the session's snapshot stream to the realm and the
// local presenter. Publishing happens here, off the tick goroutine, so a
// stalled network path cannot stall the simulation clock.
func (s *Supervisor) pumpSnapshots(sess *snakegame.Session) {
	topic := realm.TopicSessionState(s.ns, sess.ID)
	forward := func(snap snakegame.Snapshot) {
		raw, err := json.Marshal(snap)
		if err != nil {
			s.log.Errorf("session %s: encode snapshot: %v", sess.ID, err)
			return
		}
		if err := s.rt.Publish(context.Background(), topic, raw); err != nil {
			s.log.Debugf("session %s: snapshot publish: %v", sess.ID, err)
		}
		if s.onSnapshot != nil {
			s.onSnapshot(snap)
		}
	}
	for {
		select {
		case snap := <-sess.Snapshots():
			forward(snap)
		case <-sess.Done():
			for {
				select {
				case snap := <-sess.Snapshots():
					forward(snap)
				default:
					return
				}
			}
		}
	}
}

// completeHosted publishes the outcome of a locally hosted session and frees
// its players. Host only; guests learn terminal state from the fact.
func (s *Supervisor) completeHosted(matchID string, res snakegame.Result, final snakegame.Snapshot) {
	raw, err := json.Marshal(final)
	if err != nil {
		s.log.Errorf("session %s: encode final snapshot: %v", matchID, err)
	}
	s.publish(realm.TopicSessionEnded(s.ns), realm.SessionEnded{
		MatchID:   matchID,
		Winner:    res.Winner,
		Cause:     res.Cause,
		Snapshot:  raw,
		Timestamp: time.Now().UnixMilli(),
	})

	s.discard(matchID)
	s.log.Infof("session %s finished: winner=%q cause=%s", matchID, res.Winner, res.Cause)
	if s.onOutcome != nil {
		s.onOutcome(matchID, res)
	}
}

// hostedCrashed handles abnormal termination of a local session. No
// session_ended fact is fabricated; guests resolve it through their silence
// timeout, since crash and partition look the same from the outside.
func (s *Supervisor) hostedCrashed(matchID string, err error) {
	s.log.Errorf("session %s terminated abnormally: %v", matchID, err)
	s.discard(matchID)
}

// Expect records a confirmed match that another node will host. Players are
// bound immediately so they cannot re-queue during the handoff window; if
// session_started never arrives the silence timer frees them.
func (s *Supervisor) Expect(matchID string, a, b Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[matchID]; ok {
		return
	}
	if _, done := s.finished[matchID]; done {
		// The match already resolved; the ended fact outran the handoff.
		return
	}
	m := &membership{
		matchID: matchID,
		players: []zkidentity.ShortID{a.ID, b.ID},
	}
	m.silence = time.AfterFunc(s.silenceTTL, func() { s.silenceExpired(matchID) })
	s.members[matchID] = m
	s.inSession[a.ID] = matchID
	s.inSession[b.ID] = matchID
}

// HandleSessionStarted tracks a session hosted elsewhere as a passive
// projection: no local simulation, snapshots relayed to the presenter.
func (s *Supervisor) HandleSessionStarted(m realm.SessionStarted) {
	hostNode, ok := parseID(m.HostNode)
	if !ok || hostNode == s.rt.NodeID() {
		return // own echo
	}

	var snap snakegame.Snapshot
	if err := json.Unmarshal(m.Snapshot, &snap); err != nil {
		s.log.Warnf("session %s: bad initial snapshot: %v", m.MatchID, err)
		return
	}

	s.mu.Lock()
	if _, done := s.finished[m.MatchID]; done {
		// The match already resolved locally; this fact was overtaken by
		// the session_ended that ended it. Tracking it again would arm a
		// silence timer for a session that no longer exists.
		s.mu.Unlock()
		return
	}
	member, tracked := s.members[m.MatchID]
	if tracked && (member.host || member.stateSub != nil) {
		// Duplicate delivery, or we host this match ourselves.
		s.mu.Unlock()
		return
	}
	if !tracked {
		member = &membership{matchID: m.MatchID}
		s.members[m.MatchID] = member
	}
	for _, sn := range snap.Snakes {
		if pid, ok := parseID(sn.PlayerID); ok {
			member.players = append(member.players, pid)
			s.inSession[pid] = m.MatchID
		}
	}
	if member.silence == nil {
		member.silence = time.AfterFunc(s.silenceTTL, func() { s.silenceExpired(m.MatchID) })
	} else {
		member.silence.Reset(s.silenceTTL)
	}
	s.mu.Unlock()

	sub, err := s.rt.Subscribe(realm.TopicSessionState(s.ns, m.MatchID), func(_ string, payload []byte) {
		s.guestSnapshot(m.MatchID, payload)
	})
	if err != nil {
		s.log.Warnf("session %s: state subscription failed: %v", m.MatchID, err)
	} else {
		s.mu.Lock()
		member.stateSub = sub
		s.mu.Unlock()
	}

	s.log.Infof("tracking session %s hosted by %s", m.MatchID, hostNode)
	if s.onSnapshot != nil {
		s.onSnapshot(snap)
	}
}

func (s *Supervisor) guestSnapshot(matchID string, payload []byte) {
	var snap snakegame.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return
	}

	s.mu.Lock()
	member, ok := s.members[matchID]
	if ok && member.silence != nil {
		member.silence.Reset(s.silenceTTL)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if s.onSnapshot != nil {
		s.onSnapshot(snap)
	}
}

// HandleSessionEnded resolves a guest projection with the host's outcome.
func (s *Supervisor) HandleSessionEnded(m realm.SessionEnded) {
	s.mu.Lock()
	member, ok := s.members[m.MatchID]
	if !ok || member.host {
		// Unknown match, or our own echo; hosted sessions resolve through
		// the completion callback. Tombstone unknown matches anyway, in
		// case their session_started is still in flight.
		if !ok {
			s.rememberFinishedLocked(m.MatchID)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.discard(m.MatchID)
	s.log.Infof("session %s ended by host: winner=%q cause=%s", m.MatchID, m.Winner, m.Cause)
	if s.onOutcome != nil {
		s.onOutcome(m.MatchID, snakegame.Result{Winner: m.Winner, Cause: m.Cause})
	}
}

// silenceExpired forfeits a projection whose host went quiet past the grace
// period. Crash and partition are indistinguishable here, so the outcome is
// simply "opponent disconnected".
func (s *Supervisor) silenceExpired(matchID string) {
	s.mu.Lock()
	member, ok := s.members[matchID]
	if !ok || member.host {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.discard(matchID)
	s.log.Warnf("session %s: host silent past %v, forfeiting", matchID, s.silenceTTL)
	if s.onOutcome != nil {
		s.onOutcome(matchID, snakegame.Result{Cause: snakegame.CauseForfeit})
	}
}

// discard frees a membership's players and tears down its subscriptions.
func (s *Supervisor) discard(matchID string) {
	s.mu.Lock()
	member, ok := s.members[matchID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.members, matchID)
	s.rememberFinishedLocked(matchID)
	for _, pid := range member.players {
		if s.inSession[pid] == matchID {
			delete(s.inSession, pid)
		}
	}
	s.mu.Unlock()

	if member.silence != nil {
		member.silence.Stop()
	}
	if member.stateSub != nil {
		member.stateSub.Cancel()
	}
	if member.inputSub != nil {
		member.inputSub.Cancel()
	}
	if member.session != nil {
		member.session.Stop()
	}
}

// Shutdown stops every live session and projection without publishing
// outcomes.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.members))
	for id := range s.members {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.discard(id)
	}
}

func (s *Supervisor) publish(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Errorf("encode %s: %v", topic, err)
		return
	}
	if err := s.rt.Publish(context.Background(), topic, payload); err != nil {
		s.log.Warnf("publish %s: %v", topic, err)
	}
}
