package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
	"github.com/decred/slog"

	"github.com/macula-io/macula-arcade-sub000/realm"
	"github.com/macula-io/macula-arcade-sub000/snakegame"
)

// Config assembles one arcade node. The transport is injected, never
// ambient: loopback and mesh nodes differ only in what is passed here.
type Config struct {
	Namespace string
	Transport realm.Transport
	Log       slog.Logger

	Session     snakegame.Config
	ProposalTTL time.Duration
	SilenceTTL  time.Duration

	// Presentation callbacks; both optional.
	OnSnapshot func(snakegame.Snapshot)
	OnOutcome  func(matchID string, res snakegame.Result)
}

// Node is one participant in the arcade realm: a protocol engine, a session
// supervisor, and the topic plumbing between them and the transport.
type Node struct {
	ns  string
	rt  realm.Transport
	log slog.Logger

	engine     *Engine
	supervisor *Supervisor

	subs []realm.Subscription
}

func New(cfg *Config) (*Node, error) {
	if cfg.Transport == nil {
		return nil, errors.New("node: transport is required")
	}
	if cfg.Namespace == "" {
		return nil, errors.New("node: namespace is required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}

	sup := NewSupervisor(SupervisorConfig{
		Namespace:  cfg.Namespace,
		Transport:  cfg.Transport,
		Log:        cfg.Log,
		Session:    cfg.Session,
		SilenceTTL: cfg.SilenceTTL,
		OnSnapshot: cfg.OnSnapshot,
		OnOutcome:  cfg.OnOutcome,
	})

	n := &Node{
		ns:         cfg.Namespace,
		rt:         cfg.Transport,
		log:        cfg.Log,
		supervisor: sup,
	}
	n.engine = NewEngine(EngineConfig{
		Namespace:   cfg.Namespace,
		Transport:   cfg.Transport,
		Log:         cfg.Log,
		Roster:      sup,
		ProposalTTL: cfg.ProposalTTL,
		OnMatched: func(matchID string, a, b Participant) {
			if err := sup.StartSession(matchID, a, b); err != nil {
				cfg.Log.Errorf("start session %s: %v", matchID, err)
				// The match is dead; put our players back in line rather
				// than leaving them neither queued nor in a session.
				n.engine.RequeueLocal(a, b)
			}
		},
		OnExpect: sup.Expect,
	})
	return n, nil
}

// Run subscribes the node to the realm and blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	type binding struct {
		topic   string
		handler realm.Handler
	}
	bindings := []binding{
		{realm.TopicPlayerRegistered(n.ns), decodeInto(n.log, n.engine.HandlePlayerRegistered)},
		{realm.TopicPlayerUnregistered(n.ns), decodeInto(n.log, n.engine.HandlePlayerUnregistered)},
		{realm.TopicMatchProposed(n.ns), decodeInto(n.log, n.engine.HandleMatchProposed)},
		{realm.TopicMatchConfirmed(n.ns), decodeInto(n.log, n.engine.HandleMatchConfirmed)},
		{realm.TopicSessionStarted(n.ns), decodeInto(n.log, n.supervisor.HandleSessionStarted)},
		{realm.TopicSessionEnded(n.ns), decodeInto(n.log, n.supervisor.HandleSessionEnded)},
	}
	for _, b := range bindings {
		sub, err := n.rt.Subscribe(b.topic, b.handler)
		if err != nil {
			n.teardown()
			return fmt.Errorf("subscribe %s: %w", b.topic, err)
		}
		n.subs = append(n.subs, sub)
	}
	if err := n.rt.Advertise(realm.ProcFindOpponents(n.ns), n.engine.HandleFindOpponents); err != nil {
		n.teardown()
		return fmt.Errorf("advertise find_opponents: %w", err)
	}

	n.log.Infof("node %s joined realm %q", n.rt.NodeID(), n.ns)

	ticker := time.NewTicker(matchmakingSweepInt)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			n.teardown()
			return ctx.Err()
		case <-ticker.C:
			n.engine.Sweep()
		}
	}
}

func (n *Node) teardown() {
	for _, sub := range n.subs {
		sub.Cancel()
	}
	n.subs = nil
	n.supervisor.Shutdown()
}

// decodeInto decodes a topic payload into its record type once, at the
// transport boundary, and hands the typed value to the engine.
func decodeInto[T any](log slog.Logger, fn func(T)) realm.Handler {
	return func(topic string, payload []byte) {
		var m T
		if err := json.Unmarshal(payload, &m); err != nil {
			log.Warnf("dropping malformed %s payload: %v", topic, err)
			return
		}
		fn(m)
	}
}

// Register queues a local player for matchmaking.
func (n *Node) Register(playerID zkidentity.ShortID, displayName string, bot bool) (int, error) {
	return n.engine.Register(playerID, displayName, bot)
}

// Unregister removes a local player from the queue.
func (n *Node) Unregister(playerID zkidentity.ShortID) error {
	return n.engine.Unregister(playerID)
}

// QueuePosition reports a waiting player's position, 0 when not queued.
func (n *Node) QueuePosition(playerID zkidentity.ShortID) int {
	return n.engine.QueuePosition(playerID)
}

// SubmitHeading publishes a controlled player's heading to their session's
// input topic; the host applies it on its next tick.
func (n *Node) SubmitHeading(playerID zkidentity.ShortID, h snakegame.Heading) error {
	matchID, ok := n.supervisor.MatchFor(playerID)
	if !ok {
		return fmt.Errorf("player %s is not in a session", playerID)
	}
	payload, err := json.Marshal(realm.SessionInput{
		PlayerID:  playerID.String(),
		Heading:   h.String(),
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return n.rt.Publish(context.Background(), realm.TopicSessionInput(n.ns, matchID), payload)
}
