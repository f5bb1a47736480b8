// Package realm defines the transport contract the arcade node speaks over a
// mesh namespace: best-effort publish/subscribe plus request/reply calls.
// The mesh router itself is an external collaborator; this package carries
// the contract, an in-process loopback bus, and a websocket mesh client.
package realm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/companyzero/bisonrelay/zkidentity"
)

var (
	// ErrNotConnected is returned when a transport is asked to do work
	// before it has a live link to its realm.
	ErrNotConnected = errors.New("realm: not connected")

	// ErrTimeout is returned when a call's reply does not arrive in time.
	ErrTimeout = errors.New("realm: call timed out")

	// ErrUnreachable is returned when no peer advertises the procedure.
	ErrUnreachable = errors.New("realm: procedure unreachable")
)

// Handler receives events for a subscribed topic. Handlers run on transport
// goroutines and must not block.
type Handler func(topic string, payload []byte)

// CallHandler answers an advertised procedure.
type CallHandler func(ctx context.Context, args []byte) ([]byte, error)

// Subscription is a live topic subscription.
type Subscription interface {
	Cancel()
}

// Transport is the realm contract. Publish is best effort and gives no
// cross-node ordering guarantee; a transport does guarantee that its own
// subscribers observe its own publishes in publish order.
type Transport interface {
	// NodeID is the realm-unique, comparable identifier of this node.
	NodeID() zkidentity.ShortID

	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, h Handler) (Subscription, error)

	Call(ctx context.Context, proc string, args []byte, timeout time.Duration) ([]byte, error)
	Advertise(proc string, h CallHandler) error

	Close() error
}

// TopicMatch reports whether a concrete topic matches a subscription
// pattern. Patterns are dot-separated; a "*" segment matches exactly one
// topic segment.
func TopicMatch(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	ps := strings.Split(pattern, ".")
	ts := strings.Split(topic, ".")
	if len(ps) != len(ts) {
		return false
	}
	for i, p := range ps {
		if p != "*" && p != ts[i] {
			return false
		}
	}
	return true
}

// Topic names, namespaced per realm.

func TopicPlayerRegistered(ns string) string   { return ns + ".player_registered" }
func TopicPlayerUnregistered(ns string) string { return ns + ".player_unregistered" }
func TopicMatchProposed(ns string) string      { return ns + ".match_proposed" }
func TopicMatchConfirmed(ns string) string     { return ns + ".match_confirmed" }
func TopicSessionStarted(ns string) string     { return ns + ".session_started" }
func TopicSessionEnded(ns string) string       { return ns + ".session_ended" }

func TopicSessionState(ns, matchID string) string { return ns + ".session." + matchID + ".state" }
func TopicSessionInput(ns, matchID string) string { return ns + ".session." + matchID + ".input" }

// ProcFindOpponents is the fallback discovery procedure every node advertises.
func ProcFindOpponents(ns string) string { return ns + ".find_opponents" }
