package realm

import "encoding/json"

// One record per topic. Payloads cross the wire as JSON and are decoded once
// at the transport boundary; everything past that point works with these
// types, never raw maps.

// PlayerRegistered announces a queue entry on its origin node. Bot marks an
// autonomous player; the session host needs it to pick the slot kind.
type PlayerRegistered struct {
	PlayerID    string `json:"player_id"`
	NodeID      string `json:"node_id"`
	DisplayName string `json:"display_name"`
	Bot         bool   `json:"bot,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// PlayerUnregistered announces a queue entry's removal.
type PlayerUnregistered struct {
	PlayerID  string `json:"player_id"`
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
}

// MatchProposed pairs two queued players. The match id is a pure function of
// the unordered player pair, so independent proposals for the same pair
// carry the same id and collide deterministically.
type MatchProposed struct {
	MatchID      string `json:"match_id"`
	PlayerA      string `json:"player_a"`
	NodeA        string `json:"node_a"`
	BotA         bool   `json:"bot_a,omitempty"`
	PlayerB      string `json:"player_b"`
	NodeB        string `json:"node_b"`
	BotB         bool   `json:"bot_b,omitempty"`
	ProposerNode string `json:"proposer_node"`
	Timestamp    int64  `json:"timestamp"`
}

// MatchConfirmed acknowledges a proposal from one origin node.
type MatchConfirmed struct {
	MatchID   string `json:"match_id"`
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
}

// SessionStarted is published by the host once the authoritative session is
// running. The snapshot is the session's initial state, opaque to the realm.
type SessionStarted struct {
	MatchID   string          `json:"match_id"`
	HostNode  string          `json:"host_node"`
	Snapshot  json.RawMessage `json:"initial_snapshot"`
	Timestamp int64           `json:"timestamp"`
}

// SessionEnded is published by the host when a session reaches a terminal
// state. Guests never publish it; a vanished host is surfaced through the
// silence timeout instead.
type SessionEnded struct {
	MatchID   string          `json:"match_id"`
	Winner    string          `json:"winner"`
	Cause     string          `json:"cause"`
	Snapshot  json.RawMessage `json:"final_snapshot"`
	Timestamp int64           `json:"timestamp"`
}

// SessionInput carries a controlled slot's heading submission to the host.
type SessionInput struct {
	PlayerID  string `json:"player_id"`
	Heading   string `json:"heading"`
	Timestamp int64  `json:"timestamp"`
}

// FindOpponentsRequest asks a peer for queued players, excluding the caller.
type FindOpponentsRequest struct {
	ExcludePlayerID string `json:"exclude_player_id"`
	Limit           int    `json:"limit"`
}

// Opponent is one queued player in a discovery reply.
type Opponent struct {
	PlayerID    string `json:"player_id"`
	NodeID      string `json:"node_id"`
	DisplayName string `json:"display_name"`
	Bot         bool   `json:"bot,omitempty"`
	EnqueuedAt  int64  `json:"enqueued_at"`
}

// FindOpponentsReply lists queued players known to the answering node. An
// empty list is a valid answer, not an error.
type FindOpponentsReply struct {
	Opponents []Opponent `json:"opponents"`
}
