// Package transport abstracts the peer-to-peer RPCs (vote, heartbeat,
// repl) behind a (peer, method, body) -> response interface, so the raft
// core can be driven over real HTTP in production and over in-memory
// fakes in tests.
package transport

import (
	"context"

	"github.com/owlgrove/raftkv/internal/kv"
)

// VoteRequest is the body of a vote RPC.
type VoteRequest struct {
	CandidateID int `json:"candidate_id"`
	Term        int `json:"term"`
}

// VoteResponse is the reply to a vote RPC.
type VoteResponse struct {
	VoteGranted bool `json:"vote_granted"`
}

// HeartbeatRequest is the body of a heartbeat RPC, optionally carrying a
// reconciliation slice.
type HeartbeatRequest struct {
	LeaderID  int            `json:"leader_id"`
	Term      int            `json:"term"`
	ChangeLog []kv.LogEntry  `json:"change_log,omitempty"`
}

// HeartbeatResponse is the reply to a heartbeat RPC.
type HeartbeatResponse struct {
	Status string `json:"status"`
	CurLen int    `json:"cur_len"`
}

// ReplRequest is the body of a repl RPC: either a staging change_log or a
// commit signal, never both.
type ReplRequest struct {
	LeaderID  int           `json:"leader_id"`
	Term      int           `json:"term"`
	ChangeLog []kv.LogEntry `json:"change_log,omitempty"`
	Commit    bool          `json:"commit,omitempty"`
}

// ReplResponse is the reply to a repl RPC: ack for staging, ok for commit,
// bad for a request rejected for its stale term.
type ReplResponse struct {
	Status string `json:"status"`
}

// Peer is everything a node needs to talk to one other replica.
type Peer interface {
	Vote(ctx context.Context, req VoteRequest) (VoteResponse, error)
	Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error)
	Repl(ctx context.Context, req ReplRequest) (ReplResponse, error)
}

// Dialer resolves a server id to a Peer, caching connections as needed.
type Dialer interface {
	Peer(id int) Peer
}

// Handler is the receiving side of the three peer RPCs — implemented by
// raftnode.Node and consumed here so FakeDialer can wire nodes together
// directly, without raftnode closing an import cycle back into transport.
type Handler interface {
	HandleVote(ctx context.Context, req VoteRequest) VoteResponse
	HandleHeartbeat(ctx context.Context, req HeartbeatRequest) HeartbeatResponse
	HandleRepl(ctx context.Context, req ReplRequest) ReplResponse
}
