package raftnode

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/owlgrove/raftkv/internal/kv"
	"github.com/owlgrove/raftkv/internal/transport"
)

var (
	ErrNotLeader     = errors.New("not leader")
	ErrKeyNotFound   = errors.New("Key not found")
	ErrValueChanged  = errors.New("Value has been changed")
	ErrNotEnoughAcks = errors.New("Not enough servers ack")
)

// CompareAndSwap runs the two-phase propose/commit protocol for a
// conditional write: old must match the key's current value or the swap is
// rejected before anything is proposed to the cluster. casID is only used
// for log correlation.
func (n *Node) CompareAndSwap(ctx context.Context, casID, key, value, old string) error {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return ErrNotLeader
	}

	cur, ok := n.store.Get(key)
	if !ok {
		n.mu.Unlock()
		n.metrics.CASRejected("key_not_found")
		return ErrKeyNotFound
	}
	if cur != old {
		n.mu.Unlock()
		n.metrics.CASRejected("value_changed")
		return ErrValueChanged
	}
	n.mu.Unlock()

	return n.propose(ctx, casID, kv.LogEntry{Op: kv.OpPut, Key: key, Value: value})
}

// propose appends entry to the leader's own log, replicates it to a
// majority of peers, and either commits or rolls it back. Caller must
// already hold the leader role (checked again here under lock, since a
// precondition check and this call are not atomic).
func (n *Node) propose(ctx context.Context, opID string, entry kv.LogEntry) error {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return ErrNotLeader
	}

	n.log = append(n.log, entry)
	n.recordKeyVersionLocked(entry.Key)
	n.store.Apply(entry)

	term := n.term
	peerIDs := append([]int(nil), n.peerIDs...)
	clusterSize := len(n.allIDs)
	logSnapshot := append([]kv.LogEntry(nil), n.log...)
	n.mu.Unlock()

	n.logger.WithField("op_id", opID).WithField("key", entry.Key).Info("proposing write")

	acks := 0
	for _, pid := range peerIDs {
		hbResp, err := n.dialer.Peer(pid).Heartbeat(ctx, transport.HeartbeatRequest{LeaderID: n.id, Term: term})
		if err != nil {
			continue
		}

		n.mu.Lock()
		n.peerLogLen[pid] = hbResp.CurLen
		n.mu.Unlock()

		if hbResp.CurLen >= len(logSnapshot) {
			continue
		}

		changeLog := logSnapshot[reconcileFrom(hbResp.CurLen):]
		resp, err := n.dialer.Peer(pid).Repl(ctx, transport.ReplRequest{
			LeaderID:  n.id,
			Term:      term,
			ChangeLog: changeLog,
		})
		if err != nil || resp.Status != "ack" {
			continue
		}
		acks++
	}

	majority := clusterSize / 2
	if acks > majority {
		n.commitToPeers(ctx, peerIDs, term, len(logSnapshot))
		n.metrics.CASAccepted()
		n.logger.WithField("op_id", opID).WithField("key", entry.Key).Info("write committed")
		return nil
	}

	n.rollback(entry.Key)
	n.metrics.CASRejected("not_enough_acks")
	n.logger.WithField("op_id", opID).WithField("key", entry.Key).Warn("write rolled back: not enough acks")
	return ErrNotEnoughAcks
}

// commitToPeers broadcasts the commit signal once a majority of peers have
// acked the proposal, letting each promote its staged entries.
func (n *Node) commitToPeers(ctx context.Context, peerIDs []int, term int, committedLen int) {
	for _, pid := range peerIDs {
		resp, err := n.dialer.Peer(pid).Repl(ctx, transport.ReplRequest{
			LeaderID: n.id,
			Term:     term,
			Commit:   true,
		})
		if err != nil || resp.Status != "ok" {
			continue
		}
		n.mu.Lock()
		n.peerLogLen[pid] = committedLen
		n.mu.Unlock()
	}
}

// rollback removes a proposal that failed to reach majority: the leader's
// own speculative log entry is dropped and the key is hard-deleted from the
// state machine rather than restored to its prior value.
func (n *Node) rollback(key string) {
	n.mu.Lock()
	if len(n.log) > 0 && n.log[len(n.log)-1].Key == key {
		n.log = n.log[:len(n.log)-1]
		delete(n.keyVersion, key)
		for i := len(n.log) - 1; i >= 0; i-- {
			if n.log[i].Key == key {
				n.keyVersion[key] = i + 1
				break
			}
		}
	}
	n.mu.Unlock()
	n.store.Apply(kv.LogEntry{Op: kv.OpDelete, Key: key})
}

// HandleRepl answers a repl RPC. A non-commit request stages the proposed
// suffix into pending without touching the committed log or store. A commit
// request promotes pending into the committed log and applies only the
// newly appended entries to the store.
func (n *Node) HandleRepl(ctx context.Context, req transport.ReplRequest) transport.ReplResponse {
	n.awaitAlive()

	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.term {
		return transport.ReplResponse{Status: "bad"}
	}
	n.term = req.Term
	n.role = Follower
	n.leaderID = req.LeaderID
	n.hasLeader = true
	n.lastHeartbeat = time.Now()

	if !req.Commit {
		n.pending = append([]kv.LogEntry(nil), n.log...)
		n.pending = append(n.pending, req.ChangeLog...)
		return transport.ReplResponse{Status: "ack"}
	}

	prevLen := len(n.log)
	if len(n.pending) > prevLen {
		n.log = n.pending
		for i := prevLen; i < len(n.log); i++ {
			n.keyVersion[n.log[i].Key] = i + 1
			n.store.Apply(n.log[i])
		}
	}
	n.pending = nil
	return transport.ReplResponse{Status: "ok"}
}
