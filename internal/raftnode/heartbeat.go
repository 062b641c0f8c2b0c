package raftnode

import (
	"context"
	"strconv"
	"time"

	"github.com/owlgrove/raftkv/internal/kv"
	"github.com/owlgrove/raftkv/internal/transport"
)

// runHeartbeatDriver ticks once a second, broadcasting heartbeats whenever
// this node currently believes it is leader.
func (n *Node) runHeartbeatDriver() {
	defer n.wg.Done()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.awaitAlive()

			n.mu.Lock()
			isLeader := n.role == Leader
			n.mu.Unlock()

			if isLeader {
				n.broadcastHeartbeats()
			}
		}
	}
}

// broadcastHeartbeats pings every peer with the leader's term. A peer that
// reports a shorter log than ours in its response is immediately sent a
// second heartbeat carrying the missing suffix, so a follower that just
// rejoined catches up within one heartbeat interval.
func (n *Node) broadcastHeartbeats() {
	n.mu.Lock()
	term := n.term
	logLen := len(n.log)
	peerIDs := append([]int(nil), n.peerIDs...)
	n.mu.Unlock()

	ctx := context.Background()

	for _, pid := range peerIDs {
		start := time.Now()
		resp, err := n.dialer.Peer(pid).Heartbeat(ctx, transport.HeartbeatRequest{
			LeaderID: n.id,
			Term:     term,
		})
		n.metrics.HeartbeatRPC(peerLabel(pid), start)
		if err != nil || resp.Status != "ok" {
			continue
		}

		n.mu.Lock()
		n.peerLogLen[pid] = resp.CurLen
		n.mu.Unlock()

		if resp.CurLen < logLen {
			n.catchUpPeer(ctx, pid, resp.CurLen, term)
		}
	}
}

// catchUpPeer sends the log suffix starting at reconcileFrom(from) as a
// heartbeat change_log payload, letting a lagging follower reconcile in
// place.
func (n *Node) catchUpPeer(ctx context.Context, pid int, from int, term int) {
	n.mu.Lock()
	start := reconcileFrom(from)
	var missing []kv.LogEntry
	if start < len(n.log) {
		missing = append([]kv.LogEntry(nil), n.log[start:]...)
	}
	n.mu.Unlock()

	if len(missing) == 0 {
		return
	}

	resp, err := n.dialer.Peer(pid).Heartbeat(ctx, transport.HeartbeatRequest{
		LeaderID:  n.id,
		Term:      term,
		ChangeLog: missing,
	})
	if err != nil || resp.Status != "ok" {
		return
	}

	n.mu.Lock()
	n.peerLogLen[pid] = resp.CurLen
	n.mu.Unlock()
}

func peerLabel(pid int) string {
	return "peer-" + strconv.Itoa(pid)
}

// HandleHeartbeat answers a heartbeat RPC: it recognizes the sender as
// leader for its term, refreshes the election clock, and applies any
// change_log entries it carries directly to the log and the store.
func (n *Node) HandleHeartbeat(ctx context.Context, req transport.HeartbeatRequest) transport.HeartbeatResponse {
	n.awaitAlive()

	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.term {
		return transport.HeartbeatResponse{Status: "bad", CurLen: len(n.log)}
	}

	n.term = req.Term
	n.role = Follower
	n.leaderID = req.LeaderID
	n.hasLeader = true
	n.lastHeartbeat = time.Now()

	for _, entry := range req.ChangeLog {
		n.log = append(n.log, entry)
		n.recordKeyVersionLocked(entry.Key)
		n.store.Apply(entry)
	}

	return transport.HeartbeatResponse{Status: "ok", CurLen: len(n.log)}
}
