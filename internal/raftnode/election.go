package raftnode

import (
	"context"
	"time"

	"github.com/owlgrove/raftkv/internal/transport"
)

// runElectionDriver ticks once a second, starting an election whenever this
// node's deterministic timeout has elapsed and it is not already leader.
func (n *Node) runElectionDriver() {
	defer n.wg.Done()

	ticker := time.NewTicker(electionTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.awaitAlive()

			n.mu.Lock()
			timedOut := time.Since(n.lastHeartbeat) > n.electionTimeout && n.role != Leader
			n.mu.Unlock()

			if timedOut {
				n.startElection()
			}
		}
	}
}

// startElection increments the term, requests a vote from every server
// (including self), and becomes leader on majority. Losing an election does
// not reset lastHeartbeat, so the next tick retries.
func (n *Node) startElection() {
	n.mu.Lock()
	n.term++
	term := n.term
	n.role = Candidate
	n.logger.WithField("term", term).Info("starting election")
	n.mu.Unlock()

	n.metrics.ElectionStarted()

	ctx := context.Background()
	granted := 0
	for _, pid := range n.allIDs {
		var resp transport.VoteResponse
		if pid == n.id {
			resp = n.HandleVote(ctx, transport.VoteRequest{CandidateID: n.id, Term: term})
		} else {
			var err error
			resp, err = n.dialer.Peer(pid).Vote(ctx, transport.VoteRequest{CandidateID: n.id, Term: term})
			if err != nil {
				continue
			}
		}
		if resp.VoteGranted {
			granted++
		}
	}

	majority := len(n.allIDs) / 2
	if granted <= majority {
		n.logger.WithField("term", term).WithField("votes", granted).Info("election lost")
		return
	}

	n.mu.Lock()
	if n.term == term {
		n.role = Leader
		n.leaderID = n.id
		n.hasLeader = true
		n.lastHeartbeat = time.Now()
		for _, pid := range n.peerIDs {
			n.peerLogLen[pid] = 0
		}
	}
	n.mu.Unlock()

	n.metrics.ElectionWon()
	n.logger.WithField("term", term).WithField("votes", granted).Info("elected leader")
}

// HandleVote answers a vote RPC.
func (n *Node) HandleVote(ctx context.Context, req transport.VoteRequest) transport.VoteResponse {
	n.awaitAlive()

	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term > n.term {
		n.term = req.Term
	}

	if req.CandidateID == n.id {
		n.logger.WithField("term", req.Term).Info("voting for self")
		return transport.VoteResponse{VoteGranted: true}
	}

	if n.role == Follower {
		if _, voted := n.votedForByTerm[req.Term]; voted {
			n.metrics.VoteDenied()
			return transport.VoteResponse{VoteGranted: false}
		}
		n.votedForByTerm[req.Term] = req.CandidateID
		n.lastHeartbeat = time.Now()
		n.metrics.VoteGranted()
		n.logger.WithField("candidate", req.CandidateID).WithField("term", req.Term).Info("vote granted")
		return transport.VoteResponse{VoteGranted: true}
	}

	n.metrics.VoteDenied()
	return transport.VoteResponse{VoteGranted: false}
}
