package transport

import (
	"context"
	"fmt"
	"sync"
)

// FakeDialer wires Handlers (raftnode.Node instances) directly together,
// bypassing sockets entirely — used by the test suite in place of real HTTP.
type FakeDialer struct {
	mu    sync.RWMutex
	peers map[int]Handler
}

// NewFakeDialer returns an empty dialer; register nodes with Register.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{peers: make(map[int]Handler)}
}

// Register binds a server id to the Handler (Node) that answers its RPCs.
func (d *FakeDialer) Register(id int, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[id] = h
}

func (d *FakeDialer) Peer(id int) Peer {
	d.mu.RLock()
	h, ok := d.peers[id]
	d.mu.RUnlock()
	if !ok {
		return errPeer{err: fmt.Errorf("fake dialer: unknown peer %d", id)}
	}
	return &fakePeer{handler: h}
}

type fakePeer struct {
	handler Handler
}

// Vote, Heartbeat, and Repl each run the handler in its own goroutine and
// race it against ctx so a "dead" (fault-gated) peer's handler — which
// blocks in awaitAlive without ever looking at ctx — can't hang the fake
// transport forever. This mirrors what a real HTTPPeer gets for free from
// its own rpcTimeout-bound context: the caller gives up on the peer even
// though the peer's own goroutine is still stuck.
func (p *fakePeer) Vote(ctx context.Context, req VoteRequest) (VoteResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	ch := make(chan VoteResponse, 1)
	go func() { ch <- p.handler.HandleVote(ctx, req) }()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return VoteResponse{}, ctx.Err()
	}
}

func (p *fakePeer) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	ch := make(chan HeartbeatResponse, 1)
	go func() { ch <- p.handler.HandleHeartbeat(ctx, req) }()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return HeartbeatResponse{}, ctx.Err()
	}
}

func (p *fakePeer) Repl(ctx context.Context, req ReplRequest) (ReplResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	ch := make(chan ReplResponse, 1)
	go func() { ch <- p.handler.HandleRepl(ctx, req) }()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return ReplResponse{}, ctx.Err()
	}
}
