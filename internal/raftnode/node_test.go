package raftnode

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/owlgrove/raftkv/internal/rmetrics"
	"github.com/owlgrove/raftkv/internal/transport"
)

// newCluster wires n nodes together over a FakeDialer, all sharing the same
// membership and a silent logger.
func newCluster(t *testing.T, n int) (map[int]*Node, *transport.FakeDialer) {
	t.Helper()

	membership := make(map[int]string, n)
	for i := 0; i < n; i++ {
		membership[i] = "fake"
	}

	dialer := transport.NewFakeDialer()
	logger := logrus.New()
	logger.SetOutput(noopWriter{})

	nodes := make(map[int]*Node, n)
	for i := 0; i < n; i++ {
		node := New(i, membership, dialer, logger.WithField("node", i), rmetrics.New("test"))
		nodes[i] = node
		dialer.Register(i, node)
	}
	return nodes, dialer
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

// electLeader forces id to win an election immediately, bypassing the real
// multi-second timers.
func electLeader(nodes map[int]*Node, id int) {
	nodes[id].startElection()
}

func TestStartElectionBecomesLeaderOnMajority(t *testing.T) {
	nodes, _ := newCluster(t, 3)
	electLeader(nodes, 0)

	require.Equal(t, Leader, nodes[0].Status().Role)
	require.Equal(t, 1, nodes[0].Status().Term)
}

func TestHandleVoteGrantsOnlyOneVotePerTerm(t *testing.T) {
	nodes, _ := newCluster(t, 3)

	nodes[0].mu.Lock()
	nodes[0].term = 5
	nodes[0].mu.Unlock()

	resp1 := nodes[1].HandleVote(context.Background(), transport.VoteRequest{CandidateID: 0, Term: 6})
	require.True(t, resp1.VoteGranted)

	resp2 := nodes[1].HandleVote(context.Background(), transport.VoteRequest{CandidateID: 2, Term: 6})
	require.False(t, resp2.VoteGranted)
}

func TestPutReplicatesToFollowers(t *testing.T) {
	nodes, _ := newCluster(t, 3)
	electLeader(nodes, 0)

	err := nodes[0].Put(context.Background(), "op-1", "color", "blue")
	require.NoError(t, err)

	v, ok := nodes[0].store.Get("color")
	require.True(t, ok)
	require.Equal(t, "blue", v)

	nodes[0].broadcastHeartbeats()

	for id := 1; id < 3; id++ {
		v, ok := nodes[id].store.Get("color")
		require.True(t, ok, "node %d should have the key", id)
		require.Equal(t, "blue", v)
	}
}

func TestDeleteRemovesKeyOnFollowers(t *testing.T) {
	nodes, _ := newCluster(t, 3)
	electLeader(nodes, 0)

	require.NoError(t, nodes[0].Put(context.Background(), "op-1", "k", "v"))
	nodes[0].broadcastHeartbeats()

	require.NoError(t, nodes[0].Delete(context.Background(), "op-2", "k"))
	nodes[0].broadcastHeartbeats()

	for id := 0; id < 3; id++ {
		_, ok := nodes[id].store.Get("k")
		require.False(t, ok, "node %d should no longer have the key", id)
	}
}

func TestPutRejectedWhenNotLeader(t *testing.T) {
	nodes, _ := newCluster(t, 3)
	err := nodes[1].Put(context.Background(), "op-1", "k", "v")
	require.ErrorIs(t, err, ErrNotLeader)
}

func TestCompareAndSwapRejectsStaleValue(t *testing.T) {
	nodes, _ := newCluster(t, 3)
	electLeader(nodes, 0)

	require.NoError(t, nodes[0].Put(context.Background(), "op-1", "k", "v1"))

	err := nodes[0].CompareAndSwap(context.Background(), "op-2", "k", "v2", "wrong-expected")
	require.ErrorIs(t, err, ErrValueChanged)

	v, _ := nodes[0].store.Get("k")
	require.Equal(t, "v1", v)
}

func TestCompareAndSwapRejectsMissingKey(t *testing.T) {
	nodes, _ := newCluster(t, 3)
	electLeader(nodes, 0)

	err := nodes[0].CompareAndSwap(context.Background(), "op-1", "ghost", "v", "")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestCompareAndSwapCommitsOnMajority(t *testing.T) {
	nodes, _ := newCluster(t, 3)
	electLeader(nodes, 0)

	require.NoError(t, nodes[0].Put(context.Background(), "op-1", "k", "v1"))
	nodes[0].broadcastHeartbeats()

	err := nodes[0].CompareAndSwap(context.Background(), "op-2", "k", "v2", "v1")
	require.NoError(t, err)

	v, _ := nodes[0].store.Get("k")
	require.Equal(t, "v2", v)
}

func TestHeartbeatStepsDownStaleLeader(t *testing.T) {
	nodes, _ := newCluster(t, 3)
	electLeader(nodes, 0)
	require.Equal(t, Leader, nodes[0].Status().Role)

	resp := nodes[0].HandleHeartbeat(context.Background(), transport.HeartbeatRequest{LeaderID: 1, Term: 99})
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, Follower, nodes[0].Status().Role)
	require.Equal(t, 1, nodes[0].Status().LeaderID)
}

func TestHeartbeatRejectsStaleTerm(t *testing.T) {
	nodes, _ := newCluster(t, 3)
	nodes[1].mu.Lock()
	nodes[1].term = 10
	nodes[1].mu.Unlock()

	resp := nodes[1].HandleHeartbeat(context.Background(), transport.HeartbeatRequest{LeaderID: 0, Term: 3})
	require.Equal(t, "bad", resp.Status)
}

func TestReadRedirectsWhenFollowerIsFresher(t *testing.T) {
	nodes, _ := newCluster(t, 3)
	electLeader(nodes, 0)

	require.NoError(t, nodes[0].Put(context.Background(), "op-1", "k", "v1"))

	nodes[0].mu.Lock()
	nodes[0].peerLogLen[1] = 5
	nodes[0].mu.Unlock()

	_, found, redirect, shouldRedirect := nodes[0].Read("k")
	require.False(t, found)
	require.True(t, shouldRedirect)
	require.Equal(t, 1, redirect)
}

func TestReadServesLocallyWhenFreshest(t *testing.T) {
	nodes, _ := newCluster(t, 3)
	electLeader(nodes, 0)

	require.NoError(t, nodes[0].Put(context.Background(), "op-1", "k", "v1"))

	v, found, _, shouldRedirect := nodes[0].Read("k")
	require.True(t, found)
	require.False(t, shouldRedirect)
	require.Equal(t, "v1", *v)
}

func TestStartStopDoesNotHang(t *testing.T) {
	nodes, _ := newCluster(t, 2)
	nodes[0].Start()
	nodes[1].Start()

	time.Sleep(10 * time.Millisecond)

	nodes[0].Stop()
	nodes[1].Stop()
}

// TestFaultGateBlocksHandlerUntilRevival drives the fault gate directly: a
// TurnOff'd node must not answer an inbound RPC until TurnOn clears it.
func TestFaultGateBlocksHandlerUntilRevival(t *testing.T) {
	nodes, _ := newCluster(t, 3)
	nodes[1].TurnOff()

	done := make(chan transport.HeartbeatResponse, 1)
	go func() {
		done <- nodes[1].HandleHeartbeat(context.Background(), transport.HeartbeatRequest{LeaderID: 0, Term: 1})
	}()

	select {
	case <-done:
		t.Fatal("HandleHeartbeat answered while the node was turned off")
	case <-time.After(700 * time.Millisecond):
	}

	nodes[1].TurnOn()

	select {
	case resp := <-done:
		require.Equal(t, "ok", resp.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("HandleHeartbeat never resumed after TurnOn")
	}
}

// TestShutdownAndCatchUp drives spec.md §8 scenario 2: a follower is turned
// off, the leader accepts and replicates a write to the remaining live
// follower, and the turned-off follower catches up via heartbeat
// reconciliation once revived.
func TestShutdownAndCatchUp(t *testing.T) {
	nodes, _ := newCluster(t, 3)
	electLeader(nodes, 0)

	nodes[1].TurnOff()

	require.NoError(t, nodes[0].Put(context.Background(), "op-1", "foo", "bar"))

	// Peer 1 is dead, so this round's RPC to it times out; peer 2 still
	// catches up in the same pass.
	nodes[0].broadcastHeartbeats()

	v, ok := nodes[2].store.Get("foo")
	require.True(t, ok, "live follower should have the replicated value")
	require.Equal(t, "bar", v)

	_, ok = nodes[1].store.Get("foo")
	require.False(t, ok, "dead follower must not have caught up yet")

	nodes[1].TurnOn()

	nodes[0].broadcastHeartbeats()

	v, ok = nodes[1].store.Get("foo")
	require.True(t, ok, "revived follower should catch up via heartbeat reconciliation")
	require.Equal(t, "bar", v)
}

// TestLeaderDeathTriggersReelection drives spec.md §8 scenario 3: once the
// leader is turned off, another node's (simulated) election timeout fires a
// new election that a majority of the remaining live nodes can still win,
// and the previously-committed value survives under the new leader.
func TestLeaderDeathTriggersReelection(t *testing.T) {
	nodes, _ := newCluster(t, 3)
	electLeader(nodes, 0)

	require.NoError(t, nodes[0].Put(context.Background(), "op-1", "foo", "bar"))
	nodes[0].broadcastHeartbeats()

	nodes[0].TurnOff()

	// Simulates node 1's election-timeout tick firing once it stops hearing
	// from the dead leader.
	nodes[1].startElection()

	require.Equal(t, Leader, nodes[1].Status().Role)
	require.Greater(t, nodes[1].Status().Term, 1, "the re-election must bump the term past the original leader's")

	v, ok := nodes[1].store.Get("foo")
	require.True(t, ok, "new leader must retain the value committed before the old leader died")
	require.Equal(t, "bar", v)

	nodes[0].TurnOn()

	resp := nodes[0].HandleHeartbeat(context.Background(), transport.HeartbeatRequest{LeaderID: nodes[1].ID(), Term: nodes[1].Status().Term})
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, Follower, nodes[0].Status().Role)
}
