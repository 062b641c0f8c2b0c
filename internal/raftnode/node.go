// Package raftnode is the replication/consensus core: node state, the fault
// injection gate, the election and heartbeat drivers, the two-phase
// propose/commit protocol for compare-and-swap writes, and the freshness
// check that routes reads to an up-to-date replica.
package raftnode

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/owlgrove/raftkv/internal/kv"
	"github.com/owlgrove/raftkv/internal/rmetrics"
	"github.com/owlgrove/raftkv/internal/transport"
)

// Role is a node's position in the current term.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// ElectionTimeoutMin is the deterministic floor of the per-node election
// timeout; staggering it by id means the lowest live id tends to win.
const ElectionTimeoutMin = 4 * time.Second

// HeartbeatInterval is how often the leader pings every follower.
const HeartbeatInterval = 1 * time.Second

// electionTickInterval is how often the election driver checks for timeout.
const electionTickInterval = 1 * time.Second

// faultGatePoll is how often a suspended node's handlers re-check aliveness.
const faultGatePoll = 500 * time.Millisecond

// Node holds all replication state for one server, guarded by a single
// coarse mutex. At this cluster size a single lock is simpler than
// fine-grained locking per field and the critical sections are short.
type Node struct {
	mu sync.Mutex

	id      int
	peerIDs []int // all other server ids, sorted, excluding self
	allIDs  []int // every server id including self, sorted

	role     Role
	term     int
	leaderID int
	hasLeader bool

	log     []kv.LogEntry
	pending []kv.LogEntry

	store *kv.Store

	votedForByTerm map[int]int
	lastHeartbeat  time.Time
	electionTimeout time.Duration

	peerLogLen map[int]int
	keyVersion map[string]int // key -> 1-based index of its last mention in log

	alive bool

	dialer  transport.Dialer
	logger  *logrus.Entry
	metrics *rmetrics.Recorder

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Node for the given id and cluster membership (which must
// include id itself, mapping every server id to its base URL).
func New(id int, membership map[int]string, dialer transport.Dialer, logger *logrus.Entry, rec *rmetrics.Recorder) *Node {
	allIDs := make([]int, 0, len(membership))
	peerIDs := make([]int, 0, len(membership)-1)
	for pid := range membership {
		allIDs = append(allIDs, pid)
		if pid != id {
			peerIDs = append(peerIDs, pid)
		}
	}
	sort.Ints(allIDs)
	sort.Ints(peerIDs)

	peerLogLen := make(map[int]int, len(peerIDs))
	for _, pid := range peerIDs {
		peerLogLen[pid] = 0
	}

	return &Node{
		id:              id,
		peerIDs:         peerIDs,
		allIDs:          allIDs,
		role:            Follower,
		term:            0,
		votedForByTerm:  make(map[int]int),
		lastHeartbeat:   time.Now(),
		electionTimeout: ElectionTimeoutMin + time.Duration(id)*3*time.Second,
		peerLogLen:      peerLogLen,
		keyVersion:      make(map[string]int),
		alive:           true,
		store:           kv.New(),
		dialer:          dialer,
		logger:          logger,
		metrics:         rec,
		stopCh:          make(chan struct{}),
	}
}

// Start launches the long-lived election and heartbeat drivers. Both run for
// the lifetime of the process; only the fault gate and the role check inside
// each gate their actual work.
func (n *Node) Start() {
	n.wg.Add(2)
	go n.runElectionDriver()
	go n.runHeartbeatDriver()
}

// Stop terminates the background drivers. The real process just runs until
// killed; Stop exists so tests can tear a Node down cleanly.
func (n *Node) Stop() {
	close(n.stopCh)
	n.wg.Wait()
}

// ID returns this node's server id.
func (n *Node) ID() int { return n.id }

// MetricsSnapshot exposes the node's counters for embedding in a status
// response.
func (n *Node) MetricsSnapshot() map[string]float64 {
	return n.metrics.Snapshot()
}

// Status is a diagnostic snapshot for GET /status.
type Status struct {
	Role      Role
	Term      int
	LeaderID  int
	HasLeader bool
	LogLength int
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		Role:      n.role,
		Term:      n.term,
		LeaderID:  n.leaderID,
		HasLeader: n.hasLeader,
		LogLength: len(n.log),
	}
}

// recordKeyVersionLocked stamps key's last-mention index as the current log
// length. Caller must hold n.mu.
func (n *Node) recordKeyVersionLocked(key string) {
	n.keyVersion[key] = len(n.log)
}

// keyVersionLocked returns key's last-mention index, or -1 if the key has
// never been mentioned in the log. Caller must hold n.mu.
func (n *Node) keyVersionLocked(key string) int {
	if v, ok := n.keyVersion[key]; ok {
		return v
	}
	return -1
}

// reconcileFrom turns a peer's reported log length into the starting index
// of the change_log slice to resend: max(curLen,1)-1. This deliberately
// resends one already-acknowledged entry as overlap.
func reconcileFrom(curLen int) int {
	if curLen < 1 {
		return 0
	}
	return curLen - 1
}
