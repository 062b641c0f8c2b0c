package raftnode

import (
	"context"

	"github.com/owlgrove/raftkv/internal/kv"
)

// Put is a blind write: if leader, it appends the entry to the log and
// applies it to the store immediately and returns ok. Unlike
// CompareAndSwap, it does not wait for any peer to acknowledge — followers
// catch up lazily via the heartbeat driver's reconciliation.
func (n *Node) Put(ctx context.Context, opID, key, value string) error {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return ErrNotLeader
	}
	entry := kv.LogEntry{Op: kv.OpPut, Key: key, Value: value}
	n.log = append(n.log, entry)
	n.recordKeyVersionLocked(key)
	n.store.Apply(entry)
	n.mu.Unlock()

	n.logger.WithField("op_id", opID).WithField("key", key).Info("put accepted")
	return nil
}

// Delete is a blind write like Put, failing with ErrKeyNotFound if the key
// is already absent. Replication is lazy, via the heartbeat driver.
func (n *Node) Delete(ctx context.Context, opID, key string) error {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return ErrNotLeader
	}
	if _, ok := n.store.Get(key); !ok {
		n.mu.Unlock()
		return ErrKeyNotFound
	}
	entry := kv.LogEntry{Op: kv.OpDelete, Key: key}
	n.log = append(n.log, entry)
	n.recordKeyVersionLocked(key)
	n.store.Apply(entry)
	n.mu.Unlock()

	n.logger.WithField("op_id", opID).WithField("key", key).Info("delete accepted")
	return nil
}

// Head reports whether key currently exists, without returning its value.
func (n *Node) Head(key string) bool {
	_, ok := n.store.Get(key)
	return ok
}

// Read answers a GET. If any peer's known log length exceeds the log index
// of key's last mention (-1 when the key was never mentioned), that peer has
// already applied the key's latest write, and Read reports the first such
// peer's id so the caller can redirect. Otherwise it returns the local value.
func (n *Node) Read(key string) (value *string, found bool, redirectTo int, shouldRedirect bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	myVersion := n.keyVersionLocked(key)

	for _, pid := range n.peerIDs {
		if peerLen, ok := n.peerLogLen[pid]; ok && peerLen > myVersion {
			return nil, false, pid, true
		}
	}

	v, ok := n.store.Get(key)
	if !ok {
		return nil, false, 0, false
	}
	return &v, true, 0, false
}
