package raftnode

import "time"

// awaitAlive blocks while the node is "dead", polling at faultGatePoll.
// The peer RPC handlers (HandleVote, HandleHeartbeat, HandleRepl) and each
// driver tick call this first, so a suspended node stalls peers instead of
// answering incorrectly. The status and client data routes in
// internal/server do not pass through the gate and keep answering while the
// node is turned off.
func (n *Node) awaitAlive() {
	for {
		n.mu.Lock()
		alive := n.alive
		n.mu.Unlock()
		if alive {
			return
		}
		time.Sleep(faultGatePoll)
	}
}

// IsAlive reports the current fault-gate state.
func (n *Node) IsAlive() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.alive
}

// TurnOn clears the fault gate. Exempt from awaitAlive by design.
func (n *Node) TurnOn() {
	n.mu.Lock()
	n.alive = true
	n.mu.Unlock()
	n.logger.Info("turned on")
}

// TurnOff sets the fault gate. Exempt from awaitAlive by design.
func (n *Node) TurnOff() {
	n.mu.Lock()
	n.alive = false
	n.mu.Unlock()
	n.logger.Info("turned off")
}
