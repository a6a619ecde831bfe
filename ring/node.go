package ring

import (
	"sync"

	"github.com/ringfs/ringfs/types"
)

// Node is the pure Chord state machine: id, address, predecessor,
// successor, fingers. It performs no I/O; NodeService reads routing
// decisions from it and does the network calls. All methods take value
// snapshots under a single mutex, so readers never observe a torn
// update and no lock is ever held across a transport or storage call.
type Node struct {
	mu sync.RWMutex

	self    types.Peer
	m       int
	pred    types.Peer
	hasPred bool
	fingers *FingerTable
}

// NewNode constructs a bootstrap-state node: no predecessor, successor
// and every finger pointing at itself.
func NewNode(self types.Peer, m int) *Node {
	return &Node{
		self:    self,
		m:       m,
		fingers: NewFingerTable(self, m),
	}
}

// Self returns this node's own identity.
func (n *Node) Self() types.Peer {
	return n.self
}

// M returns the identifier-space bit width.
func (n *Node) M() int {
	return n.m
}

// Successor returns finger[1]. Never unset.
func (n *Node) Successor() types.Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.fingers.Successor()
}

// Predecessor returns the current predecessor, if one is known.
func (n *Node) Predecessor() (types.Peer, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.pred, n.hasPred
}

// IsAlone reports whether this node is the only member of the ring it
// knows about.
func (n *Node) IsAlone() bool {
	return n.Successor().Equal(n.self)
}

// IsResponsibleFor reports whether key falls in this node's claim
// range (predecessor, self]. A node with no predecessor claims the
// whole ring only while alone; otherwise it defers to routing until
// stabilization teaches it its lower boundary.
func (n *Node) IsResponsibleFor(key uint64) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.hasPred {
		return n.fingers.Successor().Equal(n.self)
	}
	return BetweenIncl(n.pred.ID, key, n.self.ID)
}

// ShouldUpdateSuccessor reports whether candidate sits strictly between
// this node and its current successor and should replace it.
func (n *Node) ShouldUpdateSuccessor(candidate types.Peer) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if candidate.Equal(n.self) {
		return false
	}
	return Between(n.self.ID, candidate.ID, n.fingers.Successor().ID)
}

// Notify processes a peer's claim to be our predecessor. The claim is
// accepted when no predecessor is known or the candidate falls in
// (predecessor, self). Returns whether the predecessor changed.
func (n *Node) Notify(candidate types.Peer) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.hasPred && !Between(n.pred.ID, candidate.ID, n.self.ID) {
		return false
	}
	n.pred = candidate
	n.hasPred = true
	return true
}

// SetSuccessor overwrites finger[1].
func (n *Node) SetSuccessor(peer types.Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fingers.Update(1, peer)
}

// SetPredecessor overwrites the predecessor unconditionally.
func (n *Node) SetPredecessor(peer types.Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pred = peer
	n.hasPred = true
}

// ClearPredecessor forgets the predecessor.
func (n *Node) ClearPredecessor() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pred = types.Peer{}
	n.hasPred = false
}

// FillFingers seeds every finger slot with peer.
func (n *Node) FillFingers(peer types.Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fingers.Fill(peer)
}

// UpdateFinger overwrites finger slot i (1-indexed).
func (n *Node) UpdateFinger(i int, peer types.Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fingers.Update(i, peer)
}

// ClosestPreceding returns the finger entry closest to key without
// passing it, or self when no finger precedes the key.
func (n *Node) ClosestPreceding(key uint64) types.Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.fingers.ClosestPreceding(key)
}

// RefreshTargets returns the finger slots and lookup keys a refresh
// pass must resolve.
func (n *Node) RefreshTargets() []RefreshTarget {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.fingers.RefreshTargets()
}

// FingerIDs returns a snapshot of finger ids for state inspection.
func (n *Node) FingerIDs() []uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.fingers.IDs()
}
