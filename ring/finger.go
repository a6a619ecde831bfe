package ring

import "github.com/ringfs/ringfs/types"

// FingerTable holds a node's M routing shortcuts. Slot i (1-indexed) is
// intended to point at the successor of (self + 2^(i-1)) mod 2^M.
// Not safe for concurrent use; Node serializes access.
type FingerTable struct {
	self    types.Peer
	m       int
	entries []types.Peer
}

// RefreshTarget pairs a finger slot with the ring position whose
// successor belongs in that slot.
type RefreshTarget struct {
	Index int
	Start uint64
}

// NewFingerTable returns a table with every slot seeded to self.
func NewFingerTable(self types.Peer, m int) *FingerTable {
	ft := &FingerTable{self: self, m: m, entries: make([]types.Peer, m)}
	ft.Fill(self)
	return ft
}

// Fill sets every slot to peer. Used right after join as a seed.
func (ft *FingerTable) Fill(peer types.Peer) {
	for i := range ft.entries {
		ft.entries[i] = peer
	}
}

// Update overwrites slot i (1-indexed).
func (ft *FingerTable) Update(i int, peer types.Peer) {
	ft.entries[i-1] = peer
}

// Get returns slot i (1-indexed).
func (ft *FingerTable) Get(i int) types.Peer {
	return ft.entries[i-1]
}

// Successor returns finger[1], the immediate successor.
func (ft *FingerTable) Successor() types.Peer {
	return ft.entries[0]
}

// RefreshTargets yields the M lookup keys a refresh pass resolves.
func (ft *FingerTable) RefreshTargets() []RefreshTarget {
	targets := make([]RefreshTarget, ft.m)
	for i := 1; i <= ft.m; i++ {
		start := (ft.self.ID + (1 << uint(i-1))) & (Size(ft.m) - 1)
		targets[i-1] = RefreshTarget{Index: i, Start: start}
	}
	return targets
}

// ClosestPreceding scans slots from M down to 1 and returns the first
// entry strictly inside (self, key) on the ring, exploiting the longest
// jump first. Returns self when no slot qualifies.
func (ft *FingerTable) ClosestPreceding(key uint64) types.Peer {
	for i := ft.m - 1; i >= 0; i-- {
		entry := ft.entries[i]
		if Between(ft.self.ID, entry.ID, key) {
			return entry
		}
	}
	return ft.self
}

// IDs returns the ids of all slots in order, for state snapshots.
func (ft *FingerTable) IDs() []uint64 {
	ids := make([]uint64, len(ft.entries))
	for i, e := range ft.entries {
		ids[i] = e.ID
	}
	return ids
}
