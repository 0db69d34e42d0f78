package doctree

import (
	"github.com/google/uuid"
)

// IdentityMap hands out stable ids for nodes and resolves them back again.
// Resolution walks the live tree rather than keeping pointers around, because
// structural edits in the host editor routinely rebuild node instances: the
// id stored on a fresh instance is the only durable link. A failed resolve is
// an expected outcome (node deleted, tree rebuilt) and never an error;
// callers fall back to a deterministic position instead.
type IdentityMap struct {
	newID func() string
}

func NewIdentityMap() *IdentityMap {
	return &IdentityMap{newID: uuid.NewString}
}

// EnsureID assigns an id only if the node has none yet. Calling it twice on
// the same live node returns the same id.
func (m *IdentityMap) EnsureID(n *Node) string {
	if n.StableID == "" {
		n.StableID = m.newID()
	}
	return n.StableID
}

// AssignAllMissing walks the whole tree and backfills ids on freshly created
// nodes. Run after each local mutation batch: structural edits produce new
// node instances that arrive without ids. Returns the number assigned.
func (m *IdentityMap) AssignAllMissing(root *Node) int {
	assigned := 0
	root.Walk(func(n *Node) bool {
		if n.StableID == "" {
			n.StableID = m.newID()
			assigned++
		}
		return true
	})
	return assigned
}

// Resolve finds the live node carrying the given id via a depth-first walk.
// Returns false when no live node carries it.
func (m *IdentityMap) Resolve(root *Node, id string) (*Node, bool) {
	if root == nil || id == "" {
		return nil, false
	}
	var found *Node
	root.Walk(func(n *Node) bool {
		if found != nil {
			return false
		}
		if n.StableID == id {
			found = n
			return false
		}
		return true
	})
	if found == nil {
		return nil, false
	}
	return found, true
}
