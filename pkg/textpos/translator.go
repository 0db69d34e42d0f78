// Package textpos translates between tree positions (stable node id + local
// offset) and offsets into the flat replicated text. The flattening is the
// single source of truth shared by the diffing path and the presence path:
// leaf texts concatenated in pre-order, with one separator unit between
// adjacent container siblings. Foreign subtrees are opaque to other
// components and contribute nothing.
//
// Offsets are rune offsets. Both directions clamp out-of-range input rather
// than failing; translation must be recomputed after every structural edit
// since leaf ordering can change.
package textpos

import (
	"strings"

	"github.com/coscribe/coscribe/pkg/doctree"
)

// Separator is the single unit inserted between adjacent block-level
// containers in the flattened text.
const Separator = "\n"

// Position is a durable tree position: a stable node id plus a rune offset
// local to that node.
type Position struct {
	StableID string
	Offset   int
}

// span records where a node landed in the flattened text.
type span struct {
	node   *doctree.Node
	start  int
	length int
}

// Flatten linearizes the tree into the text the CRDT replica holds.
func Flatten(root *doctree.Node) string {
	var sb strings.Builder
	flattenInto(root, &sb)
	return sb.String()
}

func flattenInto(n *doctree.Node, sb *strings.Builder) {
	if n == nil || n.IsForeign() {
		return
	}
	if n.IsLeaf() {
		sb.WriteString(n.Text)
		return
	}
	// Foreign children are invisible here: they separate nothing and leak
	// nothing, otherwise their text would be re-imported as ordinary
	// paragraphs on the next merge and duplicate.
	var prev *doctree.Node
	for _, c := range n.Children {
		if c.IsForeign() {
			continue
		}
		if prev != nil && !prev.IsLeaf() && !c.IsLeaf() {
			sb.WriteString(Separator)
		}
		flattenInto(c, sb)
		prev = c
	}
}

// index walks the tree once, recording the start offset and flattened length
// of every node.
func index(root *doctree.Node) ([]span, int) {
	var spans []span
	total := walkSpans(root, 0, &spans)
	return spans, total
}

func walkSpans(n *doctree.Node, at int, spans *[]span) int {
	if n == nil || n.IsForeign() {
		return at
	}
	start := at
	if n.IsLeaf() {
		at += len([]rune(n.Text))
	} else {
		var prev *doctree.Node
		for _, c := range n.Children {
			if c.IsForeign() {
				continue
			}
			if prev != nil && !prev.IsLeaf() && !c.IsLeaf() {
				at += len([]rune(Separator))
			}
			at = walkSpans(c, at, spans)
			prev = c
		}
	}
	*spans = append(*spans, span{node: n, start: start, length: at - start})
	return at
}

// ToTextOffset converts a stable node id plus local offset into an offset in
// the flattened text. Returns false when no live node carries the id, or when
// the node sits inside a foreign subtree and so has no place in the text; the
// caller supplies its own fallback (typically the document end). The result
// is always within [0, len(text)].
func ToTextOffset(root *doctree.Node, id string, local int) (int, bool) {
	if root == nil || id == "" {
		return 0, false
	}
	spans, _ := index(root)
	for _, s := range spans {
		if s.node.StableID != id {
			continue
		}
		if local < 0 {
			local = 0
		}
		if local > s.length {
			local = s.length
		}
		return s.start + local, true
	}
	return 0, false
}

// FromTextOffset converts a flat text offset back into a stable position.
// Offsets past end-of-document clamp; an empty tree resolves to offset 0 at
// the root. Offsets falling on a separator snap to the end of the preceding
// leaf.
func FromTextOffset(root *doctree.Node, off int) Position {
	if root == nil {
		return Position{}
	}
	spans, total := index(root)
	if off < 0 {
		off = 0
	}
	if off > total {
		off = total
	}
	// Prefer the leaf containing the offset; among touching leaves the later
	// one wins so a caret at a leaf boundary sits at the start of the next
	// run.
	var best *span
	for i := range spans {
		s := &spans[i]
		if !s.node.IsLeaf() {
			continue
		}
		if off < s.start || off > s.start+s.length {
			continue
		}
		if best == nil || s.start >= best.start {
			best = s
		}
	}
	if best == nil {
		// No leaves at all: position 0 at the root.
		return Position{StableID: root.StableID, Offset: 0}
	}
	return Position{StableID: best.node.StableID, Offset: off - best.start}
}
