package doctree

import (
	"errors"
	"fmt"
)

// ErrUnsupportedNode is returned by Merge when the incoming payload contains
// a node type the merger cannot construct. The merge leaves the existing tree
// untouched in that case; the caller is expected to fall back to a full-tree
// replacement built by whoever does understand the payload.
var ErrUnsupportedNode = errors.New("unsupported node type")

// Merger reconciles an existing tree against an incoming serialized tree.
//
// Children are aligned by position and type, not identity: the same type at
// position i means the existing node is mutated in place field-by-field and
// keeps its stable id, while a differing type or a missing counterpart means
// a brand new node is constructed from the payload. Existing nodes whose type
// falls outside the supported set are collected once per container and
// re-appended after the rebuilt prefix, whatever the incoming payload says:
// foreign subtrees embedded by other components must survive a wholesale
// remote rewrite.
type Merger struct {
	supported map[string]bool
}

// NewMerger returns a merger supporting the built-in node types plus any
// extra types the caller can construct from plain payload fields.
func NewMerger(extraTypes ...string) *Merger {
	m := &Merger{supported: make(map[string]bool, len(knownTypes)+len(extraTypes))}
	for t := range knownTypes {
		m.supported[t] = true
	}
	for _, t := range extraTypes {
		m.supported[t] = true
	}
	return m
}

// Supports reports whether the merger can construct the given node type.
func (m *Merger) Supports(nodeType string) bool {
	return m.supported[nodeType]
}

// Merge applies the incoming payload to the existing tree and reports whether
// anything changed. On ErrUnsupportedNode the existing tree is guaranteed to
// be unmodified. Cost is O(n) in the incoming node count, recursing once per
// container depth.
func (m *Merger) Merge(existing *Node, incoming *Payload) (bool, error) {
	if existing == nil || incoming == nil {
		return false, fmt.Errorf("merge requires both an existing tree and an incoming payload")
	}
	if err := m.check(incoming); err != nil {
		return false, err
	}
	if existing.Type != incoming.Type {
		return false, fmt.Errorf("incoming root %q does not match existing root %q: %w",
			incoming.Type, existing.Type, ErrUnsupportedNode)
	}
	return m.mergeNode(existing, incoming), nil
}

// Build constructs a fresh tree from the payload, for the full-replacement
// fallback path.
func (m *Merger) Build(p *Payload) (*Node, error) {
	if err := m.check(p); err != nil {
		return nil, err
	}
	return m.build(p), nil
}

// check validates that every node in the payload is constructible, before any
// mutation happens.
func (m *Merger) check(p *Payload) error {
	if !m.supported[p.Type] {
		return fmt.Errorf("%q: %w", p.Type, ErrUnsupportedNode)
	}
	for _, c := range p.Children {
		if err := m.check(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Merger) build(p *Payload) *Node {
	n := &Node{Type: p.Type, StableID: p.StableID, Text: p.Text}
	if p.Format != nil {
		n.Format = *p.Format
	}
	if p.Type == TypeLinebreak && n.Text == "" {
		n.Text = "\n"
	}
	for _, c := range p.Children {
		n.Children = append(n.Children, m.build(c))
	}
	return n
}

// mergeNode merges a payload into an existing node of the same type.
func (m *Merger) mergeNode(n *Node, p *Payload) bool {
	if n.IsLeaf() {
		return m.mergeLeaf(n, p)
	}
	return m.mergeChildren(n, p)
}

func (m *Merger) mergeLeaf(n *Node, p *Payload) bool {
	changed := false
	if n.Text != p.Text {
		n.Text = p.Text
		changed = true
	}
	// An absent format leaves the existing flags alone: payloads derived from
	// bare text carry no styling and must not strip it.
	if p.Format != nil && n.Format != *p.Format {
		n.Format = *p.Format
		changed = true
	}
	return changed
}

func (m *Merger) mergeChildren(n *Node, p *Payload) bool {
	kept := make([]*Node, 0, len(n.Children))
	var foreign []*Node
	for _, c := range n.Children {
		if m.supported[c.Type] {
			kept = append(kept, c)
		} else {
			foreign = append(foreign, c)
		}
	}

	changed := false
	next := make([]*Node, 0, len(p.Children)+len(foreign))
	for i, cp := range p.Children {
		if i < len(kept) && kept[i].Type == cp.Type {
			if m.mergeNode(kept[i], cp) {
				changed = true
			}
			next = append(next, kept[i])
		} else {
			next = append(next, m.build(cp))
			changed = true
		}
	}
	if len(p.Children) < len(kept) {
		changed = true
	}

	next = append(next, foreign...)
	if !changed {
		if len(next) != len(n.Children) {
			changed = true
		} else {
			for i := range next {
				if next[i] != n.Children[i] {
					changed = true
					break
				}
			}
		}
	}
	n.Children = next
	return changed
}
