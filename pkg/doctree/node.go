// Package doctree holds the generic document model shared by the sync engine:
// a tree of typed nodes, the stable identity map used to re-find nodes across
// structural edits, and the differential merge that reconciles a local tree
// against a serialized remote one.
package doctree

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Format is a bitset of inline style flags carried by leaf nodes.
type Format uint32

const (
	FormatBold Format = 1 << iota
	FormatItalic
	FormatUnderline
	FormatStrikethrough
	FormatCode
)

// Well-known node types. Anything else is treated as a foreign/opaque node
// owned by some other component and is preserved verbatim across merges.
const (
	TypeRoot      = "root"
	TypeParagraph = "paragraph"
	TypeHeading   = "heading"
	TypeQuote     = "quote"
	TypeText      = "text"
	TypeLinebreak = "linebreak"
)

var leafTypes = map[string]bool{
	TypeText:      true,
	TypeLinebreak: true,
}

var knownTypes = map[string]bool{
	TypeRoot:      true,
	TypeParagraph: true,
	TypeHeading:   true,
	TypeQuote:     true,
	TypeText:      true,
	TypeLinebreak: true,
}

// Node is a mutable tree node. Containers own their children exclusively;
// leaves carry a scalar text payload. StableID is assigned lazily by an
// IdentityMap and never changes while this instance is alive.
type Node struct {
	Type     string
	StableID string
	Format   Format
	Text     string
	Children []*Node
}

func NewContainer(nodeType string, children ...*Node) *Node {
	return &Node{Type: nodeType, Children: children}
}

func NewText(text string) *Node {
	return &Node{Type: TypeText, Text: text}
}

func NewLinebreak() *Node {
	return &Node{Type: TypeLinebreak, Text: "\n"}
}

// IsLeaf reports whether the node carries a scalar payload rather than
// children. Foreign types are containers by convention: they may hold
// subtrees we must not look into.
func (n *Node) IsLeaf() bool {
	return leafTypes[n.Type]
}

// IsForeign reports whether the node is owned by some other component: its
// type is outside the built-in set. Foreign subtrees are opaque; they survive
// merges untouched and contribute nothing to the text linearization.
func (n *Node) IsForeign() bool {
	return !knownTypes[n.Type]
}

// Walk visits n and its descendants in pre-order. The visitor returning
// false prunes the subtree below the current node.
func (n *Node) Walk(fn func(*Node) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Clone returns a deep copy, stable ids included.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Type: n.Type, StableID: n.StableID, Format: n.Format, Text: n.Text}
	if len(n.Children) > 0 {
		out.Children = make([]*Node, 0, len(n.Children))
		for _, c := range n.Children {
			out.Children = append(out.Children, c.Clone())
		}
	}
	return out
}

func (n *Node) String() string {
	var sb strings.Builder
	n.describe(&sb, 0)
	return sb.String()
}

func (n *Node) describe(sb *strings.Builder, depth int) {
	sb.WriteString(strings.Repeat("  ", depth))
	sb.WriteString(n.Type)
	if n.StableID != "" {
		fmt.Fprintf(sb, " #%s", n.StableID)
	}
	if n.IsLeaf() {
		fmt.Fprintf(sb, " %q", n.Text)
	}
	sb.WriteString("\n")
	for _, c := range n.Children {
		c.describe(sb, depth+1)
	}
}

// Payload is the serialized form of a (sub)tree as it travels between peers
// and into Merge. The stable id rides along as an ordinary attribute so that
// it survives serialization round-trips.
// Format is a pointer so that payloads which carry no styling information
// (e.g. trees derived from bare text) can be told apart from an explicit
// zero: an absent format leaves existing flags untouched during a merge.
type Payload struct {
	Type     string     `json:"type"`
	StableID string     `json:"sid,omitempty"`
	Format   *Format    `json:"format,omitempty"`
	Text     string     `json:"text,omitempty"`
	Children []*Payload `json:"children,omitempty"`
}

// ToPayload serializes the tree rooted at n.
func ToPayload(n *Node) *Payload {
	if n == nil {
		return nil
	}
	f := n.Format
	p := &Payload{Type: n.Type, StableID: n.StableID, Format: &f, Text: n.Text}
	for _, c := range n.Children {
		p.Children = append(p.Children, ToPayload(c))
	}
	return p
}

// EncodePayload and DecodePayload are the wire form of a serialized tree.
func EncodePayload(p *Payload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return b, nil
}

func DecodePayload(b []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if p.Type == "" {
		return nil, fmt.Errorf("failed to decode payload: missing node type")
	}
	return &p, nil
}

// FromText derives a plain block/text payload from linearized document text.
// Blocks are delimited by the same separator unit the position translator
// uses, so a tree built from this payload flattens back to the input exactly.
func FromText(text string) *Payload {
	root := &Payload{Type: TypeRoot}
	for _, seg := range strings.Split(text, "\n") {
		root.Children = append(root.Children, &Payload{
			Type:     TypeParagraph,
			Children: []*Payload{{Type: TypeText, Text: seg}},
		})
	}
	return root
}
