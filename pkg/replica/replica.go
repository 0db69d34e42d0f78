// Package replica wraps the automerge document that backs one synchronized
// document: a single shared text container addressed by rune offsets, with
// snapshot/update export, idempotent import, and durable cursor references
// that survive concurrent edits.
package replica

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/automerge/automerge-go"
)

// contentKey is where the replicated text lives in the automerge root map.
const contentKey = "content"

// Replica owns one automerge doc. It is not safe for concurrent use: the
// session serializes local-edit application and remote import on one
// goroutine per document (single-writer discipline).
type Replica struct {
	doc *automerge.Doc
}

// New creates a fresh replica with an empty text container.
//
// Peers that bootstrap independently end up with distinct text container
// lineages and automerge resolves the container conflict by picking one;
// convergent offline editing therefore relies on replicas being seeded from a
// common snapshot (the relay hands one out on connect).
func New() (*Replica, error) {
	doc := automerge.New()
	if err := doc.Path(contentKey).Set(automerge.NewText("")); err != nil {
		return nil, fmt.Errorf("failed to initialise text container: %w", err)
	}
	return &Replica{doc: doc}, nil
}

// Load restores a replica from full snapshot bytes.
func Load(snapshot []byte) (*Replica, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return &Replica{doc: doc}, nil
}

// SetActor pins the actor identity used for subsequent local changes,
// typically the client id assigned by the relay.
func (r *Replica) SetActor(id string) error {
	if err := r.doc.SetActorID(hex.EncodeToString([]byte(id))); err != nil {
		return fmt.Errorf("failed to set actor id: %w", err)
	}
	return nil
}

func (r *Replica) text() *automerge.Text {
	return r.doc.Path(contentKey).Text()
}

// Text returns the current contents of the shared text container. A missing
// container (pre-seed) reads as empty.
func (r *Replica) Text() string {
	s, err := r.text().Get()
	if err != nil {
		return ""
	}
	return s
}

// Len returns the text length in runes.
func (r *Replica) Len() int {
	return len([]rune(r.Text()))
}

// Splice applies a minimal text edit: delete del runes at off, then insert
// the given string. Offsets are clamped into range.
func (r *Replica) Splice(off, del int, insert string) error {
	length := r.Len()
	if off < 0 {
		off = 0
	}
	if off > length {
		off = length
	}
	if del > length-off {
		del = length - off
	}
	t := r.text()
	if del > 0 {
		if err := t.Delete(off, del); err != nil {
			return fmt.Errorf("failed to delete %d runes at %d: %w", del, off, err)
		}
	}
	if insert != "" {
		if err := t.Insert(off, insert); err != nil {
			return fmt.Errorf("failed to insert at %d: %w", off, err)
		}
	}
	return nil
}

// ExportSnapshot returns the full document state.
func (r *Replica) ExportSnapshot() []byte {
	return r.doc.Save()
}

// ExportUpdate returns the changes made since the last export. May be empty.
func (r *Replica) ExportUpdate() []byte {
	return r.doc.SaveIncremental()
}

// Import merges snapshot or update bytes into the replica and reports whether
// the text changed as a result. Importing the same bytes twice is a no-op:
// automerge applies operations by identity, so the second call reports no
// change.
func (r *Replica) Import(b []byte) (bool, error) {
	before := r.Text()
	if err := r.doc.LoadIncremental(b); err != nil {
		return false, fmt.Errorf("failed to import: %w", err)
	}
	return r.Text() != before, nil
}

// Version summarizes the replica's current heads.
func (r *Replica) Version() string {
	heads := r.doc.Heads()
	parts := make([]string, 0, len(heads))
	for _, h := range heads {
		parts = append(parts, h.String())
	}
	return strings.Join(parts, ",")
}
