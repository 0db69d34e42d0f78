package session

import (
	"sync"

	"github.com/coscribe/coscribe/pkg/doctree"
)

// TreeHost is the document editor's side of the contract: it owns the live
// tree and the lock that serializes every access to it. Local edit batches go
// through Mutate; the session uses the same lock (via View and Mutate) for its
// reads and remote merges, so the editor and the sync loop never touch the
// tree concurrently.
type TreeHost interface {
	// View runs fn while holding the tree lock, without notifying update
	// listeners. fn must not retain the root past the call.
	View(fn func(root *doctree.Node))
	// Mutate runs fn under the tree lock and then fires the update listeners
	// with the resulting tree.
	Mutate(edit func(root *doctree.Node))
	// Replace swaps in a whole new tree and fires the update listeners.
	Replace(root *doctree.Node)
	OnUpdate(fn func(root *doctree.Node)) (unsubscribe func())
}

// MemoryHost is a plain in-process TreeHost, used by the editing agent and by
// tests.
type MemoryHost struct {
	mu        sync.Mutex
	root      *doctree.Node
	listeners map[int]func(*doctree.Node)
	nextSub   int
}

func NewMemoryHost(root *doctree.Node) *MemoryHost {
	if root == nil {
		root = doctree.NewContainer(doctree.TypeRoot)
	}
	return &MemoryHost{root: root, listeners: make(map[int]func(*doctree.Node))}
}

// Root returns the live root without taking the lock for the caller's
// accesses. Only safe once concurrent editing has stopped, e.g. for a
// shutdown dump; anything else should go through View.
func (h *MemoryHost) Root() *doctree.Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.root
}

func (h *MemoryHost) View(fn func(root *doctree.Node)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.root)
}

func (h *MemoryHost) Replace(root *doctree.Node) {
	h.mu.Lock()
	h.root = root
	listeners := h.snapshotListeners()
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(root)
	}
}

// Mutate applies an edit batch and fires the update listeners with the
// resulting tree.
func (h *MemoryHost) Mutate(edit func(root *doctree.Node)) {
	h.mu.Lock()
	edit(h.root)
	root := h.root
	listeners := h.snapshotListeners()
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(root)
	}
}

func (h *MemoryHost) OnUpdate(fn func(*doctree.Node)) func() {
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.listeners[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

func (h *MemoryHost) snapshotListeners() []func(*doctree.Node) {
	out := make([]func(*doctree.Node), 0, len(h.listeners))
	for _, fn := range h.listeners {
		out = append(out, fn)
	}
	return out
}
