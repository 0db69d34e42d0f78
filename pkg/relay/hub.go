package relay

import (
	"log/slog"

	"github.com/coscribe/coscribe/pkg/wire"
)

// peer is one subscribed connection. The hub never touches the socket; it
// pushes encoded bytes into the peer's send queue and a writer goroutine
// drains it.
type peer struct {
	id   string
	send chan []byte
}

// trySend drops the message when the peer cannot keep up. A slow consumer
// misses an update, not the whole session: it catches up from the next
// snapshot.
func (p *peer) trySend(b []byte) bool {
	select {
	case p.send <- b:
		return true
	default:
		return false
	}
}

// frame is one inbound message plus its verbatim bytes for re-broadcast.
// from is nil when the frame arrived over the instance bridge.
type frame struct {
	from *peer
	msg  wire.Message
	raw  []byte
}

type snapshotQuery struct {
	reply chan []byte
}

// hub owns all state for one document id: the subscriber set and the latest
// snapshot cache. All of it is confined to the hub's goroutine; documents run
// fully in parallel and there is no shared map of live docs beyond the server
// registry.
type hub struct {
	docID string
	log   *slog.Logger

	subscribe   chan *peer
	unsubscribe chan *peer
	inbound     chan frame
	query       chan snapshotQuery
	peek        chan chan []byte
	done        chan struct{}

	peers    map[*peer]bool
	snapshot []byte
	dirty    bool

	// publish forwards locally-originated frames to other relay instances.
	publish func(raw []byte)
}

func newHub(docID string, seed []byte, log *slog.Logger) *hub {
	return &hub{
		docID:       docID,
		log:         log,
		subscribe:   make(chan *peer),
		unsubscribe: make(chan *peer),
		inbound:     make(chan frame, 64),
		query:       make(chan snapshotQuery),
		peek:        make(chan chan []byte),
		done:        make(chan struct{}),
		peers:       make(map[*peer]bool),
		snapshot:    seed,
	}
}

func (h *hub) run() {
	for {
		select {
		case p := <-h.subscribe:
			h.peers[p] = true
			h.sendTo(p, wire.Message{Type: wire.TypeWelcome, DocID: h.docID, ClientID: p.id})
			if h.snapshot != nil {
				h.sendTo(p, wire.Message{Type: wire.TypeSnapshot, DocID: h.docID, Payload: h.snapshot})
			}
			h.log.Info("peer joined", "doc", h.docID, "peer", p.id, "peers", len(h.peers))

		case p := <-h.unsubscribe:
			if !h.peers[p] {
				continue
			}
			delete(h.peers, p)
			close(p.send)
			h.log.Info("peer left", "doc", h.docID, "peer", p.id, "peers", len(h.peers))
			// Broadcast a disconnect notice so others evict the peer's
			// presence entry instead of waiting for expiry.
			if b, err := (wire.Message{Type: wire.TypeClientDisconnect, DocID: h.docID, ClientID: p.id}).Encode(); err == nil {
				h.broadcast(nil, b)
			}

		case f := <-h.inbound:
			h.handle(f)

		case q := <-h.query:
			if h.dirty {
				h.dirty = false
				q.reply <- append([]byte(nil), h.snapshot...)
			} else {
				q.reply <- nil
			}

		case reply := <-h.peek:
			if h.snapshot == nil {
				reply <- nil
			} else {
				reply <- append([]byte(nil), h.snapshot...)
			}

		case <-h.done:
			for p := range h.peers {
				delete(h.peers, p)
				close(p.send)
			}
			return
		}
	}
}

func (h *hub) handle(f frame) {
	switch f.msg.Type {
	case wire.TypeSnapshot:
		h.snapshot = append([]byte(nil), f.msg.Payload...)
		h.dirty = true
		h.broadcast(f.from, f.raw)

	case wire.TypeUpdate:
		// Automerge accepts concatenated chunks, so the cache can absorb
		// updates without understanding them. Peers periodically send full
		// snapshots, which resets this growth.
		h.snapshot = append(h.snapshot, f.msg.Payload...)
		h.dirty = true
		h.broadcast(f.from, f.raw)

	case wire.TypePresenceUpdate, wire.TypeClientDisconnect:
		h.broadcast(f.from, f.raw)

	case wire.TypeSnapshotRequest:
		if h.snapshot != nil && f.from != nil {
			h.sendTo(f.from, wire.Message{Type: wire.TypeSnapshot, DocID: h.docID, Payload: h.snapshot})
			return
		}
		// Nothing cached: fan the request out so any live peer can supply
		// state. Never reflected back to the requester.
		h.broadcast(f.from, f.raw)

	default:
		// A welcome from a client means nothing; drop it.
		return
	}

	if f.from != nil && h.publish != nil {
		h.publish(f.raw)
	}
}

// currentSnapshot returns a copy of the cached snapshot without touching the
// backup dirty flag. Returns nil when nothing is cached or the hub is gone.
func (h *hub) currentSnapshot() []byte {
	reply := make(chan []byte, 1)
	select {
	case h.peek <- reply:
		return <-reply
	case <-h.done:
		return nil
	}
}

// broadcast sends the verbatim bytes to every subscriber except the sender.
func (h *hub) broadcast(except *peer, raw []byte) {
	for p := range h.peers {
		if p == except {
			continue
		}
		if !p.trySend(raw) {
			h.log.Info("dropping message for slow peer", "doc", h.docID, "peer", p.id)
		}
	}
}

func (h *hub) sendTo(p *peer, msg wire.Message) {
	b, err := msg.Encode()
	if err != nil {
		h.log.Error("failed to encode message", "doc", h.docID, "err", err)
		return
	}
	if !p.trySend(b) {
		h.log.Info("dropping message for slow peer", "doc", h.docID, "peer", p.id)
	}
}
