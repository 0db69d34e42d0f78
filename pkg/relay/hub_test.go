package relay

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coscribe/coscribe/pkg/wire"
)

func startHub(t *testing.T, seed []byte) *hub {
	t.Helper()
	h := newHub("doc-1", seed, slog.Default())
	go h.run()
	t.Cleanup(func() {
		select {
		case <-h.done:
		default:
			close(h.done)
		}
	})
	return h
}

func join(t *testing.T, h *hub, id string) *peer {
	t.Helper()
	p := &peer{id: id, send: make(chan []byte, 64)}
	h.subscribe <- p
	return p
}

func recv(t *testing.T, p *peer) wire.Message {
	t.Helper()
	select {
	case b := <-p.send:
		msg, err := wire.Decode(b)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("peer %s received nothing", p.id)
		return wire.Message{}
	}
}

func expectSilence(t *testing.T, p *peer) {
	t.Helper()
	select {
	case b := <-p.send:
		msg, _ := wire.Decode(b)
		t.Fatalf("peer %s unexpectedly received a %q message", p.id, msg.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func frameFrom(t *testing.T, p *peer, msg wire.Message) frame {
	t.Helper()
	raw, err := msg.Encode()
	require.NoError(t, err)
	return frame{from: p, msg: msg, raw: raw}
}

func TestHubWelcomesAndSeedsNewPeers(t *testing.T) {
	h := startHub(t, []byte("seed-bytes"))
	p := join(t, h, "p1")

	welcome := recv(t, p)
	assert.Equal(t, wire.TypeWelcome, welcome.Type)
	assert.Equal(t, "p1", welcome.ClientID)
	assert.Equal(t, "doc-1", welcome.DocID)

	snap := recv(t, p)
	assert.Equal(t, wire.TypeSnapshot, snap.Type)
	assert.Equal(t, []byte("seed-bytes"), snap.Payload)
}

func TestHubNoSnapshotWhenUnseeded(t *testing.T) {
	h := startHub(t, nil)
	p := join(t, h, "p1")

	recv(t, p) // welcome
	expectSilence(t, p)
}

func TestHubBroadcastsWithoutEcho(t *testing.T) {
	h := startHub(t, nil)
	p1, p2, p3 := join(t, h, "p1"), join(t, h, "p2"), join(t, h, "p3")
	recv(t, p1)
	recv(t, p2)
	recv(t, p3)

	h.inbound <- frameFrom(t, p1, wire.Message{Type: wire.TypeUpdate, DocID: "doc-1", ClientID: "p1", Payload: []byte("edit")})

	for _, p := range []*peer{p2, p3} {
		got := recv(t, p)
		assert.Equal(t, wire.TypeUpdate, got.Type)
		assert.Equal(t, []byte("edit"), got.Payload)
	}
	expectSilence(t, p1)
}

func TestHubCacheSnapshotReplacesUpdateAppends(t *testing.T) {
	h := startHub(t, nil)
	p1 := join(t, h, "p1")
	recv(t, p1)

	h.inbound <- frameFrom(t, p1, wire.Message{Type: wire.TypeSnapshot, DocID: "doc-1", Payload: []byte("SNAP")})
	h.inbound <- frameFrom(t, p1, wire.Message{Type: wire.TypeUpdate, DocID: "doc-1", Payload: []byte("+u1")})
	h.inbound <- frameFrom(t, p1, wire.Message{Type: wire.TypeUpdate, DocID: "doc-1", Payload: []byte("+u2")})

	// A late joiner gets the snapshot with the updates appended: the importer
	// accepts concatenated chunks.
	late := join(t, h, "late")
	recv(t, late)
	snap := recv(t, late)
	assert.Equal(t, wire.TypeSnapshot, snap.Type)
	assert.Equal(t, []byte("SNAP+u1+u2"), snap.Payload)

	// A fresh snapshot resets the accumulation.
	h.inbound <- frameFrom(t, p1, wire.Message{Type: wire.TypeSnapshot, DocID: "doc-1", Payload: []byte("SNAP2")})
	assert.Eventually(t, func() bool {
		return string(h.currentSnapshot()) == "SNAP2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubAnswersSnapshotRequestFromCache(t *testing.T) {
	h := startHub(t, []byte("cached"))
	p1, p2 := join(t, h, "p1"), join(t, h, "p2")
	recv(t, p1) // welcome
	recv(t, p1) // seed snapshot
	recv(t, p2)
	recv(t, p2)

	h.inbound <- frameFrom(t, p1, wire.Message{Type: wire.TypeSnapshotRequest, DocID: "doc-1", ClientID: "p1"})

	reply := recv(t, p1)
	assert.Equal(t, wire.TypeSnapshot, reply.Type)
	assert.Equal(t, []byte("cached"), reply.Payload)
	expectSilence(t, p2)
}

func TestHubFansOutSnapshotRequestWhenUncached(t *testing.T) {
	h := startHub(t, nil)
	p1, p2 := join(t, h, "p1"), join(t, h, "p2")
	recv(t, p1)
	recv(t, p2)

	h.inbound <- frameFrom(t, p1, wire.Message{Type: wire.TypeSnapshotRequest, DocID: "doc-1", ClientID: "p1"})

	got := recv(t, p2)
	assert.Equal(t, wire.TypeSnapshotRequest, got.Type)
	// Never reflected back to the requester: it cannot answer itself.
	expectSilence(t, p1)
}

func TestHubAnnouncesDisconnects(t *testing.T) {
	h := startHub(t, nil)
	p1, p2 := join(t, h, "p1"), join(t, h, "p2")
	recv(t, p1)
	recv(t, p2)

	h.unsubscribe <- p1

	got := recv(t, p2)
	assert.Equal(t, wire.TypeClientDisconnect, got.Type)
	assert.Equal(t, "p1", got.ClientID)

	_, open := <-p1.send
	assert.False(t, open, "the departed peer's queue is closed")
}

func TestHubQueryReturnsDirtyOnce(t *testing.T) {
	h := startHub(t, nil)
	p1 := join(t, h, "p1")
	recv(t, p1)
	h.inbound <- frameFrom(t, p1, wire.Message{Type: wire.TypeSnapshot, DocID: "doc-1", Payload: []byte("dirty")})

	// Peeking never consumes the dirty flag.
	assert.Eventually(t, func() bool {
		return string(h.currentSnapshot()) == "dirty"
	}, 2*time.Second, 10*time.Millisecond)

	q := snapshotQuery{reply: make(chan []byte, 1)}
	h.query <- q
	assert.Equal(t, []byte("dirty"), <-q.reply)

	q = snapshotQuery{reply: make(chan []byte, 1)}
	h.query <- q
	assert.Nil(t, <-q.reply, "a clean hub reports nothing to back up")

	assert.Equal(t, []byte("dirty"), h.currentSnapshot(), "the cache itself is untouched")
}
