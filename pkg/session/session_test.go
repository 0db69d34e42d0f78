package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coscribe/coscribe/pkg/doctree"
	"github.com/coscribe/coscribe/pkg/presence"
	"github.com/coscribe/coscribe/pkg/replica"
	"github.com/coscribe/coscribe/pkg/textpos"
	"github.com/coscribe/coscribe/pkg/wire"
)

// fakeConn is an in-memory Conn: the test pushes inbound frames and drains
// what the session writes.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(t *testing.T, msg wire.Message) {
	t.Helper()
	b, err := msg.Encode()
	require.NoError(t, err)
	c.in <- b
}

// nextOfType drains outgoing messages until one of the wanted type appears.
func (c *fakeConn) nextOfType(t *testing.T, want wire.Type) wire.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case b := <-c.out:
			msg, err := wire.Decode(b)
			require.NoError(t, err)
			if msg.Type == want {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a %q message", want)
		}
	}
}

func startSession(t *testing.T, host TreeHost) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	s, err := New(Config{
		URL:   "ws://test/docs/doc-1/ws",
		DocID: "doc-1",
		Host:  host,
		Meta:  map[string]string{"name": "tester"},
		// Short debounce keeps the tests quick; a vanishing snapshot
		// probability keeps flushes deterministic.
		Debounce:            10 * time.Millisecond,
		SnapshotProbability: 1e-9,
		Dialer: func(ctx context.Context, url string) (Conn, error) {
			return conn, nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		conn.Close()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("session did not stop")
		}
	})
	return s, conn
}

// flattenHost reads the host tree under its lock, since the session mutates
// it concurrently.
func flattenHost(host TreeHost) string {
	var flat string
	host.View(func(root *doctree.Node) { flat = textpos.Flatten(root) })
	return flat
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionRequestsStateOnConnect(t *testing.T) {
	_, conn := startSession(t, NewMemoryHost(nil))

	req := conn.nextOfType(t, wire.TypeSnapshotRequest)
	assert.Equal(t, "doc-1", req.DocID)
	conn.nextOfType(t, wire.TypePresenceUpdate)
}

func TestSessionAdoptsAssignedClientID(t *testing.T) {
	s, conn := startSession(t, NewMemoryHost(nil))

	conn.deliver(t, wire.Message{Type: wire.TypeWelcome, DocID: "doc-1", ClientID: "client-42"})
	eventually(t, func() bool { return s.ClientID() == "client-42" }, "client id adoption")
	assert.Equal(t, StateOpen, s.State())
}

func TestSessionMergesRemoteSnapshotIntoTree(t *testing.T) {
	host := NewMemoryHost(nil)
	s, conn := startSession(t, host)
	conn.nextOfType(t, wire.TypeSnapshotRequest)

	// Fork the session's own lineage, edit it elsewhere, and feed the result
	// back as a remote snapshot.
	remote, err := replica.Load(s.Snapshot())
	require.NoError(t, err)
	require.NoError(t, remote.SetActor("remote-peer"))
	require.NoError(t, remote.Splice(0, 0, "first line\nsecond line"))

	conn.deliver(t, wire.Message{Type: wire.TypeSnapshot, DocID: "doc-1", Payload: remote.ExportSnapshot()})

	eventually(t, func() bool { return s.Text() == "first line\nsecond line" }, "replica import")
	eventually(t, func() bool { return flattenHost(host) == "first line\nsecond line" }, "tree merge")
	host.View(func(root *doctree.Node) {
		require.Len(t, root.Children, 2)
		assert.NotEmpty(t, root.Children[0].StableID, "merged nodes get ids assigned")
	})
}

func TestSessionAnswersSnapshotRequests(t *testing.T) {
	s, conn := startSession(t, NewMemoryHost(nil))
	conn.nextOfType(t, wire.TypeSnapshotRequest)

	conn.deliver(t, wire.Message{Type: wire.TypeSnapshotRequest, DocID: "doc-1", ClientID: "someone-else"})
	reply := conn.nextOfType(t, wire.TypeSnapshot)

	loaded, err := replica.Load(reply.Payload)
	require.NoError(t, err)
	assert.Equal(t, s.Text(), loaded.Text())
}

func TestSessionFlushesLocalEditsDebounced(t *testing.T) {
	host := NewMemoryHost(nil)
	s, conn := startSession(t, host)
	conn.nextOfType(t, wire.TypeSnapshotRequest)

	base := s.Snapshot()

	host.Mutate(func(root *doctree.Node) {
		root.Children = append(root.Children,
			doctree.NewContainer(doctree.TypeParagraph, doctree.NewText("hello")))
	})

	update := conn.nextOfType(t, wire.TypeUpdate)
	require.NotEmpty(t, update.Payload)

	follower, err := replica.Load(base)
	require.NoError(t, err)
	changed, err := follower.Import(update.Payload)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "hello", follower.Text())
}

func TestSessionCoalescesEditBursts(t *testing.T) {
	host := NewMemoryHost(nil)
	s, conn := startSession(t, host)
	conn.nextOfType(t, wire.TypeSnapshotRequest)

	base := s.Snapshot()

	for _, word := range []string{"a", "b", "c"} {
		w := word
		host.Mutate(func(root *doctree.Node) {
			root.Children = append(root.Children,
				doctree.NewContainer(doctree.TypeParagraph, doctree.NewText(w)))
		})
	}

	follower, err := replica.Load(base)
	require.NoError(t, err)
	eventually(t, func() bool {
		select {
		case b := <-conn.out:
			if msg, err := wire.Decode(b); err == nil && msg.Type == wire.TypeUpdate {
				_, _ = follower.Import(msg.Payload)
			}
		default:
		}
		return follower.Text() == "a\nb\nc"
	}, "all edits to arrive")
}

func TestSessionTracksRemotePresence(t *testing.T) {
	s, conn := startSession(t, NewMemoryHost(nil))
	conn.deliver(t, wire.Message{Type: wire.TypeWelcome, DocID: "doc-1", ClientID: "me"})
	eventually(t, func() bool { return s.ClientID() == "me" }, "client id adoption")

	cursorBytes := func() []byte {
		r, err := replica.Load(s.Snapshot())
		require.NoError(t, err)
		return r.CursorAt(0).Encode()
	}()

	batch := presence.NewStore()
	batch.Set("other", presence.Entry{Focus: cursorBytes, Meta: map[string]string{"name": "remote"}})
	b, err := batch.Encode()
	require.NoError(t, err)
	conn.deliver(t, wire.Message{Type: wire.TypePresenceUpdate, DocID: "doc-1", ClientID: "other", Payload: b})

	eventually(t, func() bool { return len(s.Cursors()) == 1 }, "remote cursor to appear")
	cursors := s.Cursors()
	assert.Equal(t, "other", cursors[0].PeerID)
	assert.Equal(t, "remote", cursors[0].Meta["name"])
	require.NotNil(t, cursors[0].Offset)
	assert.Equal(t, 0, *cursors[0].Offset)

	// An explicit disconnect evicts the peer immediately.
	conn.deliver(t, wire.Message{Type: wire.TypeClientDisconnect, DocID: "doc-1", ClientID: "other"})
	eventually(t, func() bool { return len(s.Cursors()) == 0 }, "remote cursor eviction")
}

func TestSessionOwnEntryExcludedFromCursors(t *testing.T) {
	host := NewMemoryHost(nil)
	s, conn := startSession(t, host)
	conn.deliver(t, wire.Message{Type: wire.TypeWelcome, DocID: "doc-1", ClientID: "me"})
	eventually(t, func() bool { return s.ClientID() == "me" }, "client id adoption")

	var rootID string
	host.View(func(root *doctree.Node) { rootID = root.StableID })
	require.NotEmpty(t, rootID)
	s.UpdateSelection(textpos.Position{StableID: rootID}, textpos.Position{StableID: rootID})

	eventually(t, func() bool {
		_, ok := s.Presence().Get("me")
		return ok
	}, "own presence entry")
	assert.Empty(t, s.Cursors(), "own cursor never renders as a remote peer")
}

func TestSessionIgnoresOtherDocuments(t *testing.T) {
	s, conn := startSession(t, NewMemoryHost(nil))
	conn.nextOfType(t, wire.TypeSnapshotRequest)

	remote, err := replica.Load(s.Snapshot())
	require.NoError(t, err)
	require.NoError(t, remote.Splice(0, 0, "someone else's doc"))
	conn.deliver(t, wire.Message{Type: wire.TypeSnapshot, DocID: "other-doc", Payload: remote.ExportSnapshot()})
	conn.in <- []byte("not even json")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "", s.Text())
}

func TestSessionNotifiesHostOnRemoteMerge(t *testing.T) {
	host := NewMemoryHost(nil)
	var notified atomic.Int32
	defer host.OnUpdate(func(*doctree.Node) { notified.Add(1) })()

	s, conn := startSession(t, host)
	conn.nextOfType(t, wire.TypeSnapshotRequest)

	remote, err := replica.Load(s.Snapshot())
	require.NoError(t, err)
	require.NoError(t, remote.SetActor("remote-peer"))
	require.NoError(t, remote.Splice(0, 0, "hi there"))
	conn.deliver(t, wire.Message{Type: wire.TypeSnapshot, DocID: "doc-1", Payload: remote.ExportSnapshot()})

	eventually(t, func() bool { return flattenHost(host) == "hi there" }, "tree merge")
	assert.Positive(t, notified.Load(), "an in-place merge fires the host's update listeners")
}

func TestSessionSerializesEditsWithRemoteImports(t *testing.T) {
	host := NewMemoryHost(nil)
	s, conn := startSession(t, host)
	conn.nextOfType(t, wire.TypeSnapshotRequest)

	follower, err := replica.Load(s.Snapshot())
	require.NoError(t, err)
	require.NoError(t, follower.SetActor("remote-peer"))

	// Hammer local edit batches from this goroutine while remote updates
	// arrive on the session loop; both funnel through the host's tree lock,
	// and nothing may be lost in either direction.
	localWords := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, w := range localWords {
			word := w
			host.Mutate(func(root *doctree.Node) {
				root.Children = append(root.Children,
					doctree.NewContainer(doctree.TypeParagraph, doctree.NewText(word)))
			})
			time.Sleep(time.Millisecond)
		}
	}()
	for i := 0; i < 4; i++ {
		require.NoError(t, follower.Splice(0, 0, fmt.Sprintf("remote%d ", i)))
		conn.deliver(t, wire.Message{Type: wire.TypeUpdate, DocID: "doc-1", Payload: follower.ExportUpdate()})
		time.Sleep(time.Millisecond)
	}
	<-done

	eventually(t, func() bool { return flattenHost(host) == s.Text() }, "tree and replica to converge")
	text := s.Text()
	for _, w := range localWords {
		assert.Contains(t, text, w)
	}
	for i := 0; i < 4; i++ {
		assert.Contains(t, text, fmt.Sprintf("remote%d", i))
	}
}

func TestSessionBacksOffWhenConnectionsDieImmediately(t *testing.T) {
	var dials atomic.Int32
	s, err := New(Config{
		URL:        "ws://test/docs/doc-1/ws",
		DocID:      "doc-1",
		Host:       NewMemoryHost(nil),
		MaxRetries: 2,
		Dialer: func(ctx context.Context, url string) (Conn, error) {
			dials.Add(1)
			conn := newFakeConn()
			conn.Close() // dead before the first read
			return conn, nil
		},
	})
	require.NoError(t, err)

	start := time.Now()
	err = s.Run(context.Background())
	require.ErrorIs(t, err, ErrConnectivityLost)
	assert.Equal(t, StateLost, s.State())
	assert.Equal(t, int32(2), dials.Load(), "each short-lived connection counts as one attempt")
	assert.GreaterOrEqual(t, time.Since(start), time.Second,
		"re-dialing after an instant death takes a backoff step, not a hot loop")
}

func TestSessionGivesUpAfterRetriesExhausted(t *testing.T) {
	s, err := New(Config{
		URL:        "ws://test/docs/doc-1/ws",
		DocID:      "doc-1",
		Host:       NewMemoryHost(nil),
		MaxRetries: 2,
		Dialer: func(ctx context.Context, url string) (Conn, error) {
			return nil, fmt.Errorf("refused")
		},
	})
	require.NoError(t, err)

	var states []State
	var mu sync.Mutex
	defer s.OnStateChange(func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})()

	err = s.Run(context.Background())
	require.ErrorIs(t, err, ErrConnectivityLost)
	assert.Equal(t, StateLost, s.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateConnecting)
	assert.Contains(t, states, StateLost)
}

func TestSessionConfigValidation(t *testing.T) {
	_, err := New(Config{DocID: "d", Host: NewMemoryHost(nil)})
	assert.Error(t, err)
	_, err = New(Config{URL: "ws://x", Host: NewMemoryHost(nil)})
	assert.Error(t, err)
	_, err = New(Config{URL: "ws://x", DocID: "d"})
	assert.Error(t, err)
}
