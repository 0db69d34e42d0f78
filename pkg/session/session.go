// Package session drives one synchronized document over one connection: it
// owns the CRDT replica, turns local tree edits into minimal text operations,
// reconciles remote state back into the tree, and exchanges presence. All
// replica and tree work for a document happens on the session's single event
// loop; different documents run fully in parallel.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/coscribe/coscribe/pkg/doctree"
	"github.com/coscribe/coscribe/pkg/presence"
	"github.com/coscribe/coscribe/pkg/replica"
	"github.com/coscribe/coscribe/pkg/textpos"
	"github.com/coscribe/coscribe/pkg/wire"
)

// State is the session connectivity state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	// StateLost means all reconnect attempts are used up. It is surfaced to
	// the consumer rather than retried silently forever.
	StateLost State = "connectivity-lost"
)

// ErrConnectivityLost is returned by Run when reconnecting is abandoned.
var ErrConnectivityLost = errors.New("connectivity lost")

// RemoteCursor is what the rendering layer gets per visible remote peer.
// Offset is nil when the peer's cursor reference could not be decoded.
type RemoteCursor struct {
	PeerID string
	Offset *int
	Meta   map[string]string
}

// Config wires up a session. URL, DocID and Host are required.
type Config struct {
	URL   string
	DocID string
	Host  TreeHost
	// Meta is opaque user data (name, color) broadcast with presence.
	Meta map[string]string

	// Debounce is the window local edits are batched into before an update
	// is exported. Defaults to 40ms.
	Debounce time.Duration
	// SnapshotProbability is the chance a flush opportunistically sends a
	// full snapshot instead of an update, bounding replay cost for peers.
	// Defaults to 0.1.
	SnapshotProbability float64
	// PresenceTTL overrides the presence expiry window.
	PresenceTTL time.Duration
	// MaxRetries is the number of consecutive failed connection attempts
	// before the session gives up. Defaults to 5.
	MaxRetries int

	Dialer Dialer
	Logger *slog.Logger
	// Rand makes the snapshot lottery deterministic in tests.
	Rand *rand.Rand
}

// Session is the per-connection, per-document synchronization state machine.
type Session struct {
	cfg      Config
	log      *slog.Logger
	ids      *doctree.IdentityMap
	merger   *doctree.Merger
	presence *presence.Store
	rand     *rand.Rand

	mu        sync.Mutex
	replica   *replica.Replica
	clientID  string
	prevText  string
	selAnchor textpos.Position
	selFocus  textpos.Position
	haveSel   bool
	state     State
	stateSubs map[int]func(State)
	nextSub   int

	localCh chan struct{}
	selCh   chan struct{}
}

func New(cfg Config) (*Session, error) {
	if cfg.URL == "" || cfg.DocID == "" || cfg.Host == nil {
		return nil, fmt.Errorf("session requires a url, a document id and a tree host")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 40 * time.Millisecond
	}
	if cfg.SnapshotProbability <= 0 {
		cfg.SnapshotProbability = 0.1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	rep, err := replica.New()
	if err != nil {
		return nil, err
	}
	var storeOpts []presence.Option
	if cfg.PresenceTTL > 0 {
		storeOpts = append(storeOpts, presence.WithTTL(cfg.PresenceTTL))
	}
	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s := &Session{
		cfg:       cfg,
		log:       cfg.Logger,
		ids:       doctree.NewIdentityMap(),
		merger:    doctree.NewMerger(),
		presence:  presence.NewStore(storeOpts...),
		rand:      rnd,
		replica:   rep,
		state:     StateDisconnected,
		stateSubs: make(map[int]func(State)),
		localCh:   make(chan struct{}, 1),
		selCh:     make(chan struct{}, 1),
	}
	s.cfg.Host.View(func(root *doctree.Node) {
		s.ids.AssignAllMissing(root)
	})
	return s, nil
}

// minStableConn is how long a connection must survive before the retry
// counter resets. A connection that dies sooner counts as a failed attempt,
// otherwise an accept-then-close server turns reconnection into a hot loop.
const minStableConn = 10 * time.Second

// Run connects and keeps the session alive until the context is cancelled or
// the reconnect attempts are exhausted. Reconnection backs off exponentially
// from 1s doubling to a 10s cap.
func (s *Session) Run(ctx context.Context) error {
	unsubscribe := s.cfg.Host.OnUpdate(s.noteTreeUpdate)
	defer unsubscribe()

	// Content present before the first connect counts as a pending local
	// edit batch.
	s.noteTreeUpdate(nil)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	failures := 0

	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return ctx.Err()
		}
		s.setState(StateConnecting)
		conn, err := s.cfg.Dialer(ctx, s.cfg.URL)
		if err != nil {
			failures++
			s.log.Info("connection attempt failed", "doc", s.cfg.DocID, "attempt", failures, "err", err)
			if failures >= s.cfg.MaxRetries {
				s.setState(StateLost)
				return fmt.Errorf("%w after %d attempts: %v", ErrConnectivityLost, failures, err)
			}
			s.setState(StateDisconnected)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		started := time.Now()
		err = s.serve(ctx, conn)
		_ = conn.Close()
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Info("connection closed, reconnecting", "doc", s.cfg.DocID, "err", err)
		if time.Since(started) < minStableConn {
			failures++
			if failures >= s.cfg.MaxRetries {
				s.setState(StateLost)
				return fmt.Errorf("%w after %d attempts: %v", ErrConnectivityLost, failures, err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		failures = 0
		bo.Reset()
	}
}

// serve pumps one live connection until it fails or the context ends.
func (s *Session) serve(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan wire.Message, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
				continue
			}
			msg, err := wire.Decode(data)
			if err != nil {
				// A malformed message is dropped; the connection stays open.
				s.log.Info("dropping malformed message", "doc", s.cfg.DocID, "err", err)
				continue
			}
			if msg.DocID != s.cfg.DocID {
				continue
			}
			select {
			case inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	s.setState(StateOpen)
	s.send(conn, wire.Message{Type: wire.TypeSnapshotRequest, DocID: s.cfg.DocID, ClientID: s.ClientID()})
	s.broadcastPresence(conn)

	debounce := time.NewTimer(time.Hour)
	stopDrain(debounce)
	defer debounce.Stop()
	flushArmed := false

	sweep := time.NewTicker(30 * time.Second)
	defer sweep.Stop()

	// The first presence batch on a fresh connection is a bulk import.
	firstPresence := true

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case msg := <-inbound:
			if s.handleMessage(conn, msg, &firstPresence) {
				// The import drained local edits into the replica; they still
				// need a flush.
				if flushArmed {
					stopDrain(debounce)
				}
				debounce.Reset(s.cfg.Debounce)
				flushArmed = true
			}
		case <-s.localCh:
			if s.applyLocalUpdate() {
				// Replace, never stack, the pending flush timer.
				if flushArmed {
					stopDrain(debounce)
				}
				debounce.Reset(s.cfg.Debounce)
				flushArmed = true
				s.refreshLocalPresence()
				s.broadcastPresence(conn)
			}
		case <-s.selCh:
			s.refreshLocalPresence()
			s.broadcastPresence(conn)
		case <-debounce.C:
			flushArmed = false
			s.flush(conn)
		case <-sweep.C:
			s.presence.Sweep()
		}
	}
}

// handleMessage dispatches one inbound message. Returns true when handling it
// pushed pending local edits into the replica, meaning a flush is due.
func (s *Session) handleMessage(conn Conn, msg wire.Message, firstPresence *bool) bool {
	switch msg.Type {
	case wire.TypeWelcome:
		s.mu.Lock()
		s.clientID = msg.ClientID
		if err := s.replica.SetActor(msg.ClientID); err != nil {
			s.log.Error("failed to adopt actor id", "doc", s.cfg.DocID, "err", err)
		}
		s.mu.Unlock()
		s.refreshLocalPresence()
		s.broadcastPresence(conn)

	case wire.TypeSnapshot:
		return s.importAndMerge(msg.Payload, true)

	case wire.TypeUpdate:
		return s.importAndMerge(msg.Payload, false)

	case wire.TypeSnapshotRequest:
		// The relay fans requests out so any live peer can supply state.
		s.mu.Lock()
		snap := s.replica.ExportSnapshot()
		s.mu.Unlock()
		s.send(conn, wire.Message{Type: wire.TypeSnapshot, DocID: s.cfg.DocID, ClientID: s.ClientID(), Payload: snap})

	case wire.TypePresenceUpdate:
		origin := presence.OriginRemoteMerge
		if *firstPresence {
			origin = presence.OriginRemoteImport
		}
		*firstPresence = false
		if err := s.presence.Apply(msg.Payload, origin); err != nil {
			s.log.Info("dropping presence batch", "doc", s.cfg.DocID, "err", err)
		}

	case wire.TypeClientDisconnect:
		if msg.ClientID != "" {
			s.presence.Delete(msg.ClientID)
		}
	}
	return false
}

// importAndMerge brings remote bytes into the replica and reconciles the tree
// when the text changed (always, for snapshots). The whole exchange runs
// inside Host.Mutate: it holds the same lock as local edit batches, so no
// edit can slip in between the import and the merge, and the host's update
// listeners fire like they do for any other mutation. The session's own
// listener sees that notification too; it is harmless, because prevText is
// advanced before the listeners fire, so the resulting diff is empty.
//
// Any not-yet-synced local edits are spliced into the replica first,
// otherwise rebuilding the tree from the merged text would drop them.
// Returns true when that drain changed the replica, so the caller schedules
// a flush for it.
func (s *Session) importAndMerge(payload []byte, isSnapshot bool) bool {
	drained := false
	var fresh *doctree.Node
	var text string
	var mergeErr error
	s.cfg.Host.Mutate(func(root *doctree.Node) {
		s.mu.Lock()
		s.ids.AssignAllMissing(root)
		flat := textpos.Flatten(root)
		if sp, ok := diffText(s.prevText, flat); ok {
			if err := s.replica.Splice(sp.at, sp.del, sp.insert); err != nil {
				s.log.Error("failed to apply local edit", "doc", s.cfg.DocID, "err", err)
			} else {
				s.prevText = flat
				drained = true
			}
		}

		changed, err := s.replica.Import(payload)
		if err != nil {
			s.mu.Unlock()
			s.log.Error("failed to import remote state, dropping", "doc", s.cfg.DocID, "err", err)
			return
		}
		if !isSnapshot && !changed {
			s.mu.Unlock()
			return
		}
		text = s.replica.Text()
		s.mu.Unlock()

		incoming := doctree.FromText(text)
		var merged bool
		merged, mergeErr = s.merger.Merge(root, incoming)
		if mergeErr != nil {
			if errors.Is(mergeErr, doctree.ErrUnsupportedNode) {
				// The replacement is swapped in outside this callback since
				// Replace takes the tree lock itself.
				fresh, mergeErr = s.merger.Build(incoming)
			}
			return
		}
		if merged {
			s.ids.AssignAllMissing(root)
		}
		s.mu.Lock()
		s.prevText = text
		s.mu.Unlock()
	})
	if mergeErr != nil {
		s.log.Error("failed to merge remote tree", "doc", s.cfg.DocID, "err", mergeErr)
		return drained
	}
	if fresh != nil {
		s.ids.AssignAllMissing(fresh)
		s.mu.Lock()
		s.prevText = text
		s.mu.Unlock()
		s.cfg.Host.Replace(fresh)
	}
	return drained
}

// applyLocalUpdate flattens the live tree under the host lock and turns the
// difference against the last known text into a minimal splice on the
// replica. Returns true when the replica changed.
func (s *Session) applyLocalUpdate() bool {
	var flat string
	s.cfg.Host.View(func(root *doctree.Node) {
		s.ids.AssignAllMissing(root)
		flat = textpos.Flatten(root)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := diffText(s.prevText, flat)
	if !ok {
		return false
	}
	if err := s.replica.Splice(sp.at, sp.del, sp.insert); err != nil {
		s.log.Error("failed to apply local edit", "doc", s.cfg.DocID, "err", err)
		return false
	}
	s.prevText = flat
	return true
}

// flush exports pending changes. Roughly one flush in ten ships a full
// snapshot so late joiners never replay an unbounded update log.
func (s *Session) flush(conn Conn) {
	s.mu.Lock()
	var msg wire.Message
	if s.rand.Float64() < s.cfg.SnapshotProbability {
		msg = wire.Message{Type: wire.TypeSnapshot, DocID: s.cfg.DocID, ClientID: s.clientID, Payload: s.replica.ExportSnapshot()}
	} else {
		b := s.replica.ExportUpdate()
		if len(b) == 0 {
			s.mu.Unlock()
			return
		}
		msg = wire.Message{Type: wire.TypeUpdate, DocID: s.cfg.DocID, ClientID: s.clientID, Payload: b}
	}
	s.mu.Unlock()
	s.send(conn, msg)
}

// send writes one message. In-flight send failures are logged, never retried:
// the next reconnect resends current state anyway.
func (s *Session) send(conn Conn, msg wire.Message) {
	b, err := msg.Encode()
	if err != nil {
		s.log.Error("failed to encode message", "doc", s.cfg.DocID, "type", msg.Type, "err", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		s.log.Info("send failed", "doc", s.cfg.DocID, "type", msg.Type, "err", err)
	}
}

func (s *Session) broadcastPresence(conn Conn) {
	b, err := s.presence.Encode()
	if err != nil {
		s.log.Error("failed to encode presence", "doc", s.cfg.DocID, "err", err)
		return
	}
	s.send(conn, wire.Message{Type: wire.TypePresenceUpdate, DocID: s.cfg.DocID, ClientID: s.ClientID(), Payload: b})
}

// refreshLocalPresence re-derives our anchor/focus cursor references from the
// current selection and tree. An unresolvable stable id clamps to the
// document end; that is a logged fallback, not an error.
func (s *Session) refreshLocalPresence() {
	s.mu.Lock()
	if !s.haveSel || s.clientID == "" {
		s.mu.Unlock()
		return
	}
	anchor, focus, id := s.selAnchor, s.selFocus, s.clientID
	s.mu.Unlock()

	var aOff, fOff int
	var aOk, fOk bool
	s.cfg.Host.View(func(root *doctree.Node) {
		aOff, aOk = textpos.ToTextOffset(root, anchor.StableID, anchor.Offset)
		fOff, fOk = textpos.ToTextOffset(root, focus.StableID, focus.Offset)
	})

	s.mu.Lock()
	if !aOk {
		aOff = s.fallbackOffsetLocked(anchor.StableID)
	}
	if !fOk {
		fOff = s.fallbackOffsetLocked(focus.StableID)
	}
	entry := presence.Entry{
		Anchor: s.replica.CursorAt(aOff).Encode(),
		Focus:  s.replica.CursorAt(fOff).Encode(),
		Meta:   s.cfg.Meta,
	}
	s.mu.Unlock()
	s.presence.Set(id, entry)
}

// fallbackOffsetLocked is called with s.mu held.
func (s *Session) fallbackOffsetLocked(id string) int {
	s.log.Info("stable id unresolved, falling back to document end", "doc", s.cfg.DocID, "id", id)
	return s.replica.Len()
}

// noteTreeUpdate nudges the loop. The notified tree is not retained: the live
// tree is re-read under the host lock when the edit batch is applied, and
// bursts coalesce into one pending signal.
func (s *Session) noteTreeUpdate(*doctree.Node) {
	select {
	case s.localCh <- struct{}{}:
	default:
	}
}

// UpdateSelection feeds the local selection in as stable tree positions; the
// session translates and broadcasts them as presence.
func (s *Session) UpdateSelection(anchor, focus textpos.Position) {
	s.mu.Lock()
	s.selAnchor, s.selFocus, s.haveSel = anchor, focus, true
	s.mu.Unlock()
	select {
	case s.selCh <- struct{}{}:
	default:
	}
}

// Cursors resolves the live remote peers for the rendering layer. The set is
// always recomputed from the full presence store; removal hints in individual
// events are deliberately not trusted (a briefly stale cursor beats a falsely
// removed one).
func (s *Session) Cursors() []RemoteCursor {
	all := s.presence.GetAll()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RemoteCursor, 0, len(all))
	for id, e := range all {
		if id == s.clientID {
			continue
		}
		rc := RemoteCursor{PeerID: id, Meta: e.Meta}
		if c, err := replica.DecodeCursor(e.Focus); err == nil {
			off := s.replica.Resolve(c)
			rc.Offset = &off
		}
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Presence exposes the store so renderers can subscribe to change events.
func (s *Session) Presence() *presence.Store {
	return s.presence
}

// Text returns the replica's current text.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replica.Text()
}

// Snapshot exports the replica's full state, e.g. for a shutdown dump.
func (s *Session) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replica.ExportSnapshot()
}

func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers a connectivity listener and returns its unsubscribe
// function.
func (s *Session) OnStateChange(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.stateSubs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.stateSubs, id)
		s.mu.Unlock()
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	subs := make([]func(State), 0, len(s.stateSubs))
	for _, fn := range s.stateSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}

func stopDrain(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
