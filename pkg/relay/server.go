// Package relay is the multi-document fan-out hub: it assigns peer ids,
// caches the latest snapshot per document, and broadcasts updates, snapshots
// and presence verbatim between subscribers. Snapshot bytes are opaque to it.
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/coscribe/coscribe/pkg/wire"
)

// Config wires up a relay server. All fields are optional.
type Config struct {
	// Store persists latest snapshots across restarts. Defaults to an
	// in-memory store.
	Store SnapshotStore
	// Seed produces the initial snapshot for a document the relay has never
	// seen. Handing every first subscriber the same seeded snapshot gives
	// all replicas a common lineage, which is what makes offline text edits
	// mergeable rather than conflicting.
	Seed func(docID string) []byte
	// Bridge fans messages out to other relay instances.
	Bridge Bridge
	// BackupInterval is how often dirty snapshots are flushed to the store.
	// Defaults to 5s.
	BackupInterval time.Duration
	Logger         *slog.Logger
}

// Server is the relay. Create with New, mount Handler somewhere, and call Run
// to drive persistence until shutdown.
type Server struct {
	cfg      Config
	log      *slog.Logger
	store    SnapshotStore
	upgrader websocket.Upgrader

	mu   sync.Mutex
	hubs map[string]*hub
	wg   sync.WaitGroup
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.BackupInterval <= 0 {
		cfg.BackupInterval = 5 * time.Second
	}
	return &Server{
		cfg:   cfg,
		log:   cfg.Logger,
		store: cfg.Store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		hubs: make(map[string]*hub),
	}
}

// Handler returns the HTTP surface: a websocket endpoint per document plus a
// plain GET for the latest cached snapshot.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Methods(http.MethodGet).Path("/docs/{doc}/ws").HandlerFunc(s.handleWS)
	r.Methods(http.MethodGet).Path("/docs/{doc}/latest").HandlerFunc(s.handleLatest)
	return r
}

// Run flushes dirty snapshots on a ticker until the context ends, then does a
// final flush and stops every hub.
func (s *Server) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.BackupInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.flushSnapshots(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.flushSnapshots(flushCtx)
			cancel()
			s.mu.Lock()
			for _, h := range s.hubs {
				close(h.done)
			}
			s.hubs = make(map[string]*hub)
			s.mu.Unlock()
			s.wg.Wait()
			return nil
		}
	}
}

func (s *Server) flushSnapshots(ctx context.Context) {
	s.mu.Lock()
	hubs := make([]*hub, 0, len(s.hubs))
	for _, h := range s.hubs {
		hubs = append(hubs, h)
	}
	s.mu.Unlock()

	for _, h := range hubs {
		q := snapshotQuery{reply: make(chan []byte, 1)}
		select {
		case h.query <- q:
		case <-h.done:
			continue
		}
		snap := <-q.reply
		if snap == nil {
			continue
		}
		if err := s.store.Save(ctx, h.docID, snap); err != nil {
			s.log.Error("failed to back up snapshot", "doc", h.docID, "err", err)
		} else {
			s.log.Info("backed up", "doc", h.docID, "bytes", len(snap))
		}
	}
}

// hubFor returns the live hub for a document, creating and seeding it on
// first use.
func (s *Server) hubFor(docID string) *hub {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.hubs[docID]; ok {
		return h
	}

	seed, err := s.store.Load(context.Background(), docID)
	if err != nil {
		s.log.Error("failed to load stored snapshot", "doc", docID, "err", err)
	}
	if seed == nil && s.cfg.Seed != nil {
		seed = s.cfg.Seed(docID)
	}
	h := newHub(docID, seed, s.log)

	if s.cfg.Bridge != nil {
		h.publish = func(raw []byte) {
			if err := s.cfg.Bridge.Publish(context.Background(), docID, raw); err != nil {
				s.log.Error("failed to publish to bridge", "doc", docID, "err", err)
			}
		}
		if _, err := s.cfg.Bridge.Subscribe(context.Background(), docID, func(raw []byte) {
			msg, err := wire.Decode(raw)
			if err != nil {
				return
			}
			select {
			case h.inbound <- frame{msg: msg, raw: raw}:
			case <-h.done:
			}
		}); err != nil {
			s.log.Error("failed to subscribe to bridge", "doc", docID, "err", err)
		}
	}

	s.hubs[docID] = h
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.run()
	}()
	return h
}

func (s *Server) handleWS(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	docID := vars["doc"]

	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.log.Error("failed to upgrade", "doc", docID, "err", err)
		return
	}
	defer conn.Close()

	h := s.hubFor(docID)
	p := &peer{id: uuid.NewString(), send: make(chan []byte, 64)}

	go func() {
		for b := range p.send {
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				_ = conn.Close()
				return
			}
		}
		_ = conn.Close()
	}()

	select {
	case h.subscribe <- p:
	case <-h.done:
		return
	}
	defer func() {
		select {
		case h.unsubscribe <- p:
		case <-h.done:
		}
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		msg, err := wire.Decode(data)
		if err != nil {
			// Drop the one message, keep the connection.
			s.log.Info("dropping malformed message", "doc", docID, "peer", p.id, "err", err)
			continue
		}
		if msg.DocID != docID {
			s.log.Info("dropping message for wrong document", "doc", docID, "got", msg.DocID, "peer", p.id)
			continue
		}
		select {
		case h.inbound <- frame{from: p, msg: msg, raw: data}:
		case <-h.done:
			return
		}
	}
}

func (s *Server) handleLatest(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	h := s.hubFor(vars["doc"])

	snap := h.currentSnapshot()
	if snap == nil {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(snap); err != nil {
		s.log.Error("failed to write out", "doc", vars["doc"], "err", err)
	}
}
