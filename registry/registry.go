// Package registry implements the server-side connection registry (spec
// §4.5): tracking live Sessions, enumerating and disconnecting them by
// peer id, and accepting new connections via an HTTP upgrade endpoint
// built with github.com/gorilla/mux — the same router library the
// teacher's own go.mod lists for the collabtext server.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/collabtext/syncengine/channel/ws"
	"github.com/collabtext/syncengine/session"
	"github.com/collabtext/syncengine/store"
	"github.com/collabtext/syncengine/wire"
)

var defaultCodec = wire.Codec{}

// DefaultPingInterval is the keepalive interval the registry configures
// on accepted connections unless Options overrides it. Spec §4.5 requires
// this to be non-zero for stale-peer eviction to work at all.
const DefaultPingInterval = 20 * time.Second

// Options configures a Server.
type Options struct {
	// PingInterval configures the transport's heartbeat. Negative
	// disables it (spec §4.3 "nullable to disable"); zero means
	// DefaultPingInterval.
	PingInterval time.Duration

	Tables  map[string]struct{}
	Verbose bool

	ValidateRecord      func(ctx context.Context, table string, record store.Record) (bool, error)
	MapIncomingRecord   func(table string, record store.Record) store.Record
	ServerHandshakeData func(remoteNodeID string, remoteData any) any

	OnConnecting        func(r *http.Request) error
	OnUpgradeError      func(err error, r *http.Request)
	OnSessionConnect    func(remoteNodeID string, data any)
	OnSessionDisconnect func(remoteNodeID string, code int, reason string)
	OnChangesetSent     func(peerID string, counts map[string]int)
	OnChangesetReceived func(peerID string, counts map[string]int)
}

func (o Options) pingInterval() time.Duration {
	switch {
	case o.PingInterval < 0:
		return 0
	case o.PingInterval == 0:
		return DefaultPingInterval
	default:
		return o.PingInterval
	}
}

// Server owns a set of live Sessions and an HTTP acceptor for the sync
// wire protocol's upgrade endpoint, plus two admin endpoints: a read-only
// peer listing and a per-peer disconnect.
type Server struct {
	store  store.Store
	opts   Options
	router *mux.Router

	mu       sync.Mutex
	sessions map[string]map[*session.Session]struct{}
	done     map[*session.Session]chan struct{}
	wg       sync.WaitGroup
}

// NewServer builds a Server backed by st, routing /ws for the sync
// protocol and /peers, /peers/{nodeId}/disconnect for operations.
func NewServer(st store.Store, opts Options) *Server {
	s := &Server{
		store:    st,
		opts:     opts,
		sessions: make(map[string]map[*session.Session]struct{}),
		done:     make(map[*session.Session]chan struct{}),
	}
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	r.HandleFunc("/peers/{nodeId}/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	s.router = r
	return s
}

// Router returns the HTTP handler backing this registry, for mounting
// under http.ListenAndServe or a parent mux.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.opts.OnConnecting != nil {
		if err := s.opts.OnConnecting(r); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
	}

	conn, err := ws.Accept(w, r, ws.Options{PingInterval: s.opts.pingInterval()})
	if err != nil {
		if s.opts.OnUpgradeError != nil {
			s.opts.OnUpgradeError(err, r)
		} else {
			log.Printf("registry: upgrade error: %v", err)
		}
		return
	}

	// sess is declared ahead of session.New so the OnConnect/OnDisconnect
	// closures below can register/unregister this exact instance —
	// membership is keyed by *session.Session, not just the peer id,
	// because one node id can have more than one live connection.
	var sess *session.Session
	sess, err = session.New(session.Config{
		Store:               s.store,
		Channel:             conn,
		IsClient:            false,
		Tables:              s.opts.Tables,
		Verbose:             s.opts.Verbose,
		Codec:               defaultCodec,
		ValidateRecord:      s.opts.ValidateRecord,
		MapIncomingRecord:   s.opts.MapIncomingRecord,
		ServerHandshakeData: s.opts.ServerHandshakeData,
		OnChangesetSent:     s.opts.OnChangesetSent,
		OnChangesetReceived: s.opts.OnChangesetReceived,
		OnConnect: func(remoteNodeID string, data any) {
			s.register(remoteNodeID, sess)
			if s.opts.OnSessionConnect != nil {
				s.opts.OnSessionConnect(remoteNodeID, data)
			}
		},
		OnDisconnect: func(remoteNodeID string, code int, reason string) {
			s.unregister(remoteNodeID, sess)
			if s.opts.OnSessionDisconnect != nil {
				s.opts.OnSessionDisconnect(remoteNodeID, code, reason)
			}
		},
	})
	if err != nil {
		log.Printf("registry: session construction failed: %v", err)
		conn.Close(1011, "internal error")
		return
	}

	doneCh := make(chan struct{})
	s.mu.Lock()
	s.done[sess] = doneCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.done, sess)
			s.mu.Unlock()
			close(doneCh)
			s.wg.Done()
		}()
		// r.Context() is canceled as soon as this handler returns, so the
		// session runs on its own context and ends through Close.
		if err := sess.Start(context.Background()); err != nil {
			log.Printf("registry: session ended: %v", err)
		}
	}()
}

func (s *Server) register(nodeID string, sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sessions[nodeID]
	if !ok {
		set = make(map[*session.Session]struct{})
		s.sessions[nodeID] = set
	}
	set[sess] = struct{}{}
}

func (s *Server) unregister(nodeID string, sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sessions[nodeID]
	if !ok {
		return
	}
	delete(set, sess)
	if len(set) == 0 {
		delete(s.sessions, nodeID)
	}
}

// ClientCount returns the current number of live sessions.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, set := range s.sessions {
		n += len(set)
	}
	return n
}

// Peers returns the node ids of every currently connected peer.
func (s *Server) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// Disconnect closes every session belonging to nodeID and waits for them
// to terminate.
func (s *Server) Disconnect(nodeID string, code int, reason string) {
	s.mu.Lock()
	set := s.sessions[nodeID]
	sessions := make([]*session.Session, 0, len(set))
	dones := make([]chan struct{}, 0, len(set))
	for sess := range set {
		sessions = append(sessions, sess)
		if d, ok := s.done[sess]; ok {
			dones = append(dones, d)
		}
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close(code, reason)
	}
	for _, d := range dones {
		<-d
	}
}

// DisconnectAll closes every live session and waits for them to
// terminate.
func (s *Server) DisconnectAll(code int, reason string) {
	s.mu.Lock()
	var all []*session.Session
	for _, set := range s.sessions {
		for sess := range set {
			all = append(all, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range all {
		sess.Close(code, reason)
	}
	s.wg.Wait()
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Peers())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["nodeId"]
	s.Disconnect(nodeID, 1000, "admin disconnect")
	fmt.Fprintf(w, "disconnected %s\n", nodeID)
}
