// Package session implements the per-connection synchronization state
// machine: handshake, initial catch-up, live forwarding, incoming-merge
// pipeline, and teardown (spec §4.4). A Session owns one Channel and one
// Store subscription; all of its state transitions are serialized through
// a single goroutine, per spec §5's cooperative-event-loop model.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/collabtext/syncengine/channel"
	"github.com/collabtext/syncengine/store"
	"github.com/collabtext/syncengine/wire"
)

// Config wires a Session to its collaborators and hooks. At most one of
// ClientHandshakeData / ServerHandshakeData may be set, and it must match
// IsClient — New returns an error if the other role's builder is set.
// With neither set, the handshake carries no data.
type Config struct {
	Store   store.Store
	Channel channel.Channel
	IsClient bool

	// Tables restricts the session to a subset of the store's tables.
	// Nil means all tables.
	Tables map[string]struct{}

	Verbose bool
	Codec   wire.Codec

	// ValidateRecord may run asynchronously; a false (or error) return
	// drops the record silently (spec §7, "validation rejection").
	ValidateRecord func(ctx context.Context, table string, record store.Record) (bool, error)

	// MapIncomingRecord is a pure transformation (e.g. decryption) applied
	// after validation.
	MapIncomingRecord func(table string, record store.Record) store.Record

	OnConnect           func(remoteNodeID string, remoteData any)
	OnDisconnect        func(remoteNodeID string, code int, reason string)
	OnChangesetReceived func(peerID string, counts map[string]int)
	OnChangesetSent     func(peerID string, counts map[string]int)

	// ClientHandshakeData is used only when IsClient.
	ClientHandshakeData func() any
	// ServerHandshakeData is used only when !IsClient.
	ServerHandshakeData func(remoteNodeID string, remoteData any) any
}

// Session is one bidirectional synchronization conversation over one
// channel (spec GLOSSARY).
type Session struct {
	cfg Config

	mu                sync.Mutex
	remoteNodeID      string
	handshakeReceived bool
	closed            bool

	handshake handshakeFuture

	subMu sync.Mutex
	sub   store.Subscription

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New validates cfg and constructs a Session. Call Start to run it.
func New(cfg Config) (*Session, error) {
	if cfg.Store == nil || cfg.Channel == nil {
		return nil, fmt.Errorf("session: Store and Channel are required")
	}
	if cfg.IsClient && cfg.ServerHandshakeData != nil {
		return nil, fmt.Errorf("session: ServerHandshakeData set on a client session")
	}
	if !cfg.IsClient && cfg.ClientHandshakeData != nil {
		return nil, fmt.Errorf("session: ClientHandshakeData set on a server session")
	}
	return &Session{
		cfg:       cfg,
		handshake: newHandshakeFuture(),
		done:      make(chan struct{}),
	}, nil
}

// RemoteNodeID returns the peer's node id. It is only meaningful after the
// incoming handshake completes (spec §3 invariant); returns "" before then.
func (s *Session) RemoteNodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteNodeID
}

func (s *Session) setRemoteNodeID(id string) {
	s.mu.Lock()
	s.remoteNodeID = id
	s.handshakeReceived = true
	s.mu.Unlock()
}

func (s *Session) wasHandshakeReceived() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakeReceived
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// logf is optional chattier tracing, gated behind Verbose.
func (s *Session) logf(format string, args ...any) {
	if s.cfg.Verbose {
		log.Printf(format, args...)
	}
}

// errorf logs a lifecycle failure — merge failure, catch-up/live-forward
// error, decode failure, application hook exception — unconditionally
// (spec §7), regardless of Verbose.
func (s *Session) errorf(format string, args ...any) {
	log.Printf(format, args...)
}

// safeCall invokes fn, recovering and unconditionally logging any panic
// instead of letting it escape runLoop's goroutine and take down every
// other live Session with it (spec §7, "application hook exception").
func (s *Session) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.errorf("session: %s panicked: %v", name, r)
		}
	}()
	fn()
}

// Start runs the Session to completion: handshake, catch-up, and the live
// loop, blocking until the channel closes or ctx is done. It is meant to
// be invoked in its own goroutine by the caller (a Registry, for the
// server side, or a reconnect.Controller, for the client side).
func (s *Session) Start(ctx context.Context) error {
	remote, err := s.handshakeSequence(ctx)
	if err != nil {
		s.Close(channel.ProtocolErrorCode, err.Error())
		return err
	}

	sub, err := s.cfg.Store.Subscribe() // subscribe before catch-up, spec §4.4.3
	if err != nil {
		s.Close(channel.ProtocolErrorCode, "subscribe failed")
		return fmt.Errorf("session: subscribe: %w", err)
	}
	s.subMu.Lock()
	s.sub = sub
	s.subMu.Unlock()

	if s.cfg.OnConnect != nil {
		onConnect := s.cfg.OnConnect
		s.safeCall("OnConnect", func() { onConnect(remote.NodeID, remote.Data) })
	}

	if err := s.sendCatchUp(ctx, remote.LastModified); err != nil {
		s.errorf("session: catch-up to %s failed: %v", remote.NodeID, err)
	}

	return s.runLoop(ctx, sub)
}

// runLoop is the single serializing event loop: incoming frames are
// merged one at a time (merge N+1 only begins once merge N returns) and
// live change events are forwarded, interleaved but never concurrently,
// matching spec §5.
func (s *Session) runLoop(ctx context.Context, sub store.Subscription) error {
	ch := s.cfg.Channel
	for {
		select {
		case <-ctx.Done():
			s.Close(channel.ProtocolErrorCode, "context canceled")
			return ctx.Err()

		case info, ok := <-ch.Closed():
			if !ok {
				return nil
			}
			s.teardown(info.Code, info.Reason)
			return nil

		case err := <-ch.Errors():
			s.logf("session: transport error (transient): %v", err)

		case frame, ok := <-ch.Incoming():
			if !ok {
				continue
			}
			if err := s.handleIncomingFrame(ctx, frame); err != nil {
				s.errorf("session: %v", err)
				s.Close(channel.ProtocolErrorCode, "malformed frame")
				return err
			}

		case ev, ok := <-sub.Events():
			if !ok {
				continue
			}
			if err := s.forwardLiveEvent(ctx, ev); err != nil {
				s.errorf("session: live forward to %s failed: %v", s.RemoteNodeID(), err)
			}
		}
	}
}

// Close closes the channel and cancels the subscription. Idempotent.
func (s *Session) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		s.subMu.Lock()
		if s.sub != nil {
			s.sub.Close()
		}
		s.subMu.Unlock()

		s.cfg.Channel.Close(code, reason)
		close(s.done)
	})
	return nil
}

// teardown runs once, when the channel itself reports closure (either
// because we called Close or because the peer/transport did).
func (s *Session) teardown(code int, reason string) {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	handshakeDone := s.handshakeReceived
	remote := s.remoteNodeID
	s.mu.Unlock()

	s.subMu.Lock()
	if s.sub != nil {
		s.sub.Close()
	}
	s.subMu.Unlock()

	if alreadyClosed {
		return
	}
	if handshakeDone && s.cfg.OnDisconnect != nil {
		onDisconnect := s.cfg.OnDisconnect
		s.safeCall("OnDisconnect", func() { onDisconnect(remote, code, reason) })
	}
}

// localNodeID allows a nil Store only in tests that don't call it; New
// rejects a nil Store so this is always safe in practice.
func (s *Session) localNodeID() string { return s.cfg.Store.NodeID() }

// roleFilter returns the node-id filter this session uses to decide what
// it is the authoritative source for: clients advertise/send only their
// own rows; servers send everything except what the client itself
// authored.
func (s *Session) roleFilter(remoteNodeID string) store.Filter {
	if s.cfg.IsClient {
		return store.OnlyNode(s.localNodeID())
	}
	return store.ExceptNode(remoteNodeID)
}
