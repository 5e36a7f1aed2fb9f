package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/collabtext/syncengine/store"
	"github.com/collabtext/syncengine/wire"
)

// handshakeFuture is a one-shot completion primitive: the second
// completion attempt is a programming error (spec §9), so it panics
// rather than silently overwriting the first value.
type handshakeFuture struct {
	ch   chan wire.Handshake
	once sync.Once
}

func newHandshakeFuture() handshakeFuture {
	return handshakeFuture{ch: make(chan wire.Handshake, 1)}
}

func (f *handshakeFuture) complete(h wire.Handshake) {
	completed := false
	f.once.Do(func() {
		completed = true
		f.ch <- h
	})
	if !completed {
		panic("session: handshake completed twice")
	}
}

// handshakeSequence runs the role-specific handshake exchange (spec
// §4.4.2) and returns the peer's handshake frame.
func (s *Session) handshakeSequence(ctx context.Context) (wire.Handshake, error) {
	if s.cfg.IsClient {
		return s.clientHandshake(ctx)
	}
	return s.serverHandshake(ctx)
}

func (s *Session) clientHandshake(ctx context.Context) (wire.Handshake, error) {
	// The peer already has everything authored locally, so the client
	// advertises the high-water mark of everything NOT authored locally —
	// exactly what it expects the server to send back.
	lm, err := s.cfg.Store.LastModified(ctx, store.ExceptNode(s.localNodeID()))
	if err != nil {
		return wire.Handshake{}, fmt.Errorf("client handshake: LastModified: %w", err)
	}

	var data any
	if s.cfg.ClientHandshakeData != nil {
		data = s.cfg.ClientHandshakeData()
	}

	out := wire.Handshake{NodeID: s.localNodeID(), LastModified: lm, Data: data}
	if err := s.sendHandshake(out); err != nil {
		return wire.Handshake{}, err
	}

	return s.awaitIncomingHandshake(ctx)
}

func (s *Session) serverHandshake(ctx context.Context) (wire.Handshake, error) {
	remote, err := s.awaitIncomingHandshake(ctx)
	if err != nil {
		return wire.Handshake{}, err
	}

	// The server is the aggregator for everything the client didn't
	// author itself, so it advertises the highest timestamp it holds that
	// DID originate at that specific client.
	lm, err := s.cfg.Store.LastModified(ctx, store.OnlyNode(remote.NodeID))
	if err != nil {
		return wire.Handshake{}, fmt.Errorf("server handshake: LastModified: %w", err)
	}

	var data any
	if s.cfg.ServerHandshakeData != nil {
		data = s.cfg.ServerHandshakeData(remote.NodeID, remote.Data)
	}

	out := wire.Handshake{NodeID: s.localNodeID(), LastModified: lm, Data: data}
	if err := s.sendHandshake(out); err != nil {
		return wire.Handshake{}, err
	}
	return remote, nil
}

func (s *Session) sendHandshake(h wire.Handshake) error {
	b, err := s.cfg.Codec.EncodeHandshake(h)
	if err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}
	return s.cfg.Channel.Send(b)
}

// awaitIncomingHandshake blocks on the channel's first frame, treating it
// as the handshake regardless of role, per spec §4.1 ("first message =
// handshake"). It also watches for an early close/error so a session that
// never gets its handshake doesn't hang forever inside Start.
func (s *Session) awaitIncomingHandshake(ctx context.Context) (wire.Handshake, error) {
	ch := s.cfg.Channel
	select {
	case <-ctx.Done():
		return wire.Handshake{}, ctx.Err()

	case info := <-ch.Closed():
		return wire.Handshake{}, fmt.Errorf("channel closed before handshake (code=%d reason=%s)", info.Code, info.Reason)

	case frame, ok := <-ch.Incoming():
		if !ok {
			return wire.Handshake{}, fmt.Errorf("incoming stream ended before handshake")
		}
		h, err := s.cfg.Codec.DecodeHandshake(frame)
		if err != nil {
			return wire.Handshake{}, fmt.Errorf("decode handshake: %w", err)
		}
		s.setRemoteNodeID(h.NodeID)
		s.handshake.complete(h)
		return h, nil
	}
}
