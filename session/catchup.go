package session

import (
	"context"
	"fmt"

	"github.com/collabtext/syncengine/hlc"
	"github.com/collabtext/syncengine/store"
)

// sendCatchUp builds and sends the initial catch-up changeset: everything
// the role filter says this side should provide, modified strictly after
// the peer's advertised high-water mark (spec §4.4.3). The live
// subscription must already be installed by the time this is called —
// Start guarantees that ordering — so nothing committed during the catch-
// up query window is lost.
func (s *Session) sendCatchUp(ctx context.Context, peerLastModified hlc.HLC) error {
	remote := s.RemoteNodeID()
	q := store.NewChangesetQuery(s.roleFilter(remote), s.cfg.Tables, store.WithModifiedAfter(peerLastModified))

	cs, err := s.cfg.Store.GetChangeset(ctx, q)
	if err != nil {
		return fmt.Errorf("catch-up GetChangeset: %w", err)
	}
	cs = store.Elide(cs)
	if len(cs) == 0 {
		return nil
	}

	if s.cfg.OnChangesetSent != nil {
		onSent := s.cfg.OnChangesetSent
		counts := cs.TableCounts()
		s.safeCall("OnChangesetSent", func() { onSent(remote, counts) })
	}
	return s.sendChangeset(cs)
}

func (s *Session) sendChangeset(cs store.Changeset) error {
	b, err := s.cfg.Codec.EncodeChangeset(cs)
	if err != nil {
		return fmt.Errorf("encode changeset: %w", err)
	}
	return s.cfg.Channel.Send(b)
}
