package session

import (
	"context"
	"fmt"

	"github.com/collabtext/syncengine/store"
)

// forwardLiveEvent builds and sends the changeset for one onTablesChanged
// event, restricted to this session's role filter and allowed-tables
// subset (spec §4.4.4).
func (s *Session) forwardLiveEvent(ctx context.Context, ev store.ChangeEvent) error {
	tables := ev.Tables
	if s.cfg.Tables != nil {
		tables = intersect(ev.Tables, s.cfg.Tables)
		if len(tables) == 0 {
			return nil
		}
	}

	remote := s.RemoteNodeID()
	q := store.NewChangesetQuery(s.roleFilter(remote), tables, store.WithModifiedOn(ev.HLC))

	cs, err := s.cfg.Store.GetChangeset(ctx, q)
	if err != nil {
		return fmt.Errorf("live GetChangeset: %w", err)
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

func intersect(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for t := range a {
		if _, ok := b[t]; ok {
			out[t] = struct{}{}
		}
	}
	return out
}
