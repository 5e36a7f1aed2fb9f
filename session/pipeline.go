package session

import (
	"context"
	"fmt"

	"github.com/collabtext/syncengine/store"
)

// handleIncomingFrame decodes a post-handshake frame and runs it through
// the incoming-merge pipeline (spec §4.4.5): rewrite, validate, map,
// report, merge. A decode error is the only case that closes the
// session — everything downstream of a successful decode is policy
// (validation) or a logged, non-fatal failure (merge).
func (s *Session) handleIncomingFrame(ctx context.Context, frame []byte) error {
	cs, err := s.cfg.Codec.DecodeChangeset(frame)
	if err != nil {
		return fmt.Errorf("decode changeset: %w", err)
	}

	localNodeID := s.localNodeID()
	for table, records := range cs {
		rewritten := make(store.TableChangeset, 0, len(records))
		for _, rec := range records {
			rec = rec.Clone()
			rec.SetModified(rec.Modified().Apply(localNodeID))
			rewritten = append(rewritten, rec)
		}
		cs[table] = rewritten
	}

	if s.cfg.ValidateRecord != nil {
		cs, err = s.applyValidation(ctx, cs)
		if err != nil {
			return fmt.Errorf("validate: %w", err)
		}
	}

	if s.cfg.MapIncomingRecord != nil {
		for table, records := range cs {
			mapped := make(store.TableChangeset, 0, len(records))
			for _, rec := range records {
				mr, ok := s.safeMapIncomingRecord(table, rec)
				if !ok {
					continue
				}
				mapped = append(mapped, mr)
			}
			cs[table] = mapped
		}
	}

	cs = store.Elide(cs)
	if len(cs) == 0 {
		return nil
	}

	if s.cfg.OnChangesetReceived != nil {
		onReceived := s.cfg.OnChangesetReceived
		counts := cs.TableCounts()
		remote := s.RemoteNodeID()
		s.safeCall("OnChangesetReceived", func() { onReceived(remote, counts) })
	}

	if err := s.cfg.Store.Merge(ctx, cs); err != nil {
		// Merge failures are logged, not fatal: the peer will replay on
		// reconnect via its advertised high-water mark (spec §7).
		s.errorf("session: merge from %s failed: %v", s.RemoteNodeID(), err)
	}
	return nil
}

// safeMapIncomingRecord invokes MapIncomingRecord, recovering a panic the
// same way safeValidate does: logged unconditionally, the record dropped
// rather than merged in a possibly half-transformed state.
func (s *Session) safeMapIncomingRecord(table string, rec store.Record) (out store.Record, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.errorf("session: MapIncomingRecord(%s) panicked: %v", table, r)
			out, ok = nil, false
		}
	}()
	return s.cfg.MapIncomingRecord(table, rec), true
}

// applyValidation drops records for which ValidateRecord returns false or
// errors, and drops tables that become empty as a result (spec §4.4.5,
// §7 "validation rejection"). A hook panic is recovered and treated as a
// rejection, per §7's "application hook exception: log; do not kill the
// session".
func (s *Session) applyValidation(ctx context.Context, cs store.Changeset) (store.Changeset, error) {
	out := make(store.Changeset, len(cs))
	for table, records := range cs {
		var kept store.TableChangeset
		for _, rec := range records {
			ok, err := s.safeValidate(ctx, table, rec)
			if err != nil {
				s.errorf("session: validateRecord(%s) error: %v", table, err)
				continue
			}
			if ok {
				kept = append(kept, rec)
			}
		}
		if len(kept) > 0 {
			out[table] = kept
		}
	}
	return out, nil
}

func (s *Session) safeValidate(ctx context.Context, table string, rec store.Record) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("validateRecord panicked: %v", r)
		}
	}()
	return s.cfg.ValidateRecord(ctx, table, rec)
}
