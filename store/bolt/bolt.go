// Package bolt implements store.Store on top of go.etcd.io/bbolt, for a
// single-process client that needs to persist its own rows across
// restarts without running a database server. It is the client-side
// analogue of store/postgres: every logical table is one bucket, and
// Record is stored as JSON-encoded bytes keyed by the record's primary
// key column.
//
// bbolt has no secondary index, so LastModified and GetChangeset fall
// back to a full bucket scan — acceptable at client scale (spec §9 open
// question: this is the documented "scan, don't fail" resolution).
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/collabtext/syncengine/hlc"
	"github.com/collabtext/syncengine/store"
)

// Config wires a Store to an open bbolt database and the primary-key
// column per table, used to derive each record's bucket key.
type Config struct {
	DB         *bolt.DB
	NodeID     string
	PrimaryKey map[string]string // table -> primary key column name
}

// Store is a store.Store backed by a local bbolt file.
type Store struct {
	db         *bolt.DB
	nodeID     string
	primaryKey map[string]string

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// Open creates any missing buckets (one per table in cfg.PrimaryKey) and
// returns a ready Store.
func Open(cfg Config) (*Store, error) {
	if cfg.DB == nil || cfg.NodeID == "" {
		return nil, fmt.Errorf("bolt: DB and NodeID are required")
	}
	err := cfg.DB.Update(func(tx *bolt.Tx) error {
		for table := range cfg.PrimaryKey {
			if _, err := tx.CreateBucketIfNotExists([]byte(table)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: create buckets: %w", err)
	}
	return &Store{
		db:         cfg.DB,
		nodeID:     cfg.NodeID,
		primaryKey: cfg.PrimaryKey,
		subs:       make(map[*subscription]struct{}),
	}, nil
}

func (s *Store) NodeID() string { return s.nodeID }

func (s *Store) AllTables() map[string]struct{} {
	out := make(map[string]struct{}, len(s.primaryKey))
	for t := range s.primaryKey {
		out[t] = struct{}{}
	}
	return out
}

func matchesFilter(rec store.Record, f store.Filter) bool {
	switch {
	case f.OnlyNodeID != "":
		return rec.NodeID() == f.OnlyNodeID
	case f.ExceptNodeID != "":
		return rec.NodeID() != f.ExceptNodeID
	default:
		return true
	}
}

func (s *Store) LastModified(ctx context.Context, filter store.Filter) (hlc.HLC, error) {
	best := hlc.Zero(s.nodeID)
	err := s.db.View(func(tx *bolt.Tx) error {
		for table := range s.primaryKey {
			b := tx.Bucket([]byte(table))
			if b == nil {
				continue
			}
			err := b.ForEach(func(_, v []byte) error {
				var rec store.Record
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("bolt: decode record in %s: %w", table, err)
				}
				if matchesFilter(rec, filter) {
					best = hlc.Max(best, rec.Modified())
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return best, err
}

// CanonicalTime reports the greatest modified timestamp across every
// table, the same full scan LastModified performs with an empty filter.
func (s *Store) CanonicalTime(ctx context.Context) (hlc.HLC, error) {
	return s.LastModified(ctx, store.Filter{})
}

func (s *Store) GetChangeset(ctx context.Context, q store.ChangesetQuery) (store.Changeset, error) {
	tables := q.Tables
	if tables == nil {
		tables = s.AllTables()
	}

	out := make(store.Changeset, len(tables))
	err := s.db.View(func(tx *bolt.Tx) error {
		for table := range tables {
			b := tx.Bucket([]byte(table))
			if b == nil {
				continue
			}
			var records store.TableChangeset
			err := b.ForEach(func(_, v []byte) error {
				var rec store.Record
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("bolt: decode record in %s: %w", table, err)
				}
				if !matchesFilter(rec, q.Filter) {
					return nil
				}
				if !matchesTimeBound(rec, q) {
					return nil
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
			if len(records) > 0 {
				out[table] = records
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	store.SortChangeset(out)
	return out, nil
}

func matchesTimeBound(rec store.Record, q store.ChangesetQuery) bool {
	switch {
	case q.ModifiedOnSet():
		return rec.Modified().Compare(q.ModifiedOn) == 0
	case q.ModifiedAfterSet():
		return rec.Modified().After(q.ModifiedAfter)
	default:
		return true
	}
}

// Merge upserts every record in cs, last-write-wins by modified, inside
// one bbolt transaction, firing each touched table's subscribers once the
// transaction commits.
func (s *Store) Merge(ctx context.Context, cs store.Changeset) error {
	touched := make(map[string]struct{})
	var maxHLC hlc.HLC

	err := s.db.Update(func(tx *bolt.Tx) error {
		for table, records := range cs {
			pk, ok := s.primaryKey[table]
			if !ok {
				return fmt.Errorf("bolt: unknown table %q", table)
			}
			b := tx.Bucket([]byte(table))
			if b == nil {
				return fmt.Errorf("bolt: missing bucket %q", table)
			}
			for _, rec := range records {
				key, ok := rec[pk].(string)
				if !ok || key == "" {
					return fmt.Errorf("bolt: record in %s missing primary key %q", table, pk)
				}
				changed, err := upsertRecord(b, []byte(key), rec)
				if err != nil {
					return fmt.Errorf("bolt: merge(%s): %w", table, err)
				}
				if changed {
					touched[table] = struct{}{}
					maxHLC = hlc.Max(maxHLC, rec.Modified())
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(touched) > 0 {
		s.broadcast(store.ChangeEvent{HLC: maxHLC, Tables: touched})
	}
	return nil
}

// upsertRecord applies last-write-wins: the stored record is only
// replaced if the incoming modified HLC is strictly newer than what's
// already there, matching the idempotent-merge invariant every Store
// implementation shares.
func upsertRecord(b *bolt.Bucket, key []byte, rec store.Record) (bool, error) {
	existing := b.Get(key)
	if existing != nil {
		var old store.Record
		if err := json.Unmarshal(existing, &old); err != nil {
			return false, err
		}
		if !rec.Modified().After(old.Modified()) {
			return false, nil
		}
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	if err := b.Put(key, encoded); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) broadcast(ev store.ChangeEvent) {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.events <- ev:
		default:
		}
	}
}

func (s *Store) Subscribe() (store.Subscription, error) {
	sub := &subscription{events: make(chan store.ChangeEvent, 64), store: s}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub, nil
}

type subscription struct {
	events chan store.ChangeEvent
	store  *Store
	once   sync.Once
}

func (s *subscription) Events() <-chan store.ChangeEvent { return s.events }

func (s *subscription) Close() {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s)
		s.store.mu.Unlock()
	})
}

var _ store.Store = (*Store)(nil)
