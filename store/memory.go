package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/collabtext/syncengine/hlc"
)

// Memory is an in-process reference Store, used by the engine's own tests
// (so protocol tests never need a real database) and as a starting point
// for experimenting without wiring Postgres or bbolt. Safe for concurrent
// use; Merge is serialized with a mutex.
type Memory struct {
	mu       sync.Mutex
	nodeID   string
	tables   map[string]map[string]Record // table -> record id -> Record
	clock    hlc.HLC
	subs     map[*memSub]struct{}
	subSeq   uint64
}

// NewMemory returns an empty Memory store owned by nodeID.
func NewMemory(nodeID string) *Memory {
	return &Memory{
		nodeID: nodeID,
		tables: make(map[string]map[string]Record),
		clock:  hlc.Zero(nodeID),
		subs:   make(map[*memSub]struct{}),
	}
}

func (m *Memory) NodeID() string { return m.nodeID }

func (m *Memory) AllTables() map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{}, len(m.tables))
	for t := range m.tables {
		out[t] = struct{}{}
	}
	return out
}

func (m *Memory) CanonicalTime(ctx context.Context) (hlc.HLC, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock, nil
}

// LocalWrite simulates an application write against this store: it assigns
// a fresh HLC authored by this node, upserts the record, and fires a
// ChangeEvent. Tests use this to stand in for "the CRDT store committed a
// row".
func (m *Memory) LocalWrite(ctx context.Context, table string, record Record) (hlc.HLC, error) {
	m.mu.Lock()
	next := m.tick()
	record = record.Clone()
	record.SetNodeID(m.nodeID)
	record.SetModified(next)
	m.upsertLocked(table, record)
	m.mu.Unlock()

	m.publish(ChangeEvent{HLC: next, Tables: map[string]struct{}{table: {}}})
	return next, nil
}

func (m *Memory) tick() hlc.HLC {
	m.clock = hlc.HLC{Millis: m.clock.Millis + 1, NodeID: m.nodeID}
	return m.clock
}

func (m *Memory) upsertLocked(table string, record Record) {
	bucket, ok := m.tables[table]
	if !ok {
		bucket = make(map[string]Record)
		m.tables[table] = bucket
	}
	id := recordID(record)
	existing, ok := bucket[id]
	if ok && !record.Modified().After(existing.Modified()) {
		return // idempotent: never regress a row to an older write
	}
	bucket[id] = record
	if record.Modified().After(m.clock) {
		m.clock = record.Modified()
	}
}

func recordID(r Record) string {
	if id, ok := r["id"].(string); ok {
		return id
	}
	return fmt.Sprintf("%v", r["id"])
}

func (m *Memory) LastModified(ctx context.Context, filter Filter) (hlc.HLC, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := hlc.Zero(m.nodeID)
	for _, bucket := range m.tables {
		for _, rec := range bucket {
			if !matches(rec, filter) {
				continue
			}
			if mod := rec.Modified(); mod.After(best) {
				best = mod
			}
		}
	}
	return best, nil
}

func matches(r Record, f Filter) bool {
	if f.OnlyNodeID != "" {
		return r.NodeID() == f.OnlyNodeID
	}
	return r.NodeID() != f.ExceptNodeID
}

func (m *Memory) GetChangeset(ctx context.Context, q ChangesetQuery) (Changeset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(Changeset)
	for table, bucket := range m.tables {
		if q.Tables != nil {
			if _, ok := q.Tables[table]; !ok {
				continue
			}
		}
		var rows TableChangeset
		for _, rec := range bucket {
			if !matches(rec, q.Filter) {
				continue
			}
			mod := rec.Modified()
			switch {
			case q.ModifiedOnSet():
				if mod != q.ModifiedOn {
					continue
				}
			case q.ModifiedAfterSet():
				if !mod.After(q.ModifiedAfter) {
					continue
				}
			}
			rows = append(rows, rec.Clone())
		}
		if len(rows) > 0 {
			out[table] = rows
		}
	}
	SortChangeset(out)
	return out, nil
}

func (m *Memory) Merge(ctx context.Context, cs Changeset) error {
	m.mu.Lock()
	touched := make(map[hlc.HLC]map[string]struct{})
	for table, rows := range cs {
		for _, rec := range rows {
			m.upsertLocked(table, rec.Clone())
			mod := rec.Modified()
			if touched[mod] == nil {
				touched[mod] = make(map[string]struct{})
			}
			touched[mod][table] = struct{}{}
		}
	}
	m.mu.Unlock()

	for h, tables := range touched {
		m.publish(ChangeEvent{HLC: h, Tables: tables})
	}
	return nil
}

func (m *Memory) Subscribe() (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subSeq++
	sub := &memSub{
		events: make(chan ChangeEvent, 64),
		store:  m,
	}
	m.subs[sub] = struct{}{}
	return sub, nil
}

func (m *Memory) publish(ev ChangeEvent) {
	m.mu.Lock()
	subs := make([]*memSub, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		select {
		case s.events <- ev:
		default:
			// Slow subscriber: drop rather than block the writer. A
			// dropped live event is recoverable because the peer will
			// request it again via its advertised high-water mark on
			// the next handshake.
		}
	}
}

type memSub struct {
	events chan ChangeEvent
	store  *Memory
	once   sync.Once
}

func (s *memSub) Events() <-chan ChangeEvent { return s.events }

func (s *memSub) Close() {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s)
		s.store.mu.Unlock()
	})
}
