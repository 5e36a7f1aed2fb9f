// Package store defines the narrow interface the sync engine consumes from
// a CRDT-backed store (spec §4.2), plus the Changeset/Record wire-adjacent
// types that flow through it. HLC arithmetic, table schema, and merge
// semantics are owned by the concrete implementations under store/postgres
// and store/bolt (and by store.Memory for tests); this package only fixes
// the contract.
package store

import (
	"context"
	"sort"

	"github.com/collabtext/syncengine/hlc"
)

// Filter selects records by node-id provenance. Exactly one of OnlyNodeID
// or ExceptNodeID is set, per spec §4.2.
type Filter struct {
	OnlyNodeID   string
	ExceptNodeID string
}

func OnlyNode(id string) Filter   { return Filter{OnlyNodeID: id} }
func ExceptNode(id string) Filter { return Filter{ExceptNodeID: id} }

// ChangesetQuery restricts GetChangeset. Exactly one of ModifiedOn or
// ModifiedAfter is set, per spec §4.2.
type ChangesetQuery struct {
	Tables        map[string]struct{} // nil means all tables
	Filter        Filter
	ModifiedOn    hlc.HLC
	ModifiedAfter hlc.HLC
	onModifiedOn  bool
	onModAfter    bool
}

// WithModifiedOn returns a query bound to an exact-HLC filter, used for
// live forwarding of a single change event.
func WithModifiedOn(h hlc.HLC) func(*ChangesetQuery) {
	return func(q *ChangesetQuery) { q.ModifiedOn = h; q.onModifiedOn = true }
}

// WithModifiedAfter returns a query bound to a strictly-after filter, used
// for the initial catch-up.
func WithModifiedAfter(h hlc.HLC) func(*ChangesetQuery) {
	return func(q *ChangesetQuery) { q.ModifiedAfter = h; q.onModAfter = true }
}

// NewChangesetQuery builds a ChangesetQuery from a node filter, an optional
// table restriction, and exactly one time-bound option.
func NewChangesetQuery(filter Filter, tables map[string]struct{}, timeBound func(*ChangesetQuery)) ChangesetQuery {
	q := ChangesetQuery{Tables: tables, Filter: filter}
	timeBound(&q)
	return q
}

// ModifiedOnSet reports whether the query is an exact-HLC match.
func (q ChangesetQuery) ModifiedOnSet() bool { return q.onModifiedOn }

// ModifiedAfterSet reports whether the query is a strictly-after match.
func (q ChangesetQuery) ModifiedAfterSet() bool { return q.onModAfter }

// ChangeEvent is emitted on OnTablesChanged after a successful local write;
// HLC equals the write's own timestamp.
type ChangeEvent struct {
	HLC    hlc.HLC
	Tables map[string]struct{}
}

// Subscription is one independent listener on a store's change stream.
// Each Session owns exactly one; closing it stops delivery without
// affecting other subscribers.
type Subscription interface {
	Events() <-chan ChangeEvent
	Close()
}

// Store is the interface the Session and Registry consume. Implementations
// must allow concurrent reads; Merge may serialize internally.
type Store interface {
	// NodeID is stable for the process lifetime.
	NodeID() string

	// AllTables returns the set of table names the store knows about.
	AllTables() map[string]struct{}

	// LastModified returns the highest modified HLC among records matching
	// filter, or hlc.Zero(NodeID()) if none match.
	LastModified(ctx context.Context, filter Filter) (hlc.HLC, error)

	// CanonicalTime returns the store's current clock value.
	CanonicalTime(ctx context.Context) (hlc.HLC, error)

	// Subscribe opens a new independent subscription to the change stream.
	Subscribe() (Subscription, error)

	// GetChangeset returns records matching q, sorted by Modified ascending
	// within each table; tables with no matching records are omitted.
	GetChangeset(ctx context.Context, q ChangesetQuery) (Changeset, error)

	// Merge applies changeset idempotently, advancing clocks and firing
	// OnTablesChanged as a side effect for each table actually touched.
	Merge(ctx context.Context, cs Changeset) error
}

// SortChangeset sorts every table's records by Modified ascending, in
// place. Reference implementations call this before returning from
// GetChangeset so every Store satisfies the same ordering guarantee.
func SortChangeset(cs Changeset) {
	for table, records := range cs {
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Modified().Before(records[j].Modified())
		})
		cs[table] = records
	}
}

// Elide removes tables with no records, per spec §3 ("empty tables are
// elided before transmission").
func Elide(cs Changeset) Changeset {
	for table, records := range cs {
		if len(records) == 0 {
			delete(cs, table)
		}
	}
	return cs
}
