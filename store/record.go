package store

import "github.com/collabtext/syncengine/hlc"

// Record is an opaque key→value row. Two columns are reserved: node_id (the
// HLC originator) and modified (the HLC of the last write); every other
// column is store-defined and passed through untouched.
type Record map[string]any

// TableChangeset is an ordered sequence of Records for one table.
type TableChangeset []Record

// Changeset maps table name to its TableChangeset.
type Changeset map[string]TableChangeset

// NodeID returns the record's node_id column, or "" if absent.
func (r Record) NodeID() string {
	s, _ := r["node_id"].(string)
	return s
}

// SetNodeID sets the record's node_id column.
func (r Record) SetNodeID(id string) {
	r["node_id"] = id
}

// Modified parses the record's modified column. A record with no modified
// column, or a malformed one, has no stable sort position; callers that
// build Records are expected to always set it.
func (r Record) Modified() hlc.HLC {
	s, _ := r["modified"].(string)
	h, err := hlc.Parse(s)
	if err != nil {
		return hlc.HLC{}
	}
	return h
}

// SetModified sets the record's modified column to h's canonical string
// form.
func (r Record) SetModified(h hlc.HLC) {
	r["modified"] = h.String()
}

// Clone returns a shallow copy of r, safe to mutate (e.g. rewriting
// modified.nodeId) without touching the original map.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// TableCounts reduces a Changeset to table→count, used for
// onChangesetSent/onChangesetReceived hooks.
func (cs Changeset) TableCounts() map[string]int {
	out := make(map[string]int, len(cs))
	for table, records := range cs {
		out[table] = len(records)
	}
	return out
}
