package postgres

import (
	"testing"

	"github.com/collabtext/syncengine/hlc"
	"github.com/collabtext/syncengine/store"
)

func TestNodeFilterClause(t *testing.T) {
	clause, args, next := nodeFilterClause("notes", store.OnlyNode("C"), 1)
	if clause != "notes.node_id = $1" || len(args) != 1 || args[0] != "C" || next != 2 {
		t.Fatalf("OnlyNode: got clause=%q args=%v next=%d", clause, args, next)
	}

	clause, args, next = nodeFilterClause("notes", store.ExceptNode("S"), 3)
	if clause != "notes.node_id != $3" || args[0] != "S" || next != 4 {
		t.Fatalf("ExceptNode: got clause=%q args=%v next=%d", clause, args, next)
	}

	clause, args, _ = nodeFilterClause("notes", store.Filter{}, 1)
	if clause != "" || args != nil {
		t.Fatalf("empty filter should render no clause, got %q %v", clause, args)
	}
}

func TestTimeFilterClause(t *testing.T) {
	h := hlc.HLC{Millis: 1000, Counter: 1, NodeID: "C"}

	q := store.NewChangesetQuery(store.Filter{}, nil, store.WithModifiedAfter(h))
	clause, args, next := timeFilterClause("notes", q, 1)
	if clause != "notes.modified > $1" || args[0] != h.String() || next != 2 {
		t.Fatalf("ModifiedAfter: got clause=%q args=%v next=%d", clause, args, next)
	}

	q = store.NewChangesetQuery(store.Filter{}, nil, store.WithModifiedOn(h))
	clause, args, next = timeFilterClause("notes", q, 2)
	if clause != "notes.modified = $2" || args[0] != h.String() || next != 3 {
		t.Fatalf("ModifiedOn: got clause=%q args=%v next=%d", clause, args, next)
	}
}

// TestBuildChangesetQueryInjectsAheadOfCallerWhere exercises the worked
// example: exceptNodeId="N", afterHlc=HLC-zero for "N", and a caller
// template "a != $1 AND b = $2" must come out as node-id/modified clauses
// first, then the caller's predicate with its placeholders shifted past
// them.
func TestBuildChangesetQueryInjectsAheadOfCallerWhere(t *testing.T) {
	zero := hlc.Zero("N")
	q := store.NewChangesetQuery(store.ExceptNode("N"), nil, store.WithModifiedAfter(zero))
	schema := TableSchema{
		Columns:   []string{"id", "a", "b"},
		Where:     "a != $1 AND b = $2",
		WhereArgs: []any{"valA", "valB"},
	}

	sqlText, args := buildChangesetQuery("test", schema, q)

	wantSQL := "SELECT id, a, b FROM test WHERE test.node_id != $1 AND test.modified > $2 AND a != $3 AND b = $4 ORDER BY modified ASC"
	if sqlText != wantSQL {
		t.Fatalf("got sql:\n%s\nwant:\n%s", sqlText, wantSQL)
	}
	wantArgs := []any{"N", zero.String(), "valA", "valB"}
	if len(args) != len(wantArgs) {
		t.Fatalf("got args=%v, want %v", args, wantArgs)
	}
	for i := range wantArgs {
		if args[i] != wantArgs[i] {
			t.Fatalf("arg[%d] = %v, want %v", i, args[i], wantArgs[i])
		}
	}
}

func TestRenumberPlaceholders(t *testing.T) {
	got := renumberPlaceholders("a != $1 AND b = $2 OR $1 = c", 2)
	want := "a != $3 AND b = $4 OR $3 = c"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestMultipleClausesRenumberSequentially(t *testing.T) {
	h := hlc.HLC{Millis: 2000, Counter: 0, NodeID: "S"}
	q := store.NewChangesetQuery(store.ExceptNode("S"), nil, store.WithModifiedAfter(h))

	argN := 1
	nodeClause, nodeArgs, next := nodeFilterClause("notes", q.Filter, argN)
	timeClause, timeArgs, next2 := timeFilterClause("notes", q, next)

	if nodeClause != "notes.node_id != $1" {
		t.Fatalf("unexpected node clause %q", nodeClause)
	}
	if timeClause != "notes.modified > $2" {
		t.Fatalf("unexpected time clause %q", timeClause)
	}
	if len(nodeArgs)+len(timeArgs) != 2 || next2 != 3 {
		t.Fatalf("expected two args and next=3, got args=%v/%v next=%d", nodeArgs, timeArgs, next2)
	}
}
