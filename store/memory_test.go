package store

import (
	"context"
	"testing"

	"github.com/collabtext/syncengine/hlc"
)

func TestMemoryLocalWriteAndLastModified(t *testing.T) {
	m := NewMemory("local")
	ctx := context.Background()

	h, err := m.LocalWrite(ctx, "docs", Record{"id": "u"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.LastModified(ctx, OnlyNode("local"))
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Fatalf("LastModified(onlyNodeId) = %v, want %v", got, h)
	}

	got, err = m.LastModified(ctx, ExceptNode("local"))
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsZero() {
		t.Fatalf("LastModified(exceptNodeId=local) should be zero with no other author, got %v", got)
	}
}

func TestMemoryMergeIdempotent(t *testing.T) {
	m := NewMemory("local")
	ctx := context.Background()

	cs := Changeset{"docs": {
		{"id": "u", "node_id": "remote", "modified": hlc.HLC{Millis: 5, NodeID: "remote"}.String()},
	}}

	if err := m.Merge(ctx, cs); err != nil {
		t.Fatal(err)
	}
	if err := m.Merge(ctx, cs); err != nil {
		t.Fatal(err)
	}

	out, err := m.GetChangeset(ctx, ChangesetQuery{Filter: OnlyNode("remote")})
	if err != nil {
		t.Fatal(err)
	}
	if len(out["docs"]) != 1 {
		t.Fatalf("merging the same changeset twice should not duplicate rows, got %d", len(out["docs"]))
	}
}

func TestMemoryGetChangesetEmptyTablesElided(t *testing.T) {
	m := NewMemory("local")
	ctx := context.Background()
	out, err := m.GetChangeset(ctx, ChangesetQuery{Filter: OnlyNode("local")})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Fatalf("empty store should yield no tables, got %v", out)
	}
}

func TestMemorySubscribeIndependent(t *testing.T) {
	m := NewMemory("local")
	ctx := context.Background()

	sub1, err := m.Subscribe()
	if err != nil {
		t.Fatal(err)
	}
	defer sub1.Close()
	sub2, err := m.Subscribe()
	if err != nil {
		t.Fatal(err)
	}

	sub2.Close() // closing one subscriber must not affect the other

	if _, err := m.LocalWrite(ctx, "docs", Record{"id": "u"}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sub1.Events():
		if _, ok := ev.Tables["docs"]; !ok {
			t.Fatalf("expected docs in event tables, got %v", ev.Tables)
		}
	default:
		t.Fatal("sub1 should have received the change event")
	}
}
