package wire

import (
	"strings"
	"testing"

	"github.com/collabtext/syncengine/hlc"
	"github.com/collabtext/syncengine/store"
)

func TestHandshakeRoundTrip(t *testing.T) {
	c := Codec{}
	hs := Handshake{
		NodeID:       "ab12",
		LastModified: hlc.HLC{Millis: 0, NodeID: "ab12"},
		Data:         map[string]any{"proto": 1},
	}
	b, err := c.EncodeHandshake(hs)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"node_id":"ab12"`) {
		t.Fatalf("encoded handshake missing node_id: %s", b)
	}
	got, err := c.DecodeHandshake(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.NodeID != hs.NodeID || got.LastModified != hs.LastModified {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, hs)
	}
}

func TestHandshakeNilData(t *testing.T) {
	c := Codec{}
	hs := Handshake{NodeID: "x", LastModified: hlc.Zero("x")}
	b, err := c.EncodeHandshake(hs)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.DecodeHandshake(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Data != nil {
		t.Fatalf("expected nil data, got %v", got.Data)
	}
}

func TestChangesetRoundTrip(t *testing.T) {
	c := Codec{}
	cs := store.Changeset{
		"t": {
			{"id": "1", "node_id": "ab12", "modified": "1970-01-01T00:00:00.000Z-0000-ab12"},
		},
	}
	b, err := c.EncodeChangeset(cs)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.DecodeChangeset(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(got["t"]) != 1 || got["t"][0].NodeID() != "ab12" {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestDecodeOversizedFrameRejected(t *testing.T) {
	c := Codec{MaxFrameBytes: 8}
	_, err := c.DecodeChangeset([]byte(`{"t":[{"id":"too-long-for-the-limit"}]}`))
	if err == nil {
		t.Fatal("expected an error for an oversized frame")
	}
}

func TestDecodeMalformedFrame(t *testing.T) {
	c := Codec{}
	if _, err := c.DecodeHandshake([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error for malformed handshake")
	}
	if _, err := c.DecodeChangeset([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error for malformed changeset")
	}
}
