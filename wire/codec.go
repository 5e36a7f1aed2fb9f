// Package wire implements the JSON codec for the two frame kinds the
// engine exchanges: a handshake (always first, one per direction) and a
// changeset (every frame after). Neither frame carries an explicit type
// tag — the caller knows which kind to expect from its position in the
// stream (spec §4.1) — so Codec only offers typed encode/decode pairs; it
// is the Session's job to call the right one at the right time.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/collabtext/syncengine/hlc"
	"github.com/collabtext/syncengine/store"
)

// DefaultMaxFrameBytes bounds a single incoming frame before decoding is
// even attempted, per spec §4.1's "oversized frame" protocol error.
const DefaultMaxFrameBytes = 4 << 20 // 4 MiB

// Handshake is the first frame sent and the first frame received on every
// session, in both directions.
type Handshake struct {
	NodeID       string  `json:"node_id"`
	LastModified hlc.HLC `json:"last_modified"`
	Data         any     `json:"data"`
}

// Codec encodes/decodes the wire frames. It carries no state: "first
// frame vs. not" is the Session's concern, not the codec's.
type Codec struct {
	// MaxFrameBytes rejects frames larger than this before decoding. Zero
	// means DefaultMaxFrameBytes.
	MaxFrameBytes int
}

func (c Codec) maxBytes() int {
	if c.MaxFrameBytes > 0 {
		return c.MaxFrameBytes
	}
	return DefaultMaxFrameBytes
}

// EncodeHandshake renders h as {"node_id":...,"last_modified":...,"data":...}.
func (c Codec) EncodeHandshake(h Handshake) ([]byte, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("wire: encode handshake: %w", err)
	}
	return b, nil
}

// DecodeHandshake parses a handshake frame.
func (c Codec) DecodeHandshake(data []byte) (Handshake, error) {
	if len(data) > c.maxBytes() {
		return Handshake{}, fmt.Errorf("wire: handshake frame exceeds %d bytes", c.maxBytes())
	}
	var h Handshake
	if err := json.Unmarshal(data, &h); err != nil {
		return Handshake{}, fmt.Errorf("wire: decode handshake: %w", err)
	}
	return h, nil
}

// EncodeChangeset renders cs directly as its table→[record,...] JSON object.
func (c Codec) EncodeChangeset(cs store.Changeset) ([]byte, error) {
	b, err := json.Marshal(cs)
	if err != nil {
		return nil, fmt.Errorf("wire: encode changeset: %w", err)
	}
	return b, nil
}

// DecodeChangeset parses a changeset frame. Leaf modified/node_id fields
// remain strings; store.Record's accessors parse them lazily.
func (c Codec) DecodeChangeset(data []byte) (store.Changeset, error) {
	if len(data) > c.maxBytes() {
		return nil, fmt.Errorf("wire: changeset frame exceeds %d bytes", c.maxBytes())
	}
	var cs store.Changeset
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("wire: decode changeset: %w", err)
	}
	return cs, nil
}
