// Package hlc implements the Hybrid Logical Clock timestamp used to order
// changes across peers: a millisecond-resolution wall clock tie-broken by a
// logical counter and finally by the originating node's id.
//
// An HLC is comparable with Compare and round-trips through String/Parse in
// the canonical wire form:
//
//	1970-01-01T00:00:00.000Z-0000-node_id
//
// Zero sorts before every non-zero value regardless of node id.
package hlc

import (
	"fmt"
	"strconv"
	"time"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// HLC is a totally ordered (physical-millis, logical-counter, node-id)
// timestamp. The zero value is HLC-zero: it sorts before any real value.
type HLC struct {
	Millis  int64
	Counter uint16
	NodeID  string
}

// Zero returns HLC-zero carrying the given node id. Time components are
// always zero.
func Zero(nodeID string) HLC {
	return HLC{NodeID: nodeID}
}

// IsZero reports whether h has zero time components, regardless of node id.
func (h HLC) IsZero() bool {
	return h.Millis == 0 && h.Counter == 0
}

// Compare returns -1, 0, or 1 as h sorts before, equal to, or after o.
// Node id only participates when both time components are equal, and even
// then only to produce a deterministic tie-break, never to reorder real
// causal differences.
func (h HLC) Compare(o HLC) int {
	if h.Millis != o.Millis {
		if h.Millis < o.Millis {
			return -1
		}
		return 1
	}
	if h.Counter != o.Counter {
		if h.Counter < o.Counter {
			return -1
		}
		return 1
	}
	switch {
	case h.NodeID < o.NodeID:
		return -1
	case h.NodeID > o.NodeID:
		return 1
	default:
		return 0
	}
}

// Before reports whether h strictly precedes o.
func (h HLC) Before(o HLC) bool { return h.Compare(o) < 0 }

// After reports whether h strictly follows o.
func (h HLC) After(o HLC) bool { return h.Compare(o) > 0 }

// Apply rewrites the node-id field to nodeID, preserving the time
// components. Used by Session to normalize incoming records' modified
// timestamps onto the local node id (spec §3 invariant).
func (h HLC) Apply(nodeID string) HLC {
	h.NodeID = nodeID
	return h
}

// String renders the canonical wire form:
// <ISO-8601 millis UTC>-<4-hex counter>-<node-id>.
func (h HLC) String() string {
	t := time.UnixMilli(h.Millis).UTC()
	return fmt.Sprintf("%s-%04x-%s", t.Format(timeLayout), h.Counter, h.NodeID)
}

// MarshalJSON implements json.Marshaler by emitting the canonical string
// form, never a JSON object.
func (h HLC) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(h.String())), nil
}

// UnmarshalJSON implements json.Unmarshaler, parsing the canonical string
// form produced by String.
func (h *HLC) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("hlc: unmarshal: %w", err)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Parse decodes the canonical wire form produced by String. The date
// component itself contains dashes, and node ids may too, so the split
// anchors on the fixed widths of the leading fields instead: the time part
// is always len(timeLayout) characters and the counter is always 4 hex
// digits, so everything after the second separator is the node id.
func Parse(s string) (HLC, error) {
	counterSep := len(timeLayout)
	nodeSep := counterSep + 5
	if len(s) <= nodeSep || s[counterSep] != '-' || s[nodeSep] != '-' {
		return HLC{}, fmt.Errorf("hlc: malformed timestamp %q", s)
	}
	timePart, counterPart, nodePart := s[:counterSep], s[counterSep+1:nodeSep], s[nodeSep+1:]

	t, err := time.Parse(timeLayout, timePart)
	if err != nil {
		return HLC{}, fmt.Errorf("hlc: malformed time in %q: %w", s, err)
	}
	counter, err := strconv.ParseUint(counterPart, 16, 16)
	if err != nil {
		return HLC{}, fmt.Errorf("hlc: malformed counter in %q: %w", s, err)
	}
	return HLC{
		Millis:  t.UnixMilli(),
		Counter: uint16(counter),
		NodeID:  nodePart,
	}, nil
}

// Max returns whichever of a, b sorts later.
func Max(a, b HLC) HLC {
	if a.After(b) {
		return a
	}
	return b
}
