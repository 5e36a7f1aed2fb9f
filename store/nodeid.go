package store

import (
	"strings"

	"github.com/google/uuid"
)

// NewNodeID generates a fresh node id for the HLC wire format's node-id
// segment: a random uuid with its dashes stripped.
func NewNodeID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
