// Package uuid mints time-ordered identifiers for profiles and runs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 strings, optionally behind a kind prefix such as
// "run" so ids are recognisable in logs and URLs.
type Generator struct {
	prefix string
}

// New creates a Generator. An empty prefix yields bare UUIDs.
func New(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns "<prefix>_<uuidv7>", or the bare UUID when no prefix is set.
// Ids from one generator sort by creation time.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	if g.prefix == "" {
		return id.String(), nil
	}
	return g.prefix + "_" + id.String(), nil
}
