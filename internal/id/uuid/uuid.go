// Package uuid issues the identifiers that tag each run in logs and spans.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator issues UUIDv7 run ids. Ids sort in the order runs started.
type Generator struct{}

// New returns a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns the id for a new run.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("new run id: %w", err)
	}
	return id.String(), nil
}

// Parse checks that raw is a run id issued by Generator.
func Parse(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse run id %q: %w", raw, err)
	}
	if id.Version() != 7 {
		return uuid.Nil, fmt.Errorf("parse run id %q: version %d, want 7", raw, id.Version())
	}
	return id, nil
}
