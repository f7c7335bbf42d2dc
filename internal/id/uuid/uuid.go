// Package uuid generates run and search identifiers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDs.
type Generator struct {
	compact bool
}

// New returns a Generator producing canonical UUID7 strings, used for run ids.
func New() *Generator {
	return &Generator{}
}

// NewCompact returns a Generator producing 32 hex digit ids without dashes,
// the shape the content API expects for search ids.
func NewCompact() *Generator {
	return &Generator{compact: true}
}

// NewID returns a new UUID7 string.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	if g.compact {
		return strings.ReplaceAll(id.String(), "-", ""), nil
	}
	return id.String(), nil
}
