// Package ids provides sortable identifiers for wire envelopes and device connections.
package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator produces strictly increasing ULIDs, also within the same millisecond.
// It is safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewGenerator returns a Generator reading entropy from r (crypto/rand when nil).
func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{entropy: ulid.Monotonic(r, 0)}
}

// New returns a ULID string (26 chars) stamped with now.
func (g *Generator) New(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), g.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

var defaultGenerator = NewGenerator(nil)

// NewULID returns a new ULID string from the process-wide generator.
func NewULID(now time.Time) (string, error) {
	return defaultGenerator.New(now)
}
