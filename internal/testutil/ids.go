package testutil

import (
	"fmt"
	"sync"
)

// SequenceGenerator yields "<prefix>-1", "<prefix>-2", ... forever.
//
// Unlike record.FixedGenerator, which panics once its list is used up,
// SequenceGenerator never runs out. Use it where a test cares that ids
// are deterministic but not how many get generated.
//
// Implements record.IDGenerator.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator. An empty prefix becomes "id".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next id.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
