package testutil

import (
	"fmt"
	"sync"
)

// SequenceGenerator generates prefix-0001, prefix-0002, ...
//
// The same scenario with a fresh SequenceGenerator produces byte-identical
// ids, which golden snapshots rely on.
//
// Thread-safety: safe for concurrent use.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator. An empty prefix means "id".
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
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}

// Secret returns the next id as a secret.
func (g *SequenceGenerator) Secret() (string, error) {
	return g.Generate(), nil
}

// Reset restarts the sequence at 1.
func (g *SequenceGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
