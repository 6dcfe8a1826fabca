package dispatch

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// TokenGenerator creates correlation tokens.
type TokenGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 tokens, so wrapper
// listings sort by creation.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate panics if the random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined tokens, for tests and scenarios.
//
// Thread-safety: FixedGenerator is safe for concurrent use.
type FixedGenerator struct {
	mu     sync.Mutex
	tokens []string
	idx    int
}

// NewFixedGenerator creates a generator that returns tokens in order.
func NewFixedGenerator(tokens ...string) *FixedGenerator {
	return &FixedGenerator{tokens: tokens}
}

// Generate returns the next token. Panics when all tokens were used, which
// means the test created more events than it declared.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.tokens) {
		panic(fmt.Sprintf("FixedGenerator: all %d tokens exhausted", len(g.tokens)))
	}
	token := g.tokens[g.idx]
	g.idx++
	return token
}
