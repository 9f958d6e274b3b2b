package allocator

import (
	"math/rand/v2"
	"sync"
)

// IndexSource draws a uniformly distributed index in [0, n). n is always > 0.
type IndexSource interface {
	IntN(n int) int
}

type IndexSourceFunc func(n int) int

func (f IndexSourceFunc) IntN(n int) int { return f(n) }

type globalSource struct{}

func (globalSource) IntN(n int) int { return rand.IntN(n) }

// DefaultSource uses the runtime-seeded top-level generator, which is safe for concurrent use.
func DefaultSource() IndexSource {
	return globalSource{}
}

// SeededSource is a deterministic PCG generator guarded by a mutex.
type SeededSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSeededSource(seed uint64) *SeededSource {
	return &SeededSource{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *SeededSource) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.IntN(n)
}
