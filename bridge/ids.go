package bridge

import (
	"strconv"
	"sync"
	"time"
)

// idGenerator mints request ids from a 32-bit counter.
// The counter wraps around instead of growing, and skips 0 on the way past it.
type idGenerator struct {
	m sync.Mutex
	n int32
}

func newIDGenerator(seed int32) *idGenerator {
	return &idGenerator{n: seed}
}

// timeSeed derives a starting point from the wall clock. Uniqueness comes from the increment, not the seed.
func timeSeed() int32 {
	return int32(time.Now().Unix())
}

func (g *idGenerator) next() string {
	g.m.Lock()
	defer g.m.Unlock()
	g.n++
	if g.n == 0 {
		g.n = 1
	}
	return strconv.FormatInt(int64(g.n), 10)
}
