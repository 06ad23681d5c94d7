package portpool

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
)

var (
	// ErrPoolExhausted is returned by Allocate when every port in the range is held.
	ErrPoolExhausted = errors.New("no free ports available")
	// ErrNotAllocated is returned by Release for a port that is not currently held.
	ErrNotAllocated = errors.New("port not allocated")
)

// Pool hands out ports from a fixed inclusive range.
// free is a swap-remove free list; slot maps port-low to the port's index in free, or -1 while held.
type Pool struct {
	mu   sync.Mutex
	low  int
	high int
	free []int
	slot []int
	rnd  func(n int) int
}

// New returns a pool holding every port in [low, high].
func New(low, high int) (*Pool, error) {
	if low <= 0 || high > 65535 || low > high {
		return nil, fmt.Errorf("invalid port range [%d, %d]", low, high)
	}
	n := high - low + 1
	p := &Pool{low: low, high: high, free: make([]int, n), slot: make([]int, n), rnd: rand.IntN}
	for i := 0; i < n; i++ {
		p.free[i] = low + i
		p.slot[i] = i
	}
	return p, nil
}

// Allocate removes and returns a port chosen uniformly at random from the free set.
func (p *Pool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, ErrPoolExhausted
	}
	i := p.rnd(len(p.free))
	port := p.free[i]
	last := len(p.free) - 1
	if i != last {
		moved := p.free[last]
		p.free[i] = moved
		p.slot[moved-p.low] = i
	}
	p.free = p.free[:last]
	p.slot[port-p.low] = -1
	return port, nil
}

// Release returns port to the free set. Releasing a port that is not held is rejected.
func (p *Pool) Release(port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port < p.low || port > p.high || p.slot[port-p.low] != -1 {
		return fmt.Errorf("release %d: %w", port, ErrNotAllocated)
	}
	p.slot[port-p.low] = len(p.free)
	p.free = append(p.free, port)
	return nil
}

// Available reports how many ports can still be allocated.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Size is the number of ports in the configured range.
func (p *Pool) Size() int { return p.high - p.low + 1 }

// Range returns the configured bounds.
func (p *Pool) Range() (low, high int) { return p.low, p.high }

// Held reports whether port is currently allocated.
func (p *Pool) Held(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return port >= p.low && port <= p.high && p.slot[port-p.low] == -1
}
