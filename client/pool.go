package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rocketbitz/ibverbs-go/ibv"
)

// ErrPoolExhausted indicates every pooled region is leased out.
var ErrPoolExhausted = errors.New("ibverbs client: buffer pool exhausted")

// regionPool hands out pre-registered memory regions so the hot path never
// registers memory. Regions are registered once with local write access and
// recycled on completion.
type regionPool struct {
	size int

	mu     sync.Mutex
	free   []*ibv.MemoryRegion
	all    []*ibv.MemoryRegion
	closed bool
}

func newRegionPool(pd *ibv.ProtectionDomain, size, capacity int) (*regionPool, error) {
	if size <= 0 || capacity <= 0 {
		return nil, errors.New("ibverbs client: pool size and capacity must be positive")
	}
	p := &regionPool{size: size}
	for i := 0; i < capacity; i++ {
		mr, err := pd.RegisterMemory(make([]byte, size), ibv.AccessLocalWrite)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.all = append(p.all, mr)
		p.free = append(p.free, mr)
	}
	return p, nil
}

// regionLease is one checked-out region plus the span the caller asked for.
type regionLease struct {
	pool   *regionPool
	region *ibv.MemoryRegion
	n      int
}

func (l *regionLease) bytes() []byte {
	return l.region.Bytes()[:l.n]
}

func (l *regionLease) release() {
	l.pool.put(l.region)
}

func (p *regionPool) acquire(n int) (*regionLease, error) {
	if n > p.size {
		return nil, fmt.Errorf("ibverbs client: payload of %d bytes exceeds pooled buffer size %d", n, p.size)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if len(p.free) == 0 {
		return nil, ErrPoolExhausted
	}
	mr := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return &regionLease{pool: p, region: mr, n: n}, nil
}

func (p *regionPool) put(mr *ibv.MemoryRegion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = mr.Close()
		return
	}
	p.free = append(p.free, mr)
}

// Close deregisters every pooled region. Regions still pinned by in-flight
// work refuse to close; callers drain the queue pair first.
func (p *regionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, mr := range p.all {
		_ = mr.Close()
	}
	p.free = nil
	p.all = nil
}
