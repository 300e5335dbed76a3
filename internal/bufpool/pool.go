// Package bufpool recycles the fixed-size transfer buffers used for read
// replies and dump bodies.
package bufpool

import "sync"

// Pool hands out buffers of one size. Requests larger than that size are
// served by a plain allocation and never pooled.
type Pool struct {
	pool sync.Pool
	size int
}

// New returns a pool of size-byte buffers.
func New(size int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Get returns a buffer of length n. Call Put when done with it.
func (p *Pool) Get(n int) []byte {
	if n > p.size {
		return make([]byte, n)
	}
	buf := p.pool.Get().(*[]byte)
	return (*buf)[:n]
}

// Put returns buf to the pool. Buffers not obtained from Get with n <= Size
// are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	buf = buf[:p.size]
	p.pool.Put(&buf)
}

// Size is the length of pooled buffers.
func (p *Pool) Size() int {
	return p.size
}
