package memory

import "sync"

// Pool is a typed wrapper around sync.Pool.
type Pool[T any] struct {
	p *sync.Pool
}

func NewPool[T any](ctor func() *T) *Pool[T] {
	return &Pool[T]{
		p: &sync.Pool{
			New: func() any { return ctor() },
		},
	}
}

func (p *Pool[T]) Get() *T {
	return p.p.Get().(*T)
}

func (p *Pool[T]) Put(v *T) {
	p.p.Put(v)
}

// BufferPool hands out byte slices with at least a minimum capacity and
// refuses to keep oversized ones.
type BufferPool struct {
	pool   *Pool[[]byte]
	maxCap int
}

func NewBufferPool(initCap, maxCap int) *BufferPool {
	return &BufferPool{
		pool: NewPool(func() *[]byte {
			b := make([]byte, 0, initCap)
			return &b
		}),
		maxCap: maxCap,
	}
}

// Get returns an empty buffer.
func (p *BufferPool) Get() *[]byte {
	b := p.pool.Get()
	*b = (*b)[:0]
	return b
}

// Put returns b to the pool unless it grew past the limit.
func (p *BufferPool) Put(b *[]byte) {
	if cap(*b) > p.maxCap {
		return
	}
	p.pool.Put(b)
}
