package coio

import "sync"

// defaultBufSize is the stand-in for the platform BUFSIZ: the size of the
// pooled staging buffers and the default write-buffer threshold.
const defaultBufSize = 8192

// bufferPool is a weakly-held cache of fixed-size byte buffers reused
// across reads. Retention is best-effort: the garbage collector may
// reclaim idle buffers under memory pressure, and correctness never
// depends on pool residency.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	p := &bufferPool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// acquire borrows a buffer of exactly the pool's size.
func (p *bufferPool) acquire() *[]byte {
	return p.pool.Get().(*[]byte)
}

// release returns a buffer on every exit path, success or error.
func (p *bufferPool) release(buf *[]byte) {
	p.pool.Put(buf)
}
