package cache

import (
	"sync"
)

// ============================================================================
// Buffer Pool for Chunked I/O
// ============================================================================
//
// The buffer pool provides reusable byte slices for chunked file reads and
// writes, avoiding per-request heap churn on the data path. Buffers are
// scoped-acquired and must be returned on every exit path, including error
// paths; failing to Put leaks buffers out of the pool.
//
// Size classes follow the I/O patterns of the engine: small buffers for
// trash metadata sidecars, medium buffers for sequential copies, large
// buffers matching the default parallel chunk size.

const (
	smallBufferSize  = 4 << 10  // 4KB
	mediumBufferSize = 64 << 10 // 64KB
	largeBufferSize  = 1 << 20  // 1MB
)

// BufferPool manages byte slice pools organized by size class. Constructed
// at startup and passed explicitly so tests can build isolated instances.
//
// Thread Safety: all methods are safe for concurrent use via sync.Pool.
type BufferPool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool
}

func NewBufferPool() *BufferPool {
	return &BufferPool{
		small: sync.Pool{
			New: func() any {
				buf := make([]byte, smallBufferSize)
				return &buf
			},
		},
		medium: sync.Pool{
			New: func() any {
				buf := make([]byte, mediumBufferSize)
				return &buf
			},
		},
		large: sync.Pool{
			New: func() any {
				buf := make([]byte, largeBufferSize)
				return &buf
			},
		},
	}
}

// Get returns a byte slice of at least the requested size, possibly larger
// to align with a pool size class. Sizes above the largest class are
// allocated directly and never pooled, to avoid keeping oversized buffers
// alive.
func (p *BufferPool) Get(size int) []byte {
	var bufPtr *[]byte

	switch {
	case size <= smallBufferSize:
		bufPtr = p.small.Get().(*[]byte)
	case size <= mediumBufferSize:
		bufPtr = p.medium.Get().(*[]byte)
	case size <= largeBufferSize:
		bufPtr = p.large.Get().(*[]byte)
	default:
		return make([]byte, size)
	}

	buf := *bufPtr
	return buf[:size]
}

// Put returns a buffer obtained from Get. Oversized and foreign buffers are
// dropped for the GC.
func (p *BufferPool) Put(buf []byte) {
	if buf == nil {
		return
	}

	switch cap(buf) {
	case smallBufferSize:
		full := buf[:cap(buf)]
		p.small.Put(&full)
	case mediumBufferSize:
		full := buf[:cap(buf)]
		p.medium.Put(&full)
	case largeBufferSize:
		full := buf[:cap(buf)]
		p.large.Put(&full)
	}
}
