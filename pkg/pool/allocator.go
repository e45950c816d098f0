package pool

import (
	"fmt"
	"math/bits"
	"sync"
)

// defaultBufPool is an Allocator with maximum capacity of 2^24 (16MB).
var defaultBufPool = NewAllocator(24)

// GetBuf returns a *Buffer from the default allocator with at least
// size bytes of capacity. The caller must call Buffer.Release after use.
func GetBuf(size int) *Buffer {
	return defaultBufPool.Get(size)
}

// Allocator is a size-bucketed []byte pool. Buffers are grouped into
// power-of-two buckets to keep reuse rates high without holding onto
// oversized slices.
type Allocator struct {
	maxPoolBits int
	pools       []sync.Pool
}

// NewAllocator creates an Allocator that pools buffers up to 2^maxPoolBits bytes.
func NewAllocator(maxPoolBits int) *Allocator {
	if maxPoolBits <= 0 || maxPoolBits > 31 {
		panic(fmt.Sprintf("allocator: invalid maxPoolBits: %d", maxPoolBits))
	}

	a := &Allocator{
		maxPoolBits: maxPoolBits,
		pools:       make([]sync.Pool, maxPoolBits+1),
	}
	for i := range a.pools {
		c := 1 << i
		a.pools[i].New = func() interface{} {
			return &Buffer{b: make([]byte, c)}
		}
	}
	return a
}

// Get returns a *Buffer with len(Bytes()) == size.
// Buffers larger than the pool limit are allocated directly and will
// not be pooled on Release.
func (a *Allocator) Get(size int) *Buffer {
	if size < 0 {
		panic(fmt.Sprintf("allocator: invalid size: %d", size))
	}

	shard := shardOf(size)
	if shard > a.maxPoolBits {
		return &Buffer{b: make([]byte, size), oversized: true}
	}
	buf := a.pools[shard].Get().(*Buffer)
	buf.a = a
	buf.len = size
	return buf
}

func (a *Allocator) release(buf *Buffer) {
	shard := shardOf(cap(buf.b))
	if shard > a.maxPoolBits || cap(buf.b) != 1<<shard {
		return
	}
	a.pools[shard].Put(buf)
}

func shardOf(size int) int {
	if size <= 1 {
		return 0
	}
	return bits.Len64(uint64(size - 1))
}

// Buffer is a pooled byte buffer.
type Buffer struct {
	b         []byte
	len       int
	a         *Allocator
	oversized bool
}

// Bytes returns the usable slice. The slice is invalid after Release.
func (buf *Buffer) Bytes() []byte {
	if buf.oversized {
		return buf.b
	}
	return buf.b[:buf.len]
}

// Release returns the buffer to its pool. The caller must not touch
// the buffer afterwards.
func (buf *Buffer) Release() {
	if buf.oversized || buf.a == nil {
		return
	}
	a := buf.a
	buf.a = nil
	buf.len = 0
	a.release(buf)
}
