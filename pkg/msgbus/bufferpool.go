package msgbus

import "sync"

// bufferPoolSizeClasses are the byte-size buckets BufferPool keeps separate
// freelists for, so a small control message never recycles a stale
// megabyte-sized BLOB-fragment buffer and vice versa.
var bufferPoolSizeClasses = []int{256, 1024, 4096, 16384, 65536, 262144}

// BufferPool recycles message and BLOB-fragment byte buffers across a
// pool-per-size-class set of sync.Pools, so routing hot paths avoid a
// per-message allocation.
type BufferPool struct {
	pools []sync.Pool
}

// NewBufferPool constructs a ready-to-use BufferPool.
func NewBufferPool() *BufferPool {
	bp := &BufferPool{pools: make([]sync.Pool, len(bufferPoolSizeClasses))}
	for i, sz := range bufferPoolSizeClasses {
		sz := sz
		bp.pools[i].New = func() any {
			b := make([]byte, sz)
			return &b
		}
	}
	return bp
}

func (bp *BufferPool) classFor(n int) int {
	for i, sz := range bufferPoolSizeClasses {
		if n <= sz {
			return i
		}
	}
	return -1
}

// Get returns a buffer with capacity at least n. Buffers larger than the
// biggest size class are allocated directly and not pooled.
func (bp *BufferPool) Get(n int) []byte {
	c := bp.classFor(n)
	if c < 0 {
		return make([]byte, n)
	}
	p := bp.pools[c].Get().(*[]byte)
	buf := (*p)[:cap(*p)]
	return buf[:n]
}

// Put returns buf to the pool, if its capacity matches a size class.
func (bp *BufferPool) Put(buf []byte) {
	c := bp.classFor(cap(buf))
	if c < 0 || bufferPoolSizeClasses[c] != cap(buf) {
		return
	}
	full := buf[:cap(buf)]
	bp.pools[c].Put(&full)
}
