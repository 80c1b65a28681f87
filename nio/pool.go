package nio

import (
	"sync"
)

// Buffer pool - based on http2/databuffer and valyala/bytebufferpool

// Read and write chunks of the HTTP/3 streams come from a few size classes, most frames
// are small.
var (
	dataChunkSizeClasses = []int{
		1 << 10,
		2 << 10,
		4 << 10,
		8 << 10,
		16 << 10,
	}
	dataChunkPools = [...]sync.Pool{
		{New: func() interface{} { return make([]byte, 1<<10) }},
		{New: func() interface{} { return make([]byte, 2<<10) }},
		{New: func() interface{} { return make([]byte, 4<<10) }},
		{New: func() interface{} { return make([]byte, 8<<10) }},
		{New: func() interface{} { return make([]byte, 16<<10) }},
	}
)

// bufSize is the initial size of pooled frame buffers. Holds a typical HEADERS frame.
const bufSize = 4096

// GetDataBufferChunk returns a chunk of at least size bytes; the chunk may be larger.
func GetDataBufferChunk(size int64) []byte {
	for i, n := range dataChunkSizeClasses {
		if size <= int64(n) {
			return dataChunkPools[i].Get().([]byte)
		}
	}
	return make([]byte, size)
}

// PutDataBufferChunk returns a chunk to the pool.
// Called after the data was consumed or the buffer is no longer needed.
func PutDataBufferChunk(p []byte) {
	p = p[:cap(p)]
	for i, n := range dataChunkSizeClasses {
		if len(p) == n {
			dataChunkPools[i].Put(p)
			return
		}
	}
	// odd buffers sizes will go to GC
}

var bufferPool = sync.Pool{New: func() interface{} {
	return NewBuffer(bufSize)
}}

// GetBuffer returns an empty pooled Buffer.
func GetBuffer() *Buffer {
	b := bufferPool.Get().(*Buffer)
	b.Reset()
	return b
}

// Recycle returns b to the pool. b must not be used after.
func (b *Buffer) Recycle() {
	if cap(b.buf) > 64*bufSize {
		// Don't keep buffers grown by an unusually large frame.
		return
	}
	b.Reset()
	bufferPool.Put(b)
}
