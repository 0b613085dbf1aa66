package util

import "sync"

// DefaultChunkSize is the largest single read or write the relay
// performs on a connection.
const DefaultChunkSize = 2048

// BufPool provides reusable chunk buffers for the per-connection read
// loops, so a busy server does not allocate one slice per handler.
var BufPool = sync.Pool{ //nolint:gochecknoglobals
	New: func() interface{} {
		buf := make([]byte, DefaultChunkSize)
		return &buf
	},
}

// GetBuf retrieves a buffer from the pool.  Callers must return it
// with [PutBuf] when finished.
func GetBuf() *[]byte {
	return BufPool.Get().(*[]byte)
}

// PutBuf returns a buffer to the pool for reuse.  Buffers of any other
// size are dropped.
func PutBuf(buf *[]byte) {
	if buf == nil || len(*buf) != DefaultChunkSize {
		return
	}
	BufPool.Put(buf)
}

// ChunkBuf returns a buffer of exactly size bytes, taken from the pool
// when size matches [DefaultChunkSize].
func ChunkBuf(size int) *[]byte {
	if size == DefaultChunkSize {
		return GetBuf()
	}
	buf := make([]byte, size)
	return &buf
}
