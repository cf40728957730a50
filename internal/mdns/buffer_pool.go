package mdns

import "sync"

// receiveBufferSize accommodates the largest mDNS message we accept. 9000
// covers jumbo-frame links; RFC 6762 §17 caps messages at the interface MTU.
const receiveBufferSize = 9000

var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, receiveBufferSize)
		return &buf
	},
}

// getBuffer borrows a receive buffer from the pool.
func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// putBuffer returns a buffer to the pool. Callers must copy out any bytes
// they keep before returning it.
func putBuffer(buf *[]byte) {
	bufferPool.Put(buf)
}
