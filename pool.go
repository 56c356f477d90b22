// pool.go: Buffer pooling for envelope assembly and key derivation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"sync"
)

var (
	// MAC inputs and derivation inputs are small: header + key id + IV + ciphertext of a token
	dynamicBufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, 0, 256)
			return &buf // pointer avoids an allocation on Put (SA6002)
		},
	}

	// scratch for derived subkeys; always cleared before reuse
	keyBufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, KeySize)
			return &buf
		},
	}
)

// maxPooledCapacity caps what goes back to the pool so one large token does not pin memory.
const maxPooledCapacity = 16 * 1024

func init() {
	WarmupPools(4)
}

// getKeyBuffer returns a zeroed KeySize scratch buffer.
func getKeyBuffer() *[]byte {
	buf := keyBufferPool.Get().(*[]byte)
	*buf = (*buf)[:KeySize]
	return buf
}

// putKeyBuffer wipes and returns a key scratch buffer.
func putKeyBuffer(buf *[]byte) {
	if buf == nil || cap(*buf) != KeySize {
		return
	}
	clearBuffer((*buf)[:KeySize])
	keyBufferPool.Put(buf)
}

// clearBuffer zeroes buf in place.
func clearBuffer(buf []byte) {
	if len(buf) <= 64 {
		for i := range buf {
			buf[i] = 0
		}
		return
	}

	// unrolled for cache-line throughput
	i := 0
	for i < len(buf)-7 {
		buf[i] = 0
		buf[i+1] = 0
		buf[i+2] = 0
		buf[i+3] = 0
		buf[i+4] = 0
		buf[i+5] = 0
		buf[i+6] = 0
		buf[i+7] = 0
		i += 8
	}
	for i < len(buf) {
		buf[i] = 0
		i++
	}
}

// getDynamicBuffer retrieves an empty buffer that can grow.
func getDynamicBuffer() []byte {
	buf := dynamicBufferPool.Get().(*[]byte)
	return (*buf)[:0]
}

// putDynamicBuffer clears the full capacity of buf and returns it to the pool.
// Buffers may have carried plaintext, so clearing is unconditional.
func putDynamicBuffer(buf []byte) {
	bufCap := cap(buf)
	if bufCap == 0 {
		return
	}
	clearBuffer(buf[:bufCap])
	if bufCap >= 128 && bufCap <= maxPooledCapacity {
		buf = buf[:0]
		dynamicBufferPool.Put(&buf)
	}
}

// WarmupPools pre-allocates buffers to reduce first-call latency.
func WarmupPools(count int) {
	keyBufs := make([]*[]byte, count)
	dynamicBufs := make([][]byte, count)
	for i := 0; i < count; i++ {
		keyBufs[i] = getKeyBuffer()
		dynamicBufs[i] = getDynamicBuffer()
	}
	for i := 0; i < count; i++ {
		putKeyBuffer(keyBufs[i])
		putDynamicBuffer(dynamicBufs[i])
	}
}
