// pool_test.go: Buffer pooling tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package krypteia

import (
	"sync"
	"testing"
)

// TestKeyBufferPool verifies key scratch buffers have KeySize length and come back zeroed
func TestKeyBufferPool(t *testing.T) {
	buf := getKeyBuffer()
	if len(*buf) != KeySize {
		t.Fatalf("key buffer length %d, want %d", len(*buf), KeySize)
	}
	for i := range *buf {
		(*buf)[i] = 0xAA
	}
	putKeyBuffer(buf)

	// the wipe happens on put, so the slice we still hold must be zero
	for i, b := range *buf {
		if b != 0 {
			t.Fatalf("key buffer not wiped at %d: %x", i, b)
		}
	}
}

// TestPutKeyBufferForeignCapacity verifies buffers of another size are not pooled
func TestPutKeyBufferForeignCapacity(t *testing.T) {
	odd := make([]byte, 7)
	putKeyBuffer(&odd)
	putKeyBuffer(nil)
}

// TestDynamicBufferPool verifies the functionality of the dynamic pool
func TestDynamicBufferPool(t *testing.T) {
	buf := getDynamicBuffer()
	if len(buf) != 0 {
		t.Fatalf("dynamic buffer should be empty, got length %d", len(buf))
	}
	if cap(buf) < 128 {
		t.Errorf("Dynamic buffer capacity %d too small", cap(buf))
	}

	buf = append(buf, []byte("refresh-token-plaintext")...)
	full := buf[:cap(buf)]
	putDynamicBuffer(buf)

	for i, b := range full {
		if b != 0 {
			t.Fatalf("dynamic buffer not wiped at %d", i)
		}
	}
}

// TestPutDynamicBufferOversized verifies oversized buffers are wiped but not pooled
func TestPutDynamicBufferOversized(t *testing.T) {
	big := make([]byte, maxPooledCapacity+1)
	for i := range big {
		big[i] = 1
	}
	putDynamicBuffer(big)
	for i, b := range big {
		if b != 0 {
			t.Fatalf("oversized buffer not wiped at %d", i)
		}
	}
	putDynamicBuffer(nil)
}

// TestClearBuffer covers both the short and the unrolled path
func TestClearBuffer(t *testing.T) {
	for _, n := range []int{0, 1, 63, 64, 65, 71, 1024, 1031} {
		buf := make([]byte, n)
		for i := range buf {
			buf[i] = 0xFF
		}
		clearBuffer(buf)
		for i, b := range buf {
			if b != 0 {
				t.Fatalf("size %d: byte %d not cleared", n, i)
			}
		}
	}
}

// TestBufferPoolConcurrency verifies thread-safety
func TestBufferPoolConcurrency(t *testing.T) {
	const numGoroutines = 64
	const numOpsPerGoroutine = 50

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numOpsPerGoroutine; j++ {
				kb := getKeyBuffer()
				(*kb)[0] = byte(id)
				putKeyBuffer(kb)

				dyn := getDynamicBuffer()
				dyn = append(dyn, byte(id), byte(j))
				putDynamicBuffer(dyn)
			}
		}(i)
	}
	wg.Wait()
}

// TestWarmupPools verifies the warmup function
func TestWarmupPools(t *testing.T) {
	WarmupPools(10)
	WarmupPools(0)
}

// BenchmarkBufferPoolOperations measures the performance of pool operations
func BenchmarkBufferPoolOperations(b *testing.B) {
	b.Run("KeyBuffer", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			putKeyBuffer(getKeyBuffer())
		}
	})
	b.Run("DynamicBuffer", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			putDynamicBuffer(getDynamicBuffer())
		}
	})
}
