// Package bufferpool implements the fixed-count, equal-sized buffer pool
// (component C1) that bounds the dumper's memory footprint. It follows the
// mutex+condition-variable pool pattern used for blocking resource checkout
// across the retrieval pack (warm-instance pools gate acquisition the same
// way): callers block in Checkout until a buffer is returned or the pool is
// closed, rather than racing on a buffered channel.
package bufferpool

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Checkout once the pool has been closed, so
// blocked waiters can wake up and exit promptly instead of hanging forever.
var ErrClosed = errors.New("bufferpool: closed")

// Pool is a fixed-count set of pre-allocated, equal-sized byte buffers.
// The zero value is not usable; construct with New.
type Pool struct {
	mu        sync.Mutex
	cond      *sync.Cond
	free      [][]byte
	chunkSize int
	capacity  int
	closed    bool
}

// New allocates a pool of capacity buffers, each chunkSize bytes, up front.
// capacity must be at least 1 and chunkSize at least 1.
func New(capacity, chunkSize int) (*Pool, error) {
	if capacity < 1 {
		return nil, errors.New("bufferpool: capacity must be at least 1")
	}
	if chunkSize < 1 {
		return nil, errors.New("bufferpool: chunkSize must be at least 1")
	}

	p := &Pool{
		free:      make([][]byte, 0, capacity),
		chunkSize: chunkSize,
		capacity:  capacity,
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, make([]byte, chunkSize))
	}
	return p, nil
}

// MinCapacity returns the smallest pool capacity that avoids the deadlock
// described in the concurrency model: the metadump task and one in-flight
// rotation hand-off each need a spare buffer beyond one per worker thread.
func MinCapacity(numThreads int) int {
	return numThreads + 2
}

// Capacity returns the pool's total buffer count.
func (p *Pool) Capacity() int {
	return p.capacity
}

// ChunkSize returns the fixed size of every buffer in the pool.
func (p *Pool) ChunkSize() int {
	return p.chunkSize
}

// Free returns the number of buffers currently available for checkout.
// Intended for tests verifying P3 (no buffer leak): after quiescence, Free
// must equal Capacity.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Checkout blocks until a buffer is available and returns it, or returns
// ErrClosed if the pool is closed while waiting or already closed. Buffers
// are not zeroed between checkouts; the caller tracks its own valid-byte
// length and must not assume buffer contents start clean.
func (p *Pool) Checkout() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.free) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return nil, ErrClosed
	}

	n := len(p.free) - 1
	buf := p.free[n]
	p.free = p.free[:n]
	return buf, nil
}

// Return releases buf back to the pool, waking one blocked waiter. buf must
// have been obtained from Checkout on this pool and must not be used by the
// caller afterward.
func (p *Pool) Return(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.free = append(p.free, buf)
	p.cond.Signal()
}

// Close drains the pool: every blocked Checkout wakes and returns ErrClosed,
// and all subsequent Checkout calls fail immediately. Close does not wait
// for outstanding buffers to be returned; callers rely on AwaitQuiescence at
// the scheduler level for that.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cond.Broadcast()
}
