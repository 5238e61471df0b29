// Package bufpool provides a fixed inventory of reusable relay buffers.
//
// All buffers are allocated up front, so the memory a proxy can spend on
// relaying is bounded by Count()*Size() no matter how many clients connect.
package bufpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ops-lb/pkg/proxyerr"
)

// Pool hands out buffers of a fixed size from a fixed inventory.
type Pool struct {
	slots chan []byte
	count int
	size  int
	// wait is the longest Acquire blocks on an empty pool. Zero fails immediately.
	wait time.Duration
}

// New allocates count buffers of size bytes each.
func New(count, size int, wait time.Duration) (*Pool, error) {
	if count <= 0 {
		return nil, proxyerr.Errorf(proxyerr.ErrInvalidConfiguration, "buffer count must be positive, got %d", count)
	}
	if size <= 0 {
		return nil, proxyerr.Errorf(proxyerr.ErrInvalidConfiguration, "buffer size must be positive, got %d", size)
	}
	if wait < 0 {
		wait = 0
	}

	p := &Pool{
		slots: make(chan []byte, count),
		count: count,
		size:  size,
		wait:  wait,
	}
	for i := 0; i < count; i++ {
		p.slots <- make([]byte, size)
	}
	return p, nil
}

// Buffer is one borrowed slot. Release it exactly once; extra calls are no-ops.
type Buffer struct {
	B    []byte
	pool *Pool
	once sync.Once
}

// Release returns the buffer to the pool it came from.
func (b *Buffer) Release() {
	if b == nil {
		return
	}
	b.once.Do(func() {
		buf := b.B[:cap(b.B)]
		b.B = nil
		b.pool.slots <- buf
	})
}

// Acquire borrows a buffer, waiting up to the pool's wait ceiling when all
// slots are in use. It fails with ErrBufferPoolExhausted on timeout.
func (p *Pool) Acquire(ctx context.Context) (*Buffer, error) {
	select {
	case buf := <-p.slots:
		return &Buffer{B: buf, pool: p}, nil
	default:
	}

	if p.wait == 0 {
		return nil, proxyerr.Errorf(proxyerr.ErrBufferPoolExhausted, "all %d buffers in use", p.count)
	}

	timer := time.NewTimer(p.wait)
	defer timer.Stop()

	select {
	case buf := <-p.slots:
		return &Buffer{B: buf, pool: p}, nil
	case <-timer.C:
		return nil, proxyerr.Errorf(proxyerr.ErrBufferPoolExhausted, "all %d buffers in use after waiting %s", p.count, p.wait)
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire buffer: %w", ctx.Err())
	}
}

// Available returns the number of idle buffers.
func (p *Pool) Available() int {
	return len(p.slots)
}

// Count returns the total inventory.
func (p *Pool) Count() int {
	return p.count
}

// Size returns the size of every buffer.
func (p *Pool) Size() int {
	return p.size
}

// Stats returns idle and in-use buffer counts.
func (p *Pool) Stats() (idle, inUse int) {
	idle = len(p.slots)
	return idle, p.count - idle
}
