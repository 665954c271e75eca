// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

// Package pool provides a bounded worker pool for fire-and-forget tasks.
package pool

import (
	"sync"
	"sync/atomic"

	xh "github.com/cespare/xxhash/v2"
)

// taskChan is a channel for incoming task functions.
type taskChan chan func()

// FanPool is a fixed-sized fan-style worker pool with multiple working
// 'columns'. Each column is a bounded queue processed by a single goroutine,
// and tasks for the same key always land in the same column, so they run in
// the order they were queued.
type FanPool struct {
	mu       sync.RWMutex
	queue    []taskChan
	wg       sync.WaitGroup
	capacity uint64
	perChan  uint64
}

// New returns a new instance of FanPool. fanSize controls the number of
// 'columns' of the fan, whereas queueSize controls the size of each column's
// queue.
func New(fanSize, queueSize uint64) *FanPool {
	pool := &FanPool{
		capacity: fanSize,
		perChan:  queueSize,
		queue:    make([]taskChan, fanSize),
	}

	pool.fillWorkers(fanSize)

	return pool
}

// fillWorkers adds columns to the fan pool with an associated worker goroutine.
func (p *FanPool) fillWorkers(n uint64) {
	for i := uint64(0); i < n; i++ {
		p.queue[i] = make(taskChan, p.perChan)
		p.wg.Add(1)
		go p.worker(p.queue[i])
	}
}

// worker is a worker goroutine which processes tasks from a single queue.
func (p *FanPool) worker(ch taskChan) {
	defer p.wg.Done()
	for task := range ch {
		task()
	}
}

// column returns the queue for a key. The read lock must be held.
func (p *FanPool) column(key string) taskChan {
	return p.queue[xh.Sum64String(key)%uint64(len(p.queue))]
}

// Enqueue adds a new task to the queue for key, blocking while the queue is
// full. It returns false if the pool is closed.
func (p *FanPool) Enqueue(key string, task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.queue) == 0 {
		return false
	}

	p.column(key) <- task
	return true
}

// TryEnqueue adds a new task to the queue for key without blocking. It returns
// false if the queue is full or the pool is closed.
func (p *FanPool) TryEnqueue(key string, task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.queue) == 0 {
		return false
	}

	select {
	case p.column(key) <- task:
		return true
	default:
		return false
	}
}

// Wait blocks until all the workers in the pool have completed.
func (p *FanPool) Wait() {
	p.wg.Wait()
}

// Close issues a shutdown signal to the workers. Queued tasks are still run.
func (p *FanPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.queue {
		if p.queue[i] != nil {
			close(p.queue[i])
		}
	}
	p.queue = nil
	atomic.StoreUint64(&p.capacity, 0)
}

// Size returns the current number of workers in the pool.
func (p *FanPool) Size() uint64 {
	return atomic.LoadUint64(&p.capacity)
}
