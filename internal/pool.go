package internal

import "sync"

// WorkerPool runs long-running work (roll execution, waiting for confirmations) off the relay
// event loop. Up to N pieces of work run concurrently and up to N more may be queued.
type WorkerPool struct {
	N  int
	ch chan func()
	wg sync.WaitGroup
}

// Create a new worker pool of size N. The channel buffer is also N: producers which queue more
// than N outstanding items are told so by TryQueue rather than being blocked, since the main
// producer is the event loop and it must never block.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N:  n,
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	wp.wg.Add(wp.N)
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool and wait for in-flight work to finish. Only call this once.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
	wp.wg.Wait()
}

// TryQueue queues work without blocking. Returns false if the pool is saturated.
func (wp *WorkerPool) TryQueue(fn func()) bool {
	select {
	case wp.ch <- fn:
		return true
	default:
		return false
	}
}

// worker impl
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for fn := range wp.ch {
		fn()
	}
}
