package transport

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrPoolBusy   = errors.New("worker pool queue is full")
)

// pool runs submitted tasks on a fixed set of worker goroutines with a
// bounded queue. Submit never blocks: a full queue is reported to the
// caller so the connection reader is never stalled by slow handlers.
type pool struct {
	tasks  chan func()
	quit   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

func newPool(workers, queueDepth int) *pool {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = workers * 16
	}
	p := &pool{
		tasks: make(chan func(), queueDepth),
		quit:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *pool) submit(task func()) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrPoolBusy
	}
}

func (p *pool) close() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.quit)
		p.wg.Wait()
	}
}

func (p *pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			p.execute(task)
		case <-p.quit:
			// drain what was already queued
			for {
				select {
				case task := <-p.tasks:
					p.execute(task)
				default:
					return
				}
			}
		}
	}
}

// execute shields the worker from panicking tasks.
func (p *pool) execute(task func()) {
	defer func() { _ = recover() }()
	task()
}
