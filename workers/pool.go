// File: workers/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fixed-size worker pool over a bounded FIFO. Submit never blocks: a
// full queue is reported to the caller, which falls back to inline
// execution in the reactor (documented degradation). A panicking task
// fails alone; the worker goroutine is recycled.

package workers

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"
)

var (
	ErrQueueFull  = errors.New("worker queue full")
	ErrPoolClosed = errors.New("worker pool closed")
)

// Task is one unit of request-handling work.
type Task func()

// Pool drains a bounded FIFO with a fixed set of goroutines.
type Pool struct {
	log      *zap.Logger
	maxQueue int

	mu     sync.Mutex
	cond   *sync.Cond
	fifo   *queue.Queue
	closed bool

	wg   sync.WaitGroup
	size int
}

// NewPool starts size workers (0 means NumCPU) over a queue bounded at
// maxQueue tasks.
func NewPool(log *zap.Logger, size, maxQueue int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if maxQueue <= 0 {
		maxQueue = size * 64
	}
	p := &Pool{
		log:      log.Named("workers"),
		maxQueue: maxQueue,
		fifo:     queue.New(),
		size:     size,
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	return p
}

// Size returns the fixed worker count.
func (p *Pool) Size() int { return p.size }

// QueueLen returns the current backlog.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fifo.Length()
}

// Submit enqueues a task without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if p.fifo.Length() >= p.maxQueue {
		return ErrQueueFull
	}
	p.fifo.Add(task)
	p.cond.Signal()
	return nil
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.fifo.Length() == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.fifo.Length() == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		task := p.fifo.Remove().(Task)
		p.mu.Unlock()
		p.execute(id, task)
	}
}

func (p *Pool) execute(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker task panicked", zap.Int("worker", id), zap.Any("panic", r))
		}
	}()
	task()
}

// Shutdown drains the queue within the deadline, then joins. Remaining
// tasks after the deadline are dropped.
func (p *Pool) Shutdown(deadline time.Duration) {
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if p.QueueLen() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	p.mu.Lock()
	p.closed = true
	for p.fifo.Length() > 0 {
		p.fifo.Remove()
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}
