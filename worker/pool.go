package worker

import (
	iface "Sam2SegServer/interface"
	"Sam2SegServer/logger"
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrClosed = fmt.Errorf("%w: worker pool closed", iface.ErrServiceUnavailable)

// restartDelay is how long a worker waits before coming back after a panic.
var restartDelay = 1 * time.Second

type task struct {
	fn   func() error
	done chan error
}

func (t *task) finish(err error) {
	t.done <- err
}

// Pool runs jobs on a fixed number of goroutines. Queued jobs are drained on Close.
type Pool struct {
	jobs   chan *task
	size   int
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// New starts size workers. A size below 1 is treated as 1.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		jobs: make(chan *task, size),
		size: size,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.runWorker(i)
	}
	return p
}

func (p *Pool) Size() int {
	return p.size
}

// Pending is the number of queued jobs no worker has picked up yet.
func (p *Pool) Pending() int {
	return len(p.jobs)
}

func (p *Pool) runWorker(workerID int) {
	var current *task
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("worker panic, restarting",
				zap.Int("worker", workerID),
				zap.Any("panic", r),
				zap.Duration("delay", restartDelay))
			if current != nil {
				current.finish(fmt.Errorf("%w: panic: %v", iface.ErrInference, r))
			}
			go func() {
				time.Sleep(restartDelay)
				p.runWorker(workerID)
			}()
			return
		}
		p.wg.Done()
	}()
	// cgo inference stays on one OS thread per worker
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	logger.Log().Debug("worker started", zap.Int("worker", workerID))
	for t := range p.jobs {
		current = t
		t.finish(t.fn())
		current = nil
	}
}

// Submit queues fn and waits for its result. ctx only bounds the wait for a queue slot;
// a started job always runs to completion.
func (p *Pool) Submit(ctx context.Context, fn func() error) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	t := &task{fn: fn, done: make(chan error, 1)}
	select {
	case p.jobs <- t:
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	p.mu.RUnlock()
	return <-t.done
}

// Close stops accepting jobs, lets the workers finish the queue and waits for them.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Run submits fn to p and returns its value.
func Run[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var out T
	err := p.Submit(ctx, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}
