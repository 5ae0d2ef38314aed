// Package scheduler linearizes per-session work. Every event append and
// message-buffer mutation for one session flows through that session's
// queue, so later readers observe a single total order.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one unit of session work.
type Task struct {
	SessionID string
	Fn        func(context.Context) error
	Ctx       context.Context
	Cancel    context.CancelFunc
	Result    chan error
}

// sessionQueue holds the pending tasks of a single session.
type sessionQueue struct {
	tasks     chan *Task
	closed    atomic.Bool
	closeCh   chan struct{}
	closeOnce sync.Once
}

// RunQueue provides per-session FIFO execution. Tasks for the same session
// run serially; different sessions run in parallel. Idle session workers
// are evicted after idleTimeout.
type RunQueue struct {
	queues      sync.Map // map[string]*sessionQueue
	wg          sync.WaitGroup
	closed      atomic.Bool
	mu          sync.Mutex
	idleTimeout time.Duration
	queueSize   int
}

// NewRunQueue creates a run queue. Zero arguments select the defaults
// (100 slots, 30s idle eviction).
func NewRunQueue(queueSize int, idleTimeout time.Duration) *RunQueue {
	if queueSize <= 0 {
		queueSize = 100
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	return &RunQueue{
		queueSize:   queueSize,
		idleTimeout: idleTimeout,
	}
}

// Enqueue adds a task to the session's queue and returns a channel that
// receives the task's result exactly once.
func (rq *RunQueue) Enqueue(ctx context.Context, sessionID string, fn func(context.Context) error) (<-chan error, error) {
	if rq.closed.Load() {
		return nil, ErrQueueClosed
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := &Task{
		SessionID: sessionID,
		Fn:        fn,
		Ctx:       taskCtx,
		Cancel:    cancel,
		Result:    make(chan error, 1),
	}

	sq := rq.getOrCreateQueue(sessionID)
	if sq.closed.Load() {
		cancel()
		return nil, ErrSessionClosed
	}

	select {
	case sq.tasks <- task:
		return task.Result, nil
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	default:
		cancel()
		return nil, ErrQueueFull
	}
}

func (rq *RunQueue) getOrCreateQueue(sessionID string) *sessionQueue {
	if v, ok := rq.queues.Load(sessionID); ok {
		return v.(*sessionQueue)
	}

	rq.mu.Lock()
	defer rq.mu.Unlock()

	// Double check after acquiring lock.
	if v, ok := rq.queues.Load(sessionID); ok {
		return v.(*sessionQueue)
	}

	sq := &sessionQueue{
		tasks:   make(chan *Task, rq.queueSize),
		closeCh: make(chan struct{}),
	}
	rq.queues.Store(sessionID, sq)

	rq.wg.Add(1)
	go rq.worker(sessionID, sq)

	return sq
}

func (rq *RunQueue) worker(sessionID string, sq *sessionQueue) {
	defer rq.wg.Done()
	defer func() {
		sq.closed.Store(true)
		rq.queues.Delete(sessionID)
		// Fail anything that slipped in while we were exiting.
		for {
			select {
			case task := <-sq.tasks:
				task.Cancel()
				task.Result <- ErrSessionClosed
				close(task.Result)
			default:
				return
			}
		}
	}()

	idleTimer := time.NewTimer(rq.idleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case task, ok := <-sq.tasks:
			if !ok {
				return
			}

			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(rq.idleTimeout)

			task.Result <- rq.execute(task)
			close(task.Result)

		case <-idleTimer.C:
			return

		case <-sq.closeCh:
			return
		}
	}
}

func (rq *RunQueue) execute(task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()
	if task.Ctx.Err() != nil {
		return task.Ctx.Err()
	}
	return task.Fn(task.Ctx)
}

// Cancel stops the session's worker and abandons its pending tasks.
func (rq *RunQueue) Cancel(sessionID string) {
	if v, ok := rq.queues.Load(sessionID); ok {
		sq := v.(*sessionQueue)
		sq.closed.Store(true)
		sq.closeOnce.Do(func() {
			close(sq.closeCh)
		})
	}
}

// Pending returns the number of queued tasks for a session.
func (rq *RunQueue) Pending(sessionID string) int {
	if v, ok := rq.queues.Load(sessionID); ok {
		sq := v.(*sessionQueue)
		return len(sq.tasks)
	}
	return 0
}

// ActiveSessions returns the number of sessions with live workers.
func (rq *RunQueue) ActiveSessions() int {
	count := 0
	rq.queues.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// Shutdown stops accepting work and waits for in-flight tasks until ctx
// expires.
func (rq *RunQueue) Shutdown(ctx context.Context) error {
	rq.closed.Store(true)

	rq.queues.Range(func(key, value any) bool {
		sq := value.(*sessionQueue)
		sq.closed.Store(true)
		sq.closeOnce.Do(func() {
			close(sq.closeCh)
		})
		return true
	})

	done := make(chan struct{})
	go func() {
		rq.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
