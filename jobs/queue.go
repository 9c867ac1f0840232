package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"videosearch/logging"
)

// TaskState is the queue's own view of a submitted task, consulted by status
// reconciliation when the job record looks stale.
type TaskState int

const (
	TaskUnknown TaskState = iota
	TaskQueued
	TaskRunning
	TaskFinished
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskRunning:
		return "running"
	case TaskFinished:
		return "finished"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrQueueUnavailable means the queue cannot accept work.
	ErrQueueUnavailable = errors.New("queue unavailable")
	// ErrDuplicateKey means a task with the same key is queued or running.
	ErrDuplicateKey = errors.New("task with this key is already active")
)

// Task is one unit of queued work. The error result decides the terminal
// task state.
type Task func(ctx context.Context) error

// Queue is the queueing substrate contract: submit work under a unique key
// and observe its execution state afterwards.
type Queue interface {
	// Submit enqueues the task under key. A key already queued or running is
	// rejected with ErrDuplicateKey; keys of finished tasks may be reused.
	Submit(key string, task Task) error
	// State reports the queue's view of a key. TaskUnknown for keys the
	// queue has never seen or has since forgotten.
	State(key string) TaskState
}

type queuedTask struct {
	key  string
	task Task
}

// WorkerPool is an in-process Queue: a fixed set of workers each running one
// task end-to-end under the configured timeout. Task states are retained
// after completion so status reconciliation can consult them.
type WorkerPool struct {
	mu      sync.Mutex
	states  map[string]TaskState
	tasks   chan queuedTask
	timeout time.Duration
	log     *logging.Logger
	root    context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// NewWorkerPool starts workers goroutines pulling from a buffered queue.
func NewWorkerPool(workers int, queueDepth int, timeout time.Duration, log *logging.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < workers {
		queueDepth = workers * 8
	}
	root, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		states:  map[string]TaskState{},
		tasks:   make(chan queuedTask, queueDepth),
		timeout: timeout,
		log:     log,
		root:    root,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.root.Done():
			return
		case qt, ok := <-p.tasks:
			if !ok {
				return
			}
			p.run(id, qt)
		}
	}
}

func (p *WorkerPool) run(workerID int, qt queuedTask) {
	p.setState(qt.key, TaskRunning)

	ctx := p.root
	var cancel context.CancelFunc
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	err := p.safeRun(ctx, qt.task)
	if err != nil {
		p.log.Errorf("worker %d: task %s failed: %v", workerID, qt.key, err)
		p.setState(qt.key, TaskFailed)
		return
	}
	p.setState(qt.key, TaskFinished)
}

// safeRun converts a task panic into an error so a crashing job cannot take
// the worker down with it.
func (p *WorkerPool) safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (p *WorkerPool) Submit(key string, task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrQueueUnavailable
	}
	switch p.states[key] {
	case TaskQueued, TaskRunning:
		p.mu.Unlock()
		return ErrDuplicateKey
	}
	p.states[key] = TaskQueued
	p.mu.Unlock()

	select {
	case p.tasks <- queuedTask{key: key, task: task}:
		return nil
	default:
		p.setState(key, TaskUnknown)
		return fmt.Errorf("%w: queue full", ErrQueueUnavailable)
	}
}

func (p *WorkerPool) State(key string) TaskState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[key]
}

func (p *WorkerPool) setState(key string, state TaskState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state == TaskUnknown {
		delete(p.states, key)
		return
	}
	p.states[key] = state
}

// Shutdown stops accepting work, cancels running tasks, and waits for the
// workers to exit.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
