package coordinator

import (
	"sync"
)

// taskQueue runs functions one at a time in submission order on its own
// goroutine. Submission never blocks.
type taskQueue struct {
	mu      sync.Mutex
	tasks   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go q.loop()
	return q
}

// submit enqueues fn. It reports false once the queue is stopped.
func (q *taskQueue) submit(fn func()) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// stop drains nothing further; tasks already queued still run.
func (q *taskQueue) stop() {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.wake)
	}
	q.mu.Unlock()
}

func (q *taskQueue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			stopped := q.stopped
			q.mu.Unlock()
			if stopped {
				return
			}
			<-q.wake
			continue
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
		fn()
	}
}

// tabQueues lazily creates one queue per tab.
type tabQueues struct {
	mu     sync.Mutex
	queues map[int]*taskQueue
}

func newTabQueues() *tabQueues {
	return &tabQueues{queues: make(map[int]*taskQueue)}
}

func (t *tabQueues) submit(tabID int, fn func()) {
	for {
		t.mu.Lock()
		q, ok := t.queues[tabID]
		if !ok {
			q = newTaskQueue()
			t.queues[tabID] = q
		}
		t.mu.Unlock()
		if q.submit(fn) {
			return
		}
		// Lost a race with remove; a fresh queue takes over.
		t.mu.Lock()
		if t.queues[tabID] == q {
			delete(t.queues, tabID)
		}
		t.mu.Unlock()
	}
}

func (t *tabQueues) remove(tabID int) {
	t.mu.Lock()
	q, ok := t.queues[tabID]
	delete(t.queues, tabID)
	t.mu.Unlock()
	if ok {
		q.stop()
	}
}

func (t *tabQueues) stopAll() {
	t.mu.Lock()
	qs := t.queues
	t.queues = make(map[int]*taskQueue)
	t.mu.Unlock()
	for _, q := range qs {
		q.stop()
	}
}
