// Package queue implements the in-memory priority queue feeding the
// delivery workers. Ordering is (priority, arrival sequence): lower priority
// values dequeue first, ties dequeue in strict insertion order.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"PrioMail/internal/models"
)

type entry struct {
	priority models.Priority
	seq      uint64
	task     *models.EmailTask
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// PriorityTaskQueue is safe for concurrent producers and consumers.
type PriorityTaskQueue struct {
	mu      sync.Mutex
	heap    entryHeap
	seq     uint64
	pending map[string]*models.EmailTask
	wake    chan struct{}
}

func New() *PriorityTaskQueue {
	return &PriorityTaskQueue{
		pending: make(map[string]*models.EmailTask),
		wake:    make(chan struct{}, 1),
	}
}

// Put inserts the task at the given priority. Non-blocking.
func (q *PriorityTaskQueue) Put(task *models.EmailTask, priority models.Priority) string {
	q.mu.Lock()
	task.Priority = priority
	q.seq++
	heap.Push(&q.heap, &entry{priority: priority, seq: q.seq, task: task})
	q.pending[task.TaskID] = task
	q.mu.Unlock()

	q.signal()
	return task.TaskID
}

// Get blocks until a task is available or the timeout elapses, returning nil
// on timeout so the consumer can run periodic housekeeping while idle.
func (q *PriorityTaskQueue) Get(timeout time.Duration) *models.EmailTask {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.heap.Len() > 0 {
			e := heap.Pop(&q.heap).(*entry)
			delete(q.pending, e.task.TaskID)
			remaining := q.heap.Len()
			q.mu.Unlock()
			if remaining > 0 {
				// A waiter may have consumed the only wake signal and lost
				// the race for this entry; re-signal so it re-checks.
				q.signal()
			}
			return e.task
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-timer.C:
			return nil
		}
	}
}

// Cancel flags a still-queued task as cancelled. Returns false if the task
// was already dequeued or is unknown. Best-effort: a task racing with Get may
// be flagged after removal from pending, so consumers must re-check the flag
// after dequeue.
func (q *PriorityTaskQueue) Cancel(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.pending[taskID]
	if !ok {
		return false
	}
	task.Cancel()
	delete(q.pending, taskID)
	return true
}

// Size returns the number of tasks not yet dequeued, including ones flagged
// cancelled but still sitting in the heap.
func (q *PriorityTaskQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

func (q *PriorityTaskQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
