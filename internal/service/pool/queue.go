package pool

import "container/heap"

// taskQueue holds tasks waiting for a worker
type taskQueue interface {
	// push adds t and returns false when the queue is full
	push(t *Task) bool
	pop() *Task
	len() int
}

// fifoQueue is a bounded first-in first-out queue
type fifoQueue struct {
	items    []*Task
	capacity int
}

func newFIFOQueue(capacity int) *fifoQueue {
	return &fifoQueue{capacity: capacity}
}

func (q *fifoQueue) push(t *Task) bool {
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, t)
	return true
}

func (q *fifoQueue) pop() *Task {
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t
}

func (q *fifoQueue) len() int { return len(q.items) }

// priorityQueue is unbounded. Higher Priority runs first, equal priorities
// run in submission order.
type priorityQueue struct {
	h   taskHeap
	seq uint64
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{}
}

func (q *priorityQueue) push(t *Task) bool {
	q.seq++
	heap.Push(&q.h, queuedTask{task: t, seq: q.seq})
	return true
}

func (q *priorityQueue) pop() *Task {
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(queuedTask).task
}

func (q *priorityQueue) len() int { return q.h.Len() }

type queuedTask struct {
	task *Task
	seq  uint64
}

type taskHeap []queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(queuedTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = queuedTask{}
	*h = old[:n-1]
	return item
}
