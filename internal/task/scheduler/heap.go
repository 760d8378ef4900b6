package scheduler

import (
	"container/heap"
	"time"

	"infoflow/internal/task"
)

// entry is one queued task. seq is assigned at submission time and strictly
// increases, so tasks sharing a trigger time dequeue in FIFO order.
type entry struct {
	at   time.Time
	seq  uint64
	task task.Task
}

// taskHeap is a min-heap ordered by (at, seq). Only the scheduler touches it,
// always under the scheduler mutex.
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

func (h taskHeap) peek() *entry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

func pushEntry(h *taskHeap, e *entry) { heap.Push(h, e) }

func popEntry(h *taskHeap) *entry { return heap.Pop(h).(*entry) }
