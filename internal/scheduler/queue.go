package scheduler

import (
	"container/heap"
	"time"
)

// entry is a pending fire of one task. The heap is in-memory only and is
// rebuilt from persisted next run times on Load. An entry whose gen no
// longer matches the task's current generation is stale and dropped.
type entry struct {
	taskID string
	at     time.Time
	gen    uint64
}

type fireQueue []entry

func (q fireQueue) Len() int { return len(q) }

func (q fireQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].taskID < q[j].taskID
	}
	return q[i].at.Before(q[j].at)
}

func (q fireQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *fireQueue) Push(x any) { *q = append(*q, x.(entry)) }

func (q *fireQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

func (q *fireQueue) push(e entry) { heap.Push(q, e) }

func (q *fireQueue) pop() entry { return heap.Pop(q).(entry) }

// popDue removes and returns every entry due at or before now.
func (q *fireQueue) popDue(now time.Time) []entry {
	var due []entry
	for q.Len() > 0 && !(*q)[0].at.After(now) {
		due = append(due, heap.Pop(q).(entry))
	}
	return due
}

func (q fireQueue) peek() (entry, bool) {
	if len(q) == 0 {
		return entry{}, false
	}
	return q[0], true
}
