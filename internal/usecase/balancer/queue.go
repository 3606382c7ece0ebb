package balancer

import (
	"time"

	"agentfleet/internal/domain"
)

// QueuedTask is a task waiting for a usable instance of its type.
type QueuedTask struct {
	Task       domain.Task     `json:"task"`
	Priority   domain.Priority `json:"priority"`
	Strategy   Strategy        `json:"strategy"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// taskQueue holds one FIFO bucket per priority level.
type taskQueue struct {
	buckets [4][]QueuedTask
}

// push appends qt to its bucket and returns its 1-based position across the
// whole queue in drain order.
func (q *taskQueue) push(qt QueuedTask) int {
	rank := qt.Priority.Rank()
	q.buckets[rank] = append(q.buckets[rank], qt)
	pos := 0
	for r := 0; r <= rank; r++ {
		pos += len(q.buckets[r])
	}
	return pos
}

// head returns the oldest task of the most urgent non-empty bucket.
func (q *taskQueue) head() (QueuedTask, bool) {
	for r := range q.buckets {
		if len(q.buckets[r]) > 0 {
			return q.buckets[r][0], true
		}
	}
	return QueuedTask{}, false
}

func (q *taskQueue) pop() {
	for r := range q.buckets {
		if len(q.buckets[r]) > 0 {
			q.buckets[r][0] = QueuedTask{}
			q.buckets[r] = q.buckets[r][1:]
			return
		}
	}
}

func (q *taskQueue) len() int {
	n := 0
	for r := range q.buckets {
		n += len(q.buckets[r])
	}
	return n
}

func (q *taskQueue) depthByPriority() map[domain.Priority]int {
	out := make(map[domain.Priority]int, len(domain.Priorities))
	for r, p := range domain.Priorities {
		out[p] = len(q.buckets[r])
	}
	return out
}

func (q *taskQueue) snapshot() []QueuedTask {
	out := make([]QueuedTask, 0, q.len())
	for r := range q.buckets {
		out = append(out, q.buckets[r]...)
	}
	return out
}

func (q *taskQueue) clear() {
	q.buckets = [4][]QueuedTask{}
}
