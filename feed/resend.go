package feed

import "sync"

// sendJob tracks which legs of a local send still need to happen. A send has
// two independent legs: the push channel fan-out and the gateway persist.
type sendJob struct {
	msgID    string
	attempts int
	publish  bool
	persist  bool
}

// resendQueue buffers sends that could not complete, bounded so a dead
// backend cannot grow it without limit.
type resendQueue struct {
	mu   sync.Mutex
	cap  int
	jobs []*sendJob
}

func newResendQueue(cap int) *resendQueue {
	return &resendQueue{cap: cap}
}

// push appends a job. It reports false when the queue is at capacity.
func (q *resendQueue) push(j *sendJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) >= q.cap {
		return false
	}
	q.jobs = append(q.jobs, j)
	return true
}

// drain removes and returns all queued jobs in FIFO order.
func (q *resendQueue) drain() []*sendJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.jobs
	q.jobs = nil
	return jobs
}

func (q *resendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
