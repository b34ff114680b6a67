// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.astrophena.name/autostars/cmd/autostars/internal/ledger"
)

// ErrQueueClosed is returned by [Queue.Enqueue] after [Queue.Close].
var ErrQueueClosed = errors.New("payment: queue closed")

// Task is a confirmed order waiting to be paid.
type Task struct {
	// ID correlates log lines of one task.
	ID          string    `json:"id"`
	BuyerChatID int64     `json:"buyer_chat_id"`
	Username    string    `json:"username"`
	Quantity    int       `json:"quantity"`
	OrderID     string    `json:"order_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// NewTask returns the task paying for a confirmed record.
func NewTask(rec ledger.Record, now time.Time) Task {
	return Task{
		ID:          uuid.NewString(),
		BuyerChatID: rec.BuyerChatID,
		Username:    rec.Username,
		Quantity:    rec.Quantity,
		OrderID:     rec.OrderID,
		EnqueuedAt:  now,
	}
}

// Queue is an unbounded FIFO of tasks. Enqueue never blocks on the consumer.
type Queue struct {
	mu     sync.Mutex
	tasks  []Task
	closed bool
	ready  chan struct{} // receives a value when tasks or closed change
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Enqueue appends t and returns its 1-based position among waiting tasks.
func (q *Queue) Enqueue(t Task) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}
	q.tasks = append(q.tasks, t)
	q.signal()
	return len(q.tasks), nil
}

// Len returns the number of waiting tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops accepting tasks. Waiting tasks can still be taken.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// next blocks until a task is available. It returns false when ctx is done
// or the queue is closed and empty.
func (q *Queue) next(ctx context.Context) (Task, bool) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			t := q.tasks[0]
			q.tasks[0] = Task{}
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			return t, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Task{}, false
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return Task{}, false
		}
	}
}
