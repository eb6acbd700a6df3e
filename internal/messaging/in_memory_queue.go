package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrQueueClosed = errors.New("queue is closed")

type inMemoryTask struct {
	queue   string
	payload []byte
	requeue func(Task) error
}

func (t *inMemoryTask) Type() string {
	return t.queue
}

func (t *inMemoryTask) Payload() []byte {
	return t.payload
}

func (t *inMemoryTask) Ack() error {
	return nil
}

func (t *inMemoryTask) Nack() error {
	return t.requeue(t)
}

func (t *inMemoryTask) Reject() error {
	return nil
}

// InMemoryQueue connects the API, worker and result listener when they run in
// one process. It carries the work queue and the results channel.
type InMemoryQueue struct {
	lock    sync.RWMutex
	closed  bool
	done    chan struct{}
	once    sync.Once
	work    chan Task
	results chan Task
}

func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 100
	}
	return &InMemoryQueue{
		done:    make(chan struct{}),
		work:    make(chan Task, capacity),
		results: make(chan Task, capacity),
	}
}

func (q *InMemoryQueue) publishTaskInternal(ctx context.Context, tasks chan Task, queue string, payload []byte) error {
	q.lock.RLock()
	defer q.lock.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	task := &inMemoryTask{
		queue:   queue,
		payload: payload,
		requeue: func(t Task) error { return q.redeliver(tasks, t) },
	}

	select {
	case tasks <- task:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to publish to %s: %w", queue, ctx.Err())
	case <-q.done:
		return ErrQueueClosed
	}
}

// redeliver puts a nacked task back on its channel. The send happens in the
// background since the caller is usually a consumer of that same channel.
func (q *InMemoryQueue) redeliver(tasks chan Task, task Task) error {
	q.lock.RLock()
	closed := q.closed
	q.lock.RUnlock()
	if closed {
		return ErrQueueClosed
	}

	go func() {
		q.lock.RLock()
		defer q.lock.RUnlock()

		if q.closed {
			return
		}
		select {
		case tasks <- task:
		case <-q.done:
		}
	}()
	return nil
}

func (q *InMemoryQueue) PublishWorkItem(ctx context.Context, item WorkItem) error {
	body, err := EncodeWorkItem(item)
	if err != nil {
		return err
	}
	return q.publishTaskInternal(ctx, q.work, WorkQueue, body)
}

func (q *InMemoryQueue) PublishResult(ctx context.Context, result ResultMessage) error {
	body, err := EncodeResult(result)
	if err != nil {
		return err
	}
	return q.publishTaskInternal(ctx, q.results, ResultsExchange, body)
}

func (q *InMemoryQueue) WorkReciever() Reciever {
	return &inMemoryReciever{queue: q, tasks: q.work}
}

func (q *InMemoryQueue) ResultReciever() Reciever {
	return &inMemoryReciever{queue: q, tasks: q.results}
}

func (q *InMemoryQueue) Close() {
	q.once.Do(func() {
		// Unblock publishers waiting on a full buffer before taking the write
		// lock, otherwise Close would wait on them.
		close(q.done)

		q.lock.Lock()
		defer q.lock.Unlock()

		q.closed = true
		close(q.work)
		close(q.results)
	})
}

type inMemoryReciever struct {
	queue *InMemoryQueue
	tasks chan Task
}

func (r *inMemoryReciever) Tasks() <-chan Task {
	return r.tasks
}

func (r *inMemoryReciever) Close() {
	r.queue.Close()
}
