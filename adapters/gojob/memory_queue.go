package gojob

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

const defaultMemoryQueueCapacity = 256

// MemoryQueue is an in-process queue for single-node deployments. Pending
// messages with the same idempotency key are collapsed until settled.
type MemoryQueue struct {
	ready chan *job.ExecutionMessage

	mu         sync.Mutex
	closed     bool
	pending    map[string]struct{}
	deadLetter []DeadLetter
}

type DeadLetter struct {
	Message  *job.ExecutionMessage
	Reason   string
	FailedAt time.Time
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = defaultMemoryQueueCapacity
	}
	return &MemoryQueue{
		ready:   make(chan *job.ExecutionMessage, capacity),
		pending: map[string]struct{}{},
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg *job.ExecutionMessage) error {
	if q == nil {
		return fmt.Errorf("gojob: memory queue is nil")
	}
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	key := strings.TrimSpace(msg.IdempotencyKey)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("gojob: memory queue is closed")
	}
	if key != "" {
		if _, ok := q.pending[key]; ok {
			q.mu.Unlock()
			return nil
		}
		q.pending[key] = struct{}{}
	}
	q.mu.Unlock()

	select {
	case q.ready <- msg:
		return nil
	case <-ctx.Done():
		q.release(key)
		return ctx.Err()
	default:
		q.release(key)
		return fmt.Errorf("gojob: memory queue is full")
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	if q == nil {
		return nil, fmt.Errorf("gojob: memory queue is nil")
	}
	select {
	case msg := <-q.ready:
		return &memoryDelivery{queue: q, msg: msg}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DeadLetters returns messages that were dropped without requeue.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.deadLetter))
	copy(out, q.deadLetter)
	return out
}

func (q *MemoryQueue) Len() int {
	return len(q.ready)
}

func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *MemoryQueue) release(key string) {
	if key == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, key)
}

func (q *MemoryQueue) requeue(msg *job.ExecutionMessage, delay time.Duration) {
	push := func() {
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			q.release(strings.TrimSpace(msg.IdempotencyKey))
			return
		}
		select {
		case q.ready <- msg:
		default:
			q.deadLetterMessage(msg, "queue full on requeue")
		}
	}
	if delay <= 0 {
		push()
		return
	}
	time.AfterFunc(delay, push)
}

func (q *MemoryQueue) deadLetterMessage(msg *job.ExecutionMessage, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetter = append(q.deadLetter, DeadLetter{Message: msg, Reason: reason, FailedAt: time.Now().UTC()})
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		delete(q.pending, key)
	}
}

type memoryDelivery struct {
	queue   *MemoryQueue
	msg     *job.ExecutionMessage
	settled sync.Once
}

func (d *memoryDelivery) Message() *job.ExecutionMessage {
	return d.msg
}

func (d *memoryDelivery) Ack(context.Context) error {
	d.settled.Do(func() {
		d.queue.release(strings.TrimSpace(d.msg.IdempotencyKey))
	})
	return nil
}

func (d *memoryDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	d.settled.Do(func() {
		switch {
		case opts.DeadLetter:
			d.queue.deadLetterMessage(d.msg, opts.Reason)
		case opts.Requeue:
			d.queue.requeue(d.msg, opts.Delay)
		default:
			d.queue.release(strings.TrimSpace(d.msg.IdempotencyKey))
		}
	})
	return nil
}

var (
	_ queue.Enqueuer = (*MemoryQueue)(nil)
	_ queue.Dequeuer = (*MemoryQueue)(nil)
	_ queue.Delivery = (*memoryDelivery)(nil)
)
