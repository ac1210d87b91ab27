package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/timmy/webindex/internal/domain"
)

const defaultMemoryBlock = 500 * time.Millisecond

type delayedMessage struct {
	msg     domain.JobMessage
	readyAt time.Time
}

// MemoryQueue is an in-process Queue for single-binary deployments and
// tests. Unacked deliveries are not redelivered.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    []domain.JobMessage
	delayed  []delayedMessage
	inflight map[string]domain.JobMessage
	seq      uint64
	notify   chan struct{}
	block    time.Duration
}

// NewMemoryQueue creates an empty queue. block bounds how long Dequeue
// waits; zero means 500ms.
func NewMemoryQueue(block time.Duration) *MemoryQueue {
	if block <= 0 {
		block = defaultMemoryBlock
	}
	return &MemoryQueue{
		inflight: make(map[string]domain.JobMessage),
		notify:   make(chan struct{}, 1),
		block:    block,
	}
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg domain.JobMessage) error {
	q.mu.Lock()
	q.ready = append(q.ready, msg)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Schedule(_ context.Context, msg domain.JobMessage, readyAt time.Time) error {
	q.mu.Lock()
	q.delayed = append(q.delayed, delayedMessage{msg: msg, readyAt: readyAt})
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) take(max int) []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.ready)
	if n > max {
		n = max
	}
	out := make([]Delivery, n)
	for i := 0; i < n; i++ {
		q.seq++
		id := strconv.FormatUint(q.seq, 10)
		out[i] = Delivery{ID: id, Message: q.ready[i]}
		q.inflight[id] = q.ready[i]
	}
	q.ready = q.ready[n:]
	return out
}

func (q *MemoryQueue) Dequeue(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	timer := time.NewTimer(q.block)
	defer timer.Stop()
	for {
		if out := q.take(max); len(out) > 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	delete(q.inflight, d.ID)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) PromoteDue(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	sort.SliceStable(q.delayed, func(i, j int) bool { return q.delayed[i].readyAt.Before(q.delayed[j].readyAt) })
	n := 0
	for n < len(q.delayed) && !q.delayed[n].readyAt.After(now) {
		q.ready = append(q.ready, q.delayed[n].msg)
		n++
	}
	q.delayed = q.delayed[n:]
	q.mu.Unlock()
	if n > 0 {
		q.signal()
	}
	return n, nil
}

func (q *MemoryQueue) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready) + len(q.delayed)), nil
}

// Inflight counts handed-out, unacknowledged deliveries.
func (q *MemoryQueue) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func (q *MemoryQueue) Close() error { return nil }
