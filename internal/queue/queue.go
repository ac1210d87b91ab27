// Package queue carries indexing job messages from event intake to the
// worker pool. Delivery is at-least-once: a message stays pending until
// acknowledged and may be handed out again after a crash.
package queue

import (
	"context"
	"time"

	"github.com/timmy/webindex/internal/domain"
)

// Delivery is one handed-out message. ID is backend specific.
type Delivery struct {
	ID      string
	Message domain.JobMessage
}

// Queue is the job transport used by the worker pool.
type Queue interface {
	// Enqueue makes msg available immediately.
	Enqueue(ctx context.Context, msg domain.JobMessage) error
	// Schedule makes msg available once readyAt has passed and PromoteDue ran.
	Schedule(ctx context.Context, msg domain.JobMessage, readyAt time.Time) error
	// Dequeue returns up to max deliveries. It waits a bounded time and
	// returns an empty slice when nothing arrived.
	Dequeue(ctx context.Context, max int) ([]Delivery, error)
	// Ack removes a delivery for good.
	Ack(ctx context.Context, d Delivery) error
	// PromoteDue moves scheduled messages whose time has come to the
	// ready queue and reports how many moved.
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	// Depth counts ready plus scheduled messages.
	Depth(ctx context.Context) (int64, error)
	Close() error
}
