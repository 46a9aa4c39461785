package domain

import "context"

// TaskMessage is what travels over the broker: a reference to a task row.
// Payloads stay in the state store so redelivery never diverges from the
// durable record.
type TaskMessage struct {
	DeliveryID string
	TaskID     string
}

// TaskQueue delivers task messages at least once. Acknowledge removes a
// delivery from the pending set; unacknowledged deliveries are reclaimed by
// other consumers after the idle timeout.
type TaskQueue interface {
	Enqueue(ctx context.Context, taskID string) error
	Receive(ctx context.Context) (*TaskMessage, error)
	Acknowledge(ctx context.Context, deliveryID string) error
}
