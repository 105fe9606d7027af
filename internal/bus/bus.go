// Package bus abstracts the message broker the task engine dispatches
// through. The NATS implementation is used when a broker URL is
// configured; the in-memory implementation serves single-process
// deployments and tests.
package bus

import "context"

// Handler consumes a raw message delivered on a subject.
type Handler func(ctx context.Context, data []byte)

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the broker surface the task engine needs: fire-and-forget
// publish plus queue-group consumption for worker load balancing.
type Bus interface {
	// Publish sends a message to a subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// QueueSubscribe delivers each message on subject to exactly one
	// member of the named queue group.
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)

	// Close releases the broker connection.
	Close()
}
