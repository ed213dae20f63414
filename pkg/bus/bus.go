// Package bus connects the pipeline's event handlers to the message bus.
//
// Delivery is at-least-once: handlers classify every message into a
// verdict instead of returning errors, so the consumer loop knows whether
// redelivery could ever help. Malformed payloads are acked (they can never
// become valid), transient infrastructure failures are requeued.
package bus

import "context"

// Verdict is a handler's decision about a delivered message.
type Verdict int

const (
	// Ack acknowledges the message. Used for success and for permanent
	// failures where redelivery cannot help.
	Ack Verdict = iota

	// Retry returns the message to the queue for redelivery.
	Retry
)

// Handler processes one raw message body.
type Handler func(ctx context.Context, body []byte) Verdict

// Publisher sends messages to a named queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
	Close() error
}
