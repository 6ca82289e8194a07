// Package transport provides the message queues connecting walkers, the
// reconciliation service, and the downstream image processing stage.
//
// Delivery is at-least-once: a message stays in flight until the
// consumer acks it, and an unacked or nacked message is redelivered.
// No ordering is guaranteed across producers.
package transport

import (
	"context"
)

// Queue names shared by producers and consumers.
const (
	FileStoreRequestQueue = "file-store-request"
	WalkerStatusQueue     = "file-store-walker-status"
	FileProcessingQueue   = "file-processing-job"
)

// Message is one queued payload with its delivery identifier. The body
// is opaque to the transport; consumers decode it.
type Message struct {
	ID   string `json:"id"`
	Body []byte `json:"body"`
}

// Publisher enqueues messages.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Consumer dequeues messages with explicit acknowledgement. Receive
// blocks until a message is available or the context is done. A
// received message is in flight until Ack removes it or Nack returns
// it for redelivery.
type Consumer interface {
	Receive(ctx context.Context) (*Message, error)
	Ack(id string) error
	Nack(id string) error
}

// Queue is a full-duplex named queue.
type Queue interface {
	Publisher
	Consumer
	Name() string
	Depth() int
	Close() error
}
