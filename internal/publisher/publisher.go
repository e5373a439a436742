// Package publisher defines per-record notification transports.
package publisher

import "context"

// Message is one notification. Key groups messages for ordered delivery.
type Message struct {
	Topic      string
	Key        string
	Payload    any
	Attributes map[string]string
}

// Publisher sends a message and returns the transport's message ID.
type Publisher interface {
	Publish(ctx context.Context, msg Message) (string, error)
}
