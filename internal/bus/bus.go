// Package bus provides the daemon's pub/sub fabric: applied events are
// mirrored onto it so notifiers and external observers can follow along
// without touching the engine loop.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is one published record.
type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewMessage creates a message with a UUID and current timestamp.
func NewMessage(msgType, source string, data map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler consumes a published message.
type Handler func(ctx context.Context, msg *Message) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the pub/sub contract with in-memory and NATS implementations.
type Bus interface {
	// Publish sends a message to a subject.
	Publish(ctx context.Context, subject string, msg *Message) error

	// Subscribe registers a handler for a subject pattern. A trailing ".*"
	// or ">" matches any suffix.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Close shuts the bus down.
	Close()

	// IsConnected reports whether the bus can deliver.
	IsConnected() bool
}
