package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/oj-sh/oj/internal/common/logger"
)

// MemoryBus implements Bus with in-process fan-out. It is the default when
// no NATS URL is configured.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	handler Handler

	mu     sync.Mutex
	active bool
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log.WithFields(zap.String("component", "bus")),
	}
}

// Publish delivers msg to all matching subscribers. Handlers run in their
// own goroutines; a slow consumer never stalls the engine.
func (b *MemoryBus) Publish(ctx context.Context, subject string, msg *Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	for pattern, subs := range b.subscriptions {
		if !subjectMatches(subject, pattern) {
			continue
		}
		for _, sub := range subs {
			sub.mu.Lock()
			active := sub.active
			sub.mu.Unlock()
			if !active {
				continue
			}
			go func(s *memorySubscription, m *Message) {
				if err := s.handler(ctx, m); err != nil {
					b.logger.Error("handler error",
						zap.String("subject", subject),
						zap.Error(err))
				}
			}(sub, msg)
		}
	}
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}
	sub := &memorySubscription{bus: b, subject: subject, handler: handler, active: true}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	return sub, nil
}

// Close stops delivery.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.subscriptions = make(map[string][]*memorySubscription)
	b.mu.Unlock()
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Unsubscribe deactivates and removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// subjectMatches supports NATS-style suffix wildcards: "a.b.*" matches one
// more token, "a.>" matches any tail.
func subjectMatches(subject, pattern string) bool {
	if subject == pattern {
		return true
	}
	if strings.HasSuffix(pattern, ".>") {
		return strings.HasPrefix(subject, strings.TrimSuffix(pattern, ">"))
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		rest, ok := strings.CutPrefix(subject, prefix)
		return ok && rest != "" && !strings.Contains(rest, ".")
	}
	return false
}
