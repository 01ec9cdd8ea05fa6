package adapter

import (
	"context"

	"github.com/oj-sh/oj/internal/bus"
)

// NotifySubject is where bus-backed notifications are published.
const NotifySubject = "oj.notify"

// BusNotifier publishes notifications onto the daemon bus so desktop
// bridges or remote observers can render them.
type BusNotifier struct {
	Bus bus.Bus
}

func (n BusNotifier) Notify(ctx context.Context, title, message string) error {
	msg := bus.NewMessage("notification", "ojd", map[string]any{
		"title":   title,
		"message": message,
	})
	return n.Bus.Publish(ctx, NotifySubject, msg)
}

var _ Notifier = BusNotifier{}
