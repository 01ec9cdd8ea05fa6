// Package event defines the daemon's event union: the sole unit of
// durability. Every state change flows through an Event; persisted kinds are
// appended to the WAL and replayed on restart, transient kinds flow through
// the runtime only.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is one variant of the event union.
type Payload interface {
	// Kind returns the stable wire name of the variant.
	Kind() string
	// Persisted reports whether the variant is appended to the WAL.
	Persisted() bool
}

// Event is the envelope around a payload. Seq is assigned by the WAL at
// append time; transient events keep Seq == 0.
type Event struct {
	Seq     uint64
	Time    time.Time
	Payload Payload
}

// New wraps a payload in an envelope stamped with the given time.
func New(t time.Time, p Payload) Event {
	return Event{Time: t, Payload: p}
}

type envelope struct {
	Seq  uint64          `json:"seq"`
	Time time.Time       `json:"time"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the envelope with a kind discriminator.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event: marshal of event with nil payload")
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Seq: e.Seq, Time: e.Time, Kind: e.Payload.Kind(), Data: data})
}

// UnmarshalJSON decodes the envelope, resolving the payload type through the
// variant registry.
func (e *Event) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	factory, ok := registry[env.Kind]
	if !ok {
		return fmt.Errorf("event: unknown kind %q", env.Kind)
	}
	payload := factory()
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, payload); err != nil {
			return fmt.Errorf("event: decode %s: %w", env.Kind, err)
		}
	}
	e.Seq = env.Seq
	e.Time = env.Time
	e.Payload = payload
	return nil
}

var registry = map[string]func() Payload{}

func register(kind string, factory func() Payload) {
	if _, dup := registry[kind]; dup {
		panic(fmt.Sprintf("event: duplicate kind %q", kind))
	}
	registry[kind] = factory
}
