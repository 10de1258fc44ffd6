// Package events fans protocol records out to in-process subscribers such
// as metrics, independently of the stdout protocol stream.
package events

import (
	"github.com/kelindar/event"

	"github.com/smazurov/vocalmotor/internal/protocol"
)

// Bus wraps kelindar/event dispatcher for record broadcasting.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish implements protocol.Publisher. Records are delivered by value so
// subscribers never share memory with the emitter.
func (b *Bus) Publish(ev protocol.Event) {
	switch e := ev.(type) {
	case *protocol.StartEvent:
		event.Publish(b.dispatcher, *e)
	case *protocol.StepChangeEvent:
		event.Publish(b.dispatcher, *e)
	case *protocol.ProgressEvent:
		event.Publish(b.dispatcher, *e)
	case *protocol.LogEvent:
		event.Publish(b.dispatcher, *e)
	case *protocol.WarningEvent:
		event.Publish(b.dispatcher, *e)
	case *protocol.ErrorEvent:
		event.Publish(b.dispatcher, *e)
	case *protocol.SuccessEvent:
		event.Publish(b.dispatcher, *e)
	case *protocol.CancelledEvent:
		event.Publish(b.dispatcher, *e)
	}
}

// Subscribe registers a handler; the handler's parameter type selects the
// records it receives. Returns an unsubscribe function.
// Usage: unsub := bus.Subscribe(func(e protocol.ProgressEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(protocol.StartEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(protocol.StepChangeEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(protocol.ProgressEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(protocol.LogEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(protocol.WarningEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(protocol.ErrorEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(protocol.SuccessEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(protocol.CancelledEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		// Unknown handler types receive nothing.
		return func() {}
	}
}
