package events

import (
	"context"
)

const defaultBusBuffer = 256

// Bus is an in-process feed for single-binary deployments: embedded stores
// publish into it, the engine consumes from it.
type Bus struct {
	ch chan TriggerEvent
}

var _ Feed = (*Bus)(nil)

// NewBus creates a bus with the given buffer size (<= 0 uses the default).
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBusBuffer
	}
	return &Bus{ch: make(chan TriggerEvent, buffer)}
}

// Publish enqueues an event. Blocks when the buffer is full so a slow engine
// applies backpressure to writers instead of losing triggers.
func (b *Bus) Publish(ev TriggerEvent) {
	b.ch <- ev
}

// Run delivers events to handle until ctx is canceled.
func (b *Bus) Run(ctx context.Context, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-b.ch:
			handle(ctx, ev)
		}
	}
}
