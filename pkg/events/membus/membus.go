// Package membus is an in-process channel event bus, grounded on reva's
// pkg/events/stream.Chan: a single channel with a configurable buffer
// standing in for a real broker, used by tests and single-node deployments that don't need
// cross-process fan-out.
package membus

import "github.com/nexusfs/core/pkg/events"

// Bus is an in-process events.Bus backed by a channel. Zero value is not
// usable; construct with New.
type Bus struct {
	ch chan events.FileEvent
}

// New returns a membus.Bus with the given channel buffer depth.
func New(buffer int) *Bus {
	return &Bus{ch: make(chan events.FileEvent, buffer)}
}

// Start is a no-op: the channel is ready as soon as New returns.
func (b *Bus) Start() error { return nil }

// Publish sends ev to the channel, dropping it if the buffer is full and no
// consumer is reading (the kernel treats event-bus publish as best-effort).
func (b *Bus) Publish(ev events.FileEvent) error {
	select {
	case b.ch <- ev:
	default:
	}
	return nil
}

// Subscribe returns the receive side of the channel for test/in-process
// consumers.
func (b *Bus) Subscribe() <-chan events.FileEvent {
	return b.ch
}

// Close closes the underlying channel. Not safe to call concurrently with
// Publish.
func (b *Bus) Close() {
	close(b.ch)
}
