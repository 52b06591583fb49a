/*
Copyright (C) 2026 üWave contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broadcast

import "sync"

// MemoryBus is a simple in-process pubsub. It backs single-process
// deployments and tests, and serves as the fallback when a remote bus is
// unreachable.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[Topic][]Subscriber
	closed bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[Topic][]Subscriber)}
}

// Subscribe registers a subscriber for a topic.
func (b *MemoryBus) Subscribe(topic Topic) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers without blocking.
func (b *MemoryBus) Publish(topic Topic, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[topic]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *MemoryBus) Unsubscribe(topic Topic, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	b.subs[topic] = subs
}

// Close closes every subscriber channel.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, sub := range subs {
			close(sub)
		}
		delete(b.subs, topic)
	}
	return nil
}
