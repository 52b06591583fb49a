/*
Copyright (C) 2026 üWave contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/u-wave/core-go/internal/telemetry"
)

const (
	// publishTimeout bounds how long the advance path waits on one publish.
	publishTimeout = 2 * time.Second

	// maxPublishFailures flips the circuit breaker to local-only delivery.
	maxPublishFailures = 5

	// reconnectInterval is how often the breaker probes Redis again.
	reconnectInterval = 30 * time.Second
)

// RedisBus publishes payloads on Redis pub/sub channels named after the
// topic, with the payload JSON as the whole message. That shape is what
// other üWave services subscribe to, so there is no envelope.
//
// The bus shares the client that carries the room state and does not own
// it: closing the bus leaves the client open. When publishes keep failing
// it stops paying the Redis timeout on every advance and delivers to local
// subscribers only, probing the connection in the background until it
// recovers.
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger

	mu       sync.RWMutex
	subs     map[Topic][]Subscriber
	channels map[Topic]*redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Circuit breaker state
	useLocal  bool
	failCount int
	lastCheck time.Time
}

// NewRedisBus creates a Redis-backed bus on an existing client.
func NewRedisBus(client *redis.Client, logger zerolog.Logger) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())

	rb := &RedisBus{
		client:   client,
		logger:   logger.With().Str("component", "broadcast").Logger(),
		subs:     make(map[Topic][]Subscriber),
		channels: make(map[Topic]*redis.PubSub),
		ctx:      ctx,
		cancel:   cancel,
	}

	rb.wg.Add(1)
	go rb.reconnectLoop()

	return rb
}

// Publish serializes payload and forwards it to Redis pub/sub. Failures
// are logged and swallowed: the durable state is authoritative and
// observers may refresh. Local subscribers still hear the event.
func (rb *RedisBus) Publish(topic Topic, payload Payload) {
	data, err := json.Marshal(payload)
	if err != nil {
		rb.logger.Error().Err(err).Str("topic", string(topic)).Msg("failed to marshal payload")
		telemetry.BroadcastPublishFailures.WithLabelValues(string(topic)).Inc()
		return
	}

	rb.mu.RLock()
	local := rb.useLocal
	rb.mu.RUnlock()

	if local {
		rb.deliverLocal(topic, data)
		return
	}

	ctx, cancel := context.WithTimeout(rb.ctx, publishTimeout)
	defer cancel()

	if err := rb.client.Publish(ctx, string(topic), data).Err(); err != nil {
		rb.logger.Error().Err(err).Str("topic", string(topic)).Msg("failed to publish to Redis")
		telemetry.BroadcastPublishFailures.WithLabelValues(string(topic)).Inc()
		rb.handleFailure()
		rb.deliverLocal(topic, data)
		return
	}

	rb.mu.Lock()
	rb.failCount = 0
	rb.mu.Unlock()

	telemetry.BroadcastPublishedTotal.WithLabelValues(string(topic)).Inc()

	rb.logger.Debug().Str("topic", string(topic)).Msg("published event")
}

// Subscribe registers a subscriber for a topic. Payloads arrive JSON
// decoded (maps, slices, or nil), the same shape local and remote.
func (rb *RedisBus) Subscribe(topic Topic) Subscriber {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	sub := make(Subscriber, 100)
	rb.subs[topic] = append(rb.subs[topic], sub)

	if _, exists := rb.channels[topic]; !exists {
		pubsub := rb.client.Subscribe(rb.ctx, string(topic))
		rb.channels[topic] = pubsub

		rb.wg.Add(1)
		go rb.receiveMessages(topic, pubsub)
	}

	return sub
}

// Unsubscribe removes a subscriber and closes the Redis subscription when
// it was the last one for the topic.
func (rb *RedisBus) Unsubscribe(topic Topic, sub Subscriber) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	subs := rb.subs[topic]
	for i, s := range subs {
		if s == sub {
			rb.subs[topic] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}

	if len(rb.subs[topic]) == 0 {
		delete(rb.subs, topic)
		if pubsub, exists := rb.channels[topic]; exists {
			pubsub.Close()
			delete(rb.channels, topic)
			rb.logger.Debug().Str("topic", string(topic)).Msg("closed Redis subscription")
		}
	}
}

// Close stops all receivers and subscriptions. Subscriber channels are
// left open so a racing delivery cannot panic; consumers should watch
// their own shutdown signal. The shared Redis client stays open for its
// other users.
func (rb *RedisBus) Close() error {
	rb.logger.Debug().Msg("closing broadcast bus")

	rb.cancel()

	rb.mu.Lock()
	for topic, pubsub := range rb.channels {
		pubsub.Close()
		delete(rb.channels, topic)
	}
	rb.mu.Unlock()

	rb.wg.Wait()
	return nil
}

// receiveMessages pumps one topic's Redis subscription into local
// subscribers.
func (rb *RedisBus) receiveMessages(topic Topic, pubsub *redis.PubSub) {
	defer rb.wg.Done()

	ch := pubsub.Channel()

	for {
		select {
		case <-rb.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			rb.deliverLocal(topic, []byte(msg.Payload))
		}
	}
}

// deliverLocal decodes raw payload JSON and fans it out to local
// subscribers without blocking.
func (rb *RedisBus) deliverLocal(topic Topic, data []byte) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		rb.logger.Error().Err(err).Str("topic", string(topic)).Msg("failed to unmarshal payload")
		return
	}

	rb.mu.RLock()
	subs := append([]Subscriber(nil), rb.subs[topic]...)
	rb.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
			rb.logger.Warn().Str("topic", string(topic)).Msg("subscriber channel full, dropping event")
		}
	}
}

// handleFailure counts publish failures and flips to local-only delivery
// once the threshold is reached.
func (rb *RedisBus) handleFailure() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.failCount++

	if rb.failCount >= maxPublishFailures && !rb.useLocal {
		rb.logger.Warn().
			Int("fail_count", rb.failCount).
			Msg("Redis publish failure threshold reached, delivering locally only")

		rb.useLocal = true
		rb.lastCheck = time.Now()
	}
}

// reconnectLoop probes Redis while the breaker is open and re-enables
// publishing when it answers again.
func (rb *RedisBus) reconnectLoop() {
	defer rb.wg.Done()

	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rb.ctx.Done():
			return
		case <-ticker.C:
			if err := rb.tryReconnect(); err != nil {
				rb.logger.Debug().Err(err).Msg("Redis still unavailable")
			}
		}
	}
}

// tryReconnect pings Redis and closes the breaker on success.
func (rb *RedisBus) tryReconnect() error {
	rb.mu.Lock()
	if !rb.useLocal {
		rb.mu.Unlock()
		return nil
	}
	rb.mu.Unlock()

	ctx, cancel := context.WithTimeout(rb.ctx, 5*time.Second)
	defer cancel()

	if err := rb.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	rb.mu.Lock()
	rb.useLocal = false
	rb.failCount = 0
	rb.mu.Unlock()

	rb.logger.Info().Msg("reconnected to Redis, resuming remote publishes")
	return nil
}
