/*
Copyright (C) 2026 üWave contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broadcast

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/u-wave/core-go/internal/telemetry"
)

const (
	// natsSubjectPrefix namespaces booth topics on a shared NATS cluster.
	natsSubjectPrefix = "uwave."

	natsReconnectWait  = 2 * time.Second
	natsConnectTimeout = 5 * time.Second
)

// subjectFor maps a topic to a NATS subject: colons become subject
// separators, so advance:complete publishes on uwave.advance.complete.
func subjectFor(topic Topic) string {
	return natsSubjectPrefix + strings.ReplaceAll(string(topic), ":", ".")
}

// NATSBus publishes payloads on NATS subjects derived from the topic name.
// The message body is the payload JSON, same as the Redis backend. If the
// server is unreachable at startup the bus runs on an in-memory fallback
// so a room can keep operating single-process.
type NATSBus struct {
	conn     *nats.Conn
	logger   zerolog.Logger
	fallback *MemoryBus

	mu       sync.RWMutex
	subs     map[Topic][]Subscriber
	natsSubs map[Topic]*nats.Subscription

	useFallback bool
}

// NewNATSBus connects to a NATS server and creates a bus on it.
func NewNATSBus(url string, logger zerolog.Logger) (*NATSBus, error) {
	logger = logger.With().Str("component", "broadcast").Logger()

	nb := &NATSBus{
		logger:   logger,
		fallback: NewMemoryBus(),
		subs:     make(map[Topic][]Subscriber),
		natsSubs: make(map[Topic]*nats.Subscription),
	}

	conn, err := nats.Connect(url,
		nats.Name("uwave-core"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(natsReconnectWait),
		nats.Timeout(natsConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		logger.Warn().Err(err).Str("url", url).Msg("NATS unavailable, using in-memory bus")
		nb.useFallback = true
		return nb, nil
	}

	nb.conn = conn
	logger.Info().Str("url", url).Msg("NATS broadcast bus initialized")

	return nb, nil
}

// Publish serializes payload and forwards it to NATS. Failures are logged
// and swallowed; local subscribers still hear the event.
func (nb *NATSBus) Publish(topic Topic, payload Payload) {
	if nb.useFallback {
		nb.fallback.Publish(topic, payload)
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		nb.logger.Error().Err(err).Str("topic", string(topic)).Msg("failed to marshal payload")
		telemetry.BroadcastPublishFailures.WithLabelValues(string(topic)).Inc()
		return
	}

	if err := nb.conn.Publish(subjectFor(topic), data); err != nil {
		nb.logger.Error().Err(err).Str("topic", string(topic)).Msg("failed to publish to NATS")
		telemetry.BroadcastPublishFailures.WithLabelValues(string(topic)).Inc()
		nb.deliverLocal(topic, data)
		return
	}

	telemetry.BroadcastPublishedTotal.WithLabelValues(string(topic)).Inc()
}

// Subscribe registers a subscriber for a topic. Payloads arrive JSON
// decoded, the same shape local and remote.
func (nb *NATSBus) Subscribe(topic Topic) Subscriber {
	if nb.useFallback {
		return nb.fallback.Subscribe(topic)
	}

	nb.mu.Lock()
	defer nb.mu.Unlock()

	sub := make(Subscriber, 100)
	nb.subs[topic] = append(nb.subs[topic], sub)

	if _, exists := nb.natsSubs[topic]; !exists {
		natsSub, err := nb.conn.Subscribe(subjectFor(topic), func(msg *nats.Msg) {
			nb.deliverLocal(topic, msg.Data)
		})
		if err != nil {
			nb.logger.Error().Err(err).Str("topic", string(topic)).Msg("failed to subscribe on NATS")
		} else {
			nb.natsSubs[topic] = natsSub
		}
	}

	return sub
}

// Unsubscribe removes a subscriber and drops the NATS subscription when it
// was the last one for the topic.
func (nb *NATSBus) Unsubscribe(topic Topic, sub Subscriber) {
	if nb.useFallback {
		nb.fallback.Unsubscribe(topic, sub)
		return
	}

	nb.mu.Lock()
	defer nb.mu.Unlock()

	subs := nb.subs[topic]
	for i, s := range subs {
		if s == sub {
			nb.subs[topic] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}

	if len(nb.subs[topic]) == 0 {
		delete(nb.subs, topic)
		if natsSub, exists := nb.natsSubs[topic]; exists {
			natsSub.Unsubscribe()
			delete(nb.natsSubs, topic)
		}
	}
}

// Close drains the NATS connection. Subscriber channels are left open so
// a racing delivery cannot panic; consumers should watch their own
// shutdown signal.
func (nb *NATSBus) Close() error {
	if nb.useFallback {
		return nb.fallback.Close()
	}

	nb.mu.Lock()
	for topic, natsSub := range nb.natsSubs {
		natsSub.Unsubscribe()
		delete(nb.natsSubs, topic)
	}
	nb.mu.Unlock()

	if err := nb.conn.Drain(); err != nil {
		nb.conn.Close()
		return err
	}
	return nil
}

// deliverLocal decodes raw payload JSON and fans it out without blocking.
func (nb *NATSBus) deliverLocal(topic Topic, data []byte) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		nb.logger.Error().Err(err).Str("topic", string(topic)).Msg("failed to unmarshal payload")
		return
	}

	nb.mu.RLock()
	subs := append([]Subscriber(nil), nb.subs[topic]...)
	nb.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
			nb.logger.Warn().Str("topic", string(topic)).Msg("subscriber channel full, dropping event")
		}
	}
}
