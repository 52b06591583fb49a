/*
Copyright (C) 2026 üWave contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package broadcast fans booth state transitions out to observers on named
// topics. The wire shape of each topic's payload is a stable contract with
// other üWave services; everything else about delivery is best effort.
// Subscribers must tolerate at-least-once delivery.
package broadcast

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/u-wave/core-go/internal/config"
	"github.com/u-wave/core-go/internal/models"
)

// Topic names a broadcast channel.
type Topic string

// Topics emitted by the core. For a single advance they are published in
// this order: advance:complete first, then playlist:cycle, user:play and
// waitlist:update.
const (
	TopicAdvanceComplete Topic = "advance:complete"
	TopicPlaylistCycle   Topic = "playlist:cycle"
	TopicUserPlay        Topic = "user:play"
	TopicWaitlistUpdate  Topic = "waitlist:update"
)

// Payload is a topic-specific message body. It must marshal to the JSON
// shape documented on the payload types below; remote subscribers see the
// serialized form only.
type Payload any

// Subscriber receives payloads for one topic. Delivery is non-blocking:
// a subscriber that stops draining loses events rather than stalling the
// advance path.
type Subscriber chan Payload

// AdvanceComplete announces a finished booth transition. A nil
// *AdvanceComplete publishes as JSON null when the booth went idle.
type AdvanceComplete struct {
	HistoryID  string               `json:"historyID"`
	UserID     string               `json:"userID"`
	PlaylistID string               `json:"playlistID"`
	ItemID     string               `json:"itemID"`
	Media      models.MediaSnapshot `json:"media"`
	PlayedAt   int64                `json:"playedAt"` // epoch ms
}

// PlaylistCycle announces that a DJ's active playlist rotated its head item
// to the tail.
type PlaylistCycle struct {
	UserID     string `json:"userID"`
	PlaylistID string `json:"playlistID"`
}

// UserPlay announces who is playing what, for chat-style announcements.
type UserPlay struct {
	UserID string `json:"userID"`
	Artist string `json:"artist"`
	Title  string `json:"title"`
}

// The waitlist:update payload is the bare ordered []string of user ids.

// Bus publishes state transitions and lets in-process observers subscribe.
// Publish never returns an error: failures are logged and counted, and the
// durable state stays authoritative for anyone who missed an event.
type Bus interface {
	Publish(topic Topic, payload Payload)
	Subscribe(topic Topic) Subscriber
	Unsubscribe(topic Topic, sub Subscriber)
	Close() error
}

// New creates the bus selected by cfg.BusBackend. The Redis backend reuses
// the client that already carries the room state.
func New(cfg *config.Config, client *redis.Client, logger zerolog.Logger) (Bus, error) {
	switch cfg.BusBackend {
	case config.BusRedis:
		return NewRedisBus(client, logger), nil
	case config.BusNATS:
		return NewNATSBus(cfg.NATSURL, logger)
	case config.BusMemory:
		return NewMemoryBus(), nil
	default:
		return nil, fmt.Errorf("unsupported bus backend %q", cfg.BusBackend)
	}
}
