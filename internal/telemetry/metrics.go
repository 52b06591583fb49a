/*
Copyright (C) 2026 üWave contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Booth metrics
	BoothAdvancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uwave_booth_advances_total",
			Help: "Total number of completed booth advances by result",
		},
		[]string{"result"}, // "playing", "idle"
	)

	BoothAdvanceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "uwave_booth_advance_duration_seconds",
			Help:    "Duration of the advance critical section in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BoothAdvanceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uwave_booth_advance_failures_total",
			Help: "Total number of failed booth advances by reason",
		},
		[]string{"reason"}, // "lease_lost", "store_error", "empty_playlists"
	)

	BoothLockContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uwave_booth_lock_contention_total",
			Help: "Total number of advance attempts rejected because another instance held the lock",
		},
	)

	BoothEmptyPlaylistSkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uwave_booth_empty_playlist_skips_total",
			Help: "Total number of waitlist DJs skipped because their active playlist was empty",
		},
	)

	BoothPlaying = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "uwave_booth_playing",
			Help: "Whether a track is currently playing (1) or the room is idle (0)",
		},
	)

	BoothRecoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uwave_booth_recoveries_total",
			Help: "Total number of restart recoveries by mode",
		},
		[]string{"mode"}, // "resume", "advance", "idle"
	)

	WaitlistLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "uwave_waitlist_length",
			Help: "Current number of users in the waitlist",
		},
	)

	VotesCastTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uwave_votes_cast_total",
			Help: "Total number of votes cast by kind",
		},
		[]string{"kind"}, // "upvote", "downvote", "favorite", "unfavorite"
	)

	// Broadcast metrics
	BroadcastPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uwave_broadcast_published_total",
			Help: "Total number of broadcast messages published by topic",
		},
		[]string{"topic"},
	)

	BroadcastPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uwave_broadcast_publish_failures_total",
			Help: "Total number of broadcast publish failures by topic",
		},
		[]string{"topic"},
	)

	// API metrics
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uwave_api_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uwave_api_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	APIActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "uwave_api_active_connections",
			Help: "Current number of in-flight HTTP requests",
		},
	)

	// Database metrics
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uwave_database_query_duration_seconds",
			Help:    "Duration of database operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DatabaseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uwave_database_errors_total",
			Help: "Total number of database errors by operation",
		},
		[]string{"operation"},
	)

	DatabaseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "uwave_database_connections_active",
			Help: "Current number of open database connections",
		},
	)
)

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
