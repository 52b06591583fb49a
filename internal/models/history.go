/*
Copyright (C) 2026 üWave contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// MediaSnapshot is the value copy of a playlist item taken at advance time,
// so later edits to the item or its playlist never rewrite history.
type MediaSnapshot struct {
	MediaID string `json:"media"`
	Artist  string `json:"artist"`
	Title   string `json:"title"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
}

// PlayDuration returns how long the snapshot plays for.
func (m MediaSnapshot) PlayDuration() time.Duration {
	d := m.End - m.Start
	if d < 0 {
		d = 0
	}
	return time.Duration(d) * time.Second
}

// HistoryEntry records a single past or currently playing track. The vote
// arrays are attached exactly once, when the entry is sealed at the
// following advance.
type HistoryEntry struct {
	ID         string        `gorm:"type:uuid;primaryKey"`
	UserID     string        `gorm:"type:uuid;index"`
	PlaylistID string        `gorm:"type:uuid;index"`
	ItemID     string        `gorm:"type:uuid"`
	Media      MediaSnapshot `gorm:"serializer:json"`
	PlayedAt   time.Time     `gorm:"index"`
	Upvotes    []string      `gorm:"serializer:json"`
	Downvotes  []string      `gorm:"serializer:json"`
	Favorites  []string      `gorm:"serializer:json"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EndsAt returns the wall clock time the play finishes.
func (h *HistoryEntry) EndsAt() time.Time {
	return h.PlayedAt.Add(h.Media.PlayDuration())
}
