package models

import "time"

// User is a room participant. Accounts are created and authenticated by the
// API gateway; the core reads them to resolve DJs and playlist owners.
type User struct {
	ID               string `gorm:"type:uuid;primaryKey"`
	Username         string `gorm:"uniqueIndex"`
	ActivePlaylistID string `gorm:"type:uuid;index"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Media is a canonical track descriptor, unique per (SourceType, SourceID).
// Created lazily on first reference and immutable afterwards.
type Media struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	SourceType string `gorm:"type:varchar(32);uniqueIndex:idx_media_source"`
	SourceID   string `gorm:"uniqueIndex:idx_media_source"`
	Artist     string `gorm:"index"`
	Title      string `gorm:"index"`
	Duration   int // seconds
	Thumbnail  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Playlist owns the ordered list of its item ids.
type Playlist struct {
	ID        string   `gorm:"type:uuid;primaryKey"`
	UserID    string   `gorm:"type:uuid;index"`
	Name      string   `gorm:"type:varchar(255)"`
	Items     []string `gorm:"serializer:json"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Size returns the number of items in the playlist.
func (p *Playlist) Size() int {
	return len(p.Items)
}

// PlaylistItem is one playable slot in a playlist. The media reference is
// immutable; artist, title and the start/end trim are the owner's labels.
type PlaylistItem struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	MediaID   string `gorm:"type:uuid;index"`
	Media     Media  `gorm:"foreignKey:MediaID"`
	Artist    string
	Title     string
	Start     int // seconds
	End       int // seconds
	CreatedAt time.Time
	UpdatedAt time.Time
}
