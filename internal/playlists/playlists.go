/*
Copyright (C) 2026 üWave contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playlists is the durable playlist repository: playlist CRUD,
// bulk item insertion with media materialization, reordering, filtered
// pagination, and the head-to-tail cycling the booth performs after every
// play.
package playlists

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/u-wave/core-go/internal/models"
	"github.com/u-wave/core-go/internal/sources"
)

var (
	// ErrPlaylistNotFound means the playlist does not exist, or is not
	// owned by the user on owner-scoped operations.
	ErrPlaylistNotFound = errors.New("playlist not found")

	// ErrPlaylistEmpty means the playlist has no items to play.
	ErrPlaylistEmpty = errors.New("playlist is empty")

	// ErrItemNotFound means the playlist item does not exist.
	ErrItemNotFound = errors.New("playlist item not found")

	// ErrUserNotFound means the user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrPlaylistActive rejects deleting the playlist the user currently
	// plays from.
	ErrPlaylistActive = errors.New("cannot delete active playlist")

	// ErrItemSave is the generic failure returned when playlist items
	// could not be saved. The underlying cause is logged, never surfaced.
	ErrItemSave = errors.New("could not save playlist items")
)

// Service is the playlist repository.
type Service struct {
	db       *gorm.DB
	resolver *sources.Resolver
	logger   zerolog.Logger
}

// NewService creates the playlist repository on top of the durable store
// and the media resolver.
func NewService(db *gorm.DB, resolver *sources.Resolver, logger zerolog.Logger) *Service {
	return &Service{
		db:       db,
		resolver: resolver,
		logger:   logger.With().Str("component", "playlists").Logger(),
	}
}

// GetPlaylist loads a playlist by id.
func (s *Service) GetPlaylist(ctx context.Context, playlistID string) (*models.Playlist, error) {
	var playlist models.Playlist
	err := s.db.WithContext(ctx).First(&playlist, "id = ?", playlistID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPlaylistNotFound, playlistID)
	}
	if err != nil {
		return nil, fmt.Errorf("load playlist: %w", err)
	}
	return &playlist, nil
}

// GetUserPlaylist loads a playlist and verifies the user owns it. A
// playlist owned by someone else reports not found rather than forbidden,
// so ids cannot be probed.
func (s *Service) GetUserPlaylist(ctx context.Context, userID, playlistID string) (*models.Playlist, error) {
	playlist, err := s.GetPlaylist(ctx, playlistID)
	if err != nil {
		return nil, err
	}
	if playlist.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrPlaylistNotFound, playlistID)
	}
	return playlist, nil
}

// GetUserPlaylists lists the user's playlists, oldest first.
func (s *Service) GetUserPlaylists(ctx context.Context, userID string) ([]models.Playlist, error) {
	var playlists []models.Playlist
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&playlists).Error
	if err != nil {
		return nil, fmt.Errorf("list playlists: %w", err)
	}
	return playlists, nil
}

// CreatePlaylist creates an empty playlist. A user's first playlist
// becomes their active playlist immediately, so they can join the
// waitlist without an extra activation step.
func (s *Service) CreatePlaylist(ctx context.Context, userID, name string) (*models.Playlist, error) {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	playlist := &models.Playlist{
		ID:     uuid.NewString(),
		UserID: userID,
		Name:   name,
		Items:  []string{},
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(playlist).Error; err != nil {
			return fmt.Errorf("create playlist: %w", err)
		}
		if user.ActivePlaylistID == "" {
			err := tx.Model(&models.User{}).
				Where("id = ?", userID).
				Update("active_playlist_id", playlist.ID).Error
			if err != nil {
				return fmt.Errorf("activate first playlist: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("playlist_id", playlist.ID).
		Msg("playlist created")
	return playlist, nil
}

// PlaylistPatch holds the updatable playlist fields. Nil means unchanged.
type PlaylistPatch struct {
	Name *string
}

// UpdatePlaylist applies the patch and returns the updated playlist.
func (s *Service) UpdatePlaylist(ctx context.Context, userID, playlistID string, patch PlaylistPatch) (*models.Playlist, error) {
	playlist, err := s.GetUserPlaylist(ctx, userID, playlistID)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		playlist.Name = *patch.Name
	}
	if err := s.db.WithContext(ctx).Save(playlist).Error; err != nil {
		return nil, fmt.Errorf("update playlist: %w", err)
	}
	return playlist, nil
}

// ShufflePlaylist randomizes the item order and persists it.
func (s *Service) ShufflePlaylist(ctx context.Context, userID, playlistID string) (*models.Playlist, error) {
	playlist, err := s.GetUserPlaylist(ctx, userID, playlistID)
	if err != nil {
		return nil, err
	}
	rand.Shuffle(len(playlist.Items), func(i, j int) {
		playlist.Items[i], playlist.Items[j] = playlist.Items[j], playlist.Items[i]
	})
	if err := s.db.WithContext(ctx).Save(playlist).Error; err != nil {
		return nil, fmt.Errorf("save shuffled playlist: %w", err)
	}
	return playlist, nil
}

// DeletePlaylist removes the playlist and its item rows. The user's
// active playlist cannot be deleted; activate another one first.
func (s *Service) DeletePlaylist(ctx context.Context, userID, playlistID string) error {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return err
	}
	playlist, err := s.GetUserPlaylist(ctx, userID, playlistID)
	if err != nil {
		return err
	}
	if user.ActivePlaylistID == playlist.ID {
		return fmt.Errorf("%w: %s", ErrPlaylistActive, playlistID)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(playlist.Items) > 0 {
			if err := tx.Delete(&models.PlaylistItem{}, "id IN ?", playlist.Items).Error; err != nil {
				return fmt.Errorf("delete playlist items: %w", err)
			}
		}
		if err := tx.Delete(&models.Playlist{}, "id = ?", playlist.ID).Error; err != nil {
			return fmt.Errorf("delete playlist: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("playlist_id", playlistID).
		Msg("playlist deleted")
	return nil
}

// ActivatePlaylist marks the playlist as the one the booth plays from.
func (s *Service) ActivatePlaylist(ctx context.Context, userID, playlistID string) error {
	if _, err := s.getUser(ctx, userID); err != nil {
		return err
	}
	if _, err := s.GetUserPlaylist(ctx, userID, playlistID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("active_playlist_id", playlistID).Error
	if err != nil {
		return fmt.Errorf("activate playlist: %w", err)
	}
	return nil
}

func (s *Service) getUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return &user, nil
}
