package booth

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/u-wave/core-go/internal/models"
	"github.com/u-wave/core-go/internal/telemetry"
)

// Upvote records userID's upvote for the current play, replacing any
// standing downvote.
func (b *Booth) Upvote(ctx context.Context, userID string) error {
	return b.castVote(ctx, userID, 1)
}

// Downvote records userID's downvote for the current play, replacing any
// standing upvote.
func (b *Booth) Downvote(ctx context.Context, userID string) error {
	return b.castVote(ctx, userID, -1)
}

func (b *Booth) castVote(ctx context.Context, userID string, direction int) error {
	if err := b.requirePlaying(ctx); err != nil {
		return err
	}

	changed, err := b.state.CastVote(ctx, userID, direction)
	if err != nil {
		return fmt.Errorf("cast vote: %w", err)
	}
	if changed {
		kind := "upvote"
		if direction < 0 {
			kind = "downvote"
		}
		telemetry.VotesCastTotal.WithLabelValues(kind).Inc()
	}
	return nil
}

// Favorite adds the current play to userID's favorites. Favorites are
// independent of the up/down vote.
func (b *Booth) Favorite(ctx context.Context, userID string) error {
	if err := b.requirePlaying(ctx); err != nil {
		return err
	}

	added, err := b.state.AddFavorite(ctx, userID)
	if err != nil {
		return fmt.Errorf("add favorite: %w", err)
	}
	if added {
		telemetry.VotesCastTotal.WithLabelValues("favorite").Inc()
	}
	return nil
}

// Unfavorite removes the current play from userID's favorites.
func (b *Booth) Unfavorite(ctx context.Context, userID string) error {
	if err := b.requirePlaying(ctx); err != nil {
		return err
	}

	removed, err := b.state.RemoveFavorite(ctx, userID)
	if err != nil {
		return fmt.Errorf("remove favorite: %w", err)
	}
	if removed {
		telemetry.VotesCastTotal.WithLabelValues("unfavorite").Inc()
	}
	return nil
}

// CurrentEntry returns the playing entry with the live vote tallies. The
// durable row keeps zero votes until the next advance seals it; this view
// overlays the ephemeral sets without persisting them.
func (b *Booth) CurrentEntry(ctx context.Context) (*models.HistoryEntry, error) {
	historyID, err := b.state.HistoryID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read current play: %w", err)
	}
	if historyID == "" {
		return nil, ErrNoCurrentPlay
	}

	var entry models.HistoryEntry
	err = b.db.WithContext(ctx).First(&entry, "id = ?", historyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoCurrentPlay
	}
	if err != nil {
		return nil, fmt.Errorf("load current play: %w", err)
	}

	votes, err := b.state.Votes(ctx)
	if err != nil {
		return nil, fmt.Errorf("read vote tallies: %w", err)
	}
	entry.Upvotes = votes.Upvotes
	entry.Downvotes = votes.Downvotes
	entry.Favorites = votes.Favorites
	return &entry, nil
}

func (b *Booth) requirePlaying(ctx context.Context) error {
	historyID, err := b.state.HistoryID(ctx)
	if err != nil {
		return fmt.Errorf("read current play: %w", err)
	}
	if historyID == "" {
		return ErrNoCurrentPlay
	}
	return nil
}
