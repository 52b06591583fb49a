package booth

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/u-wave/core-go/internal/broadcast"
	"github.com/u-wave/core-go/internal/lease"
	"github.com/u-wave/core-go/internal/models"
	"github.com/u-wave/core-go/internal/telemetry"
)

// Waitlist returns the queued user ids in play order.
func (b *Booth) Waitlist(ctx context.Context) ([]string, error) {
	waitlist, err := b.state.Waitlist(ctx)
	if err != nil {
		return nil, fmt.Errorf("read waitlist: %w", err)
	}
	if waitlist == nil {
		waitlist = []string{}
	}
	return waitlist, nil
}

// JoinWaitlist appends userID to the waitlist. When the booth is idle the
// newcomer starts playing immediately.
func (b *Booth) JoinWaitlist(ctx context.Context, userID string) error {
	if err := b.knownUser(ctx, userID); err != nil {
		return err
	}

	err := b.withLease(ctx, func(l *lease.Lease) error {
		current, err := b.state.CurrentDJ(ctx)
		if err != nil {
			return fmt.Errorf("read current dj: %w", err)
		}
		if current == userID {
			return fmt.Errorf("%w: %s", ErrCurrentDJ, userID)
		}

		waitlist, err := b.state.Waitlist(ctx)
		if err != nil {
			return fmt.Errorf("read waitlist: %w", err)
		}
		if contains(waitlist, userID) {
			return fmt.Errorf("%w: %s", ErrAlreadyQueued, userID)
		}
		return b.state.PushWaitlist(ctx, l.Token(), userID)
	})
	if err != nil {
		return err
	}

	b.publishWaitlist(ctx)
	b.logger.Info().Str("user_id", userID).Msg("joined waitlist")

	historyID, err := b.state.HistoryID(ctx)
	if err != nil {
		return fmt.Errorf("read current play: %w", err)
	}
	if historyID == "" {
		if _, err := b.Advance(ctx, AdvanceOptions{}); err != nil &&
			!errors.Is(err, ErrAdvanceInProgress) && !errors.Is(err, ErrEmptyPlaylist) {
			return fmt.Errorf("advance after join: %w", err)
		}
	}
	return nil
}

// LeaveWaitlist removes userID from the waitlist. The current DJ is not
// in the list; ending their play goes through Advance with Remove.
func (b *Booth) LeaveWaitlist(ctx context.Context, userID string) error {
	err := b.withLease(ctx, func(l *lease.Lease) error {
		waitlist, err := b.state.Waitlist(ctx)
		if err != nil {
			return fmt.Errorf("read waitlist: %w", err)
		}
		if !contains(waitlist, userID) {
			return fmt.Errorf("%w: %s", ErrNotInWaitlist, userID)
		}
		return b.state.RemoveWaitlist(ctx, l.Token(), userID)
	})
	if err != nil {
		return err
	}

	b.publishWaitlist(ctx)
	b.logger.Info().Str("user_id", userID).Msg("left waitlist")
	return nil
}

// MoveWaitlist moves userID to the given position, clamped to the list
// bounds. Position 0 is next to play.
func (b *Booth) MoveWaitlist(ctx context.Context, userID string, position int) error {
	err := b.withLease(ctx, func(l *lease.Lease) error {
		waitlist, err := b.state.Waitlist(ctx)
		if err != nil {
			return fmt.Errorf("read waitlist: %w", err)
		}
		if !contains(waitlist, userID) {
			return fmt.Errorf("%w: %s", ErrNotInWaitlist, userID)
		}

		next := make([]string, 0, len(waitlist))
		for _, id := range waitlist {
			if id != userID {
				next = append(next, id)
			}
		}
		if position < 0 {
			position = 0
		}
		if position > len(next) {
			position = len(next)
		}
		next = append(next[:position], append([]string{userID}, next[position:]...)...)
		return b.state.SetWaitlist(ctx, l.Token(), next)
	})
	if err != nil {
		return err
	}

	b.publishWaitlist(ctx)
	b.logger.Info().Str("user_id", userID).Int("position", position).Msg("moved in waitlist")
	return nil
}

// ClearWaitlist empties the waitlist. A moderation action; the current
// play is unaffected.
func (b *Booth) ClearWaitlist(ctx context.Context) error {
	err := b.withLease(ctx, func(l *lease.Lease) error {
		return b.state.SetWaitlist(ctx, l.Token(), nil)
	})
	if err != nil {
		return err
	}

	b.publishWaitlist(ctx)
	b.logger.Info().Msg("waitlist cleared")
	return nil
}

// publishWaitlist reads the list and announces it. A read failure only
// loses the announcement; the store stays authoritative.
func (b *Booth) publishWaitlist(ctx context.Context) {
	waitlist, err := b.state.Waitlist(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("read waitlist for broadcast")
		return
	}
	if waitlist == nil {
		waitlist = []string{}
	}
	telemetry.WaitlistLength.Set(float64(len(waitlist)))
	b.bus.Publish(broadcast.TopicWaitlistUpdate, waitlist)
}

func (b *Booth) knownUser(ctx context.Context, userID string) error {
	var user models.User
	err := b.db.WithContext(ctx).Select("id").First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
