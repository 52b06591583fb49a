/*
Copyright (C) 2026 üWave contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package booth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/u-wave/core-go/internal/broadcast"
	"github.com/u-wave/core-go/internal/lease"
	"github.com/u-wave/core-go/internal/models"
	"github.com/u-wave/core-go/internal/playlists"
	"github.com/u-wave/core-go/internal/telemetry"
)

// maxEmptyPlaylistSkips bounds the advance loop when queued DJ after
// queued DJ has nothing playable.
const maxEmptyPlaylistSkips = 10

// AdvanceOptions control a single advance.
type AdvanceOptions struct {
	// Remove takes the ending DJ out of rotation instead of re-queueing
	// them at the waitlist tail.
	Remove bool

	// Quiet suppresses the broadcast messages. Operational tools use it
	// when observers should not react to the transition.
	Quiet bool
}

// Advance moves the booth to the next DJ: it seals the ending play with
// its final vote tallies, selects who plays next, rotates the waitlist,
// commits the new play behind the lease's fencing token, cycles the new
// DJ's playlist and announces the transition. Any instance may call it;
// whoever wins the lease performs the transition and everyone else
// returns ErrAdvanceInProgress.
//
// The returned entry is nil when the booth went idle.
func (b *Booth) Advance(ctx context.Context, opts AdvanceOptions) (*models.HistoryEntry, error) {
	var entry *models.HistoryEntry
	err := b.withLease(ctx, func(l *lease.Lease) error {
		var err error
		entry, err = b.advanceWithLease(ctx, l, opts)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrAdvanceInProgress) {
			recordAdvanceFailure(err)
		}
		return nil, err
	}

	if entry != nil {
		telemetry.BoothAdvancesTotal.WithLabelValues("playing").Inc()
		telemetry.BoothPlaying.Set(1)
	} else {
		telemetry.BoothAdvancesTotal.WithLabelValues("idle").Inc()
		telemetry.BoothPlaying.Set(0)
	}
	return entry, nil
}

func recordAdvanceFailure(err error) {
	switch {
	case errors.Is(err, lease.ErrLeaseLost):
		telemetry.BoothAdvanceFailures.WithLabelValues("lease_lost").Inc()
	case errors.Is(err, ErrEmptyPlaylist):
		telemetry.BoothAdvanceFailures.WithLabelValues("empty_playlists").Inc()
	default:
		telemetry.BoothAdvanceFailures.WithLabelValues("store_error").Inc()
	}
}

// advanceWithLease drives the transition, skipping DJs whose playlists
// cannot produce a track. A skipped waitlist DJ is popped without
// re-queueing; a skipped falling-back current DJ just stops being a
// fallback. The lease is extended before each retry so slow playlist
// reads cannot outlive the fence.
func (b *Booth) advanceWithLease(ctx context.Context, l *lease.Lease, opts AdvanceOptions) (*models.HistoryEntry, error) {
	timer := prometheus.NewTimer(telemetry.BoothAdvanceDuration)
	defer timer.ObserveDuration()

	allowFallback := true
	for skips := 0; ; skips++ {
		entry, err := b.advanceLocked(ctx, l, opts, allowFallback)
		var emptyErr *EmptyPlaylistError
		if !errors.As(err, &emptyErr) {
			return entry, err
		}
		if skips == maxEmptyPlaylistSkips {
			return nil, fmt.Errorf("gave up after %d unplayable DJs: %w", skips, err)
		}

		telemetry.BoothEmptyPlaylistSkips.Inc()
		b.logger.Warn().
			Str("user_id", emptyErr.UserID).
			Bool("from_waitlist", emptyErr.FromWaitlist).
			Msg("skipping DJ with nothing playable")

		if emptyErr.FromWaitlist {
			// Pop the unplayable head without re-queueing them.
			if err := b.state.RotateWaitlist(ctx, l.Token(), ""); err != nil {
				return nil, err
			}
		} else {
			allowFallback = false
		}

		if err := l.Extend(ctx); err != nil {
			return nil, err
		}
	}
}

// candidate is the outcome of DJ selection. A nil item with a non-nil
// user means the DJ was consumed but has no active playlist, so the booth
// goes idle after the rotation.
type candidate struct {
	user         *models.User
	item         *models.PlaylistItem
	fromWaitlist bool
}

func (b *Booth) advanceLocked(ctx context.Context, l *lease.Lease, opts AdvanceOptions, allowFallback bool) (*models.HistoryEntry, error) {
	token := l.Token()

	previous, err := b.currentEntry(ctx)
	if err != nil {
		return nil, err
	}

	cand, err := b.selectNext(ctx, previous, opts, allowFallback)
	if err != nil {
		return nil, err
	}

	// Seal the ending play before the commit wipes its vote sets. Re-runs
	// before the commit land the same tallies, so the values are written
	// exactly once even across a crash.
	if previous != nil {
		if err := b.sealEntry(ctx, previous); err != nil {
			return nil, err
		}
	}

	var entry *models.HistoryEntry
	if cand != nil && cand.item != nil {
		entry = &models.HistoryEntry{
			ID:         uuid.NewString(),
			UserID:     cand.user.ID,
			PlaylistID: cand.user.ActivePlaylistID,
			ItemID:     cand.item.ID,
			Media: models.MediaSnapshot{
				MediaID: cand.item.MediaID,
				Artist:  cand.item.Artist,
				Title:   cand.item.Title,
				Start:   cand.item.Start,
				End:     cand.item.End,
			},
			PlayedAt: time.Now().UTC(),
		}
		if err := b.db.WithContext(ctx).Create(entry).Error; err != nil {
			return nil, fmt.Errorf("create history entry: %w", err)
		}
	}

	// Rotate: the consumed head is popped, and the ending DJ re-queues at
	// the tail unless the caller removed them. A falling-back DJ is
	// reused in place, never popped or pushed.
	if cand != nil && cand.fromWaitlist {
		requeue := ""
		if previous != nil && !opts.Remove {
			requeue = previous.UserID
		}
		if err := b.state.RotateWaitlist(ctx, token, requeue); err != nil {
			return nil, err
		}
	}

	// The fenced commit is what makes the transition visible.
	if entry != nil {
		if err := b.state.SetCurrent(ctx, token, entry.ID, entry.UserID); err != nil {
			return nil, err
		}
	} else if err := b.state.ClearBooth(ctx, token); err != nil {
		return nil, err
	}

	if entry != nil {
		// The transition is committed; a failed cycle only means the same
		// head plays again next time.
		if err := b.playlists.Cycle(ctx, entry.PlaylistID); err != nil {
			b.logger.Error().Err(err).
				Str("playlist_id", entry.PlaylistID).
				Msg("cycle playlist after advance")
		}
		b.armTimer(entry)
	} else {
		b.stopTimer()
	}

	waitlist, err := b.state.Waitlist(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("read waitlist after advance")
		waitlist = nil
	} else {
		if waitlist == nil {
			waitlist = []string{}
		}
		telemetry.WaitlistLength.Set(float64(len(waitlist)))
	}

	if !opts.Quiet {
		b.publishTransition(entry)
		if waitlist != nil {
			b.bus.Publish(broadcast.TopicWaitlistUpdate, waitlist)
		}
	}

	if entry != nil {
		b.logger.Info().
			Str("history_id", entry.ID).
			Str("user_id", entry.UserID).
			Str("artist", entry.Media.Artist).
			Str("title", entry.Media.Title).
			Msg("booth advanced")
	} else {
		b.logger.Info().Msg("booth went idle")
	}
	return entry, nil
}

// selectNext picks who plays next. The waitlist head is peeked, never
// popped here; consumption happens at rotation so an aborted advance
// leaves the list untouched.
func (b *Booth) selectNext(ctx context.Context, previous *models.HistoryEntry, opts AdvanceOptions, allowFallback bool) (*candidate, error) {
	head, err := b.state.WaitlistHead(ctx)
	if err != nil {
		return nil, fmt.Errorf("read waitlist head: %w", err)
	}

	var userID string
	var fromWaitlist bool
	switch {
	case head != "":
		userID, fromWaitlist = head, true
	case previous != nil && !opts.Remove && allowFallback:
		// Lone DJ: with nobody waiting they keep playing.
		userID = previous.UserID
	default:
		return nil, nil
	}

	var user models.User
	err = b.db.WithContext(ctx).First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// A vanished user cannot play; let the loop skip them.
		return nil, &EmptyPlaylistError{UserID: userID, FromWaitlist: fromWaitlist}
	}
	if err != nil {
		return nil, fmt.Errorf("load next dj: %w", err)
	}

	if user.ActivePlaylistID == "" {
		// The DJ is consumed but nothing can play.
		return &candidate{user: &user, fromWaitlist: fromWaitlist}, nil
	}

	item, err := b.playlists.FirstItem(ctx, user.ActivePlaylistID)
	switch {
	case errors.Is(err, playlists.ErrPlaylistNotFound),
		errors.Is(err, playlists.ErrPlaylistEmpty),
		errors.Is(err, playlists.ErrItemNotFound):
		return nil, &EmptyPlaylistError{UserID: user.ID, FromWaitlist: fromWaitlist}
	case err != nil:
		return nil, fmt.Errorf("load next track: %w", err)
	}

	return &candidate{user: &user, item: item, fromWaitlist: fromWaitlist}, nil
}

// currentEntry loads the playing history entry, nil when idle. A store
// pointing at a row we do not have reads as idle rather than wedging
// every future advance.
func (b *Booth) currentEntry(ctx context.Context) (*models.HistoryEntry, error) {
	historyID, err := b.state.HistoryID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read current play: %w", err)
	}
	if historyID == "" {
		return nil, nil
	}

	var entry models.HistoryEntry
	err = b.db.WithContext(ctx).First(&entry, "id = ?", historyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		b.logger.Warn().Str("history_id", historyID).Msg("current play row missing")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load current play: %w", err)
	}
	return &entry, nil
}

// sealEntry attaches the final vote tallies to the play that just ended.
// Sealed values are never rewritten afterwards.
func (b *Booth) sealEntry(ctx context.Context, entry *models.HistoryEntry) error {
	votes, err := b.state.Votes(ctx)
	if err != nil {
		return fmt.Errorf("read vote tallies: %w", err)
	}

	entry.Upvotes = votes.Upvotes
	entry.Downvotes = votes.Downvotes
	entry.Favorites = votes.Favorites
	if err := b.db.WithContext(ctx).Save(entry).Error; err != nil {
		return fmt.Errorf("seal history entry: %w", err)
	}

	b.logger.Debug().
		Str("history_id", entry.ID).
		Int("upvotes", len(votes.Upvotes)).
		Int("downvotes", len(votes.Downvotes)).
		Int("favorites", len(votes.Favorites)).
		Msg("sealed history entry")
	return nil
}

// publishTransition announces the advance. Topic order is part of the
// contract: advance:complete first, then playlist:cycle and user:play.
func (b *Booth) publishTransition(entry *models.HistoryEntry) {
	if entry == nil {
		b.bus.Publish(broadcast.TopicAdvanceComplete, (*broadcast.AdvanceComplete)(nil))
		return
	}

	b.bus.Publish(broadcast.TopicAdvanceComplete, &broadcast.AdvanceComplete{
		HistoryID:  entry.ID,
		UserID:     entry.UserID,
		PlaylistID: entry.PlaylistID,
		ItemID:     entry.ItemID,
		Media:      entry.Media,
		PlayedAt:   entry.PlayedAt.UnixMilli(),
	})
	b.bus.Publish(broadcast.TopicPlaylistCycle, &broadcast.PlaylistCycle{
		UserID:     entry.UserID,
		PlaylistID: entry.PlaylistID,
	})
	b.bus.Publish(broadcast.TopicUserPlay, &broadcast.UserPlay{
		UserID: entry.UserID,
		Artist: entry.Media.Artist,
		Title:  entry.Media.Title,
	})
}
