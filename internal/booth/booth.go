/*
Copyright (C) 2026 üWave contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package booth runs the DJ booth: it advances the room from one play to
// the next, rotates the waitlist, tallies votes and recovers the
// current play after a restart. All booth state lives in the shared
// stores; the only thing held in process is the timer for the end of the
// current play, so any instance can pick up where another left off.
package booth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/u-wave/core-go/internal/broadcast"
	"github.com/u-wave/core-go/internal/lease"
	"github.com/u-wave/core-go/internal/models"
	"github.com/u-wave/core-go/internal/playlists"
	"github.com/u-wave/core-go/internal/roomstate"
	"github.com/u-wave/core-go/internal/telemetry"
)

// advanceTimeout bounds store work on the timer-driven path, which has no
// caller to give up for it.
const advanceTimeout = 10 * time.Second

var (
	// ErrAdvanceInProgress means another instance holds the advance lease.
	ErrAdvanceInProgress = errors.New("advance already in progress")

	// ErrNoCurrentPlay means the room is idle.
	ErrNoCurrentPlay = errors.New("nothing is playing")

	// ErrUnknownUser means the user does not exist in the durable store.
	ErrUnknownUser = errors.New("unknown user")

	// ErrAlreadyQueued means the user is already in the waitlist.
	ErrAlreadyQueued = errors.New("user already in waitlist")

	// ErrCurrentDJ means the user is playing right now and cannot queue.
	ErrCurrentDJ = errors.New("user is the current DJ")

	// ErrNotInWaitlist means the user is not in the waitlist.
	ErrNotInWaitlist = errors.New("user not in waitlist")

	// ErrEmptyPlaylist is the root of EmptyPlaylistError, the internal
	// signal that a selected DJ has nothing playable.
	ErrEmptyPlaylist = errors.New("active playlist is empty")
)

// EmptyPlaylistError reports which selected DJ could not play, and
// whether they came off the waitlist or were the falling-back current DJ.
// The advance loop uses the distinction to decide what to skip.
type EmptyPlaylistError struct {
	UserID       string
	FromWaitlist bool
}

func (e *EmptyPlaylistError) Error() string {
	return fmt.Sprintf("user %s has no playable items", e.UserID)
}

func (e *EmptyPlaylistError) Unwrap() error { return ErrEmptyPlaylist }

// Booth coordinates booth advancement for one room across instances.
type Booth struct {
	db        *gorm.DB
	state     *roomstate.Store
	mutex     *lease.Mutex
	playlists *playlists.Service
	bus       broadcast.Bus
	logger    zerolog.Logger

	errCh chan error

	mu       sync.Mutex
	timer    *time.Timer
	armedFor string // history id the timer is armed for

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the booth. Call Start to recover state and begin watching
// for transitions from other instances.
func New(db *gorm.DB, state *roomstate.Store, mutex *lease.Mutex, playlistSvc *playlists.Service, bus broadcast.Bus, logger zerolog.Logger) *Booth {
	ctx, cancel := context.WithCancel(context.Background())
	return &Booth{
		db:        db,
		state:     state,
		mutex:     mutex,
		playlists: playlistSvc,
		bus:       bus,
		logger:    logger.With().Str("component", "booth").Logger(),
		errCh:     make(chan error, 4),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Err surfaces store failures from the timer-driven path, where no caller
// is waiting for an error. The supervisor treats these as fatal.
func (b *Booth) Err() <-chan error {
	return b.errCh
}

// Start recovers the booth from the shared stores and begins following
// transitions announced by other instances. With a current play whose end
// time is still ahead the timer is armed for the remainder; a play that
// ended while no instance was up is advanced immediately.
func (b *Booth) Start(ctx context.Context) error {
	historyID, err := b.state.HistoryID(ctx)
	if err != nil {
		return fmt.Errorf("read current play: %w", err)
	}

	switch {
	case historyID == "":
		telemetry.BoothPlaying.Set(0)
		telemetry.BoothRecoveriesTotal.WithLabelValues("idle").Inc()
		b.logger.Info().Msg("booth idle at startup")

	default:
		var entry models.HistoryEntry
		err := b.db.WithContext(ctx).First(&entry, "id = ?", historyID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			b.logger.Warn().Str("history_id", historyID).Msg("current play row missing, advancing")
			telemetry.BoothRecoveriesTotal.WithLabelValues("advance").Inc()
			if err := b.recoveryAdvance(ctx); err != nil {
				return err
			}
		case err != nil:
			return fmt.Errorf("load current play: %w", err)
		case entry.EndsAt().After(time.Now()):
			telemetry.BoothPlaying.Set(1)
			telemetry.BoothRecoveriesTotal.WithLabelValues("resume").Inc()
			b.armTimer(&entry)
			b.logger.Info().
				Str("history_id", entry.ID).
				Time("ends_at", entry.EndsAt()).
				Msg("resumed current play")
		default:
			b.logger.Info().Str("history_id", entry.ID).Msg("current play ended while offline, advancing")
			telemetry.BoothRecoveriesTotal.WithLabelValues("advance").Inc()
			if err := b.recoveryAdvance(ctx); err != nil {
				return err
			}
		}
	}

	if waitlist, err := b.state.Waitlist(ctx); err == nil {
		telemetry.WaitlistLength.Set(float64(len(waitlist)))
	}

	b.wg.Add(1)
	go b.watchTransitions()
	return nil
}

// recoveryAdvance tolerates losing the lease to another instance and an
// unplayable queue; both leave the booth in a state someone owns.
func (b *Booth) recoveryAdvance(ctx context.Context) error {
	_, err := b.Advance(ctx, AdvanceOptions{})
	if err != nil && !errors.Is(err, ErrAdvanceInProgress) && !errors.Is(err, ErrEmptyPlaylist) {
		return fmt.Errorf("recovery advance: %w", err)
	}
	if err != nil {
		b.logger.Warn().Err(err).Msg("recovery advance yielded no play")
	}
	return nil
}

// Stop cancels the timer and the transition watcher. The shared stores
// are untouched: the current play keeps its end time, and whichever
// instance is alive then advances the booth.
func (b *Booth) Stop() {
	b.cancel()
	b.stopTimer()
	b.wg.Wait()
}

// armTimer schedules the advance for the end of the given play,
// replacing whatever the timer was armed for before.
func (b *Booth) armTimer(entry *models.HistoryEntry) {
	d := time.Until(entry.EndsAt())
	if d < 0 {
		d = 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
	historyID := entry.ID
	b.armedFor = historyID
	b.timer = time.AfterFunc(d, func() { b.onPlayEnded(historyID) })

	b.logger.Debug().
		Str("history_id", historyID).
		Dur("in", d).
		Msg("advance timer armed")
}

func (b *Booth) stopTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.armedFor = ""
}

// onPlayEnded advances when the current play runs out. Losing the race to
// another instance is fine: its advance:complete re-arms this one.
func (b *Booth) onPlayEnded(historyID string) {
	ctx, cancel := context.WithTimeout(b.ctx, advanceTimeout)
	defer cancel()

	current, err := b.state.HistoryID(ctx)
	if err != nil {
		b.reportErr(fmt.Errorf("read current play: %w", err))
		return
	}
	if current != historyID {
		return
	}

	_, err = b.Advance(ctx, AdvanceOptions{})
	switch {
	case err == nil:
	case errors.Is(err, ErrAdvanceInProgress), errors.Is(err, lease.ErrLeaseLost):
		b.logger.Debug().Err(err).Msg("timer advance lost the race")
	case errors.Is(err, ErrEmptyPlaylist):
		b.logger.Warn().Err(err).Msg("timer advance found no playable DJ")
	default:
		b.reportErr(fmt.Errorf("timer advance: %w", err))
	}
}

func (b *Booth) reportErr(err error) {
	b.logger.Error().Err(err).Msg("booth store failure")
	select {
	case b.errCh <- err:
	default:
	}
}

// watchTransitions follows advance:complete announcements so an instance
// that did not perform the transition still arms its timer. The bus
// leaves subscriber channels open on Close; shutdown rides b.ctx.
func (b *Booth) watchTransitions() {
	defer b.wg.Done()

	sub := b.bus.Subscribe(broadcast.TopicAdvanceComplete)
	defer b.bus.Unsubscribe(broadcast.TopicAdvanceComplete, sub)

	for {
		select {
		case <-b.ctx.Done():
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			b.handleRemoteAdvance(payload)
		}
	}
}

// handleRemoteAdvance re-arms the timer for a transition somebody
// announced, deduplicating by history id so our own echo is a no-op.
func (b *Booth) handleRemoteAdvance(payload broadcast.Payload) {
	ac, ok := decodeAdvance(payload)
	if !ok {
		b.logger.Warn().Msg("unintelligible advance announcement")
		return
	}

	if ac == nil {
		// Null announcement: the booth went idle somewhere.
		b.stopTimer()
		telemetry.BoothPlaying.Set(0)
		return
	}

	b.mu.Lock()
	dup := b.armedFor == ac.HistoryID
	b.mu.Unlock()
	if dup {
		return
	}

	telemetry.BoothPlaying.Set(1)
	b.armTimer(&models.HistoryEntry{
		ID:       ac.HistoryID,
		UserID:   ac.UserID,
		Media:    ac.Media,
		PlayedAt: time.UnixMilli(ac.PlayedAt),
	})
	b.logger.Debug().
		Str("history_id", ac.HistoryID).
		Msg("timer re-armed from remote advance")
}

// decodeAdvance normalizes the two shapes a subscriber can see: the typed
// value of an in-process publish and the JSON-decoded form of a remote
// one. A nil result with ok=true is the went-idle announcement.
func decodeAdvance(payload broadcast.Payload) (*broadcast.AdvanceComplete, bool) {
	switch p := payload.(type) {
	case nil:
		return nil, true
	case *broadcast.AdvanceComplete:
		if p == nil {
			return nil, true
		}
		return p, true
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, false
		}
		if string(raw) == "null" {
			return nil, true
		}
		var ac broadcast.AdvanceComplete
		if err := json.Unmarshal(raw, &ac); err != nil || ac.HistoryID == "" {
			return nil, false
		}
		return &ac, true
	}
}

// withLease runs fn holding the advance lease.
func (b *Booth) withLease(ctx context.Context, fn func(l *lease.Lease) error) error {
	l, err := b.mutex.Acquire(ctx)
	if err != nil {
		if errors.Is(err, lease.ErrContended) {
			return ErrAdvanceInProgress
		}
		return fmt.Errorf("acquire advance lease: %w", err)
	}
	defer func() {
		// Release failures only delay the next acquire until the TTL.
		_ = l.Release(ctx)
	}()
	return fn(l)
}
