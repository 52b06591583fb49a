/*
Copyright (C) 2026 üWave contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package roomstate holds the live, ephemeral side of the room in Redis:
// the current play, its vote sets, and the DJ waitlist. The durable record
// of plays lives in the relational store; everything here can be rebuilt
// from it plus the room going quiet.
package roomstate

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/u-wave/core-go/internal/lease"
)

// Redis keys for the live room state.
const (
	KeyHistoryID = "booth:historyID"
	KeyCurrentDJ = "booth:currentDJ"
	KeyUpvotes   = "booth:upvotes"
	KeyDownvotes = "booth:downvotes"
	KeyFavorites = "booth:favorites"
	KeyWaitlist  = "waitlist"
)

// setCurrentScript installs a new play. The vote sets are cleared in the
// same script so no reader can observe the new play with the old votes.
// Gated on the advance lease token in KEYS[1].
const setCurrentScript = `
	if redis.call("get", KEYS[1]) ~= ARGV[1] then
		return 0
	end
	redis.call("del", KEYS[2], KEYS[3], KEYS[4])
	redis.call("set", KEYS[5], ARGV[2])
	redis.call("set", KEYS[6], ARGV[3])
	return 1
`

// clearBoothScript empties the booth when nobody is up next.
const clearBoothScript = `
	if redis.call("get", KEYS[1]) ~= ARGV[1] then
		return 0
	end
	redis.call("del", KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6])
	return 1
`

// rotateWaitlistScript pops the consumed head and optionally re-queues the
// previous DJ at the tail.
const rotateWaitlistScript = `
	if redis.call("get", KEYS[1]) ~= ARGV[1] then
		return 0
	end
	redis.call("lpop", KEYS[2])
	if ARGV[2] ~= "" then
		redis.call("rpush", KEYS[2], ARGV[2])
	end
	return 1
`

// pushWaitlistScript appends a user to the tail.
const pushWaitlistScript = `
	if redis.call("get", KEYS[1]) ~= ARGV[1] then
		return 0
	end
	redis.call("rpush", KEYS[2], ARGV[2])
	return 1
`

// removeWaitlistScript removes every occurrence of a user.
const removeWaitlistScript = `
	if redis.call("get", KEYS[1]) ~= ARGV[1] then
		return 0
	end
	redis.call("lrem", KEYS[2], 0, ARGV[2])
	return 1
`

// setWaitlistScript replaces the whole list, used for reordering.
const setWaitlistScript = `
	if redis.call("get", KEYS[1]) ~= ARGV[1] then
		return 0
	end
	redis.call("del", KEYS[2])
	for i = 2, #ARGV do
		redis.call("rpush", KEYS[2], ARGV[i])
	end
	return 1
`

// Votes is a snapshot of the vote sets for the current play.
type Votes struct {
	Upvotes   []string
	Downvotes []string
	Favorites []string
}

// Store reads and writes the live room state.
//
// Writes that belong to the advance path are fenced: they carry the advance
// lease token and are rejected server-side when the token no longer owns
// booth:advancing, so a writer whose lease expired cannot corrupt state.
// Vote writes are the exception; they are per-user and last-writer-wins.
type Store struct {
	client *redis.Client
	logger zerolog.Logger
}

// New creates a store on an existing Redis client.
func New(client *redis.Client, logger zerolog.Logger) *Store {
	return &Store{
		client: client,
		logger: logger.With().Str("component", "roomstate").Logger(),
	}
}

// HistoryID returns the id of the current play, or "" when the booth is idle.
func (s *Store) HistoryID(ctx context.Context) (string, error) {
	id, err := s.client.Get(ctx, KeyHistoryID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get history id: %w", err)
	}
	return id, nil
}

// CurrentDJ returns the user id of the current DJ, or "" when the booth is idle.
func (s *Store) CurrentDJ(ctx context.Context) (string, error) {
	id, err := s.client.Get(ctx, KeyCurrentDJ).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get current dj: %w", err)
	}
	return id, nil
}

// Votes returns the vote sets for the current play. The slices are never
// nil so a sealed history entry stores [] rather than null.
func (s *Store) Votes(ctx context.Context) (Votes, error) {
	var up, down, favs *redis.StringSliceCmd

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		up = pipe.SMembers(ctx, KeyUpvotes)
		down = pipe.SMembers(ctx, KeyDownvotes)
		favs = pipe.SMembers(ctx, KeyFavorites)
		return nil
	})
	if err != nil {
		return Votes{}, fmt.Errorf("get votes: %w", err)
	}

	v := Votes{
		Upvotes:   up.Val(),
		Downvotes: down.Val(),
		Favorites: favs.Val(),
	}
	if v.Upvotes == nil {
		v.Upvotes = []string{}
	}
	if v.Downvotes == nil {
		v.Downvotes = []string{}
	}
	if v.Favorites == nil {
		v.Favorites = []string{}
	}
	return v, nil
}

// Waitlist returns the full waitlist, head first.
func (s *Store) Waitlist(ctx context.Context) ([]string, error) {
	users, err := s.client.LRange(ctx, KeyWaitlist, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get waitlist: %w", err)
	}
	if users == nil {
		users = []string{}
	}
	return users, nil
}

// WaitlistHead peeks at the next DJ without consuming them.
// Returns "" when the waitlist is empty.
func (s *Store) WaitlistHead(ctx context.Context) (string, error) {
	id, err := s.client.LIndex(ctx, KeyWaitlist, 0).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("peek waitlist: %w", err)
	}
	return id, nil
}

// SetCurrent installs historyID/userID as the current play and clears the
// vote sets, all in one fenced write.
func (s *Store) SetCurrent(ctx context.Context, token, historyID, userID string) error {
	keys := []string{lease.DefaultKey, KeyUpvotes, KeyDownvotes, KeyFavorites, KeyHistoryID, KeyCurrentDJ}
	res, err := s.client.Eval(ctx, setCurrentScript, keys, token, historyID, userID).Int()
	if err != nil {
		return fmt.Errorf("set current play: %w", err)
	}
	if res == 0 {
		return lease.ErrLeaseLost
	}
	return nil
}

// ClearBooth removes the current play, the current DJ and the vote sets.
func (s *Store) ClearBooth(ctx context.Context, token string) error {
	keys := []string{lease.DefaultKey, KeyHistoryID, KeyCurrentDJ, KeyUpvotes, KeyDownvotes, KeyFavorites}
	res, err := s.client.Eval(ctx, clearBoothScript, keys, token).Int()
	if err != nil {
		return fmt.Errorf("clear booth: %w", err)
	}
	if res == 0 {
		return lease.ErrLeaseLost
	}
	return nil
}

// RotateWaitlist pops the head and, when requeueUserID is non-empty, pushes
// that user to the tail. Pass "" to pop without re-queueing.
func (s *Store) RotateWaitlist(ctx context.Context, token, requeueUserID string) error {
	keys := []string{lease.DefaultKey, KeyWaitlist}
	res, err := s.client.Eval(ctx, rotateWaitlistScript, keys, token, requeueUserID).Int()
	if err != nil {
		return fmt.Errorf("rotate waitlist: %w", err)
	}
	if res == 0 {
		return lease.ErrLeaseLost
	}
	return nil
}

// PushWaitlist appends a user to the waitlist tail. Membership checks are
// the caller's job; holding the lease excludes concurrent mutation.
func (s *Store) PushWaitlist(ctx context.Context, token, userID string) error {
	keys := []string{lease.DefaultKey, KeyWaitlist}
	res, err := s.client.Eval(ctx, pushWaitlistScript, keys, token, userID).Int()
	if err != nil {
		return fmt.Errorf("push waitlist: %w", err)
	}
	if res == 0 {
		return lease.ErrLeaseLost
	}
	return nil
}

// RemoveWaitlist removes a user from the waitlist wherever they appear.
func (s *Store) RemoveWaitlist(ctx context.Context, token, userID string) error {
	keys := []string{lease.DefaultKey, KeyWaitlist}
	res, err := s.client.Eval(ctx, removeWaitlistScript, keys, token, userID).Int()
	if err != nil {
		return fmt.Errorf("remove from waitlist: %w", err)
	}
	if res == 0 {
		return lease.ErrLeaseLost
	}
	return nil
}

// SetWaitlist replaces the waitlist wholesale, used when reordering.
func (s *Store) SetWaitlist(ctx context.Context, token string, userIDs []string) error {
	keys := []string{lease.DefaultKey, KeyWaitlist}
	args := make([]interface{}, 0, len(userIDs)+1)
	args = append(args, token)
	for _, id := range userIDs {
		args = append(args, id)
	}

	res, err := s.client.Eval(ctx, setWaitlistScript, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("set waitlist: %w", err)
	}
	if res == 0 {
		return lease.ErrLeaseLost
	}
	return nil
}

// CastVote records an up or down vote for the current play. A user sits in
// at most one of the two sets; voting the other way moves them. Returns
// whether the sets changed, so callers can skip announcing repeat votes.
func (s *Store) CastVote(ctx context.Context, userID string, direction int) (bool, error) {
	target, opposite := KeyUpvotes, KeyDownvotes
	if direction < 0 {
		target, opposite = KeyDownvotes, KeyUpvotes
	}

	var removed, added *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, opposite, userID)
		added = pipe.SAdd(ctx, target, userID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cast vote: %w", err)
	}

	return removed.Val() == 1 || added.Val() == 1, nil
}

// AddFavorite marks the current play as a favorite of userID. Favorites are
// independent of up/down votes. Returns false when already set.
func (s *Store) AddFavorite(ctx context.Context, userID string) (bool, error) {
	added, err := s.client.SAdd(ctx, KeyFavorites, userID).Result()
	if err != nil {
		return false, fmt.Errorf("add favorite: %w", err)
	}
	return added == 1, nil
}

// RemoveFavorite clears a favorite mark again.
func (s *Store) RemoveFavorite(ctx context.Context, userID string) (bool, error) {
	removed, err := s.client.SRem(ctx, KeyFavorites, userID).Result()
	if err != nil {
		return false, fmt.Errorf("remove favorite: %w", err)
	}
	return removed == 1, nil
}
