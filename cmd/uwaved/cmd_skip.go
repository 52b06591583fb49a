/*
Copyright (C) 2026 üWave contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/u-wave/core-go/internal/booth"
	"github.com/u-wave/core-go/internal/broadcast"
	"github.com/u-wave/core-go/internal/db"
	"github.com/u-wave/core-go/internal/lease"
	"github.com/u-wave/core-go/internal/playlists"
	"github.com/u-wave/core-go/internal/roomstate"
	"github.com/u-wave/core-go/internal/sources"
)

var (
	skipRemove bool
	skipQuiet  bool
)

var skipCmd = &cobra.Command{
	Use:   "skip",
	Short: "Advance the booth out of band",
	Long: `Force a booth advance without waiting for the end-of-track timer.

The current play is sealed with its vote tallies and the next DJ takes
over, exactly as if the track had ended. With --remove the ending DJ is
taken out of rotation instead of re-queueing at the waitlist tail.

Running daemons hear the advance:complete announcement and re-arm their
timers; --quiet suppresses the announcements (observers fall behind until
they refresh).`,
	RunE: runSkip,
}

func init() {
	skipCmd.Flags().BoolVar(&skipRemove, "remove", false, "Do not re-queue the ending DJ")
	skipCmd.Flags().BoolVar(&skipQuiet, "quiet", false, "Do not broadcast the transition")
	rootCmd.AddCommand(skipCmd)
}

func runSkip(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	ctx := context.Background()

	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close(database)

	client, err := connectRedis(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	bus, err := broadcast.New(cfg, client, logger)
	if err != nil {
		return fmt.Errorf("create broadcast bus: %w", err)
	}
	defer bus.Close()

	state := roomstate.New(client, logger)
	mutex := lease.NewMutex(client, "", 0, logger)
	resolver := sources.NewResolver(database, logger)
	playlistSvc := playlists.NewService(database, resolver, logger)

	b := booth.New(database, state, mutex, playlistSvc, bus, logger)
	defer b.Stop()

	entry, err := b.Advance(ctx, booth.AdvanceOptions{Remove: skipRemove, Quiet: skipQuiet})
	switch {
	case errors.Is(err, booth.ErrAdvanceInProgress):
		return fmt.Errorf("another instance is advancing the booth right now; retry in a moment")
	case errors.Is(err, booth.ErrEmptyPlaylist):
		return fmt.Errorf("no queued DJ had a playable track: %w", err)
	case err != nil:
		return fmt.Errorf("advance: %w", err)
	}

	if entry == nil {
		fmt.Println("Booth is now idle.")
		return nil
	}

	fmt.Printf("Now playing: %s — %s (DJ %s, history %s)\n",
		entry.Media.Artist, entry.Media.Title, entry.UserID, entry.ID)
	return nil
}
