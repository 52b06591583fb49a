/*
Copyright (C) 2026 üWave contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/u-wave/core-go/internal/broadcast"
	"github.com/u-wave/core-go/internal/lease"
	"github.com/u-wave/core-go/internal/roomstate"
)

var (
	resetForce bool
	resetQuiet bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the live room state",
	Long: `Reset the ephemeral room state to empty.

This command will:
- Clear the current play and its vote sets
- Empty the DJ waitlist

The durable play history, playlists and media are untouched. Clients see
an idle room and running daemons drop their timers.

Examples:
  # Interactive reset (will prompt for confirmation)
  uwaved reset

  # Force reset without confirmation
  uwaved reset --force
`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVarP(&resetForce, "force", "f", false, "Skip confirmation prompt")
	resetCmd.Flags().BoolVar(&resetQuiet, "quiet", false, "Do not broadcast the cleared state")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	if !resetForce {
		fmt.Println("This will clear the current play, its votes, and the entire DJ waitlist.")
		fmt.Println("The play history and playlists are kept.")
		fmt.Print("Type 'yes' to confirm reset: ")

		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		if strings.TrimSpace(strings.ToLower(response)) != "yes" {
			fmt.Println("Reset cancelled.")
			return nil
		}
	}

	ctx := context.Background()

	client, err := connectRedis(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	state := roomstate.New(client, logger)
	mutex := lease.NewMutex(client, "", 0, logger)

	// Room state writes belong to the advance lease holder; a contended
	// lease means an advance is mid-flight and the reset must not race it.
	l, err := mutex.Acquire(ctx)
	if errors.Is(err, lease.ErrContended) {
		return fmt.Errorf("an advance is in progress; retry in a moment")
	}
	if err != nil {
		return err
	}
	defer l.Release(ctx)

	if err := state.ClearBooth(ctx, l.Token()); err != nil {
		return fmt.Errorf("clear booth: %w", err)
	}
	if err := state.SetWaitlist(ctx, l.Token(), nil); err != nil {
		return fmt.Errorf("clear waitlist: %w", err)
	}

	logger.Info().Msg("room state cleared")

	if !resetQuiet {
		bus, err := broadcast.New(cfg, client, logger)
		if err != nil {
			return fmt.Errorf("create broadcast bus: %w", err)
		}
		defer bus.Close()

		// The idle announcement stops timers on running daemons; the
		// waitlist update brings clients to the empty list.
		bus.Publish(broadcast.TopicAdvanceComplete, (*broadcast.AdvanceComplete)(nil))
		bus.Publish(broadcast.TopicWaitlistUpdate, []string{})
	}

	fmt.Println("Room state reset: booth idle, waitlist empty.")
	return nil
}
