/*
Copyright (C) 2026 üWave contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version provides build version information.
package version

// Version is the current version of the üWave core daemon.
// This is set at build time via ldflags:
//
//	-X github.com/u-wave/core-go/internal/version.Version=X.Y.Z
var Version = "0.6.0"

// Commit is the git commit the binary was built from, set via ldflags.
var Commit = "unknown"
