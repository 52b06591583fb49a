/*
Copyright (C) 2026 üWave contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"github.com/u-wave/core-go/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	return database.AutoMigrate(
		&models.User{},
		&models.Media{},
		&models.Playlist{},
		&models.PlaylistItem{},
		&models.HistoryEntry{},
	)
}
