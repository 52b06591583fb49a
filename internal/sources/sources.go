/*
Copyright (C) 2026 üWave contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package sources materializes (sourceType, sourceID) pairs into canonical
// Media rows. Descriptors are fetched from pluggable adapters and persisted
// on first sight; later lookups come straight from the durable store.
package sources

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/u-wave/core-go/internal/models"
)

var (
	// ErrUnknownSource means no adapter is registered for the source type.
	ErrUnknownSource = errors.New("no adapter for source type")

	// ErrMediaNotFound means the source does not know the requested id.
	ErrMediaNotFound = errors.New("media not found at source")
)

// Descriptor is a source-provided media description before persistence.
type Descriptor struct {
	SourceID  string
	Artist    string
	Title     string
	Duration  int // seconds
	Thumbnail string
}

// Adapter fetches canonical descriptors from one external source
// (YouTube, SoundCloud, ...). Implementations live outside the core.
type Adapter interface {
	// SourceType returns the adapter's source key, e.g. "youtube".
	SourceType() string

	// Get fetches descriptors for the given ids in one batch. Ids the
	// source does not know are simply absent from the result.
	Get(ctx context.Context, sourceIDs []string) ([]Descriptor, error)
}

// Resolver resolves media against registered adapters, backed by the
// durable store.
type Resolver struct {
	db     *gorm.DB
	logger zerolog.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewResolver creates a resolver with no adapters registered.
func NewResolver(db *gorm.DB, logger zerolog.Logger) *Resolver {
	return &Resolver{
		db:       db,
		logger:   logger.With().Str("component", "sources").Logger(),
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter, replacing any previous one for the same type.
func (r *Resolver) Register(adapter Adapter) {
	r.mu.Lock()
	r.adapters[adapter.SourceType()] = adapter
	r.mu.Unlock()

	r.logger.Info().Str("source_type", adapter.SourceType()).Msg("media source registered")
}

func (r *Resolver) adapter(sourceType string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[sourceType]
	return adapter, ok
}

// GetOne resolves a single media descriptor. Fails with ErrMediaNotFound
// when the source does not know the id.
func (r *Resolver) GetOne(ctx context.Context, sourceType, sourceID string) (*models.Media, error) {
	medias, err := r.Get(ctx, sourceType, []string{sourceID})
	if err != nil {
		return nil, err
	}
	if len(medias) == 0 {
		return nil, fmt.Errorf("%w: %s:%s", ErrMediaNotFound, sourceType, sourceID)
	}
	return &medias[0], nil
}

// Get resolves a batch of ids for one source type. Known media are read
// from the durable store in a single query; the rest go to the adapter in
// a single batched call and are persisted before returning. The result has
// one entry per distinct id, in first-appearance input order; ids the
// source does not know are absent.
func (r *Resolver) Get(ctx context.Context, sourceType string, sourceIDs []string) ([]models.Media, error) {
	unique := dedupe(sourceIDs)
	if len(unique) == 0 {
		return []models.Media{}, nil
	}

	var known []models.Media
	err := r.db.WithContext(ctx).
		Where("source_type = ? AND source_id IN ?", sourceType, unique).
		Find(&known).Error
	if err != nil {
		return nil, fmt.Errorf("query known media: %w", err)
	}

	byID := make(map[string]models.Media, len(unique))
	for _, m := range known {
		byID[m.SourceID] = m
	}

	var unknown []string
	for _, id := range unique {
		if _, ok := byID[id]; !ok {
			unknown = append(unknown, id)
		}
	}

	if len(unknown) > 0 {
		adapter, ok := r.adapter(sourceType)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, sourceType)
		}

		descriptors, err := adapter.Get(ctx, unknown)
		if err != nil {
			return nil, fmt.Errorf("resolve %s media: %w", sourceType, err)
		}

		fresh := make([]models.Media, 0, len(descriptors))
		for _, d := range descriptors {
			fresh = append(fresh, models.Media{
				ID:         uuid.NewString(),
				SourceType: sourceType,
				SourceID:   d.SourceID,
				Artist:     d.Artist,
				Title:      d.Title,
				Duration:   d.Duration,
				Thumbnail:  d.Thumbnail,
			})
		}

		if len(fresh) > 0 {
			if err := r.db.WithContext(ctx).Create(&fresh).Error; err != nil {
				return nil, fmt.Errorf("persist new media: %w", err)
			}
			r.logger.Debug().
				Str("source_type", sourceType).
				Int("count", len(fresh)).
				Msg("persisted new media")
		}

		for _, m := range fresh {
			byID[m.SourceID] = m
		}
	}

	result := make([]models.Media, 0, len(unique))
	for _, id := range unique {
		if m, ok := byID[id]; ok {
			result = append(result, m)
		}
	}
	return result, nil
}

// dedupe keeps the first occurrence of each id, preserving order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
