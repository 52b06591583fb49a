package playlists

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/u-wave/core-go/internal/models"
)

// ErrBadItemInput means an item reference or media input was malformed.
var ErrBadItemInput = errors.New("malformed item input")

const defaultPageSize = 100

// ItemRef identifies one item to insert: either an existing playlist item
// whose fields are copied, or fresh media input materialized through the
// source resolver. Construct with ByID or ByMedia.
type ItemRef struct {
	itemID string
	input  *ItemInput
}

// ByID references an existing playlist item to copy into the target
// playlist. The copy gets its own id; the source item is untouched.
func ByID(itemID string) ItemRef {
	return ItemRef{itemID: itemID}
}

// ByMedia references media input to materialize through the resolver.
func ByMedia(input ItemInput) ItemRef {
	return ItemRef{input: &input}
}

// UnmarshalJSON accepts the two client shapes: a bare item id string, or
// a media input object.
func (r *ItemRef) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*r = ByID(id)
		return nil
	}
	var input ItemInput
	if err := json.Unmarshal(data, &input); err != nil {
		return fmt.Errorf("%w: %s", ErrBadItemInput, err)
	}
	*r = ByMedia(input)
	return nil
}

// ItemInput is client-provided media input for one playlist item. Artist
// and title default to the media's own when blank; the start/end trim is
// clamped to the media duration.
type ItemInput struct {
	SourceType string `json:"sourceType"`
	SourceID   string `json:"sourceID"`
	Artist     string `json:"artist"`
	Title      string `json:"title"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
}

// UnmarshalJSON tolerates numeric sourceID values, which some clients
// send for sources with integer ids.
func (in *ItemInput) UnmarshalJSON(data []byte) error {
	type alias ItemInput
	aux := struct {
		SourceID json.RawMessage `json:"sourceID"`
		*alias
	}{alias: (*alias)(in)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.SourceID) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(aux.SourceID, &s); err == nil {
		in.SourceID = s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(aux.SourceID, &n); err != nil {
		return fmt.Errorf("%w: sourceID must be a string or number", ErrBadItemInput)
	}
	in.SourceID = n.String()
	return nil
}

func (in *ItemInput) validate() error {
	if in.SourceType == "" {
		return fmt.Errorf("%w: sourceType is required", ErrBadItemInput)
	}
	if in.SourceID == "" {
		return fmt.Errorf("%w: sourceID is required", ErrBadItemInput)
	}
	return nil
}

// AddResult reports a completed insertion.
type AddResult struct {
	Added        []models.PlaylistItem `json:"added"`
	AfterID      string                `json:"afterID"`
	PlaylistSize int                   `json:"playlistSize"`
}

type sourceKey struct {
	sourceType string
	sourceID   string
}

// AddItems inserts items into the playlist directly after the anchor
// item; an empty or unknown anchor inserts at the head. References are
// validated up front, media is materialized in one resolver batch per
// source type, and the rows plus the new ordering are committed in a
// single transaction. Inputs whose media the source does not know are
// skipped. The added items appear in reference order.
func (s *Service) AddItems(ctx context.Context, playlistID string, refs []ItemRef, after string) (*AddResult, error) {
	playlist, err := s.GetPlaylist(ctx, playlistID)
	if err != nil {
		return nil, err
	}

	for _, ref := range refs {
		switch {
		case ref.itemID != "":
		case ref.input != nil:
			if err := ref.input.validate(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: empty item reference", ErrBadItemInput)
		}
	}

	anchor := ""
	if after != "" {
		for _, id := range playlist.Items {
			if id == after {
				anchor = after
				break
			}
		}
	}

	copies, err := s.loadCopySources(ctx, refs)
	if err != nil {
		return nil, err
	}
	resolved, err := s.materialize(ctx, refs)
	if err != nil {
		return nil, err
	}

	rows := make([]models.PlaylistItem, 0, len(refs))
	for _, ref := range refs {
		if ref.itemID != "" {
			src := copies[ref.itemID]
			start, end := clampTrim(src.Start, src.End, src.Media.Duration)
			rows = append(rows, models.PlaylistItem{
				ID:      uuid.NewString(),
				MediaID: src.MediaID,
				Artist:  src.Artist,
				Title:   src.Title,
				Start:   start,
				End:     end,
			})
			continue
		}

		media, ok := resolved[sourceKey{ref.input.SourceType, ref.input.SourceID}]
		if !ok {
			continue
		}
		artist, title := ref.input.Artist, ref.input.Title
		if artist == "" {
			artist = media.Artist
		}
		if title == "" {
			title = media.Title
		}
		start, end := clampTrim(ref.input.Start, ref.input.End, media.Duration)
		rows = append(rows, models.PlaylistItem{
			ID:      uuid.NewString(),
			MediaID: media.ID,
			Artist:  artist,
			Title:   title,
			Start:   start,
			End:     end,
		})
	}

	if len(rows) == 0 {
		return &AddResult{
			Added:        []models.PlaylistItem{},
			AfterID:      anchor,
			PlaylistSize: playlist.Size(),
		}, nil
	}

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("create playlist items: %w", err)
		}
		playlist.Items = insertAfter(playlist.Items, ids, anchor)
		if err := tx.Save(playlist).Error; err != nil {
			return fmt.Errorf("save playlist order: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("playlist_id", playlistID).
			Int("count", len(rows)).
			Msg("bulk insert failed")
		return nil, ErrItemSave
	}

	return &AddResult{
		Added:        rows,
		AfterID:      anchor,
		PlaylistSize: playlist.Size(),
	}, nil
}

// loadCopySources loads the items referenced by id, with media, and fails
// on the first missing one.
func (s *Service) loadCopySources(ctx context.Context, refs []ItemRef) (map[string]models.PlaylistItem, error) {
	var ids []string
	for _, ref := range refs {
		if ref.itemID != "" {
			ids = append(ids, ref.itemID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var rows []models.PlaylistItem
	err := s.db.WithContext(ctx).
		Preload("Media").
		Where("id IN ?", ids).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load copied items: %w", err)
	}

	byID := make(map[string]models.PlaylistItem, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
		}
	}
	return byID, nil
}

// materialize resolves all ByMedia inputs, one resolver batch per source
// type.
func (s *Service) materialize(ctx context.Context, refs []ItemRef) (map[sourceKey]models.Media, error) {
	var typeOrder []string
	bySource := make(map[string][]string)
	for _, ref := range refs {
		if ref.input == nil {
			continue
		}
		st := ref.input.SourceType
		if _, ok := bySource[st]; !ok {
			typeOrder = append(typeOrder, st)
		}
		bySource[st] = append(bySource[st], ref.input.SourceID)
	}

	resolved := make(map[sourceKey]models.Media)
	for _, st := range typeOrder {
		medias, err := s.resolver.Get(ctx, st, bySource[st])
		if err != nil {
			return nil, fmt.Errorf("materialize media: %w", err)
		}
		for _, m := range medias {
			resolved[sourceKey{st, m.SourceID}] = m
		}
	}
	return resolved, nil
}

// MoveItems moves the given items, in the order given, to directly after
// the anchor item. Ids not in the playlist are ignored; an empty,
// unknown, or itself-moving anchor moves them to the head.
func (s *Service) MoveItems(ctx context.Context, playlistID string, itemIDs []string, after string) (*models.Playlist, error) {
	playlist, err := s.GetPlaylist(ctx, playlistID)
	if err != nil {
		return nil, err
	}

	present := make(map[string]struct{}, len(playlist.Items))
	for _, id := range playlist.Items {
		present[id] = struct{}{}
	}

	moving := make([]string, 0, len(itemIDs))
	movingSet := make(map[string]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		if _, ok := present[id]; !ok {
			continue
		}
		if _, ok := movingSet[id]; ok {
			continue
		}
		movingSet[id] = struct{}{}
		moving = append(moving, id)
	}
	if len(moving) == 0 {
		return playlist, nil
	}

	remaining := make([]string, 0, len(playlist.Items)-len(moving))
	for _, id := range playlist.Items {
		if _, ok := movingSet[id]; !ok {
			remaining = append(remaining, id)
		}
	}

	playlist.Items = insertAfter(remaining, moving, after)
	if err := s.db.WithContext(ctx).Save(playlist).Error; err != nil {
		return nil, fmt.Errorf("save playlist order: %w", err)
	}
	return playlist, nil
}

// RemoveItems removes the given items from the playlist and deletes their
// rows. Ids not in the playlist are ignored.
func (s *Service) RemoveItems(ctx context.Context, playlistID string, itemIDs []string) (*models.Playlist, error) {
	playlist, err := s.GetPlaylist(ctx, playlistID)
	if err != nil {
		return nil, err
	}

	removeSet := make(map[string]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		removeSet[id] = struct{}{}
	}

	kept := make([]string, 0, len(playlist.Items))
	victims := make([]string, 0, len(itemIDs))
	for _, id := range playlist.Items {
		if _, ok := removeSet[id]; ok {
			victims = append(victims, id)
		} else {
			kept = append(kept, id)
		}
	}
	if len(victims) == 0 {
		return playlist, nil
	}

	playlist.Items = kept
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(playlist).Error; err != nil {
			return fmt.Errorf("save playlist order: %w", err)
		}
		if err := tx.Delete(&models.PlaylistItem{}, "id IN ?", victims).Error; err != nil {
			return fmt.Errorf("delete playlist items: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return playlist, nil
}

// Page is one slice of a playlist's items in playlist order.
type Page struct {
	Items      []models.PlaylistItem `json:"items"`
	PageSize   int                   `json:"pageSize"`
	Filtered   int                   `json:"filtered"`
	Total      int                   `json:"total"`
	NextOffset *int                  `json:"nextOffset"`
	PrevOffset *int                  `json:"prevOffset"`
}

// Items returns one page of the playlist's items in playlist order,
// optionally filtered by a case-insensitive substring match on artist or
// title. Total counts the whole playlist; Filtered counts the matches.
func (s *Service) Items(ctx context.Context, playlistID, filter string, offset, limit int) (*Page, error) {
	playlist, err := s.GetPlaylist(ctx, playlistID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}

	var rows []models.PlaylistItem
	if len(playlist.Items) > 0 {
		err = s.db.WithContext(ctx).
			Preload("Media").
			Where("id IN ?", playlist.Items).
			Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("load playlist items: %w", err)
		}
	}

	byID := make(map[string]models.PlaylistItem, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	needle := strings.ToLower(filter)
	ordered := make([]models.PlaylistItem, 0, len(playlist.Items))
	for _, id := range playlist.Items {
		row, ok := byID[id]
		if !ok {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(row.Artist), needle) &&
			!strings.Contains(strings.ToLower(row.Title), needle) {
			continue
		}
		ordered = append(ordered, row)
	}

	filtered := len(ordered)
	if offset > filtered {
		offset = filtered
	}
	end := offset + limit
	if end > filtered {
		end = filtered
	}

	page := &Page{
		Items:    ordered[offset:end],
		PageSize: limit,
		Filtered: filtered,
		Total:    playlist.Size(),
	}
	if end < filtered {
		next := end
		page.NextOffset = &next
	}
	if offset > 0 {
		prev := offset - limit
		if prev < 0 {
			prev = 0
		}
		page.PrevOffset = &prev
	}
	return page, nil
}

// Item loads one playlist item with its media.
func (s *Service) Item(ctx context.Context, itemID string) (*models.PlaylistItem, error) {
	var item models.PlaylistItem
	err := s.db.WithContext(ctx).Preload("Media").First(&item, "id = ?", itemID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("load playlist item: %w", err)
	}
	return &item, nil
}

// ItemPatch holds the updatable item fields. Nil means unchanged.
type ItemPatch struct {
	Artist *string
	Title  *string
	Start  *int
	End    *int
}

// UpdateItem applies the patch. The play window is re-clamped against the
// media duration, so a stale or oversized trim can never outlive the
// update.
func (s *Service) UpdateItem(ctx context.Context, itemID string, patch ItemPatch) (*models.PlaylistItem, error) {
	item, err := s.Item(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if patch.Artist != nil {
		item.Artist = *patch.Artist
	}
	if patch.Title != nil {
		item.Title = *patch.Title
	}
	if patch.Start != nil {
		item.Start = *patch.Start
	}
	if patch.End != nil {
		item.End = *patch.End
	}
	item.Start, item.End = clampTrim(item.Start, item.End, item.Media.Duration)

	if err := s.db.WithContext(ctx).Omit("Media").Save(item).Error; err != nil {
		return nil, fmt.Errorf("update playlist item: %w", err)
	}
	return item, nil
}

// FirstItem returns the playlist's head item with its media, the track
// the booth plays when this playlist's owner becomes DJ.
func (s *Service) FirstItem(ctx context.Context, playlistID string) (*models.PlaylistItem, error) {
	playlist, err := s.GetPlaylist(ctx, playlistID)
	if err != nil {
		return nil, err
	}
	if len(playlist.Items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPlaylistEmpty, playlistID)
	}
	return s.Item(ctx, playlist.Items[0])
}

// Cycle moves the playlist head to the tail after a play. Playlists with
// fewer than two items keep their order.
func (s *Service) Cycle(ctx context.Context, playlistID string) error {
	playlist, err := s.GetPlaylist(ctx, playlistID)
	if err != nil {
		return err
	}
	if len(playlist.Items) < 2 {
		return nil
	}
	playlist.Items = append(playlist.Items[1:], playlist.Items[0])
	if err := s.db.WithContext(ctx).Save(playlist).Error; err != nil {
		return fmt.Errorf("cycle playlist: %w", err)
	}
	return nil
}

// insertAfter splices ids into order directly after anchor. An empty or
// unknown anchor splices at the head.
func insertAfter(order, ids []string, anchor string) []string {
	at := 0
	if anchor != "" {
		for i, id := range order {
			if id == anchor {
				at = i + 1
				break
			}
		}
	}
	out := make([]string, 0, len(order)+len(ids))
	out = append(out, order[:at]...)
	out = append(out, ids...)
	out = append(out, order[at:]...)
	return out
}

// clampTrim bounds an item's play window to the media duration. A
// negative start plays from the beginning; a zero end plays to the end.
func clampTrim(start, end, duration int) (int, int) {
	if start < 0 {
		start = 0
	}
	if start > duration {
		start = duration
	}
	if end == 0 || end > duration {
		end = duration
	}
	if end < start {
		end = start
	}
	return start, end
}
