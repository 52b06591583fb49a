package playlists

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/u-wave/core-go/internal/models"
	"github.com/u-wave/core-go/internal/sources"
)

type stubAdapter struct {
	media map[string]sources.Descriptor
}

func (a *stubAdapter) SourceType() string { return "test" }

func (a *stubAdapter) Get(_ context.Context, sourceIDs []string) ([]sources.Descriptor, error) {
	out := make([]sources.Descriptor, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		if d, ok := a.media[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func newItemsService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(&models.User{}, &models.Media{}, &models.Playlist{}, &models.PlaylistItem{})
	if err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	resolver := sources.NewResolver(db, zerolog.Nop())
	resolver.Register(&stubAdapter{media: map[string]sources.Descriptor{
		"aaa": {SourceID: "aaa", Artist: "Artist A", Title: "Track A", Duration: 300},
		"bbb": {SourceID: "bbb", Artist: "Artist B", Title: "Track B", Duration: 180},
		"ccc": {SourceID: "ccc", Artist: "Artist C", Title: "Track C", Duration: 240},
	}})
	return NewService(db, resolver, zerolog.Nop()), db
}

// seedPlaylistWithItems creates a user, n fully-backed playlist items and
// the playlist holding them in order. Ids are prefixed with the user id
// so multiple seeds share one database.
func seedPlaylistWithItems(t *testing.T, db *gorm.DB, userID string, n int) *models.Playlist {
	t.Helper()

	if err := db.Create(&models.User{ID: userID, Username: "user-" + userID}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	items := make([]string, 0, n)
	for i := 0; i < n; i++ {
		media := models.Media{
			ID:         fmt.Sprintf("m-%s-%d", userID, i),
			SourceType: "seed",
			SourceID:   fmt.Sprintf("%s-%d", userID, i),
			Artist:     fmt.Sprintf("Seed Artist %d", i),
			Title:      fmt.Sprintf("Seed Track %d", i),
			Duration:   300,
		}
		if err := db.Create(&media).Error; err != nil {
			t.Fatalf("seed media: %v", err)
		}
		item := models.PlaylistItem{
			ID:      fmt.Sprintf("it-%s-%d", userID, i),
			MediaID: media.ID,
			Artist:  media.Artist,
			Title:   media.Title,
			End:     media.Duration,
		}
		if err := db.Create(&item).Error; err != nil {
			t.Fatalf("seed item: %v", err)
		}
		items = append(items, item.ID)
	}

	playlist := models.Playlist{ID: "pl-" + userID, UserID: userID, Name: "Seeded", Items: items}
	if err := db.Create(&playlist).Error; err != nil {
		t.Fatalf("seed playlist: %v", err)
	}
	return &playlist
}

func TestAddItemsMaterializesAndInserts(t *testing.T) {
	t.Parallel()

	svc, db := newItemsService(t)
	ctx := context.Background()
	playlist := seedPlaylistWithItems(t, db, "u1", 0)

	res, err := svc.AddItems(ctx, playlist.ID, []ItemRef{
		ByMedia(ItemInput{SourceType: "test", SourceID: "aaa"}),
		ByMedia(ItemInput{SourceType: "test", SourceID: "bbb", Artist: "Custom B", Title: "Custom Track B", Start: 10, End: 60}),
	}, "")
	if err != nil {
		t.Fatalf("AddItems failed: %v", err)
	}

	if len(res.Added) != 2 || res.PlaylistSize != 2 || res.AfterID != "" {
		t.Fatalf("result = %+v", res)
	}

	// Artist, title and trim default to the media's own.
	first := res.Added[0]
	if first.Artist != "Artist A" || first.Title != "Track A" {
		t.Errorf("defaults not applied: %q / %q", first.Artist, first.Title)
	}
	if first.Start != 0 || first.End != 300 {
		t.Errorf("trim = [%d, %d], want [0, 300]", first.Start, first.End)
	}

	second := res.Added[1]
	if second.Artist != "Custom B" || second.Start != 10 || second.End != 60 {
		t.Errorf("custom fields lost: %+v", second)
	}

	reloaded, err := svc.GetPlaylist(ctx, playlist.ID)
	if err != nil {
		t.Fatalf("GetPlaylist failed: %v", err)
	}
	if len(reloaded.Items) != 2 || reloaded.Items[0] != first.ID || reloaded.Items[1] != second.ID {
		t.Errorf("playlist order = %v", reloaded.Items)
	}

	var row models.PlaylistItem
	if err := db.First(&row, "id = ?", first.ID).Error; err != nil {
		t.Errorf("added item not persisted: %v", err)
	}
}

func TestAddItemsAfterAnchor(t *testing.T) {
	t.Parallel()

	svc, db := newItemsService(t)
	ctx := context.Background()
	playlist := seedPlaylistWithItems(t, db, "u1", 2)

	res, err := svc.AddItems(ctx, playlist.ID, []ItemRef{
		ByMedia(ItemInput{SourceType: "test", SourceID: "aaa"}),
	}, playlist.Items[0])
	if err != nil {
		t.Fatalf("AddItems failed: %v", err)
	}
	if res.AfterID != playlist.Items[0] {
		t.Errorf("afterID = %q, want %q", res.AfterID, playlist.Items[0])
	}

	reloaded, _ := svc.GetPlaylist(ctx, playlist.ID)
	want := []string{playlist.Items[0], res.Added[0].ID, playlist.Items[1]}
	for i, id := range want {
		if reloaded.Items[i] != id {
			t.Fatalf("order = %v, want %v", reloaded.Items, want)
		}
	}

	// An unknown anchor inserts at the head.
	res, err = svc.AddItems(ctx, playlist.ID, []ItemRef{
		ByMedia(ItemInput{SourceType: "test", SourceID: "bbb"}),
	}, "no-such-item")
	if err != nil {
		t.Fatalf("AddItems failed: %v", err)
	}
	if res.AfterID != "" {
		t.Errorf("unknown anchor reported as %q", res.AfterID)
	}
	reloaded, _ = svc.GetPlaylist(ctx, playlist.ID)
	if reloaded.Items[0] != res.Added[0].ID {
		t.Errorf("new item not at head: %v", reloaded.Items)
	}
}

func TestAddItemsCopiesExistingByID(t *testing.T) {
	t.Parallel()

	svc, db := newItemsService(t)
	ctx := context.Background()
	source := seedPlaylistWithItems(t, db, "owner", 1)
	target := seedPlaylistWithItems(t, db, "u2", 0)

	res, err := svc.AddItems(ctx, target.ID, []ItemRef{ByID(source.Items[0])}, "")
	if err != nil {
		t.Fatalf("AddItems failed: %v", err)
	}
	if len(res.Added) != 1 {
		t.Fatalf("added %d items, want 1", len(res.Added))
	}

	copied := res.Added[0]
	if copied.ID == source.Items[0] {
		t.Error("copy shares the source item id")
	}
	if copied.MediaID != "m-owner-0" || copied.Artist != "Seed Artist 0" || copied.End != 300 {
		t.Errorf("copy fields = %+v", copied)
	}

	// The source playlist is untouched.
	src, _ := svc.GetPlaylist(ctx, source.ID)
	if len(src.Items) != 1 || src.Items[0] != source.Items[0] {
		t.Errorf("source playlist changed: %v", src.Items)
	}
}

func TestAddItemsMixedRefsPreserveOrder(t *testing.T) {
	t.Parallel()

	svc, db := newItemsService(t)
	ctx := context.Background()
	source := seedPlaylistWithItems(t, db, "owner", 1)
	target := seedPlaylistWithItems(t, db, "u2", 0)

	res, err := svc.AddItems(ctx, target.ID, []ItemRef{
		ByMedia(ItemInput{SourceType: "test", SourceID: "aaa"}),
		ByID(source.Items[0]),
		ByMedia(ItemInput{SourceType: "test", SourceID: "bbb"}),
	}, "")
	if err != nil {
		t.Fatalf("AddItems failed: %v", err)
	}
	if len(res.Added) != 3 {
		t.Fatalf("added %d items, want 3", len(res.Added))
	}

	artists := []string{res.Added[0].Artist, res.Added[1].Artist, res.Added[2].Artist}
	want := []string{"Artist A", "Seed Artist 0", "Artist B"}
	for i := range want {
		if artists[i] != want[i] {
			t.Fatalf("artists = %v, want %v", artists, want)
		}
	}

	reloaded, _ := svc.GetPlaylist(ctx, target.ID)
	for i, row := range res.Added {
		if reloaded.Items[i] != row.ID {
			t.Fatalf("playlist order = %v", reloaded.Items)
		}
	}
}

func TestAddItemsSkipsUnknownMedia(t *testing.T) {
	t.Parallel()

	svc, db := newItemsService(t)
	ctx := context.Background()
	playlist := seedPlaylistWithItems(t, db, "u1", 0)

	res, err := svc.AddItems(ctx, playlist.ID, []ItemRef{
		ByMedia(ItemInput{SourceType: "test", SourceID: "aaa"}),
		ByMedia(ItemInput{SourceType: "test", SourceID: "does-not-exist"}),
		ByMedia(ItemInput{SourceType: "test", SourceID: "bbb"}),
	}, "")
	if err != nil {
		t.Fatalf("AddItems failed: %v", err)
	}
	if len(res.Added) != 2 || res.PlaylistSize != 2 {
		t.Fatalf("result = %+v", res)
	}
	if res.Added[0].Artist != "Artist A" || res.Added[1].Artist != "Artist B" {
		t.Errorf("wrong media survived: %+v", res.Added)
	}
}

func TestAddItemsValidation(t *testing.T) {
	t.Parallel()

	svc, db := newItemsService(t)
	ctx := context.Background()
	playlist := seedPlaylistWithItems(t, db, "u1", 0)

	_, err := svc.AddItems(ctx, playlist.ID, []ItemRef{
		ByMedia(ItemInput{SourceID: "aaa"}),
	}, "")
	if !errors.Is(err, ErrBadItemInput) {
		t.Errorf("missing sourceType error = %v, want ErrBadItemInput", err)
	}

	_, err = svc.AddItems(ctx, playlist.ID, []ItemRef{{}}, "")
	if !errors.Is(err, ErrBadItemInput) {
		t.Errorf("zero ref error = %v, want ErrBadItemInput", err)
	}

	_, err = svc.AddItems(ctx, playlist.ID, []ItemRef{ByID("ghost")}, "")
	if !errors.Is(err, ErrItemNotFound) {
		t.Errorf("unknown copy source error = %v, want ErrItemNotFound", err)
	}

	_, err = svc.AddItems(ctx, "ghost-playlist", nil, "")
	if !errors.Is(err, ErrPlaylistNotFound) {
		t.Errorf("unknown playlist error = %v, want ErrPlaylistNotFound", err)
	}
}

func TestClampTrim(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name                 string
		start, end, duration int
		wantStart, wantEnd   int
	}{
		{"defaults", 0, 0, 300, 0, 300},
		{"negative start", -10, 50, 300, 0, 50},
		{"start past duration", 400, 500, 300, 300, 300},
		{"end past duration", 10, 999, 300, 10, 300},
		{"end before start", 100, 50, 300, 100, 100},
		{"negative end", 20, -5, 300, 20, 20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, end := clampTrim(tc.start, tc.end, tc.duration)
			if start != tc.wantStart || end != tc.wantEnd {
				t.Errorf("clampTrim(%d, %d, %d) = (%d, %d), want (%d, %d)",
					tc.start, tc.end, tc.duration, start, end, tc.wantStart, tc.wantEnd)
			}
		})
	}
}

func TestMoveItemsReordersAfterAnchor(t *testing.T) {
	t.Parallel()

	svc, db := newItemsService(t)
	ctx := context.Background()
	playlist := seedPlaylistWithItems(t, db, "u1", 4)
	it := playlist.Items // [0 1 2 3]

	moved, err := svc.MoveItems(ctx, playlist.ID, []string{it[3], it[1]}, it[0])
	if err != nil {
		t.Fatalf("MoveItems failed: %v", err)
	}
	assertOrder(t, moved.Items, []string{it[0], it[3], it[1], it[2]})

	// The same call twice lands on the same order.
	moved, err = svc.MoveItems(ctx, playlist.ID, []string{it[3], it[1]}, it[0])
	if err != nil {
		t.Fatalf("MoveItems failed: %v", err)
	}
	assertOrder(t, moved.Items, []string{it[0], it[3], it[1], it[2]})

	// Unknown ids are ignored; an empty anchor moves to the head.
	moved, err = svc.MoveItems(ctx, playlist.ID, []string{it[2], "ghost"}, "")
	if err != nil {
		t.Fatalf("MoveItems failed: %v", err)
	}
	assertOrder(t, moved.Items, []string{it[2], it[0], it[3], it[1]})

	// An anchor that is itself moving falls back to the head.
	moved, err = svc.MoveItems(ctx, playlist.ID, []string{it[0]}, it[0])
	if err != nil {
		t.Fatalf("MoveItems failed: %v", err)
	}
	assertOrder(t, moved.Items, []string{it[0], it[2], it[3], it[1]})
}

func assertOrder(t *testing.T, got, want []string) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestRemoveItemsDeletesRows(t *testing.T) {
	t.Parallel()

	svc, db := newItemsService(t)
	ctx := context.Background()
	playlist := seedPlaylistWithItems(t, db, "u1", 3)
	it := playlist.Items

	updated, err := svc.RemoveItems(ctx, playlist.ID, []string{it[1], "ghost"})
	if err != nil {
		t.Fatalf("RemoveItems failed: %v", err)
	}
	assertOrder(t, updated.Items, []string{it[0], it[2]})

	var count int64
	db.Model(&models.PlaylistItem{}).Where("id = ?", it[1]).Count(&count)
	if count != 0 {
		t.Error("removed item row survived")
	}
	db.Model(&models.PlaylistItem{}).Where("id = ?", it[0]).Count(&count)
	if count != 1 {
		t.Error("kept item row deleted")
	}

	// Removing nothing present is a no-op.
	updated, err = svc.RemoveItems(ctx, playlist.ID, []string{"ghost"})
	if err != nil {
		t.Fatalf("RemoveItems failed: %v", err)
	}
	if len(updated.Items) != 2 {
		t.Errorf("no-op removal changed playlist: %v", updated.Items)
	}
}

func TestAddThenRemoveRestoresPlaylist(t *testing.T) {
	t.Parallel()

	svc, db := newItemsService(t)
	ctx := context.Background()
	playlist := seedPlaylistWithItems(t, db, "u1", 3)
	before := append([]string(nil), playlist.Items...)

	res, err := svc.AddItems(ctx, playlist.ID, []ItemRef{
		ByMedia(ItemInput{SourceType: "test", SourceID: "aaa"}),
		ByMedia(ItemInput{SourceType: "test", SourceID: "bbb"}),
	}, before[0])
	if err != nil {
		t.Fatalf("AddItems failed: %v", err)
	}
	if len(res.Added) != 2 {
		t.Fatalf("added %d items, want 2", len(res.Added))
	}

	updated, err := svc.RemoveItems(ctx, playlist.ID, []string{res.Added[0].ID, res.Added[1].ID})
	if err != nil {
		t.Fatalf("RemoveItems failed: %v", err)
	}
	assertOrder(t, updated.Items, before)
}

func TestItemsPagination(t *testing.T) {
	t.Parallel()

	svc, db := newItemsService(t)
	ctx := context.Background()
	playlist := seedPlaylistWithItems(t, db, "u1", 5)

	page, err := svc.Items(ctx, playlist.ID, "", 0, 2)
	if err != nil {
		t.Fatalf("Items failed: %v", err)
	}
	if page.Total != 5 || page.Filtered != 5 || len(page.Items) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Items[0].ID != playlist.Items[0] {
		t.Errorf("first page starts at %s", page.Items[0].ID)
	}
	if page.Items[0].Media.Duration != 300 {
		t.Error("media not preloaded")
	}
	if page.PrevOffset != nil {
		t.Error("first page has a previous offset")
	}
	if page.NextOffset == nil || *page.NextOffset != 2 {
		t.Errorf("next offset = %v, want 2", page.NextOffset)
	}

	page, err = svc.Items(ctx, playlist.ID, "", 4, 2)
	if err != nil {
		t.Fatalf("Items failed: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != playlist.Items[4] {
		t.Fatalf("last page = %+v", page.Items)
	}
	if page.NextOffset != nil {
		t.Error("last page has a next offset")
	}
	if page.PrevOffset == nil || *page.PrevOffset != 2 {
		t.Errorf("prev offset = %v, want 2", page.PrevOffset)
	}
}

func TestItemsFilter(t *testing.T) {
	t.Parallel()

	svc, db := newItemsService(t)
	ctx := context.Background()
	playlist := seedPlaylistWithItems(t, db, "u1", 5)

	page, err := svc.Items(ctx, playlist.ID, "TRACK 3", 0, 0)
	if err != nil {
		t.Fatalf("Items failed: %v", err)
	}
	if page.Filtered != 1 || page.Total != 5 {
		t.Fatalf("filtered = %d, total = %d", page.Filtered, page.Total)
	}
	if len(page.Items) != 1 || page.Items[0].Title != "Seed Track 3" {
		t.Errorf("filter matched %+v", page.Items)
	}
	if page.PageSize != defaultPageSize {
		t.Errorf("page size = %d, want default %d", page.PageSize, defaultPageSize)
	}

	// Artist text matches too.
	page, err = svc.Items(ctx, playlist.ID, "seed artist", 0, 0)
	if err != nil {
		t.Fatalf("Items failed: %v", err)
	}
	if page.Filtered != 5 {
		t.Errorf("artist filter matched %d, want 5", page.Filtered)
	}
}

func TestUpdateItemReclamps(t *testing.T) {
	t.Parallel()

	svc, db := newItemsService(t)
	ctx := context.Background()
	playlist := seedPlaylistWithItems(t, db, "u1", 1)

	artist := "New Artist"
	end := 999
	updated, err := svc.UpdateItem(ctx, playlist.Items[0], ItemPatch{Artist: &artist, End: &end})
	if err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	if updated.Artist != "New Artist" {
		t.Errorf("artist = %q", updated.Artist)
	}
	if updated.Title != "Seed Track 0" {
		t.Errorf("unpatched title changed: %q", updated.Title)
	}
	if updated.End != 300 {
		t.Errorf("end = %d, want clamped 300", updated.End)
	}

	var row models.PlaylistItem
	if err := db.First(&row, "id = ?", playlist.Items[0]).Error; err != nil {
		t.Fatalf("reload item: %v", err)
	}
	if row.Artist != "New Artist" || row.End != 300 {
		t.Errorf("row not persisted: %+v", row)
	}

	if _, err := svc.UpdateItem(ctx, "ghost", ItemPatch{}); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("unknown item error = %v, want ErrItemNotFound", err)
	}
}

func TestCycleMovesHeadToTail(t *testing.T) {
	t.Parallel()

	svc, db := newItemsService(t)
	ctx := context.Background()
	playlist := seedPlaylistWithItems(t, db, "u1", 3)
	it := playlist.Items

	if err := svc.Cycle(ctx, playlist.ID); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	reloaded, _ := svc.GetPlaylist(ctx, playlist.ID)
	assertOrder(t, reloaded.Items, []string{it[1], it[2], it[0]})

	single := seedPlaylistWithItems(t, db, "u2", 1)
	if err := svc.Cycle(ctx, single.ID); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	reloaded, _ = svc.GetPlaylist(ctx, single.ID)
	assertOrder(t, reloaded.Items, single.Items)
}

func TestFirstItem(t *testing.T) {
	t.Parallel()

	svc, db := newItemsService(t)
	ctx := context.Background()
	playlist := seedPlaylistWithItems(t, db, "u1", 2)

	item, err := svc.FirstItem(ctx, playlist.ID)
	if err != nil {
		t.Fatalf("FirstItem failed: %v", err)
	}
	if item.ID != playlist.Items[0] {
		t.Errorf("head = %s, want %s", item.ID, playlist.Items[0])
	}
	if item.Media.Duration != 300 {
		t.Error("media not preloaded")
	}

	empty := seedPlaylistWithItems(t, db, "u2", 0)
	if _, err := svc.FirstItem(ctx, empty.ID); !errors.Is(err, ErrPlaylistEmpty) {
		t.Errorf("empty playlist error = %v, want ErrPlaylistEmpty", err)
	}

	// A dangling head id reports the missing item.
	empty.Items = []string{"ghost"}
	if err := db.Save(empty).Error; err != nil {
		t.Fatalf("seed dangling item: %v", err)
	}
	if _, err := svc.FirstItem(ctx, empty.ID); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("dangling head error = %v, want ErrItemNotFound", err)
	}
}

func TestItemRefJSON(t *testing.T) {
	t.Parallel()

	var refs []ItemRef
	payload := `["existing-item", {"sourceType": "test", "sourceID": 12345, "artist": "A", "start": 5, "end": 60}]`
	if err := json.Unmarshal([]byte(payload), &refs); err != nil {
		t.Fatalf("unmarshal refs: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("decoded %d refs", len(refs))
	}
	if refs[0].itemID != "existing-item" || refs[0].input != nil {
		t.Errorf("string ref = %+v", refs[0])
	}
	if refs[1].input == nil {
		t.Fatalf("object ref = %+v", refs[1])
	}
	if refs[1].input.SourceID != "12345" {
		t.Errorf("numeric sourceID decoded to %q", refs[1].input.SourceID)
	}
	if refs[1].input.Artist != "A" || refs[1].input.Start != 5 || refs[1].input.End != 60 {
		t.Errorf("input = %+v", refs[1].input)
	}

	if err := json.Unmarshal([]byte(`[42]`), &refs); err == nil {
		t.Error("bare number decoded as an item ref")
	}
}
