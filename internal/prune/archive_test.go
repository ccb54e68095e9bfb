package prune

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klausi/mastodon-twitter-sync/internal/platform"
)

func openTestArchive(t *testing.T) (*Archive, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mastodon-twitter-sync.db")
	a, err := OpenArchive(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() {
		_ = a.Close()
	})
	return a, path
}

func TestOpenArchiveAndMigrate(t *testing.T) {
	a, path := openTestArchive(t)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("archive file not created: %v", err)
	}

	var version string
	if err := a.db.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != "1" {
		t.Fatalf("unexpected schema version: %s", version)
	}
}

func TestRememberUpsert(t *testing.T) {
	a, _ := openTestArchive(t)
	ctx := context.Background()

	createdAt := time.Date(2026, 2, 16, 10, 0, 0, 0, time.UTC)
	it := Item{Platform: platform.Mastodon, Kind: KindPost, ID: "1", CreatedAt: createdAt}

	if err := a.Remember(ctx, it); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if err := a.Remember(ctx, it); err != nil {
		t.Fatalf("remember again: %v", err)
	}

	var count int
	if err := a.db.QueryRow("SELECT COUNT(*) FROM items").Scan(&count); err != nil {
		t.Fatalf("count items: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 item after upsert, got %d", count)
	}
}

func TestOlderThanStrictBoundary(t *testing.T) {
	a, _ := openTestArchive(t)
	ctx := context.Background()

	cutoff := time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)
	items := []Item{
		{Platform: platform.Mastodon, Kind: KindPost, ID: "older", CreatedAt: cutoff.Add(-time.Second)},
		{Platform: platform.Mastodon, Kind: KindPost, ID: "exact", CreatedAt: cutoff},
		{Platform: platform.Mastodon, Kind: KindPost, ID: "newer", CreatedAt: cutoff.Add(time.Second)},
	}
	for _, it := range items {
		if err := a.Remember(ctx, it); err != nil {
			t.Fatalf("remember %s: %v", it.ID, err)
		}
	}

	aged, err := a.OlderThan(ctx, platform.Mastodon, KindPost, cutoff, 0)
	if err != nil {
		t.Fatalf("older than: %v", err)
	}
	if len(aged) != 1 || aged[0].ID != "older" {
		t.Errorf("aged = %+v, want only the strictly older item", aged)
	}
}

func TestOlderThanOrderAndLimit(t *testing.T) {
	a, _ := openTestArchive(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		offsets := map[string]time.Duration{"a": 0, "b": time.Hour, "c": 2 * time.Hour}
		it := Item{Platform: platform.Twitter, Kind: KindFavorite, ID: id, CreatedAt: base.Add(offsets[id])}
		if err := a.Remember(ctx, it); err != nil {
			t.Fatalf("remember %d: %v", i, err)
		}
	}

	aged, err := a.OlderThan(ctx, platform.Twitter, KindFavorite, base.Add(24*time.Hour), 2)
	if err != nil {
		t.Fatalf("older than: %v", err)
	}
	if len(aged) != 2 || aged[0].ID != "a" || aged[1].ID != "b" {
		t.Errorf("aged = %+v, want the two oldest in order", aged)
	}
}

func TestOlderThanScopedByPlatformAndKind(t *testing.T) {
	a, _ := openTestArchive(t)
	ctx := context.Background()

	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []Item{
		{Platform: platform.Mastodon, Kind: KindPost, ID: "1", CreatedAt: old},
		{Platform: platform.Mastodon, Kind: KindFavorite, ID: "1", CreatedAt: old},
		{Platform: platform.Twitter, Kind: KindPost, ID: "1", CreatedAt: old},
	}
	for _, it := range entries {
		if err := a.Remember(ctx, it); err != nil {
			t.Fatalf("remember: %v", err)
		}
	}

	aged, err := a.OlderThan(ctx, platform.Mastodon, KindPost, old.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("older than: %v", err)
	}
	if len(aged) != 1 {
		t.Errorf("aged = %+v, want exactly the mastodon post", aged)
	}
}

func TestRemoveAndCounts(t *testing.T) {
	a, _ := openTestArchive(t)
	ctx := context.Background()

	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []Item{
		{Platform: platform.Mastodon, Kind: KindPost, ID: "1", CreatedAt: old},
		{Platform: platform.Mastodon, Kind: KindPost, ID: "2", CreatedAt: old},
		{Platform: platform.Twitter, Kind: KindFavorite, ID: "9", CreatedAt: old},
	}
	for _, it := range entries {
		if err := a.Remember(ctx, it); err != nil {
			t.Fatalf("remember: %v", err)
		}
	}

	if err := a.Remove(ctx, entries[:1]); err != nil {
		t.Fatalf("remove: %v", err)
	}

	counts, err := a.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	want := []Count{
		{Platform: platform.Mastodon, Kind: KindPost, N: 1},
		{Platform: platform.Twitter, Kind: KindFavorite, N: 1},
	}
	if len(counts) != len(want) {
		t.Fatalf("counts = %+v, want %+v", counts, want)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Errorf("counts[%d] = %+v, want %+v", i, counts[i], want[i])
		}
	}
}

func TestArchivePersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	ctx := context.Background()

	a, err := OpenArchive(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	it := Item{
		Platform:  platform.Mastodon,
		Kind:      KindPost,
		ID:        "1",
		CreatedAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := a.Remember(ctx, it); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	a2, err := OpenArchive(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() {
		_ = a2.Close()
	}()

	aged, err := a2.OlderThan(ctx, platform.Mastodon, KindPost, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), 0)
	if err != nil {
		t.Fatalf("older than: %v", err)
	}
	if len(aged) != 1 || aged[0].ID != "1" {
		t.Errorf("aged after reopen = %+v, want the remembered item", aged)
	}
}
