package cache

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klausi/mastodon-twitter-sync/internal/platform"
)

func testPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "post_cache.json")
}

func TestLoad_MissingFileIsFirstRun(t *testing.T) {
	c, err := Load(testPath(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
	if !c.HighWater(platform.Mastodon).IsZero() {
		t.Error("HighWater should be zero on first run")
	}
}

func TestLoad_CorruptFileIsFatal(t *testing.T) {
	path := testPath(t)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for corrupt cache file")
	}
	if !strings.Contains(err.Error(), "corrupt") {
		t.Errorf("error = %v, want mention of corruption", err)
	}
}

func TestLoad_UnknownVersionIsFatal(t *testing.T) {
	path := testPath(t)
	if err := os.WriteFile(path, []byte(`{"version": 99, "entries": []}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown format version")
	}
}

func TestLoad_DuplicateEntryIsFatal(t *testing.T) {
	path := testPath(t)
	body := `{
		"version": 1,
		"entries": [
			{"platform": "mastodon", "source_id": "1", "synced_at": "2024-03-01T12:00:00Z"},
			{"platform": "mastodon", "source_id": "1", "synced_at": "2024-03-01T13:00:00Z"}
		]
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("error = %v, want ErrDuplicateEntry", err)
	}
}

func TestRecord_AtMostOnce(t *testing.T) {
	c, err := Load(testPath(t))
	if err != nil {
		t.Fatal(err)
	}

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := c.Record(platform.Mastodon, "1", now, "900"); err != nil {
		t.Fatalf("first Record: %v", err)
	}

	err = c.Record(platform.Mastodon, "1", now, "900")
	if !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("second Record = %v, want ErrDuplicateEntry", err)
	}

	// The same id on the other platform is a different entry.
	if err := c.Record(platform.Twitter, "1", now, ""); err != nil {
		t.Fatalf("Record on other platform: %v", err)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestLookupAndCounterpart(t *testing.T) {
	c, err := Load(testPath(t))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	if c.Lookup(platform.Mastodon, "1") {
		t.Error("Lookup before Record = true, want false")
	}

	if err := c.Record(platform.Mastodon, "1", now, "900"); err != nil {
		t.Fatal(err)
	}
	if err := c.Record(platform.Twitter, "900", now, "1"); err != nil {
		t.Fatal(err)
	}

	if !c.Lookup(platform.Mastodon, "1") {
		t.Error("Lookup(mastodon, 1) = false, want true")
	}
	if !c.Lookup(platform.Twitter, "900") {
		t.Error("Lookup(twitter, 900) = false, want true for the mirror id")
	}

	got, ok := c.Counterpart(platform.Mastodon, "1")
	if !ok || got != "900" {
		t.Errorf("Counterpart(mastodon, 1) = %q/%v, want 900/true", got, ok)
	}
	got, ok = c.Counterpart(platform.Twitter, "900")
	if !ok || got != "1" {
		t.Errorf("Counterpart(twitter, 900) = %q/%v, want 1/true", got, ok)
	}

	if _, ok := c.Counterpart(platform.Mastodon, "2"); ok {
		t.Error("Counterpart for unknown id = true, want false")
	}
}

func TestHighWaterAdvanceIsMonotonic(t *testing.T) {
	c, err := Load(testPath(t))
	if err != nil {
		t.Fatal(err)
	}

	older := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)

	c.Advance(platform.Mastodon, newer)
	c.Advance(platform.Mastodon, older) // must not move backwards

	if got := c.HighWater(platform.Mastodon); !got.Equal(newer) {
		t.Errorf("HighWater = %v, want %v", got, newer)
	}
	if got := c.HighWater(platform.Twitter); !got.IsZero() {
		t.Errorf("HighWater(twitter) = %v, want zero", got)
	}
}

func TestPersistAndReload(t *testing.T) {
	path := testPath(t)
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := c.Record(platform.Mastodon, "1", now, "900"); err != nil {
		t.Fatal(err)
	}
	if err := c.Record(platform.Twitter, "900", now, "1"); err != nil {
		t.Fatal(err)
	}
	c.Advance(platform.Mastodon, now)

	if err := c.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	re, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if re.Len() != 2 {
		t.Errorf("reloaded Len() = %d, want 2", re.Len())
	}
	if !re.Lookup(platform.Mastodon, "1") || !re.Lookup(platform.Twitter, "900") {
		t.Error("reloaded cache lost entries")
	}
	if got, _ := re.Counterpart(platform.Mastodon, "1"); got != "900" {
		t.Errorf("reloaded Counterpart = %q, want 900", got)
	}
	if got := re.HighWater(platform.Mastodon); !got.Equal(now) {
		t.Errorf("reloaded HighWater = %v, want %v", got, now)
	}
}

func TestPersist_LeavesNoTempDebris(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "post_cache.json")

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Record(platform.Mastodon, "1", time.Now(), ""); err != nil {
		t.Fatal(err)
	}
	if err := c.Persist(); err != nil {
		t.Fatal(err)
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Name() != "post_cache.json" {
		names := make([]string, 0, len(files))
		for _, f := range files {
			names = append(names, f.Name())
		}
		t.Errorf("directory contents = %v, want only post_cache.json", names)
	}
}

func TestPersist_OverwritesAtomically(t *testing.T) {
	path := testPath(t)

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Record(platform.Mastodon, "1", time.Now(), ""); err != nil {
		t.Fatal(err)
	}
	if err := c.Persist(); err != nil {
		t.Fatal(err)
	}

	// Append more and persist again over the existing file.
	if err := c.Record(platform.Mastodon, "2", time.Now(), ""); err != nil {
		t.Fatal(err)
	}
	if err := c.Persist(); err != nil {
		t.Fatal(err)
	}

	re, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if re.Len() != 2 {
		t.Errorf("Len() after second persist = %d, want 2", re.Len())
	}
}

func TestCountByPlatform(t *testing.T) {
	c, err := Load(testPath(t))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	for _, id := range []string{"1", "2", "3"} {
		if err := c.Record(platform.Mastodon, id, now, ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Record(platform.Twitter, "900", now, ""); err != nil {
		t.Fatal(err)
	}

	counts := c.CountByPlatform()
	if counts[platform.Mastodon] != 3 || counts[platform.Twitter] != 1 {
		t.Errorf("CountByPlatform = %v, want mastodon:3 twitter:1", counts)
	}
}
