// Package cache persists which posts have already been mirrored
// between the two platforms. The backing file is the only sync state
// that survives restarts, so loading is strict: running against a
// partial cache would double-post.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klausi/mastodon-twitter-sync/internal/platform"
)

const formatVersion = 1

// ErrDuplicateEntry means Record was called twice for one source id.
// That breaks the at-most-once mirroring guarantee and is treated as a
// fatal invariant violation by the caller.
var ErrDuplicateEntry = errors.New("duplicate cache entry")

// Entry marks one post as synchronized. CounterpartID links to the
// paired post on the other platform when the entry came from a real
// mirror; entries written by skip-existing runs have none. Entries are
// append-only and never mutated.
type Entry struct {
	Platform      platform.Name `json:"platform"`
	SourceID      string        `json:"source_id"`
	SyncedAt      time.Time     `json:"synced_at"`
	CounterpartID string        `json:"counterpart_id,omitempty"`
}

type fileFormat struct {
	Version   int                         `json:"version"`
	HighWater map[platform.Name]time.Time `json:"high_water,omitempty"`
	Entries   []Entry                     `json:"entries"`
}

// Cache is the in-memory copy of the cache file. It is not safe for
// concurrent use; one run owns it end to end. Running two processes
// against the same cache file is unsupported and may double-post.
type Cache struct {
	path      string
	entries   []Entry
	index     map[string]int // entryKey -> position in entries
	highWater map[platform.Name]time.Time
}

func entryKey(p platform.Name, sourceID string) string {
	return string(p) + "\x00" + sourceID
}

// Load reads the cache file at path. A missing file yields an empty
// cache (first run). Corrupt content, an unknown format version, or a
// duplicated entry is an error: better to refuse than to mirror twice.
func Load(path string) (*Cache, error) {
	c := &Cache{
		path:      path,
		index:     make(map[string]int),
		highWater: make(map[platform.Name]time.Time),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("cache file %s is corrupt: %w", path, err)
	}
	if f.Version != formatVersion {
		return nil, fmt.Errorf("cache file %s has format version %d, this build supports %d", path, f.Version, formatVersion)
	}

	for _, e := range f.Entries {
		if e.Platform == "" || e.SourceID == "" {
			return nil, fmt.Errorf("cache file %s has an entry without platform or source_id", path)
		}
		k := entryKey(e.Platform, e.SourceID)
		if _, dup := c.index[k]; dup {
			return nil, fmt.Errorf("cache file %s: %w: %s %s", path, ErrDuplicateEntry, e.Platform, e.SourceID)
		}
		c.index[k] = len(c.entries)
		c.entries = append(c.entries, e)
	}
	for name, t := range f.HighWater {
		c.highWater[name] = t
	}

	return c, nil
}

// Lookup reports whether the post is already synchronized. Mirrors are
// recorded under their own id too, so a mirror fetched from its home
// platform answers true here and never echoes back.
func (c *Cache) Lookup(p platform.Name, sourceID string) bool {
	_, ok := c.index[entryKey(p, sourceID)]
	return ok
}

// Record appends an entry for sourceID. counterpartID is the paired
// post on the other platform and may be empty. A second Record for the
// same id fails with ErrDuplicateEntry.
func (c *Cache) Record(p platform.Name, sourceID string, syncedAt time.Time, counterpartID string) error {
	k := entryKey(p, sourceID)
	if _, ok := c.index[k]; ok {
		return fmt.Errorf("%w: %s %s", ErrDuplicateEntry, p, sourceID)
	}
	c.index[k] = len(c.entries)
	c.entries = append(c.entries, Entry{
		Platform:      p,
		SourceID:      sourceID,
		SyncedAt:      syncedAt.UTC(),
		CounterpartID: counterpartID,
	})
	return nil
}

// Counterpart returns the paired post id on the other platform, used
// to thread self-replies onto the right parent.
func (c *Cache) Counterpart(p platform.Name, sourceID string) (string, bool) {
	i, ok := c.index[entryKey(p, sourceID)]
	if !ok || c.entries[i].CounterpartID == "" {
		return "", false
	}
	return c.entries[i].CounterpartID, true
}

// HighWater returns the newest post timestamp already considered for
// the platform, zero on first run. Fetches use it as their lower bound.
func (c *Cache) HighWater(p platform.Name) time.Time {
	return c.highWater[p]
}

// Advance raises the platform's high-water mark. Older values are
// ignored so the mark only moves forward.
func (c *Cache) Advance(p platform.Name, t time.Time) {
	if t.After(c.highWater[p]) {
		c.highWater[p] = t.UTC()
	}
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	return len(c.entries)
}

// CountByPlatform returns entry counts per platform.
func (c *Cache) CountByPlatform() map[platform.Name]int {
	counts := make(map[platform.Name]int)
	for _, e := range c.entries {
		counts[e.Platform]++
	}
	return counts
}

// Path returns the backing file location.
func (c *Cache) Path() string {
	return c.path
}

// Persist rewrites the cache file atomically: the full state goes to a
// temp file in the same directory, which is then renamed over the old
// file so a crash can never leave a truncated cache behind.
func (c *Cache) Persist() error {
	f := fileFormat{
		Version:   formatVersion,
		HighWater: c.highWater,
		Entries:   c.entries,
	}
	if f.Entries == nil {
		f.Entries = []Entry{}
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp cache: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp cache: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace cache: %w", err)
	}

	return nil
}
