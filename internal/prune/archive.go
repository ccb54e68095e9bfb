// Package prune deletes posts and favorites older than a configured
// age. Fetches only reach back a bounded window, so the pruner keeps
// its own archive of every item it has ever seen; old items stay
// deletable long after they left the fetch window.
package prune

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "embed"

	_ "modernc.org/sqlite"

	"github.com/klausi/mastodon-twitter-sync/internal/platform"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// Kind distinguishes the two item types the archive tracks.
type Kind string

const (
	KindPost     Kind = "post"
	KindFavorite Kind = "favorite"
)

// Item is one archived post or favorite.
type Item struct {
	Platform  platform.Name
	Kind      Kind
	ID        string
	CreatedAt time.Time
}

// Count is the archive size for one platform and kind.
type Count struct {
	Platform platform.Name
	Kind     Kind
	N        int
}

// Archive is the sqlite-backed record of seen items.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens or creates the archive database at path and
// applies the schema.
func OpenArchive(path string) (*Archive, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("path is required")
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply schema: %w", err)
	}

	var versionStr string
	err = tx.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&versionStr)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, "INSERT INTO metadata(key, value) VALUES('schema_version', ?)", strconv.Itoa(schemaVersion)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert schema version: %w", err)
		}
		return tx.Commit()
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("read schema version: %w", err)
	}

	version, err := strconv.Atoi(versionStr)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("parse schema version: %w", err)
	}
	if version > schemaVersion {
		_ = tx.Rollback()
		return fmt.Errorf("archive schema version %d is newer than supported %d", version, schemaVersion)
	}

	return tx.Commit()
}

// Remember upserts one item. Already-known items keep their row; the
// created_at is refreshed in case the platform corrected it.
func (a *Archive) Remember(ctx context.Context, it Item) error {
	if a == nil || a.db == nil {
		return errors.New("archive is not initialized")
	}
	if it.Platform == "" || it.Kind == "" || it.ID == "" {
		return errors.New("platform, kind and id are required")
	}
	if it.CreatedAt.IsZero() {
		return errors.New("created_at is required")
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO items (platform, kind, item_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(platform, kind, item_id) DO UPDATE SET
			created_at = excluded.created_at
	`,
		string(it.Platform),
		string(it.Kind),
		it.ID,
		formatTime(it.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("remember item: %w", err)
	}
	return nil
}

// OlderThan returns archived items created strictly before cutoff,
// oldest first. A non-positive limit returns all of them.
func (a *Archive) OlderThan(ctx context.Context, p platform.Name, kind Kind, cutoff time.Time, limit int) ([]Item, error) {
	if a == nil || a.db == nil {
		return nil, errors.New("archive is not initialized")
	}

	query := `
		SELECT item_id, created_at
		FROM items
		WHERE platform = ? AND kind = ? AND created_at < ?
		ORDER BY created_at ASC`
	args := []any{string(p), string(kind), formatTime(cutoff)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query aged items: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var items []Item
	for rows.Next() {
		var id, createdAt string
		if err := rows.Scan(&id, &createdAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		ts, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		items = append(items, Item{Platform: p, Kind: kind, ID: id, CreatedAt: ts})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aged items: %w", err)
	}
	return items, nil
}

// Remove drops the given items from the archive after their deletion
// was confirmed.
func (a *Archive) Remove(ctx context.Context, items []Item) error {
	if a == nil || a.db == nil {
		return errors.New("archive is not initialized")
	}
	if len(items) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	for _, it := range items {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM items WHERE platform = ? AND kind = ? AND item_id = ?",
			string(it.Platform), string(it.Kind), it.ID,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("remove item: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remove: %w", err)
	}
	return nil
}

// Counts returns archive sizes grouped by platform and kind.
func (a *Archive) Counts(ctx context.Context) ([]Count, error) {
	if a == nil || a.db == nil {
		return nil, errors.New("archive is not initialized")
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT platform, kind, COUNT(*)
		FROM items
		GROUP BY platform, kind
		ORDER BY platform, kind
	`)
	if err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var counts []Count
	for rows.Next() {
		var c Count
		var p, k string
		if err := rows.Scan(&p, &k, &c.N); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		c.Platform = platform.Name(p)
		c.Kind = Kind(k)
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// Timestamps are stored as UTC RFC 3339 at second precision so that
// string comparison in SQL matches time order.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339, value)
}
