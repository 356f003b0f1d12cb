package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailsync/internal/model"
)

// defaultGracePeriod is how long an envelope entry may stay missing
// on both sides before it is pruned for good.
const defaultGracePeriod = 7 * 24 * time.Hour

// SQLiteCache implements the Cache interface using a local SQLite
// database, scoped to a single account.
type SQLiteCache struct {
	db      *sqlx.DB
	account string
	grace   time.Duration
	now     func() time.Time
}

// NewSQLiteCache opens (or creates) a SQLite database at dbPath,
// enables WAL mode, runs any pending schema migrations, and scopes
// all entries to the given account.
func NewSQLiteCache(dbPath, account string) (*SQLiteCache, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	c := &SQLiteCache{
		db:      db,
		account: account,
		grace:   defaultGracePeriod,
		now:     time.Now,
	}
	if err := c.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return c, nil
}

// Close closes the underlying database connection.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (c *SQLiteCache) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := c.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = c.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := c.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// GetEnvelope returns the recorded snapshot for one envelope on one
// side. A missing or malformed row is a cache miss, never an error:
// the engine re-diffs that identity from scratch.
func (c *SQLiteCache) GetEnvelope(
	ctx context.Context,
	folder string,
	id model.Identity,
	side model.Side,
) (*Snapshot, error) {
	var row struct {
		ContentHash string `db:"content_hash"`
		Flags       string `db:"flags"`
	}

	err := c.db.GetContext(ctx, &row, `
		SELECT content_hash, flags FROM envelopes
		WHERE account = ? AND folder = ? AND identity = ? AND side = ?`,
		c.account, folder, string(id), string(side),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Unreadable entry: treat as a miss so the next diff
		// re-observes live state instead of failing the run.
		return nil, nil
	}

	return &Snapshot{
		ContentHash: row.ContentHash,
		Flags:       model.ParseFlagSet(row.Flags),
	}, nil
}

// PutEnvelope records the confirmed state of an envelope, clearing
// any missing mark.
func (c *SQLiteCache) PutEnvelope(
	ctx context.Context,
	folder string,
	id model.Identity,
	side model.Side,
	snap Snapshot,
) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO envelopes (
			account, folder, identity, side,
			content_hash, flags, missing_since, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, NULL, ?)`,
		c.account, folder, string(id), string(side),
		snap.ContentHash, snap.Flags.String(), c.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("caching envelope %s/%s (%s): %w", folder, id, side, err)
	}
	return nil
}

// DeleteEnvelope forgets an envelope on one side.
func (c *SQLiteCache) DeleteEnvelope(
	ctx context.Context,
	folder string,
	id model.Identity,
	side model.Side,
) error {
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM envelopes
		WHERE account = ? AND folder = ? AND identity = ? AND side = ?`,
		c.account, folder, string(id), string(side),
	)
	if err != nil {
		return fmt.Errorf("uncaching envelope %s/%s (%s): %w", folder, id, side, err)
	}
	return nil
}

// FolderEnvelopes returns all recorded snapshots for a folder on one
// side. Malformed rows are skipped.
func (c *SQLiteCache) FolderEnvelopes(
	ctx context.Context,
	folder string,
	side model.Side,
) (map[model.Identity]Snapshot, error) {
	rows, err := c.db.QueryxContext(ctx, `
		SELECT identity, content_hash, flags FROM envelopes
		WHERE account = ? AND folder = ? AND side = ?`,
		c.account, folder, string(side),
	)
	if err != nil {
		return nil, fmt.Errorf("querying cached envelopes for %s (%s): %w", folder, side, err)
	}
	defer rows.Close()

	snaps := make(map[model.Identity]Snapshot)
	for rows.Next() {
		var identity, hash, flags string
		if err := rows.Scan(&identity, &hash, &flags); err != nil {
			continue
		}
		snaps[model.Identity(identity)] = Snapshot{
			ContentHash: hash,
			Flags:       model.ParseFlagSet(flags),
		}
	}

	return snaps, rows.Err()
}

// Prune marks entries whose identity is absent from present and
// removes those that have been missing for longer than the grace
// period. Entries present again have their missing mark cleared.
func (c *SQLiteCache) Prune(
	ctx context.Context,
	folder string,
	present map[model.Identity]struct{},
) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning prune transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryxContext(ctx, `
		SELECT DISTINCT identity FROM envelopes
		WHERE account = ? AND folder = ?`,
		c.account, folder,
	)
	if err != nil {
		return fmt.Errorf("listing cached identities for %s: %w", folder, err)
	}

	var all []string
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			continue
		}
		all = append(all, identity)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scanning cached identities for %s: %w", folder, err)
	}

	now := c.now().UTC()
	cutoff := now.Add(-c.grace)

	for _, identity := range all {
		if _, ok := present[model.Identity(identity)]; ok {
			_, err = tx.ExecContext(ctx, `
				UPDATE envelopes SET missing_since = NULL
				WHERE account = ? AND folder = ? AND identity = ?`,
				c.account, folder, identity,
			)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE envelopes SET missing_since = ?
				WHERE account = ? AND folder = ? AND identity = ? AND missing_since IS NULL`,
				now, c.account, folder, identity,
			)
		}
		if err != nil {
			return fmt.Errorf("marking identity %s in %s: %w", identity, folder, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM envelopes
		WHERE account = ? AND folder = ? AND missing_since IS NOT NULL AND missing_since < ?`,
		c.account, folder, cutoff,
	); err != nil {
		return fmt.Errorf("pruning envelopes in %s: %w", folder, err)
	}

	return tx.Commit()
}

// Folders returns the set of folder names recorded for one side.
func (c *SQLiteCache) Folders(
	ctx context.Context,
	side model.Side,
) (map[string]struct{}, error) {
	rows, err := c.db.QueryxContext(ctx, `
		SELECT name FROM folders WHERE account = ? AND side = ?`,
		c.account, string(side),
	)
	if err != nil {
		return nil, fmt.Errorf("querying cached folders (%s): %w", side, err)
	}
	defer rows.Close()

	names := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			continue
		}
		names[name] = struct{}{}
	}

	return names, rows.Err()
}

// PutFolder records that a folder exists on one side.
func (c *SQLiteCache) PutFolder(ctx context.Context, name string, side model.Side) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO folders (account, name, side) VALUES (?, ?, ?)`,
		c.account, name, string(side),
	)
	if err != nil {
		return fmt.Errorf("caching folder %s (%s): %w", name, side, err)
	}
	return nil
}

// DeleteFolder forgets a folder on one side, along with that side's
// envelope entries under it.
func (c *SQLiteCache) DeleteFolder(ctx context.Context, name string, side model.Side) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning folder delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM folders WHERE account = ? AND name = ? AND side = ?`,
		c.account, name, string(side),
	); err != nil {
		return fmt.Errorf("uncaching folder %s (%s): %w", name, side, err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM envelopes WHERE account = ? AND folder = ? AND side = ?`,
		c.account, name, string(side),
	); err != nil {
		return fmt.Errorf("uncaching envelopes of %s (%s): %w", name, side, err)
	}

	return tx.Commit()
}
