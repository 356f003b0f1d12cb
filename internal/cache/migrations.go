package cache

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS folders (
	account    TEXT NOT NULL,
	name       TEXT NOT NULL,
	side       TEXT NOT NULL CHECK(side IN ('left', 'right')),
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (account, name, side)
);

CREATE TABLE IF NOT EXISTS envelopes (
	account       TEXT NOT NULL,
	folder        TEXT NOT NULL,
	identity      TEXT NOT NULL,
	side          TEXT NOT NULL CHECK(side IN ('left', 'right')),
	content_hash  TEXT NOT NULL,
	flags         TEXT NOT NULL DEFAULT '',
	missing_since DATETIME,
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (account, folder, identity, side)
);

CREATE INDEX IF NOT EXISTS idx_envelopes_folder
	ON envelopes(account, folder, side);
CREATE INDEX IF NOT EXISTS idx_envelopes_missing
	ON envelopes(missing_since);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
