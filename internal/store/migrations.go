package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create checkpoints",
		SQL: `
			CREATE TABLE checkpoints (
				thread_id     TEXT PRIMARY KEY,
				version       INTEGER NOT NULL,
				messages      TEXT NOT NULL,
				message_count INTEGER NOT NULL DEFAULT 0,
				created_at    TEXT NOT NULL DEFAULT (datetime('now')),
				updated_at    TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_checkpoints_updated ON checkpoints (updated_at);
		`,
	},
}
