package store

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

CREATE TABLE IF NOT EXISTS contacts (
	email                TEXT PRIMARY KEY,
	nickname             TEXT NOT NULL DEFAULT '',
	last_message_at      DATETIME,
	last_message_preview TEXT NOT NULL DEFAULT '',
	unread_count         INTEGER NOT NULL DEFAULT 0,
	created_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id    TEXT NOT NULL UNIQUE,
	contact_email TEXT NOT NULL,
	sender        TEXT NOT NULL,
	recipient     TEXT NOT NULL,
	kind          TEXT NOT NULL DEFAULT 'text',
	body          TEXT NOT NULL DEFAULT '',
	file_name     TEXT NOT NULL DEFAULT '',
	file_size     INTEGER NOT NULL DEFAULT 0,
	direction     TEXT NOT NULL CHECK(direction IN ('sent', 'received')),
	degraded      INTEGER NOT NULL DEFAULT 0 CHECK(degraded IN (0, 1)),
	read          INTEGER NOT NULL DEFAULT 0 CHECK(read IN (0, 1)),
	sent_at       DATETIME NOT NULL,
	stored_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_contact ON messages(contact_email);
CREATE INDEX IF NOT EXISTS idx_messages_sent_at ON messages(sent_at);
CREATE INDEX IF NOT EXISTS idx_messages_read ON messages(read);
CREATE INDEX IF NOT EXISTS idx_contacts_last_message ON contacts(last_message_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_messages_contact_sent
	ON messages(contact_email, sent_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
