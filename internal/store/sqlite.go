package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/koabula/E-Chat/internal/model"
)

// previewRunes caps the contact rollup preview length.
const previewRunes = 50

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// SaveMessage persists one message and updates the contact rollup inside a
// single transaction. A duplicate MessageID is silently ignored.
func (s *SQLiteStore) SaveMessage(ctx context.Context, m model.Message) error {
	if m.StoredAt.IsZero() {
		m.StoredAt = time.Now().UTC()
	}
	if m.Direction == model.DirectionSent {
		m.Read = true
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (
			message_id, contact_email, sender, recipient,
			kind, body, file_name, file_size,
			direction, degraded, read, sent_at, stored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.ContactEmail, m.Sender, m.Recipient,
		m.Kind, m.Body, m.FileName, m.FileSize,
		string(m.Direction), boolToInt(m.Degraded), boolToInt(m.Read),
		m.SentAt.UTC(), m.StoredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting message %s: %w", m.MessageID, err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking insert result: %w", err)
	}
	if inserted == 0 {
		// Already stored; leave the contact rollup untouched.
		return tx.Commit()
	}

	unreadDelta := 0
	if m.Direction == model.DirectionReceived && !m.Read {
		unreadDelta = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO contacts (email, last_message_at, last_message_preview, unread_count, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			last_message_at = excluded.last_message_at,
			last_message_preview = excluded.last_message_preview,
			unread_count = unread_count + excluded.unread_count`,
		m.ContactEmail, m.SentAt.UTC(), preview(m), unreadDelta, m.StoredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("updating contact %s: %w", m.ContactEmail, err)
	}

	return tx.Commit()
}

// preview renders the short rollup text shown in the contact list.
func preview(m model.Message) string {
	text := m.Body
	if m.Kind == "file" {
		if m.FileName != "" {
			text = "[File] " + m.FileName
		} else {
			text = "[File]"
		}
	}
	runes := []rune(strings.TrimSpace(text))
	if len(runes) > previewRunes {
		return string(runes[:previewRunes]) + "…"
	}
	return string(runes)
}

// HasMessage reports whether a message with the given protocol ID exists.
func (s *SQLiteStore) HasMessage(ctx context.Context, messageID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM messages WHERE message_id = ?", messageID,
	)
	if err != nil {
		return false, fmt.Errorf("checking message %s: %w", messageID, err)
	}
	return count > 0, nil
}

// GetMessages retrieves messages matching the filter, newest first.
func (s *SQLiteStore) GetMessages(
	ctx context.Context,
	filter MessageFilter,
) ([]model.Message, error) {
	var conditions []string
	var args []interface{}

	if filter.ContactEmail != nil {
		conditions = append(conditions, "contact_email = ?")
		args = append(args, *filter.ContactEmail)
	}
	if filter.Kind != nil {
		conditions = append(conditions, "kind = ?")
		args = append(args, *filter.Kind)
	}
	if filter.UnreadOnly {
		conditions = append(conditions, "read = 0 AND direction = 'received'")
	}

	query := "SELECT * FROM messages"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY sent_at DESC, id DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// MarkConversationRead marks every received message from the contact as read
// and resets the contact's unread counter.
func (s *SQLiteStore) MarkConversationRead(ctx context.Context, contactEmail string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"UPDATE messages SET read = 1 WHERE contact_email = ? AND direction = 'received'",
		contactEmail,
	)
	if err != nil {
		return fmt.Errorf("marking messages read for %s: %w", contactEmail, err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE contacts SET unread_count = 0 WHERE email = ?", contactEmail,
	)
	if err != nil {
		return fmt.Errorf("resetting unread count for %s: %w", contactEmail, err)
	}

	return tx.Commit()
}

// UpsertContact inserts a contact or updates its nickname.
func (s *SQLiteStore) UpsertContact(ctx context.Context, c model.Contact) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (email, nickname, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET nickname = excluded.nickname`,
		c.Email, c.Nickname, c.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting contact %s: %w", c.Email, err)
	}
	return nil
}

// GetContacts lists all contacts, most recent conversation first.
func (s *SQLiteStore) GetContacts(ctx context.Context) ([]model.Contact, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM contacts ORDER BY last_message_at DESC, email",
	)
	if err != nil {
		return nil, fmt.Errorf("querying contacts: %w", err)
	}
	defer rows.Close()

	var contacts []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}

	return contacts, rows.Err()
}

// GetContact retrieves a single contact by address, or nil if absent.
func (s *SQLiteStore) GetContact(ctx context.Context, email string) (*model.Contact, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM contacts WHERE email = ?", email,
	)
	if err != nil {
		return nil, fmt.Errorf("querying contact %s: %w", email, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying contact %s: %w", email, err)
		}
		return nil, nil
	}
	c, err := scanContact(rows)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteContact removes a contact and its conversation history.
func (s *SQLiteStore) DeleteContact(ctx context.Context, email string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE contact_email = ?", email); err != nil {
		return fmt.Errorf("deleting messages for %s: %w", email, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM contacts WHERE email = ?", email); err != nil {
		return fmt.Errorf("deleting contact %s: %w", email, err)
	}

	return tx.Commit()
}

// GetStats returns database-wide counters.
func (s *SQLiteStore) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := s.db.GetContext(ctx, &stats.TotalMessages, "SELECT COUNT(*) FROM messages"); err != nil {
		return Stats{}, fmt.Errorf("counting messages: %w", err)
	}
	if err := s.db.GetContext(ctx, &stats.TotalContacts, "SELECT COUNT(*) FROM contacts"); err != nil {
		return Stats{}, fmt.Errorf("counting contacts: %w", err)
	}
	err := s.db.GetContext(ctx, &stats.TotalUnread,
		"SELECT COUNT(*) FROM messages WHERE read = 0 AND direction = 'received'",
	)
	if err != nil {
		return Stats{}, fmt.Errorf("counting unread messages: %w", err)
	}
	return stats, nil
}

// scanMessage scans a message row from a sqlx.Rows result set.
func scanMessage(rows *sqlx.Rows) (model.Message, error) {
	var (
		m         model.Message
		direction string
		degraded  int
		readInt   int
		sentAt    time.Time
		storedAt  time.Time
	)

	err := rows.Scan(
		&m.ID, &m.MessageID, &m.ContactEmail, &m.Sender, &m.Recipient,
		&m.Kind, &m.Body, &m.FileName, &m.FileSize,
		&direction, &degraded, &readInt, &sentAt, &storedAt,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("scanning message row: %w", err)
	}

	m.Direction = model.Direction(direction)
	m.Degraded = degraded != 0
	m.Read = readInt != 0
	m.SentAt = sentAt
	m.StoredAt = storedAt

	return m, nil
}

// scanContact scans a contact row from a sqlx.Rows result set.
func scanContact(rows *sqlx.Rows) (model.Contact, error) {
	var (
		c             model.Contact
		lastMessageAt sql.NullTime
		createdAt     time.Time
	)

	err := rows.Scan(
		&c.Email, &c.Nickname, &lastMessageAt, &c.LastMessagePreview,
		&c.UnreadCount, &createdAt,
	)
	if err != nil {
		return model.Contact{}, fmt.Errorf("scanning contact row: %w", err)
	}

	if lastMessageAt.Valid {
		c.LastMessageAt = lastMessageAt.Time
	}
	c.CreatedAt = createdAt

	return c, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
