package store

import (
	"context"

	"github.com/koabula/E-Chat/internal/model"
)

// MessageFilter controls filtering and pagination for message queries.
type MessageFilter struct {
	ContactEmail *string
	Kind         *string
	UnreadOnly   bool
	Limit        int
	Offset       int
}

// Stats summarizes the local message database.
type Stats struct {
	TotalMessages int `json:"total_messages"`
	TotalContacts int `json:"total_contacts"`
	TotalUnread   int `json:"total_unread"`
}

// Store defines the persistence interface for chat messages and contacts.
type Store interface {
	// SaveMessage persists one message and updates the contact rollup
	// (last-message preview and, for received messages, the unread count).
	// Saving a message whose MessageID already exists is a no-op.
	SaveMessage(ctx context.Context, m model.Message) error

	// HasMessage reports whether a message with the given protocol ID has
	// already been stored. It backs inbound dedupe across restarts.
	HasMessage(ctx context.Context, messageID string) (bool, error)

	// GetMessages retrieves messages matching the filter, newest first.
	GetMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error)

	// MarkConversationRead marks every received message from the contact
	// as read and resets the contact's unread counter.
	MarkConversationRead(ctx context.Context, contactEmail string) error

	// UpsertContact inserts a contact or updates its nickname.
	UpsertContact(ctx context.Context, c model.Contact) error

	// GetContacts lists all contacts, most recent conversation first.
	GetContacts(ctx context.Context) ([]model.Contact, error)

	// GetContact retrieves a single contact by address, or nil if absent.
	GetContact(ctx context.Context, email string) (*model.Contact, error)

	// DeleteContact removes a contact and its conversation history.
	DeleteContact(ctx context.Context, email string) error

	// GetStats returns database-wide counters.
	GetStats(ctx context.Context) (Stats, error)
}
