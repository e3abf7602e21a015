package model

import "time"

// Direction marks whether a stored message left this account or arrived at it.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Message is one persisted chat message, sent or received.
type Message struct {
	// ID is the local database row ID.
	ID int64 `json:"id"`

	// MessageID is the protocol-level identifier carried in the subject
	// and headers. It is the dedupe key for inbound traffic.
	MessageID string `json:"message_id"`

	// ContactEmail is the address of the conversation peer.
	ContactEmail string `json:"contact_email"`

	// Sender and Recipient are the full addressing of the message.
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`

	// Kind is the protocol message kind ("text", "file", ...).
	Kind string `json:"kind"`

	// Body is the text content, or the caption for a file message.
	Body string `json:"body"`

	// FileName and FileSize describe an attached file, if any.
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`

	// Direction records whether this account sent or received the message.
	Direction Direction `json:"direction"`

	// Degraded is true when the body could not be parsed as a protocol
	// envelope and the raw text was kept instead.
	Degraded bool `json:"degraded"`

	// Read is true once the user has seen a received message. Sent
	// messages are always read.
	Read bool `json:"read"`

	// SentAt is the protocol timestamp from the envelope.
	SentAt time.Time `json:"sent_at"`

	// StoredAt is when the row was written locally.
	StoredAt time.Time `json:"stored_at"`
}

// Contact is one conversation peer with its rollup counters.
type Contact struct {
	// Email is the peer's address and the primary key.
	Email string `json:"email"`

	// Nickname is the user-assigned display name, if any.
	Nickname string `json:"nickname,omitempty"`

	// LastMessageAt and LastMessagePreview summarize the latest activity.
	LastMessageAt      time.Time `json:"last_message_at"`
	LastMessagePreview string    `json:"last_message_preview"`

	// UnreadCount is the number of unseen received messages.
	UnreadCount int `json:"unread_count"`

	// CreatedAt is when the contact row was first written.
	CreatedAt time.Time `json:"created_at"`
}
