// Package envelope defines the E-Chat message envelope embedded in email
// bodies, and the codec that moves it to and from the wire.
package envelope

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Version is the protocol version written into every envelope.
const Version = "1.0"

// Kind identifies the payload shape of an envelope. The set is closed;
// unknown kinds are rejected at build and decode time.
type Kind string

const (
	KindText   Kind = "text"
	KindFile   Kind = "file"
	KindStatus Kind = "status"
	KindSystem Kind = "system"
)

// knownKinds is the closed set of accepted kinds.
var knownKinds = map[Kind]bool{
	KindText:   true,
	KindFile:   true,
	KindStatus: true,
	KindSystem: true,
}

// ValidationError reports a semantic violation found while building or
// validating an envelope. It is returned synchronously to the caller and
// never enters the send pipeline.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid envelope: %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err (or any error in its chain) is a
// ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Content is the kind-specific payload of an envelope. Each kind has its
// own variant with its own required-field set, validated at construction.
type Content interface {
	// Kind returns the envelope kind this content belongs to.
	Kind() Kind

	// validate checks the variant's required fields.
	validate() error
}

// TextContent is the payload of a plain chat message.
type TextContent struct {
	Text string
}

func (TextContent) Kind() Kind { return KindText }

func (c TextContent) validate() error {
	if c.Text == "" {
		return &ValidationError{Field: "content.text", Reason: "must not be empty"}
	}
	return nil
}

// FileContent is the payload of a file transfer message. Data holds the raw
// file bytes; on the wire they travel as a MIME attachment, never inside
// the JSON body.
type FileContent struct {
	Caption  string
	FileName string
	FileSize int64
	Data     []byte
}

func (FileContent) Kind() Kind { return KindFile }

func (c FileContent) validate() error {
	if strings.TrimSpace(c.FileName) == "" {
		return &ValidationError{Field: "content.file_name", Reason: "must not be empty"}
	}
	if c.FileSize < 0 {
		return &ValidationError{Field: "content.file_size", Reason: "must not be negative"}
	}
	return nil
}

// StatusContent carries presence-style updates (online/offline/typing).
// Extra holds arbitrary additional fields from the sender.
type StatusContent struct {
	StatusType string
	Timestamp  time.Time
	Extra      map[string]any
}

func (StatusContent) Kind() Kind { return KindStatus }

func (c StatusContent) validate() error {
	if c.StatusType == "" {
		return &ValidationError{Field: "content.status_type", Reason: "must not be empty"}
	}
	return nil
}

// SystemContent carries application-generated notices.
type SystemContent struct {
	Text string
}

func (SystemContent) Kind() Kind { return KindSystem }

func (c SystemContent) validate() error {
	if c.Text == "" {
		return &ValidationError{Field: "content.text", Reason: "must not be empty"}
	}
	return nil
}

// ClientInfo is advisory metadata about the sending application.
type ClientInfo struct {
	App             string `json:"app"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

// ReceivedInfo stamps a decoded envelope with the actual mail headers it
// arrived under, for audit. It is set by the inbox watcher, never by the
// sender.
type ReceivedInfo struct {
	From    string
	To      string
	Subject string
	UID     uint32
}

// Envelope is the unit of transport: one chat message, status update, or
// system notice carried inside one email.
type Envelope struct {
	Version   string
	ID        string
	Kind      Kind
	Sender    string
	Recipient string
	CreatedAt time.Time
	Content   Content
	Client    ClientInfo

	// Degraded marks a fallback envelope produced from mail that carried
	// the E-Chat subject but not a parseable E-Chat body.
	Degraded bool

	// Received is populated on inbound envelopes only.
	Received *ReceivedInfo
}

// Text returns the human-readable text of the envelope, if any.
func (e Envelope) Text() string {
	switch c := e.Content.(type) {
	case TextContent:
		return c.Text
	case FileContent:
		return c.Caption
	case SystemContent:
		return c.Text
	default:
		return ""
	}
}

// emailPattern mirrors the address validation of the original client.
var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ValidAddress reports whether addr looks like a usable email address.
func ValidAddress(addr string) bool {
	return emailPattern.MatchString(strings.TrimSpace(addr))
}

// newID generates a message ID with a time-based prefix for ordering and a
// random suffix for uniqueness: echat_YYYYMMDDhhmmss_xxxxxxxx.
func newID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("echat_%s_%s", now.Format("20060102150405"), suffix)
}

// New builds an envelope of the given kind, validating addresses, kind, and
// content before construction. It fails fast and never returns a half-built
// envelope.
func (c *Codec) New(kind Kind, sender, recipient string, content Content) (Envelope, error) {
	if !knownKinds[kind] {
		return Envelope{}, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
	if !ValidAddress(sender) {
		return Envelope{}, &ValidationError{Field: "sender", Reason: fmt.Sprintf("invalid address %q", sender)}
	}
	if !ValidAddress(recipient) {
		return Envelope{}, &ValidationError{Field: "recipient", Reason: fmt.Sprintf("invalid address %q", recipient)}
	}
	if content == nil {
		return Envelope{}, &ValidationError{Field: "content", Reason: "must not be nil"}
	}
	if content.Kind() != kind {
		return Envelope{}, &ValidationError{
			Field:  "content",
			Reason: fmt.Sprintf("content is for kind %q, not %q", content.Kind(), kind),
		}
	}
	if err := content.validate(); err != nil {
		return Envelope{}, err
	}
	if tc, ok := content.(TextContent); ok {
		if n := utf8.RuneCountInString(tc.Text); n > c.MaxTextRunes {
			return Envelope{}, &ValidationError{
				Field:  "content.text",
				Reason: fmt.Sprintf("length %d exceeds limit %d", n, c.MaxTextRunes),
			}
		}
	}

	now := time.Now()
	return Envelope{
		Version:   Version,
		ID:        newID(now),
		Kind:      kind,
		Sender:    strings.TrimSpace(sender),
		Recipient: strings.TrimSpace(recipient),
		CreatedAt: now,
		Content:   content,
		Client:    c.Client,
	}, nil
}

// NewText builds a text envelope.
func (c *Codec) NewText(sender, recipient, text string) (Envelope, error) {
	return c.New(KindText, sender, recipient, TextContent{Text: text})
}

// NewFile builds a file envelope. data may be nil when the file travels
// out of band.
func (c *Codec) NewFile(sender, recipient, caption, fileName string, data []byte) (Envelope, error) {
	return c.New(KindFile, sender, recipient, FileContent{
		Caption:  caption,
		FileName: fileName,
		FileSize: int64(len(data)),
		Data:     data,
	})
}

// NewStatus builds a status envelope.
func (c *Codec) NewStatus(sender, recipient, statusType string, extra map[string]any) (Envelope, error) {
	return c.New(KindStatus, sender, recipient, StatusContent{
		StatusType: statusType,
		Timestamp:  time.Now(),
		Extra:      extra,
	})
}

// NewSystem builds a system notice envelope.
func (c *Codec) NewSystem(sender, recipient, text string) (Envelope, error) {
	return c.New(KindSystem, sender, recipient, SystemContent{Text: text})
}
