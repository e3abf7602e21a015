package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"
)

// DefaultSubjectPrefix identifies E-Chat traffic in email subjects.
const DefaultSubjectPrefix = "[E-Chat]"

// DefaultMaxTextRunes caps the length of text message bodies in code points.
const DefaultMaxTextRunes = 5000

// Codec builds envelopes and converts them to and from their email wire
// form. It carries the configuration the original client kept in global
// singletons; construct one per transport and pass it explicitly.
type Codec struct {
	SubjectPrefix string
	MaxTextRunes  int
	Client        ClientInfo
}

// NewCodec returns a codec with the protocol defaults.
func NewCodec() *Codec {
	return &Codec{
		SubjectPrefix: DefaultSubjectPrefix,
		MaxTextRunes:  DefaultMaxTextRunes,
		Client: ClientInfo{
			App:             "E-Chat",
			Version:         "1.0.0",
			ProtocolVersion: Version,
		},
	}
}

// EncodeSubject renders the deterministic subject line for an envelope:
// "[E-Chat] kind_YYYYMMDDhhmmss_shortID".
func (c *Codec) EncodeSubject(e Envelope) string {
	return fmt.Sprintf("%s %s_%s_%s",
		c.SubjectPrefix, e.Kind, e.CreatedAt.Format("20060102150405"), shortID(e.ID))
}

// shortID extracts the 8-character suffix used in subject lines.
func shortID(id string) string {
	if i := strings.LastIndex(id, "_"); i >= 0 {
		id = id[i+1:]
	}
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

// IsOwnMessage reports whether a subject line belongs to E-Chat traffic.
// It is the sole gate before a body parse is attempted.
func (c *Codec) IsOwnMessage(subject string) bool {
	return strings.HasPrefix(subject, c.SubjectPrefix)
}

// SubjectInfo is the metadata packed into an E-Chat subject line.
type SubjectInfo struct {
	Kind      Kind
	Timestamp string
	ShortID   string
}

// ParseSubject extracts kind, timestamp, and short ID from a subject line.
// The second return is false for foreign or malformed subjects.
func (c *Codec) ParseSubject(subject string) (SubjectInfo, bool) {
	if !c.IsOwnMessage(subject) {
		return SubjectInfo{}, false
	}
	rest := strings.TrimSpace(subject[len(c.SubjectPrefix):])
	parts := strings.Split(rest, "_")
	if len(parts) < 3 {
		return SubjectInfo{}, false
	}
	return SubjectInfo{
		Kind:      Kind(parts[0]),
		Timestamp: parts[1],
		ShortID:   parts[2],
	}, true
}

// FormatBody renders the email body: a human-readable header block followed
// by the indented JSON envelope. Inline file bytes never appear here.
func (c *Codec) FormatBody(e Envelope) (string, error) {
	w, err := wireFromEnvelope(e)
	if err != nil {
		return "", fmt.Errorf("encoding envelope %s: %w", e.ID, err)
	}
	jsonBody, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding envelope %s: %w", e.ID, err)
	}

	var b strings.Builder
	b.WriteString("E-Chat Message\n")
	b.WriteString("==============\n")
	fmt.Fprintf(&b, "From: %s\n", e.Sender)
	fmt.Fprintf(&b, "To: %s\n", e.Recipient)
	fmt.Fprintf(&b, "Type: %s\n", e.Kind)
	fmt.Fprintf(&b, "Time: %s\n", e.CreatedAt.Format(time.RFC3339))
	b.WriteString("\nRaw Message Data:\n")
	b.WriteString("-----------------\n")
	b.Write(jsonBody)
	return b.String(), nil
}

// DecodeResult is the outcome of decoding an email body. A degraded result
// is a normal, expected value for foreign or malformed bodies, not an
// error: reception must never crash on bad input.
type DecodeResult struct {
	Envelope Envelope
	Degraded bool
	Reason   string
}

// DecodeBody locates and parses the JSON envelope inside an email body. On
// any parse or validation failure it returns a fallback text envelope with
// the raw trimmed body as content.
func (c *Codec) DecodeBody(body string) DecodeResult {
	idx := strings.Index(body, "{")
	if idx < 0 {
		return fallbackResult(body, "no JSON object in body")
	}

	var w wireEnvelope
	dec := json.NewDecoder(strings.NewReader(body[idx:]))
	if err := dec.Decode(&w); err != nil {
		return fallbackResult(body, fmt.Sprintf("parsing JSON: %v", err))
	}

	e, err := envelopeFromWire(w)
	if err != nil {
		return fallbackResult(body, err.Error())
	}
	return DecodeResult{Envelope: e}
}

// fallbackResult wraps a raw body in a degraded plain-text envelope.
func fallbackResult(body, reason string) DecodeResult {
	return DecodeResult{
		Envelope: Envelope{
			Version:  "unknown",
			Kind:     KindText,
			Content:  TextContent{Text: strings.TrimSpace(body)},
			Client:   ClientInfo{App: "Unknown", Version: "Unknown"},
			Degraded: true,
		},
		Degraded: true,
		Reason:   reason,
	}
}

// BuildMail renders the complete RFC 822 message for an envelope: headers,
// the formatted body as an inline text part, and file bytes as a base64
// attachment when present.
func (c *Codec) BuildMail(e Envelope) ([]byte, error) {
	body, err := c.FormatBody(e)
	if err != nil {
		return nil, err
	}

	var h mail.Header
	h.SetDate(e.CreatedAt)
	h.SetAddressList("From", []*mail.Address{{Address: e.Sender}})
	h.SetAddressList("To", []*mail.Address{{Address: e.Recipient}})
	h.SetSubject(c.EncodeSubject(e))
	h.Set("X-E-Chat-Version", e.Version)
	h.Set("X-E-Chat-Type", string(e.Kind))
	h.Set("X-E-Chat-Message-ID", e.ID)

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating mail writer: %w", err)
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, fmt.Errorf("creating text part: %w", err)
	}
	if _, err := io.WriteString(tw, body); err != nil {
		return nil, fmt.Errorf("writing text part: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing text part: %w", err)
	}

	if fc, ok := e.Content.(FileContent); ok && len(fc.Data) > 0 {
		var ah mail.AttachmentHeader
		ah.SetFilename(SanitizeFilename(fc.FileName))
		ah.SetContentType("application/octet-stream", nil)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("creating attachment part: %w", err)
		}
		if _, err := aw.Write(fc.Data); err != nil {
			return nil, fmt.Errorf("writing attachment: %w", err)
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("closing attachment: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Attachment is a decoded MIME attachment from an inbound message.
type Attachment struct {
	Filename string
	Data     []byte
}

// MailContent is the transport-relevant content of a raw inbound message.
type MailContent struct {
	Subject     string
	From        string
	To          string
	Date        time.Time
	Text        string
	Attachments []Attachment
}

// ParseMail extracts the subject, addressing, first text/plain part, and
// attachments from a raw RFC 822 message. Per-part read errors skip the
// part rather than failing the message.
func (c *Codec) ParseMail(raw []byte) (*MailContent, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing mail: %w", err)
	}
	defer mr.Close()

	mc := &MailContent{}
	mc.Subject, _ = mr.Header.Subject()
	mc.Date, _ = mr.Header.Date()
	if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		mc.From = addrs[0].Address
	} else {
		mc.From = mr.Header.Get("From")
	}
	if addrs, err := mr.Header.AddressList("To"); err == nil && len(addrs) > 0 {
		mc.To = addrs[0].Address
	} else {
		mc.To = mr.Header.Get("To")
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			if !strings.HasPrefix(contentType, "text/plain") || mc.Text != "" {
				continue
			}
			data, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			mc.Text = string(data)

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			data, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			mc.Attachments = append(mc.Attachments, Attachment{
				Filename: SanitizeFilename(filename),
				Data:     data,
			})
		}
	}

	return mc, nil
}

// MergeAttachments folds attachment bytes back into a file envelope whose
// JSON body carried only metadata. Other kinds pass through unchanged.
func MergeAttachments(e Envelope, atts []Attachment) Envelope {
	if len(atts) == 0 {
		return e
	}
	fc, ok := e.Content.(FileContent)
	if !ok {
		return e
	}
	a := atts[0]
	fc.Data = a.Data
	fc.FileSize = int64(len(a.Data))
	if fc.FileName == "" {
		fc.FileName = a.Filename
	}
	e.Content = fc
	return e
}

// SanitizeFilename strips path separators and control characters from an
// attachment filename and caps its length at 255 bytes, preserving the
// extension.
func SanitizeFilename(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return '_'
		}
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return '_'
		}
		return r
	}, name)
	cleaned = strings.Trim(cleaned, ". ")
	if cleaned == "" {
		return "attachment"
	}

	if len(cleaned) > 255 {
		ext := filepath.Ext(cleaned)
		if len(ext) > 32 {
			ext = ""
		}
		base := cleaned[:255-len(ext)]
		for len(base) > 0 && !utf8.ValidString(base) {
			base = base[:len(base)-1]
		}
		cleaned = base + ext
	}
	return cleaned
}
