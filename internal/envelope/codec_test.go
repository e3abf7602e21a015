package envelope

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectRoundTrip(t *testing.T) {
	c := NewCodec()

	e, err := c.NewText("alice@example.com", "bob@example.com", "hello")
	require.NoError(t, err)

	subject := c.EncodeSubject(e)
	assert.True(t, strings.HasPrefix(subject, "[E-Chat] text_"))
	assert.True(t, c.IsOwnMessage(subject))

	info, ok := c.ParseSubject(subject)
	require.True(t, ok)
	assert.Equal(t, KindText, info.Kind)
	assert.Equal(t, e.CreatedAt.Format("20060102150405"), info.Timestamp)
	assert.True(t, strings.HasSuffix(e.ID, info.ShortID))
}

func TestIsOwnMessage(t *testing.T) {
	c := NewCodec()

	assert.True(t, c.IsOwnMessage("[E-Chat] text_20250101120000_abcd1234"))
	assert.False(t, c.IsOwnMessage("Re: [E-Chat] text_20250101120000_abcd1234"))
	assert.False(t, c.IsOwnMessage("Your invoice for January"))
	assert.False(t, c.IsOwnMessage(""))
}

func TestParseSubjectRejectsMalformed(t *testing.T) {
	c := NewCodec()

	_, ok := c.ParseSubject("[E-Chat] text")
	assert.False(t, ok)
	_, ok = c.ParseSubject("unrelated subject")
	assert.False(t, ok)
}

func TestBodyRoundTrip(t *testing.T) {
	c := NewCodec()

	e, err := c.NewText("alice@example.com", "bob@example.com", "round trip me")
	require.NoError(t, err)

	body, err := c.FormatBody(e)
	require.NoError(t, err)
	assert.Contains(t, body, "E-Chat Message")
	assert.Contains(t, body, "From: alice@example.com")

	res := c.DecodeBody(body)
	require.False(t, res.Degraded, "reason: %s", res.Reason)

	got := res.Envelope
	assert.Equal(t, e.Version, got.Version)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.Kind, got.Kind)
	assert.Equal(t, e.Sender, got.Sender)
	assert.Equal(t, e.Recipient, got.Recipient)
	assert.Equal(t, "round trip me", got.Text())
	assert.Equal(t, e.Client, got.Client)
}

func TestDecodeBodyDegradesOnGarbage(t *testing.T) {
	c := NewCodec()

	tests := []struct {
		name string
		body string
	}{
		{"no json at all", "just some plain text"},
		{"truncated json", `leading text {"version": "1.0", "type":`},
		{"missing version", `{"type": "text", "content": {"text": "hi"}}`},
		{"unknown kind", `{"version": "1.0", "type": "voice", "content": {"text": "hi"}}`},
		{"missing content", `{"version": "1.0", "type": "text"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.DecodeBody(tt.body)
			assert.True(t, res.Degraded)
			assert.NotEmpty(t, res.Reason)
			assert.Equal(t, KindText, res.Envelope.Kind)
			assert.Equal(t, strings.TrimSpace(tt.body), res.Envelope.Text())
			assert.True(t, res.Envelope.Degraded)
		})
	}
}

func TestDecodeBodyValidatesAddresses(t *testing.T) {
	c := NewCodec()

	res := c.DecodeBody(`{"version": "1.0", "type": "text", "sender": "nope", "content": {"text": "hi"}}`)
	assert.True(t, res.Degraded)
}

func TestMailRoundTripText(t *testing.T) {
	c := NewCodec()

	e, err := c.NewText("alice@example.com", "bob@example.com", "over the wire")
	require.NoError(t, err)

	raw, err := c.BuildMail(e)
	require.NoError(t, err)

	mc, err := c.ParseMail(raw)
	require.NoError(t, err)
	assert.Equal(t, c.EncodeSubject(e), mc.Subject)
	assert.Equal(t, "alice@example.com", mc.From)
	assert.Equal(t, "bob@example.com", mc.To)
	assert.Empty(t, mc.Attachments)

	res := c.DecodeBody(mc.Text)
	require.False(t, res.Degraded, "reason: %s", res.Reason)
	assert.Equal(t, e.ID, res.Envelope.ID)
	assert.Equal(t, "over the wire", res.Envelope.Text())
}

func TestMailRoundTripFileAttachment(t *testing.T) {
	c := NewCodec()

	data := []byte{0x00, 0x01, 0xfe, 0xff, 'd', 'a', 't', 'a'}
	e, err := c.NewFile("alice@example.com", "bob@example.com", "see attached", "report.bin", data)
	require.NoError(t, err)

	raw, err := c.BuildMail(e)
	require.NoError(t, err)

	// The file bytes must not leak into the JSON body.
	mc, err := c.ParseMail(raw)
	require.NoError(t, err)
	assert.NotContains(t, mc.Text, "file_data")
	assert.Contains(t, mc.Text, `"has_attachment": true`)

	require.Len(t, mc.Attachments, 1)
	assert.Equal(t, "report.bin", mc.Attachments[0].Filename)
	assert.Equal(t, data, mc.Attachments[0].Data)

	res := c.DecodeBody(mc.Text)
	require.False(t, res.Degraded, "reason: %s", res.Reason)

	merged := MergeAttachments(res.Envelope, mc.Attachments)
	fc, ok := merged.Content.(FileContent)
	require.True(t, ok)
	assert.Equal(t, data, fc.Data)
	assert.Equal(t, int64(len(data)), fc.FileSize)
	assert.Equal(t, "report.bin", fc.FileName)
	assert.Equal(t, "see attached", merged.Text())
}

func TestMergeAttachmentsLeavesOtherKindsAlone(t *testing.T) {
	c := NewCodec()

	e, err := c.NewText("alice@example.com", "bob@example.com", "plain")
	require.NoError(t, err)

	merged := MergeAttachments(e, []Attachment{{Filename: "x.bin", Data: []byte{1}}})
	assert.Equal(t, e.Content, merged.Content)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "_.._etc_passwd"},
		{`a<b>c:d"e|f?g*h.txt`, "a_b_c_d_e_f_g_h.txt"},
		{"  .hidden. ", "hidden"},
		{"", "attachment"},
		{"...", "attachment"},
		{"line\nbreak.txt", "line_break.txt"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), "input %q", tt.in)
	}
}

func TestSanitizeFilenameCapsLength(t *testing.T) {
	long := strings.Repeat("a", 300) + ".txt"
	got := SanitizeFilename(long)
	assert.LessOrEqual(t, len(got), 255)
	assert.True(t, strings.HasSuffix(got, ".txt"))
}
