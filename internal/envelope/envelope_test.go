package envelope

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTextBuildsCompleteEnvelope(t *testing.T) {
	c := NewCodec()

	e, err := c.NewText("alice@example.com", "bob@example.com", "hello")
	require.NoError(t, err)

	assert.Equal(t, Version, e.Version)
	assert.Equal(t, KindText, e.Kind)
	assert.Equal(t, "alice@example.com", e.Sender)
	assert.Equal(t, "bob@example.com", e.Recipient)
	assert.Equal(t, "hello", e.Text())
	assert.False(t, e.Degraded)
	assert.WithinDuration(t, time.Now(), e.CreatedAt, 5*time.Second)

	assert.True(t, strings.HasPrefix(e.ID, "echat_"))
	parts := strings.Split(e.ID, "_")
	require.Len(t, parts, 3)
	assert.Len(t, parts[1], 14)
	assert.Len(t, parts[2], 8)
}

func TestNewTextIDsAreUnique(t *testing.T) {
	c := NewCodec()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		e, err := c.NewText("alice@example.com", "bob@example.com", "hi")
		require.NoError(t, err)
		assert.False(t, seen[e.ID], "duplicate ID %s", e.ID)
		seen[e.ID] = true
	}
}

func TestNewRejectsInvalidInput(t *testing.T) {
	c := NewCodec()

	tests := []struct {
		name      string
		kind      Kind
		sender    string
		recipient string
		content   Content
	}{
		{"bad sender", KindText, "not-an-address", "bob@example.com", TextContent{Text: "hi"}},
		{"bad recipient", KindText, "alice@example.com", "bob@", TextContent{Text: "hi"}},
		{"unknown kind", Kind("voice"), "alice@example.com", "bob@example.com", TextContent{Text: "hi"}},
		{"nil content", KindText, "alice@example.com", "bob@example.com", nil},
		{"kind mismatch", KindFile, "alice@example.com", "bob@example.com", TextContent{Text: "hi"}},
		{"empty text", KindText, "alice@example.com", "bob@example.com", TextContent{}},
		{"file without name", KindFile, "alice@example.com", "bob@example.com", FileContent{FileSize: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.New(tt.kind, tt.sender, tt.recipient, tt.content)
			require.Error(t, err)
			assert.True(t, IsValidationError(err), "expected a validation error, got %v", err)
		})
	}
}

func TestNewTextEnforcesLengthLimit(t *testing.T) {
	c := NewCodec()

	atLimit := strings.Repeat("字", c.MaxTextRunes)
	_, err := c.NewText("alice@example.com", "bob@example.com", atLimit)
	assert.NoError(t, err)

	overLimit := strings.Repeat("字", c.MaxTextRunes+1)
	_, err = c.NewText("alice@example.com", "bob@example.com", overLimit)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestValidAddress(t *testing.T) {
	valid := []string{
		"user@example.com",
		"first.last@sub.domain.org",
		"u+tag@example.co",
		"  padded@example.com  ",
	}
	for _, addr := range valid {
		assert.True(t, ValidAddress(addr), "expected %q to be valid", addr)
	}

	invalid := []string{
		"",
		"plain",
		"@example.com",
		"user@",
		"user@host",
		"user@@example.com",
	}
	for _, addr := range invalid {
		assert.False(t, ValidAddress(addr), "expected %q to be invalid", addr)
	}
}

func TestNewFileRecordsSize(t *testing.T) {
	c := NewCodec()

	data := []byte("file bytes here")
	e, err := c.NewFile("alice@example.com", "bob@example.com", "a caption", "notes.txt", data)
	require.NoError(t, err)

	fc, ok := e.Content.(FileContent)
	require.True(t, ok)
	assert.Equal(t, "notes.txt", fc.FileName)
	assert.Equal(t, int64(len(data)), fc.FileSize)
	assert.Equal(t, data, fc.Data)
	assert.Equal(t, "a caption", e.Text())
}

func TestNewStatusCarriesExtraFields(t *testing.T) {
	c := NewCodec()

	e, err := c.NewStatus("alice@example.com", "bob@example.com", "online", map[string]any{"device": "laptop"})
	require.NoError(t, err)

	sc, ok := e.Content.(StatusContent)
	require.True(t, ok)
	assert.Equal(t, "online", sc.StatusType)
	assert.Equal(t, "laptop", sc.Extra["device"])
	assert.False(t, sc.Timestamp.IsZero())
}
