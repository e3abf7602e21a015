package folder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeNamePassesASCIIThrough(t *testing.T) {
	for _, name := range []string{"INBOX", "Sent Messages", "Trash", ""} {
		assert.Equal(t, name, EncodeName(name))
	}
}

func TestUTF7RoundTrip(t *testing.T) {
	names := []string{
		"收件箱",
		"已发送",
		"垃圾邮件",
		"Entwürfe",
		"INBOX/子文件夹",
	}
	for _, name := range names {
		encoded := EncodeName(name)
		assert.NotEqual(t, name, encoded, "non-ASCII name should encode")
		assert.Equal(t, name, DecodeName(encoded))
	}
}

func TestEncodeNameKnownValue(t *testing.T) {
	// 收件箱 is the inbox name 163.com and QQ Mail report.
	assert.Equal(t, "&ZTZO9nux-", EncodeName("收件箱"))
	assert.Equal(t, "收件箱", DecodeName("&ZTZO9nux-"))
}

func TestDecodeNameHandlesLiteralAmpersand(t *testing.T) {
	assert.Equal(t, "&", DecodeName("&-"))
}

func TestDecodeNameReturnsRawOnGarbage(t *testing.T) {
	for _, raw := range []string{"&!!!-", "&Zx-", "plain", "&"} {
		// Must not panic, and undecodable input passes through.
		got := DecodeName(raw)
		assert.NotEmpty(t, got)
	}
	assert.Equal(t, "plain", DecodeName("plain"))
	assert.Equal(t, "&!!!-", DecodeName("&!!!-"))
}

func TestResolveInboxPrefersExactINBOX(t *testing.T) {
	got, err := ResolveInbox([]string{"Sent", "Trash", "INBOX", "Drafts"}, "")
	require.NoError(t, err)
	assert.Equal(t, "INBOX", got)
}

func TestResolveInboxPreferredWins(t *testing.T) {
	got, err := ResolveInbox([]string{"INBOX", "Archive"}, "Archive")
	require.NoError(t, err)
	assert.Equal(t, "Archive", got)
}

func TestResolveInboxPreferredMatchesDecoded(t *testing.T) {
	encoded := EncodeName("收件箱")
	got, err := ResolveInbox([]string{"Sent", encoded}, "收件箱")
	require.NoError(t, err)
	assert.Equal(t, encoded, got)
}

func TestResolveInboxDecodedSynonym(t *testing.T) {
	encoded := EncodeName("收件箱")
	got, err := ResolveInbox([]string{EncodeName("已发送"), encoded}, "")
	require.NoError(t, err)
	assert.Equal(t, encoded, got)
}

func TestResolveInboxSubstringFallbacks(t *testing.T) {
	got, err := ResolveInbox([]string{"Sent", "My Inbox Folder"}, "")
	require.NoError(t, err)
	assert.Equal(t, "My Inbox Folder", got)

	encoded := EncodeName("公司收件")
	got, err = ResolveInbox([]string{"Sent", encoded}, "")
	require.NoError(t, err)
	assert.Equal(t, encoded, got)
}

func TestResolveInboxFallsBackToFirst(t *testing.T) {
	got, err := ResolveInbox([]string{"Alpha", "Beta"}, "")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", got)
}

func TestResolveInboxEmptyListing(t *testing.T) {
	_, err := ResolveInbox(nil, "")
	assert.ErrorIs(t, err, ErrNoFolders)
}

func TestResolveInboxIsDeterministic(t *testing.T) {
	folders := []string{"Zeta", EncodeName("收件箱"), "inbox-like"}
	first, err := ResolveInbox(folders, "")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		got, err := ResolveInbox(folders, "")
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}
