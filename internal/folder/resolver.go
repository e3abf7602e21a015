package folder

import (
	"errors"
	"strings"
)

// ErrNoFolders is returned when the provider reports an empty folder
// listing, leaving nothing to resolve against.
var ErrNoFolders = errors.New("mailbox has no folders")

// inboxSynonyms are decoded folder names treated as the inbox, compared
// case-insensitively. Covers the localized names common providers use.
var inboxSynonyms = map[string]bool{
	"inbox": true,
	"收件箱":   true,
	"邮箱":    true,
}

// ResolveInbox picks the inbound folder from a raw provider listing. A
// user-configured preferred name wins when present (matched raw or
// decoded); otherwise an ordered fallback applies: exact "INBOX", a decoded
// synonym, a decoded name containing "inbox", a decoded name containing
// "收件", and finally the first listed folder. The result is deterministic
// for a given listing and always a raw (provider-encoded) name suitable
// for SELECT.
func ResolveInbox(folders []string, preferred string) (string, error) {
	if len(folders) == 0 {
		return "", ErrNoFolders
	}

	preferred = strings.TrimSpace(preferred)
	if preferred != "" {
		for _, f := range folders {
			if f == preferred || DecodeName(f) == preferred {
				return f, nil
			}
		}
	}

	for _, f := range folders {
		if f == "INBOX" {
			return f, nil
		}
	}
	for _, f := range folders {
		if inboxSynonyms[strings.ToLower(DecodeName(f))] {
			return f, nil
		}
	}
	for _, f := range folders {
		if strings.Contains(strings.ToLower(DecodeName(f)), "inbox") {
			return f, nil
		}
	}
	for _, f := range folders {
		if strings.Contains(DecodeName(f), "收件") {
			return f, nil
		}
	}

	return folders[0], nil
}
