// Package folder discovers and selects the inbound mailbox folder across
// providers, including ones that advertise non-ASCII folder names in the
// IMAP modified UTF-7 encoding.
package folder

import (
	"encoding/base64"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// utf16be handles the UTF-16 big-endian leg of modified UTF-7.
var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// EncodeName encodes a folder name into IMAP modified UTF-7. Pure-ASCII
// names are returned unchanged. Encoding failures fall back to the input.
func EncodeName(name string) string {
	if isASCII(name) {
		return name
	}

	utf16Bytes, err := utf16be.NewEncoder().Bytes([]byte(name))
	if err != nil {
		return name
	}

	b64 := base64.StdEncoding.EncodeToString(utf16Bytes)
	b64 = strings.ReplaceAll(b64, "/", ",")
	b64 = strings.TrimRight(b64, "=")
	return "&" + b64 + "-"
}

// DecodeName decodes an IMAP modified UTF-7 folder name. Names that do not
// look encoded, and names that fail to decode, are returned unchanged so
// resolution keeps working against malformed listings.
func DecodeName(raw string) string {
	if !strings.HasPrefix(raw, "&") || !strings.HasSuffix(raw, "-") || len(raw) < 2 {
		return raw
	}

	b64 := raw[1 : len(raw)-1]
	if b64 == "" {
		// "&-" is the escaped form of a literal ampersand.
		return "&"
	}

	b64 = strings.ReplaceAll(b64, ",", "/")
	if pad := len(b64) % 4; pad != 0 {
		b64 += strings.Repeat("=", 4-pad)
	}

	utf16Bytes, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return raw
	}
	decoded, err := utf16be.NewDecoder().Bytes(utf16Bytes)
	if err != nil {
		return raw
	}
	return string(decoded)
}

// isASCII reports whether s contains only 7-bit characters.
func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}
