// Package imapx implements the small out-of-band exchange some providers
// need before a normal IMAP session: reading the greeting and sending an
// RFC 2971 ID command on the raw connection. It owns its own command
// encoding and response scanning so the protocol client's framing is never
// bypassed: the exchange completes before the client takes the socket.
package imapx

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// idTag tags the single command this package ever sends.
const idTag = "E001"

// IDResult reports the outcome of the pre-session exchange. Replay holds
// every byte read past the ID response; it must be fed back to the protocol
// client via WrapConn so the stream stays intact.
type IDResult struct {
	// Status is the server's tagged response: "OK", "NO", or "BAD".
	Status string
	// Greeting is the raw server greeting line.
	Greeting string
	// Replay holds over-read bytes to hand back to the next reader.
	Replay []byte
}

// Accepted reports whether the server acknowledged the ID command.
func (r *IDResult) Accepted() bool {
	return r != nil && r.Status == "OK"
}

// ClientID reads the server greeting, sends an ID command with the given
// ordered fields, and consumes the response. The connection's read deadline
// is bounded by timeout and cleared before returning. Callers treat a
// failure as advisory: the session proceeds either way.
func ClientID(conn net.Conn, timeout time.Duration, fields [][2]string) (*IDResult, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("setting handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	br := bufio.NewReader(conn)
	res := &IDResult{}

	greeting, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading greeting: %w", err)
	}
	res.Greeting = greeting
	if !strings.HasPrefix(greeting, "* OK") && !strings.HasPrefix(greeting, "* PREAUTH") {
		res.Replay = replayBytes(greeting, nil, br)
		return res, fmt.Errorf("unexpected greeting %q", strings.TrimSpace(greeting))
	}

	if _, err := conn.Write([]byte(EncodeID(idTag, fields))); err != nil {
		res.Replay = replayBytes(greeting, nil, br)
		return res, fmt.Errorf("sending ID command: %w", err)
	}

	status, err := awaitTagged(br, idTag)
	if err != nil {
		res.Replay = replayBytes(greeting, nil, br)
		return res, err
	}
	res.Status = status
	res.Replay = replayBytes(greeting, nil, br)
	return res, nil
}

// replayBytes assembles the greeting plus any bytes still sitting in the
// read buffer. The consumed ID response lines are deliberately excluded.
func replayBytes(greeting string, extra []byte, br *bufio.Reader) []byte {
	var buf bytes.Buffer
	buf.WriteString(greeting)
	buf.Write(extra)
	if n := br.Buffered(); n > 0 {
		if rest, err := br.Peek(n); err == nil {
			buf.Write(rest)
		}
	}
	return buf.Bytes()
}

// EncodeID renders a tagged ID command. Fields are an ordered list of
// key/value pairs; an empty list encodes as NIL.
func EncodeID(tag string, fields [][2]string) string {
	var b strings.Builder
	b.WriteString(tag)
	b.WriteString(" ID ")
	if len(fields) == 0 {
		b.WriteString("NIL")
	} else {
		b.WriteByte('(')
		for i, kv := range fields {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(quote(kv[0]))
			b.WriteByte(' ')
			b.WriteString(quote(kv[1]))
		}
		b.WriteByte(')')
	}
	b.WriteString("\r\n")
	return b.String()
}

// quote renders an IMAP quoted string.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// awaitTagged reads response lines until the tagged completion for tag
// arrives, skipping untagged data (such as the server's own ID response).
func awaitTagged(br *bufio.Reader, tag string) (string, error) {
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("reading ID response: %w", err)
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "* ") {
			continue
		}
		if strings.HasPrefix(trimmed, tag+" ") {
			rest := strings.TrimPrefix(trimmed, tag+" ")
			switch {
			case strings.HasPrefix(rest, "OK"):
				return "OK", nil
			case strings.HasPrefix(rest, "NO"):
				return "NO", nil
			case strings.HasPrefix(rest, "BAD"):
				return "BAD", nil
			default:
				return "", fmt.Errorf("malformed tagged response %q", trimmed)
			}
		}
		// Anything else is noise; keep scanning until the tag or EOF.
	}
}

// prefixConn replays already-consumed bytes before reading from the live
// connection, so the protocol client sees an unbroken stream.
type prefixConn struct {
	net.Conn
	prefix io.Reader
}

// WrapConn returns a net.Conn whose reads yield prefix first, then the
// underlying connection. A nil or empty prefix returns conn unchanged.
func WrapConn(conn net.Conn, prefix []byte) net.Conn {
	if len(prefix) == 0 {
		return conn
	}
	return &prefixConn{Conn: conn, prefix: bytes.NewReader(prefix)}
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if c.prefix != nil {
		n, err := c.prefix.Read(p)
		if err == io.EOF {
			c.prefix = nil
			if n == 0 {
				return c.Conn.Read(p)
			}
			return n, nil
		}
		return n, err
	}
	return c.Conn.Read(p)
}
