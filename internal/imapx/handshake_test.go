package imapx

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeID(t *testing.T) {
	got := EncodeID("A1", [][2]string{
		{"name", "E-Chat"},
		{"version", "1.0.0"},
	})
	assert.Equal(t, "A1 ID (\"name\" \"E-Chat\" \"version\" \"1.0.0\")\r\n", got)
}

func TestEncodeIDEmptyFieldsIsNIL(t *testing.T) {
	assert.Equal(t, "A1 ID NIL\r\n", EncodeID("A1", nil))
}

func TestEncodeIDQuotesSpecials(t *testing.T) {
	got := EncodeID("A1", [][2]string{{"name", `a"b\c`}})
	assert.Equal(t, "A1 ID (\"name\" \"a\\\"b\\\\c\")\r\n", got)
}

func TestClientIDAccepted(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	fields := [][2]string{{"name", "E-Chat"}, {"version", "1.0.0"}}

	serverErr := make(chan error, 1)
	go func() {
		defer close(serverErr)
		if _, err := server.Write([]byte("* OK IMAP4rev1 ready\r\n")); err != nil {
			serverErr <- err
			return
		}
		br := bufio.NewReader(server)
		line, err := br.ReadString('\n')
		if err != nil {
			serverErr <- err
			return
		}
		if line != EncodeID(idTag, fields) {
			serverErr <- io.ErrUnexpectedEOF
			return
		}
		// Untagged ID reply, tagged OK, and one line of follow-on data in
		// a single write so it lands in the client's read buffer together.
		_, err = server.Write([]byte(
			"* ID (\"name\" \"srv\")\r\n" + idTag + " OK ID completed\r\n* 3 EXISTS\r\n",
		))
		if err != nil {
			serverErr <- err
		}
	}()

	res, err := ClientID(client, 2*time.Second, fields)
	require.NoError(t, err)
	require.NoError(t, <-serverErr)

	assert.True(t, res.Accepted())
	assert.Equal(t, "OK", res.Status)
	assert.Equal(t, "* OK IMAP4rev1 ready\r\n", res.Greeting)

	// The replay must carry the greeting and the over-read line, but not
	// the consumed ID response.
	replay := string(res.Replay)
	assert.True(t, strings.HasPrefix(replay, "* OK IMAP4rev1 ready\r\n"))
	assert.Contains(t, replay, "* 3 EXISTS\r\n")
	assert.NotContains(t, replay, "ID completed")
}

func TestClientIDRejectedStillReportsStatus(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = server.Write([]byte("* OK ready\r\n"))
		br := bufio.NewReader(server)
		_, _ = br.ReadString('\n')
		_, _ = server.Write([]byte(idTag + " NO not allowed\r\n"))
	}()

	res, err := ClientID(client, 2*time.Second, nil)
	require.NoError(t, err)
	assert.False(t, res.Accepted())
	assert.Equal(t, "NO", res.Status)
}

func TestClientIDBadGreeting(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = server.Write([]byte("* BYE go away\r\n"))
	}()

	res, err := ClientID(client, 2*time.Second, nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "* BYE go away\r\n", string(res.Replay))
}

func TestClientIDTimesOut(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// Server never writes a greeting.
	_, err := ClientID(client, 50*time.Millisecond, nil)
	require.Error(t, err)
}

func TestWrapConnReplaysPrefix(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = server.Write([]byte("live data\r\n"))
	}()

	wrapped := WrapConn(client, []byte("replayed "))

	buf := make([]byte, 9)
	_, err := io.ReadFull(wrapped, buf)
	require.NoError(t, err)
	assert.Equal(t, "replayed ", string(buf))

	line := make([]byte, 11)
	_, err = io.ReadFull(wrapped, line)
	require.NoError(t, err)
	assert.Equal(t, "live data\r\n", string(line))
}

func TestWrapConnEmptyPrefixReturnsSame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	assert.Equal(t, net.Conn(client), WrapConn(client, nil))
}
