package transport

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koabula/E-Chat/internal/model"
)

// newPipeSMTPConn wraps one end of a pipe in a connected SMTPConn. The
// configured server address points at a closed local port, so any reconnect
// attempt fails fast with a ConnError.
func newPipeSMTPConn(t *testing.T, clientConn net.Conn) *SMTPConn {
	t.Helper()

	c := NewSMTPConn(model.EmailConfig{
		SMTPHost:   "127.0.0.1",
		SMTPPort:   1,
		Username:   "me@example.com",
		UseSSL:     true,
		TimeoutSec: 1,
	}, "pw", &Events{}, zerolog.Nop())

	client := smtp.NewClient(clientConn)
	client.CommandTimeout = 200 * time.Millisecond
	client.SubmissionTimeout = 200 * time.Millisecond
	c.client = client
	c.state = StateReady
	c.lastUsed = time.Now()
	return c
}

func TestSMTPEnsureReadyProbesWithinWindow(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		br := bufio.NewReader(serverConn)
		_, _ = serverConn.Write([]byte("220 test ESMTP\r\n"))
		if _, err := br.ReadString('\n'); err != nil { // EHLO
			return
		}
		_, _ = serverConn.Write([]byte("250-test\r\n250 OK\r\n"))
		if _, err := br.ReadString('\n'); err != nil { // NOOP
			return
		}
		_, _ = serverConn.Write([]byte("250 OK\r\n"))
	}()

	c := newPipeSMTPConn(t, clientConn)
	require.NoError(t, c.EnsureReady())
	assert.Equal(t, StateReady, c.State())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("no liveness probe was issued inside the window")
	}
}

func TestSMTPEnsureReadyReconnectsOnFailedProbe(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	_ = serverConn.Close()

	c := newPipeSMTPConn(t, clientConn)
	err := c.EnsureReady()
	require.Error(t, err, "a connection that died inside the window must not be reused")
	assert.True(t, IsConnError(err), "expected a ConnError from the reconnect, got %v", err)
}

func TestSMTPEnsureReadyReplacesConnectionIdlePastWindow(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	// An accommodating server: if the connection were probed instead of
	// replaced, the NOOP would succeed and EnsureReady would wrongly
	// report the stale connection as usable.
	go func() {
		br := bufio.NewReader(serverConn)
		_, _ = serverConn.Write([]byte("220 test ESMTP\r\n"))
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "QUIT") {
				_, _ = serverConn.Write([]byte("221 bye\r\n"))
				return
			}
			_, _ = serverConn.Write([]byte("250 test\r\n"))
		}
	}()
	c := newPipeSMTPConn(t, clientConn)
	c.lastUsed = time.Now().Add(-livenessWindow - time.Minute)

	errCh := make(chan error, 1)
	go func() { errCh <- c.EnsureReady() }()
	select {
	case err := <-errCh:
		require.Error(t, err, "a connection idle past the window must be replaced even when it still answers")
		assert.True(t, IsConnError(err), "expected a ConnError from the reconnect, got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("EnsureReady blocked replacing an idle connection")
	}
}
