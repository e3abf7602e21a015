package transport

import (
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/koabula/E-Chat/internal/model"
)

// livenessWindow is how long a connection may sit unused before it must
// pass a NOOP check again.
const livenessWindow = 10 * time.Minute

// SMTPConn manages the outbound mail connection: dialing, authentication,
// liveness, and message transmission. All methods are safe for concurrent
// use; operations are serialized on one underlying connection.
type SMTPConn struct {
	cfg      model.EmailConfig
	password string
	events   *Events
	log      zerolog.Logger

	mu       sync.Mutex
	client   *smtp.Client
	state    State
	lastUsed time.Time
}

// NewSMTPConn returns an unconnected SMTP connection manager.
func NewSMTPConn(cfg model.EmailConfig, password string, events *Events, log zerolog.Logger) *SMTPConn {
	return &SMTPConn{
		cfg:      cfg,
		password: password,
		events:   events,
		log:      log.With().Str("channel", string(ChannelSMTP)).Logger(),
		state:    StateDisconnected,
	}
}

// State returns the connection's current lifecycle state.
func (c *SMTPConn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState transitions the state and notifies listeners. Caller holds mu.
func (c *SMTPConn) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.events.emitState(ChannelSMTP, s)
}

// Connect dials the SMTP server and authenticates. It replaces any existing
// connection.
func (c *SMTPConn) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *SMTPConn) connectLocked() error {
	c.closeLocked()
	c.setState(StateConnecting)

	addr := fmt.Sprintf("%s:%d", c.cfg.SMTPHost, c.cfg.SMTPPort)
	tlsConfig := &tls.Config{ServerName: c.cfg.SMTPHost}

	var client *smtp.Client
	var err error
	if c.cfg.UseSSL {
		client, err = smtp.DialTLS(addr, tlsConfig)
	} else {
		client, err = smtp.DialStartTLS(addr, tlsConfig)
	}
	if err != nil {
		c.setState(StateDisconnected)
		return &ConnError{Channel: ChannelSMTP, Op: "dial " + addr, Err: err}
	}

	timeout := time.Duration(c.cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client.CommandTimeout = timeout
	client.SubmissionTimeout = timeout

	auth := sasl.NewPlainClient("", c.cfg.Username, c.password)
	if err := client.Auth(auth); err != nil {
		_ = client.Close()
		c.setState(StateDisconnected)
		return &AuthError{Channel: ChannelSMTP, Message: err.Error()}
	}

	c.client = client
	c.lastUsed = time.Now()
	c.setState(StateReady)
	c.log.Info().Str("addr", addr).Msg("smtp connected")
	return nil
}

// EnsureReady verifies the connection is usable, reconnecting if needed.
// Connections idle past the liveness window are replaced outright; fresher
// ones must pass a NOOP probe before being handed out.
func (c *SMTPConn) EnsureReady() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureReadyLocked()
}

func (c *SMTPConn) ensureReadyLocked() error {
	if c.client == nil {
		return c.connectLocked()
	}

	if time.Since(c.lastUsed) > livenessWindow {
		c.setState(StateStale)
		c.log.Debug().Msg("smtp connection idle past liveness window, reconnecting")
		return c.connectLocked()
	}

	if err := c.client.Noop(); err != nil {
		c.setState(StateStale)
		c.log.Debug().Err(err).Msg("smtp liveness check failed, reconnecting")
		return c.connectLocked()
	}
	c.lastUsed = time.Now()
	return nil
}

// Send transmits one raw RFC 822 message. The connection is verified (and
// reconnected if dead) before the attempt.
func (c *SMTPConn) Send(from, to string, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureReadyLocked(); err != nil {
		return err
	}

	if err := c.transmitLocked(from, to, raw); err != nil {
		return &ConnError{Channel: ChannelSMTP, Op: "send", Err: err}
	}
	c.lastUsed = time.Now()
	return nil
}

func (c *SMTPConn) transmitLocked(from, to string, raw []byte) error {
	if err := c.client.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := c.client.Rcpt(to, nil); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := c.client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finishing message: %w", err)
	}
	return nil
}

// Disconnect closes the connection gracefully, preferring QUIT over a hard
// close.
func (c *SMTPConn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	c.setState(StateDisconnected)
}

func (c *SMTPConn) closeLocked() {
	if c.client == nil {
		return
	}
	if err := c.client.Quit(); err != nil {
		// QUIT can fail on an already-dead connection; fall back to a
		// hard close and move on.
		if !strings.Contains(err.Error(), "closed") {
			_ = c.client.Close()
		}
	}
	c.client = nil
}
