package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/koabula/E-Chat/internal/imapx"
	"github.com/koabula/E-Chat/internal/model"
)

// logoutGrace bounds how long a graceful LOGOUT may take before the socket
// is closed anyway.
const logoutGrace = 2 * time.Second

// quirkHosts are providers that reject clients which do not announce
// themselves with an ID command before login.
var quirkHosts = []string{"163.com", "126.com"}

// clientIDFields is the identity announced to quirk hosts.
var clientIDFields = [][2]string{
	{"name", "E-Chat"},
	{"version", "1.0.0"},
	{"vendor", "E-Chat Project"},
	{"support-email", "support@echat.com"},
}

// IMAPConn manages the inbound mail connection: dialing (including the
// pre-login ID exchange some providers require), folder selection, searches,
// fetches, and IDLE. Methods are safe for concurrent use.
type IMAPConn struct {
	cfg      model.EmailConfig
	password string
	events   *Events
	log      zerolog.Logger

	// notifyCh receives a token whenever the server reports new mail
	// during IDLE. Buffered so the handler never blocks the client.
	notifyCh chan struct{}

	mu       sync.Mutex
	client   *imapclient.Client
	state    State
	lastUsed time.Time
	selected string
}

// NewIMAPConn returns an unconnected IMAP connection manager.
func NewIMAPConn(cfg model.EmailConfig, password string, events *Events, log zerolog.Logger) *IMAPConn {
	return &IMAPConn{
		cfg:      cfg,
		password: password,
		events:   events,
		log:      log.With().Str("channel", string(ChannelIMAP)).Logger(),
		notifyCh: make(chan struct{}, 1),
		state:    StateDisconnected,
	}
}

// Notify returns the channel that receives a token whenever the server
// reports new mail while an IDLE is active.
func (c *IMAPConn) Notify() <-chan struct{} {
	return c.notifyCh
}

// State returns the connection's current lifecycle state.
func (c *IMAPConn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState transitions the state and notifies listeners. Caller holds mu.
func (c *IMAPConn) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.events.emitState(ChannelIMAP, s)
}

// needsClientID reports whether the configured host requires the pre-login
// ID announcement.
func needsClientID(host string) bool {
	for _, suffix := range quirkHosts {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// Connect dials the IMAP server, performs the provider ID exchange when
// required, and authenticates. It replaces any existing connection.
func (c *IMAPConn) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *IMAPConn) connectLocked() error {
	c.closeLocked()
	c.setState(StateConnecting)

	addr := fmt.Sprintf("%s:%d", c.cfg.IMAPHost, c.cfg.IMAPPort)
	timeout := time.Duration(c.cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	options := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					select {
					case c.notifyCh <- struct{}{}:
					default:
					}
				}
			},
		},
	}

	var client *imapclient.Client
	if c.cfg.UseSSL {
		conn, err := tls.DialWithDialer(
			&net.Dialer{Timeout: timeout},
			"tcp", addr,
			&tls.Config{ServerName: c.cfg.IMAPHost},
		)
		if err != nil {
			c.setState(StateDisconnected)
			return &ConnError{Channel: ChannelIMAP, Op: "dial " + addr, Err: err}
		}

		// Some providers reject anonymous clients outright. Announce an
		// identity on the raw socket before the protocol client takes
		// over, replaying any over-read bytes so framing stays intact.
		var wrapped net.Conn = conn
		if needsClientID(c.cfg.IMAPHost) {
			res, err := imapx.ClientID(conn, timeout, clientIDFields)
			if err != nil {
				c.log.Debug().Err(err).Msg("pre-login ID exchange failed, continuing")
			} else if !res.Accepted() {
				c.log.Debug().Str("status", res.Status).Msg("pre-login ID not accepted")
			}
			if res != nil {
				wrapped = imapx.WrapConn(conn, res.Replay)
			}
		}
		client = imapclient.New(wrapped, options)
	} else {
		var err error
		client, err = imapclient.DialStartTLS(addr, options)
		if err != nil {
			c.setState(StateDisconnected)
			return &ConnError{Channel: ChannelIMAP, Op: "dial " + addr, Err: err}
		}
	}

	if err := client.Login(c.cfg.Username, c.password).Wait(); err != nil {
		_ = client.Close()
		c.setState(StateDisconnected)
		return &AuthError{Channel: ChannelIMAP, Message: err.Error()}
	}

	c.client = client
	c.selected = ""
	c.lastUsed = time.Now()
	c.setState(StateReady)
	c.log.Info().Str("addr", addr).Msg("imap connected")
	return nil
}

// EnsureReady verifies the connection is usable, reconnecting if needed.
// Connections idle past the liveness window are replaced outright; fresher
// ones must pass a NOOP probe before being handed out.
func (c *IMAPConn) EnsureReady() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return c.connectLocked()
	}

	if time.Since(c.lastUsed) > livenessWindow {
		c.setState(StateStale)
		c.log.Debug().Msg("imap connection idle past liveness window, reconnecting")
		return c.connectLocked()
	}

	if err := c.client.Noop().Wait(); err != nil {
		c.setState(StateStale)
		c.log.Debug().Err(err).Msg("imap liveness check failed, reconnecting")
		return c.connectLocked()
	}
	c.lastUsed = time.Now()
	return nil
}

// snapshot returns the current client or a ConnError if disconnected.
func (c *IMAPConn) snapshot() (*imapclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, &ConnError{Channel: ChannelIMAP, Op: "command", Err: fmt.Errorf("not connected")}
	}
	c.lastUsed = time.Now()
	return c.client, nil
}

// SupportsIdle reports whether the server advertises the IDLE capability.
func (c *IMAPConn) SupportsIdle() (bool, error) {
	client, err := c.snapshot()
	if err != nil {
		return false, err
	}
	caps, err := client.Capability().Wait()
	if err != nil {
		return false, &ConnError{Channel: ChannelIMAP, Op: "capability", Err: err}
	}
	return caps.Has(imap.CapIdle), nil
}

// ListFolders returns the raw (provider-encoded) names of every mailbox.
func (c *IMAPConn) ListFolders() ([]string, error) {
	client, err := c.snapshot()
	if err != nil {
		return nil, err
	}
	mailboxes, err := client.List("", "*", nil).Collect()
	if err != nil {
		return nil, &ConnError{Channel: ChannelIMAP, Op: "list", Err: err}
	}
	names := make([]string, 0, len(mailboxes))
	for _, mbox := range mailboxes {
		names = append(names, mbox.Mailbox)
	}
	return names, nil
}

// SelectFolder selects the given mailbox. Reselecting the current folder is
// a no-op.
func (c *IMAPConn) SelectFolder(name string) error {
	client, err := c.snapshot()
	if err != nil {
		return err
	}

	c.mu.Lock()
	already := c.selected == name
	c.mu.Unlock()
	if already {
		return nil
	}

	if _, err := client.Select(name, nil).Wait(); err != nil {
		return &ConnError{Channel: ChannelIMAP, Op: "select " + name, Err: err}
	}

	c.mu.Lock()
	c.selected = name
	c.mu.Unlock()
	return nil
}

// SearchUnseen returns the UIDs of messages not yet marked seen in the
// selected folder.
func (c *IMAPConn) SearchUnseen() ([]imap.UID, error) {
	client, err := c.snapshot()
	if err != nil {
		return nil, err
	}
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, &ConnError{Channel: ChannelIMAP, Op: "search unseen", Err: err}
	}
	return data.AllUIDs(), nil
}

// FetchRaw fetches the complete raw message for one UID without marking it
// seen. Read state stays a caller decision.
func (c *IMAPConn) FetchRaw(uid imap.UID) ([]byte, error) {
	client, err := c.snapshot()
	if err != nil {
		return nil, err
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, &ConnError{Channel: ChannelIMAP, Op: "fetch", Err: fmt.Errorf("message UID %d not found", uid)}
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, &ConnError{Channel: ChannelIMAP, Op: "fetch", Err: err}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, &ConnError{Channel: ChannelIMAP, Op: "fetch", Err: err}
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, &ConnError{Channel: ChannelIMAP, Op: "fetch", Err: fmt.Errorf("UID %d returned no body", uid)}
	}
	return raw, nil
}

// MarkSeen flags the given UID as seen.
func (c *IMAPConn) MarkSeen(uid imap.UID) error {
	client, err := c.snapshot()
	if err != nil {
		return err
	}
	storeCmd := client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return &ConnError{Channel: ChannelIMAP, Op: "store seen", Err: err}
	}
	return nil
}

// IdleWait holds an IDLE open until the server signals activity, the window
// elapses, or stop is closed. It returns true when the wakeup was a server
// notification.
func (c *IMAPConn) IdleWait(window time.Duration, stop <-chan struct{}) (bool, error) {
	client, err := c.snapshot()
	if err != nil {
		return false, err
	}

	// Drain any notification left over from a previous cycle so this wait
	// only reports fresh activity.
	select {
	case <-c.notifyCh:
	default:
	}

	idleCmd, err := client.Idle()
	if err != nil {
		return false, &ConnError{Channel: ChannelIMAP, Op: "idle", Err: err}
	}

	timer := time.NewTimer(window)
	defer timer.Stop()

	notified := false
	select {
	case <-c.notifyCh:
		notified = true
	case <-timer.C:
	case <-stop:
	}

	if err := idleCmd.Close(); err != nil {
		return notified, &ConnError{Channel: ChannelIMAP, Op: "ending idle", Err: err}
	}
	if err := idleCmd.Wait(); err != nil {
		return notified, &ConnError{Channel: ChannelIMAP, Op: "ending idle", Err: err}
	}

	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
	return notified, nil
}

// Disconnect closes the connection, attempting a graceful LOGOUT first but
// never waiting longer than the grace period.
func (c *IMAPConn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	c.setState(StateDisconnected)
}

func (c *IMAPConn) closeLocked() {
	if c.client == nil {
		return
	}
	client := c.client
	c.client = nil
	c.selected = ""

	done := make(chan struct{})
	go func() {
		_ = client.Logout().Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(logoutGrace):
	}
	_ = client.Close()
}
