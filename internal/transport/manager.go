// Package transport moves chat envelopes over ordinary email accounts: an
// SMTP send pipeline with a retrying queue, and an IMAP inbox watcher that
// detects, decodes, and deduplicates inbound protocol messages.
package transport

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/koabula/E-Chat/internal/envelope"
	"github.com/koabula/E-Chat/internal/model"
	"github.com/koabula/E-Chat/internal/store"
)

// Manager owns both mail connections and the workers on top of them. It is
// the only type callers need: build envelopes through its Send methods and
// receive them through the Events callbacks.
type Manager struct {
	cfg    *model.AppConfig
	codec  *envelope.Codec
	store  store.Store
	events *Events
	log    zerolog.Logger

	smtp    *SMTPConn
	imap    *IMAPConn
	queue   *SendQueue
	watcher *Watcher

	mu      sync.Mutex
	started bool
}

// NewManager wires a transport from validated configuration. The password
// comes from the credential store, never from the config file.
func NewManager(
	cfg *model.AppConfig,
	password string,
	s store.Store,
	events *Events,
	log zerolog.Logger,
) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	codec := envelope.NewCodec()
	if cfg.Chat.MaxTextLen > 0 {
		codec.MaxTextRunes = cfg.Chat.MaxTextLen
	}

	smtp := NewSMTPConn(cfg.Email, password, events, log)
	imap := NewIMAPConn(cfg.Email, password, events, log)

	return &Manager{
		cfg:     cfg,
		codec:   codec,
		store:   s,
		events:  events,
		log:     log,
		smtp:    smtp,
		imap:    imap,
		queue:   NewSendQueue(smtp, codec, s, events, log),
		watcher: NewWatcher(imap, codec, s, events, cfg.Polling, cfg.Email.InboxFolder, log),
	}, nil
}

// Codec exposes the envelope codec for callers that need to inspect
// subjects or decode bodies themselves.
func (m *Manager) Codec() *envelope.Codec {
	return m.codec
}

// Start brings the inbox watcher up. Sending works without Start; the queue
// connects on demand.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if err := m.watcher.Start(); err != nil {
		return err
	}
	m.started = true
	return nil
}

// Stop shuts down the workers and closes both connections.
func (m *Manager) Stop() {
	m.mu.Lock()
	started := m.started
	m.started = false
	m.mu.Unlock()

	if started {
		m.watcher.Stop()
	}
	m.queue.Stop()
	m.imap.Disconnect()
	m.smtp.Disconnect()
	m.log.Info().Msg("transport stopped")
}

// SendText validates and enqueues a text message. The returned envelope is
// the queued unit; transmission happens asynchronously.
func (m *Manager) SendText(recipient, text string) (envelope.Envelope, error) {
	e, err := m.codec.NewText(m.cfg.Email.Username, recipient, text)
	if err != nil {
		return envelope.Envelope{}, err
	}
	m.queue.Enqueue(e)
	return e, nil
}

// SendFile validates and enqueues a file message. The file bytes travel as
// a MIME attachment.
func (m *Manager) SendFile(recipient, caption, fileName string, data []byte) (envelope.Envelope, error) {
	e, err := m.codec.NewFile(m.cfg.Email.Username, recipient, caption, fileName, data)
	if err != nil {
		return envelope.Envelope{}, err
	}
	m.queue.Enqueue(e)
	return e, nil
}

// SendStatus validates and enqueues a presence update.
func (m *Manager) SendStatus(recipient, statusType string, extra map[string]any) (envelope.Envelope, error) {
	e, err := m.codec.NewStatus(m.cfg.Email.Username, recipient, statusType, extra)
	if err != nil {
		return envelope.Envelope{}, err
	}
	m.queue.Enqueue(e)
	return e, nil
}

// PollNow requests an immediate inbox check.
func (m *Manager) PollNow() {
	m.watcher.PollNow()
}

// QueueLen returns the number of messages waiting to be sent.
func (m *Manager) QueueLen() int {
	return m.queue.Len()
}

// ConnectionStates reports the current state of both channels.
func (m *Manager) ConnectionStates() map[Channel]State {
	return map[Channel]State{
		ChannelSMTP: m.smtp.State(),
		ChannelIMAP: m.imap.State(),
	}
}

// TestConnections verifies both channels end to end, returning the failure
// per channel. A nil map value means the channel is healthy.
func (m *Manager) TestConnections() map[Channel]error {
	results := make(map[Channel]error, 2)
	results[ChannelSMTP] = m.smtp.EnsureReady()
	results[ChannelIMAP] = m.imap.EnsureReady()
	return results
}

// Stats returns local database counters.
func (m *Manager) Stats(ctx context.Context) (store.Stats, error) {
	return m.store.GetStats(ctx)
}
