package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"

	"github.com/koabula/E-Chat/internal/envelope"
	"github.com/koabula/E-Chat/internal/folder"
	"github.com/koabula/E-Chat/internal/model"
	"github.com/koabula/E-Chat/internal/store"
)

const (
	// idleWindow is how long one IDLE is held open before it is cycled.
	// Kept under the 29-minute limit RFC 2177 allows servers to enforce.
	idleWindow = 28 * time.Minute

	// idleRetryBackoff is the pause before restarting IDLE after an error.
	idleRetryBackoff = 10 * time.Second

	// pollErrorBackoff is the pause after a failed poll before retrying.
	pollErrorBackoff = 5 * time.Second

	// storeTimeout bounds each database call made from the watch loops.
	storeTimeout = 5 * time.Second
)

// Mailbox is the IMAP surface the watcher drives. *IMAPConn implements it;
// tests substitute fakes.
type Mailbox interface {
	EnsureReady() error
	SupportsIdle() (bool, error)
	ListFolders() ([]string, error)
	SelectFolder(name string) error
	SearchUnseen() ([]imap.UID, error)
	FetchRaw(uid imap.UID) ([]byte, error)
	MarkSeen(uid imap.UID) error
	IdleWait(window time.Duration, stop <-chan struct{}) (bool, error)
}

// Watcher detects new mail and turns protocol messages into received
// envelopes: exactly one callback per accepted message, persisted before
// delivery. Foreign mail is left untouched.
type Watcher struct {
	mailbox Mailbox
	codec   *envelope.Codec
	store   store.Store
	events  *Events
	log     zerolog.Logger

	polling         model.PollingConfig
	preferredFolder string

	pollBackoff time.Duration
	idleBackoff time.Duration

	// pollMu serializes sweeps so overlapping callers cannot race the
	// dedupe check against the persist.
	pollMu sync.Mutex

	mu       sync.Mutex
	running  bool
	stopped  bool
	folder   string
	seenIDs  map[string]bool
	skipUIDs map[imap.UID]bool

	triggerCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewWatcher returns a stopped watcher.
func NewWatcher(
	mailbox Mailbox,
	codec *envelope.Codec,
	s store.Store,
	events *Events,
	polling model.PollingConfig,
	preferredFolder string,
	log zerolog.Logger,
) *Watcher {
	return &Watcher{
		mailbox:         mailbox,
		codec:           codec,
		store:           s,
		events:          events,
		log:             log.With().Str("component", "watcher").Logger(),
		polling:         polling,
		preferredFolder: preferredFolder,
		pollBackoff:     pollErrorBackoff,
		idleBackoff:     idleRetryBackoff,
		seenIDs:         make(map[string]bool),
		skipUIDs:        make(map[imap.UID]bool),
		triggerCh:       make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
	}
}

// Start launches the watch worker and returns immediately. Connection
// failures at startup are not fatal: the worker keeps retrying with backoff
// and reports through the error callback, so a briefly unreachable server
// only delays the first poll. The watcher is one-shot; starting again after
// Stop is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running || w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop halts the watch worker and waits for it to exit. A stopped watcher
// stays stopped. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	running := w.running
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	if running {
		w.wg.Wait()
	}
}

// run brings the mailbox up, picks the watch strategy, and drives it until
// Stop. Startup probes retry indefinitely; only Stop ends the attempt.
func (w *Watcher) run() {
	defer w.wg.Done()

	for {
		err := w.mailbox.EnsureReady()
		if err == nil {
			err = w.ensureFolder()
		}
		if err == nil {
			break
		}
		w.log.Warn().Err(err).Msg("startup probe failed, will retry")
		w.events.emitError("startup", err)
		select {
		case <-time.After(w.pollBackoff):
		case <-w.stopCh:
			return
		}
	}

	useIdle := false
	if w.polling.Mode != "manual" && w.polling.IdleEnabled {
		supported, err := w.mailbox.SupportsIdle()
		if err != nil {
			w.log.Warn().Err(err).Msg("capability probe failed, falling back to polling")
		}
		useIdle = supported
	}

	pollInterval := time.Duration(w.polling.IntervalSec) * time.Second
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}

	if useIdle {
		// The IDLE window doubles as the backup poll: every wakeup, timed
		// or notified, is followed by a poll, so capping the window at the
		// backup interval guarantees a periodic sweep without a second
		// goroutine issuing commands mid-IDLE.
		window := idleWindow
		if backup := time.Duration(w.polling.BackupIntervalSec) * time.Second; backup > 0 && backup < window {
			window = backup
		}
		w.log.Info().Dur("idle_window", window).Msg("watching with IDLE")
		w.idleLoop(window)
	} else {
		w.log.Info().Dur("interval", pollInterval).Msg("watching with polling")
		w.pollLoop(pollInterval)
	}
}

// PollNow requests an immediate poll without waiting for the next tick.
func (w *Watcher) PollNow() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// ensureFolder resolves and selects the inbound folder, caching the choice.
func (w *Watcher) ensureFolder() error {
	w.mu.Lock()
	resolved := w.folder
	w.mu.Unlock()

	if resolved == "" {
		folders, err := w.mailbox.ListFolders()
		if err != nil {
			return err
		}
		resolved, err = folder.ResolveInbox(folders, w.preferredFolder)
		if err != nil {
			return err
		}
		w.log.Info().
			Str("folder", resolved).
			Str("decoded", folder.DecodeName(resolved)).
			Msg("inbox folder resolved")

		w.mu.Lock()
		w.folder = resolved
		w.mu.Unlock()
	}

	return w.mailbox.SelectFolder(resolved)
}

// pollLoop polls on a fixed interval, starting with an immediate sweep.
func (w *Watcher) pollLoop(interval time.Duration) {
	w.pollSafely()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.pollSafely()
		case <-w.triggerCh:
			w.pollSafely()
		}
	}
}

// pollSafely runs one poll and absorbs errors with a short backoff so a
// flaky server cannot spin the loop.
func (w *Watcher) pollSafely() {
	if err := w.PollOnce(); err != nil {
		w.log.Warn().Err(err).Msg("poll failed")
		w.events.emitError("poll", err)
		select {
		case <-time.After(w.pollBackoff):
		case <-w.stopCh:
		}
	}
}

// idleLoop cycles IDLE commands, polling after every wakeup. Errors restart
// the cycle after a backoff with a fresh connection check.
func (w *Watcher) idleLoop(window time.Duration) {
	w.pollSafely()

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		if err := w.mailbox.EnsureReady(); err != nil {
			w.waitIdleRetry(err)
			continue
		}
		if err := w.ensureFolder(); err != nil {
			w.waitIdleRetry(err)
			continue
		}

		notified, err := w.idleCycle(window)
		if err != nil {
			w.waitIdleRetry(err)
			continue
		}
		if notified {
			w.log.Debug().Msg("idle wakeup")
		}

		select {
		case <-w.stopCh:
			return
		default:
		}

		// Poll after every cycle: a notification means new mail, and a
		// timed-out window is the moment to catch anything missed.
		w.pollSafely()
	}
}

// idleCycle runs one IDLE, interruptible by Stop and PollNow.
func (w *Watcher) idleCycle(window time.Duration) (bool, error) {
	interrupt := make(chan struct{})
	done := make(chan struct{})
	go func() {
		select {
		case <-w.stopCh:
			close(interrupt)
		case <-w.triggerCh:
			close(interrupt)
		case <-done:
		}
	}()
	defer close(done)

	return w.mailbox.IdleWait(window, interrupt)
}

// waitIdleRetry reports an IDLE failure and pauses before the next attempt.
func (w *Watcher) waitIdleRetry(err error) {
	w.log.Warn().Err(err).Msg("idle cycle failed")
	w.events.emitError("idle", err)
	select {
	case <-time.After(w.idleBackoff):
	case <-w.stopCh:
	}
}

// PollOnce checks the selected folder for unseen mail and processes every
// new protocol message found.
func (w *Watcher) PollOnce() error {
	w.pollMu.Lock()
	defer w.pollMu.Unlock()

	if err := w.mailbox.EnsureReady(); err != nil {
		return err
	}
	if err := w.ensureFolder(); err != nil {
		return err
	}

	uids, err := w.mailbox.SearchUnseen()
	if err != nil {
		return err
	}

	for _, uid := range uids {
		w.mu.Lock()
		skip := w.skipUIDs[uid]
		w.mu.Unlock()
		if skip {
			continue
		}

		raw, err := w.mailbox.FetchRaw(uid)
		if err != nil {
			w.log.Warn().Err(err).Uint32("uid", uint32(uid)).Msg("fetch failed")
			w.events.emitError("fetch", err)
			continue
		}
		w.handleMessage(uid, raw)
	}

	return nil
}

// handleMessage runs one raw message through the shared inbound path:
// subject gate, body decode, attachment merge, dedupe, persist, deliver.
func (w *Watcher) handleMessage(uid imap.UID, raw []byte) {
	mc, err := w.codec.ParseMail(raw)
	if err != nil {
		w.log.Warn().Err(err).Uint32("uid", uint32(uid)).Msg("unparseable message")
		w.skipUID(uid)
		return
	}

	// Foreign mail is not ours to touch: skip it and leave it unseen.
	if !w.codec.IsOwnMessage(mc.Subject) {
		w.skipUID(uid)
		return
	}

	res := w.codec.DecodeBody(mc.Text)
	if res.Degraded {
		w.log.Warn().
			Uint32("uid", uint32(uid)).
			Str("reason", res.Reason).
			Msg("body decode degraded to fallback")
	}

	env := envelope.MergeAttachments(res.Envelope, mc.Attachments)

	// Trust the transport headers over a body that omitted addressing.
	if env.Sender == "" {
		env.Sender = mc.From
	}
	if env.Recipient == "" {
		env.Recipient = mc.To
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = mc.Date
	}
	env.Received = &envelope.ReceivedInfo{
		From:    mc.From,
		To:      mc.To,
		Subject: mc.Subject,
		UID:     uint32(uid),
	}
	if env.ID == "" {
		env.ID = w.fallbackID(mc.Subject, uid)
	}

	if w.alreadySeen(env) {
		// Known message surfacing again (redelivery or overlapping poll):
		// silence it without a second callback.
		_ = w.mailbox.MarkSeen(uid)
		w.skipUID(uid)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := w.store.SaveMessage(ctx, messageFromEnvelope(env, model.DirectionReceived)); err != nil {
		// Leave the message unseen so a later poll can retry it.
		w.log.Error().Err(err).Str("message_id", env.ID).Msg("persisting received message failed")
		w.events.emitError("persist", err)
		return
	}

	w.markSeenID(env.ID)
	w.events.emitReceived(env)
	if err := w.mailbox.MarkSeen(uid); err != nil {
		w.log.Warn().Err(err).Uint32("uid", uint32(uid)).Msg("marking message seen failed")
	}
	w.skipUID(uid)
}

// fallbackID derives a stable dedupe key for messages whose body carried no
// ID, preferring the subject metadata over the transient UID.
func (w *Watcher) fallbackID(subject string, uid imap.UID) string {
	if info, ok := w.codec.ParseSubject(subject); ok {
		return fmt.Sprintf("echat_%s_%s", info.Timestamp, info.ShortID)
	}
	return fmt.Sprintf("echat_uid_%d", uid)
}

// alreadySeen checks the session set and the database for the envelope ID.
func (w *Watcher) alreadySeen(env envelope.Envelope) bool {
	w.mu.Lock()
	seen := w.seenIDs[env.ID]
	w.mu.Unlock()
	if seen {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	has, err := w.store.HasMessage(ctx, env.ID)
	if err != nil {
		w.log.Warn().Err(err).Str("message_id", env.ID).Msg("dedupe lookup failed")
		return false
	}
	if has {
		w.markSeenID(env.ID)
	}
	return has
}

func (w *Watcher) markSeenID(id string) {
	w.mu.Lock()
	w.seenIDs[id] = true
	w.mu.Unlock()
}

func (w *Watcher) skipUID(uid imap.UID) {
	w.mu.Lock()
	w.skipUIDs[uid] = true
	w.mu.Unlock()
}
