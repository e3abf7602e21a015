package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/koabula/E-Chat/internal/envelope"
	"github.com/koabula/E-Chat/internal/model"
	"github.com/koabula/E-Chat/internal/store"
)

const (
	// maxSendRetries caps how many times one message is re-enqueued after
	// a failed attempt before it is dropped and reported.
	maxSendRetries = 3

	// sendRetryBackoff is the pause before a failed message re-enters the
	// queue.
	sendRetryBackoff = 5 * time.Second

	// innerRetryDelay is the pause before the single immediate retry of a
	// failed transmission within one attempt.
	innerRetryDelay = 2 * time.Second

	// dequeuePoll bounds how long the worker sleeps when the queue is
	// empty and no enqueue signal arrives.
	dequeuePoll = 1 * time.Second

	// stopGrace bounds how long Stop waits for the worker to finish its
	// current item before abandoning it.
	stopGrace = 10 * time.Second
)

// Sender is the outbound surface the queue drives. *SMTPConn implements it.
type Sender interface {
	// Connect replaces the current connection with a fresh one.
	Connect() error

	// Send transmits one raw message, reconnecting a dead connection
	// first if needed.
	Send(from, to string, raw []byte) error
}

// queueItem is one envelope awaiting transmission, with its retry counter.
type queueItem struct {
	env      envelope.Envelope
	attempts int
}

// SendQueue transmits envelopes in FIFO order on a single worker goroutine.
// Enqueue never blocks the caller; failures are retried with backoff and
// dropped messages are reported through the error callback.
type SendQueue struct {
	conn   Sender
	codec  *envelope.Codec
	store  store.Store
	events *Events
	log    zerolog.Logger

	retryBackoff time.Duration
	innerDelay   time.Duration
	stopWait     time.Duration

	mu      sync.Mutex
	items   []queueItem
	started bool
	stopped bool

	signal chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSendQueue returns an idle send queue. The worker starts on the first
// enqueue.
func NewSendQueue(conn Sender, codec *envelope.Codec, s store.Store, events *Events, log zerolog.Logger) *SendQueue {
	return &SendQueue{
		conn:         conn,
		codec:        codec,
		store:        s,
		events:       events,
		log:          log.With().Str("component", "sendqueue").Logger(),
		retryBackoff: sendRetryBackoff,
		innerDelay:   innerRetryDelay,
		stopWait:     stopGrace,
		signal:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

// Enqueue appends an envelope to the queue and returns immediately. A
// stopped queue rejects new messages and reports them as send failures.
func (q *SendQueue) Enqueue(e envelope.Envelope) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.log.Warn().Str("message_id", e.ID).Msg("queue stopped, rejecting message")
		q.events.emitError("send", &SendError{
			MessageID: e.ID,
			Recipient: e.Recipient,
			Err:       errors.New("send queue stopped"),
		})
		return
	}
	q.items = append(q.items, queueItem{env: e})
	if !q.started && !q.stopped {
		q.started = true
		q.wg.Add(1)
		go q.worker()
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of queued messages.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop shuts the worker down, waiting a bounded grace period for it to
// finish the in-flight item. A worker stuck in a hung transmission is
// abandoned so Stop never blocks process exit. Messages still queued stay
// unsent; the queue is one-shot and rejects enqueues afterwards. Safe to
// call more than once.
func (q *SendQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	started := q.started
	q.mu.Unlock()

	close(q.stopCh)
	if !started {
		return
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(q.stopWait):
		q.log.Warn().Msg("send worker did not stop in time, abandoning it")
	}
}

// worker drains the queue one message at a time.
func (q *SendQueue) worker() {
	defer q.wg.Done()

	for {
		item, ok := q.dequeue()
		if !ok {
			select {
			case <-q.stopCh:
				return
			case <-q.signal:
			case <-time.After(dequeuePoll):
			}
			continue
		}

		select {
		case <-q.stopCh:
			return
		default:
		}

		q.process(item)
	}
}

// dequeue pops the head of the queue.
func (q *SendQueue) dequeue() (queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return queueItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// requeue appends a failed item to the tail for another attempt.
func (q *SendQueue) requeue(item queueItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// process attempts one transmission of an item, handling retry accounting.
func (q *SendQueue) process(item queueItem) {
	err := q.transmit(item.env)
	if err == nil {
		q.persistSent(item.env)
		q.events.emitSent(item.env)
		q.log.Debug().Str("message_id", item.env.ID).Msg("message sent")
		return
	}

	item.attempts++
	if item.attempts >= maxSendRetries {
		sendErr := &SendError{
			MessageID: item.env.ID,
			Recipient: item.env.Recipient,
			Attempts:  item.attempts,
			Err:       err,
		}
		q.log.Error().Err(sendErr).Msg("message dropped")
		q.events.emitError("send", sendErr)
		return
	}

	q.log.Warn().Err(err).
		Str("message_id", item.env.ID).
		Int("attempt", item.attempts).
		Msg("send failed, will retry")

	select {
	case <-time.After(q.retryBackoff):
	case <-q.stopCh:
	}
	q.requeue(item)
}

// transmit sends one envelope, with a single immediate retry on a fresh
// connection when the first try fails.
func (q *SendQueue) transmit(e envelope.Envelope) error {
	raw, err := q.codec.BuildMail(e)
	if err != nil {
		return err
	}

	if err := q.conn.Send(e.Sender, e.Recipient, raw); err == nil {
		return nil
	} else if IsAuthError(err) {
		return err
	}

	select {
	case <-time.After(q.innerDelay):
	case <-q.stopCh:
	}

	// The connection may have died mid-transaction; rebuild it before the
	// second try.
	if err := q.conn.Connect(); err != nil {
		return err
	}
	return q.conn.Send(e.Sender, e.Recipient, raw)
}

// persistSent records a successfully transmitted envelope.
func (q *SendQueue) persistSent(e envelope.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.store.SaveMessage(ctx, messageFromEnvelope(e, model.DirectionSent)); err != nil {
		q.log.Error().Err(err).Str("message_id", e.ID).Msg("persisting sent message failed")
		q.events.emitError("persist", err)
	}
}
