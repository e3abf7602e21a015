package transport

import "github.com/koabula/E-Chat/internal/envelope"

// Events holds the callbacks the transport invokes as things happen. Any
// field may be nil; nil callbacks are skipped. Callbacks run on transport
// goroutines and must not block.
type Events struct {
	// EnvelopeReceived fires exactly once per accepted inbound envelope,
	// after it has been persisted.
	EnvelopeReceived func(e envelope.Envelope)

	// EnvelopeSent fires after a queued envelope is transmitted and stored.
	EnvelopeSent func(e envelope.Envelope)

	// ConnectionStateChanged fires when a channel's state transitions.
	ConnectionStateChanged func(ch Channel, state State)

	// TransportError fires for failures the transport absorbed rather than
	// returned: dropped sends, watch-loop errors, decode problems.
	TransportError func(stage string, err error)
}

func (ev *Events) emitReceived(e envelope.Envelope) {
	if ev != nil && ev.EnvelopeReceived != nil {
		ev.EnvelopeReceived(e)
	}
}

func (ev *Events) emitSent(e envelope.Envelope) {
	if ev != nil && ev.EnvelopeSent != nil {
		ev.EnvelopeSent(e)
	}
}

func (ev *Events) emitState(ch Channel, state State) {
	if ev != nil && ev.ConnectionStateChanged != nil {
		ev.ConnectionStateChanged(ch, state)
	}
}

func (ev *Events) emitError(stage string, err error) {
	if ev != nil && ev.TransportError != nil {
		ev.TransportError(stage, err)
	}
}
