package transport

import (
	"github.com/koabula/E-Chat/internal/envelope"
	"github.com/koabula/E-Chat/internal/model"
)

// messageFromEnvelope converts a transport envelope into its storage record.
// The contact is the conversation peer: the recipient for sent messages and
// the sender for received ones.
func messageFromEnvelope(e envelope.Envelope, dir model.Direction) model.Message {
	contact := e.Recipient
	if dir == model.DirectionReceived {
		contact = e.Sender
	}

	m := model.Message{
		MessageID:    e.ID,
		ContactEmail: contact,
		Sender:       e.Sender,
		Recipient:    e.Recipient,
		Kind:         string(e.Kind),
		Body:         e.Text(),
		Direction:    dir,
		Degraded:     e.Degraded,
		Read:         dir == model.DirectionSent,
		SentAt:       e.CreatedAt,
	}
	if fc, ok := e.Content.(envelope.FileContent); ok {
		m.FileName = fc.FileName
		m.FileSize = fc.FileSize
	}
	return m
}
