package transport

import (
	"errors"
	"fmt"
)

// Channel names one of the two mail connections.
type Channel string

const (
	ChannelSMTP Channel = "smtp"
	ChannelIMAP Channel = "imap"
)

// AuthError indicates the server rejected the account credentials. It is
// not retried; the user has to fix the password or settings.
type AuthError struct {
	Channel Channel
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %s", e.Channel, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an
// AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// ConnError wraps a transient connection failure on one channel. The
// operation that hit it is retried or rescheduled, never surfaced as fatal.
type ConnError struct {
	Channel Channel
	Op      string
	Err     error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Channel, e.Op, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// IsConnError reports whether err (or any error in its chain) is a
// ConnError.
func IsConnError(err error) bool {
	var ce *ConnError
	return errors.As(err, &ce)
}

// SendError reports that a message was dropped after exhausting its send
// retries. It reaches the caller through the error callback only.
type SendError struct {
	MessageID string
	Recipient string
	Attempts  int
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending message %s to %s failed after %d attempts: %v",
		e.MessageID, e.Recipient, e.Attempts, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsSendError reports whether err (or any error in its chain) is a
// SendError.
func IsSendError(err error) bool {
	var se *SendError
	return errors.As(err, &se)
}
