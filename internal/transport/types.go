package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRecipientUnreachable marks a permanent, recipient-side send failure
// (bot blocked, account deactivated, chat gone). Retrying within a pass is
// pointless.
var ErrRecipientUnreachable = errors.New("recipient unreachable")

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers plain text to a chat.
//
// Implementations wrap recipient-side failures with ErrRecipientUnreachable
// and rate-limit responses in a *RetryAfterError.
//
// ctx cancellation is best effort: an implementation may only observe it
// between requests and bound a request in flight with its own timeout.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)

func (f SenderFunc) SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error) {
	return f(ctx, to, text, opt)
}

// RetryAfterError is a rate-limit rejection carrying the server's hint.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfter extracts the retry hint from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) && ra.After > 0 {
		return ra.After, true
	}
	return 0, false
}

// Unreachable wraps cause with ErrRecipientUnreachable.
func Unreachable(cause error) error {
	return fmt.Errorf("%w: %w", ErrRecipientUnreachable, cause)
}
