package messenger

import (
	"time"

	"github.com/go-logr/logr"
)

const (
	DefaultReadyTimeout    = 1000 * time.Millisecond
	DefaultRequestTimeout  = 2000 * time.Millisecond
	DefaultLateReplyWindow = 30 * time.Second
)

type options struct {
	log             logr.Logger
	readyTimeout    time.Duration
	requestTimeout  time.Duration
	lateReplyWindow time.Duration
	strictReplies   bool
	onReady         func()
}

// Option configures a Messenger.
type Option func(*options)

func WithLogger(log logr.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithReadyTimeout bounds how long after Connect the peer may take to send Ready.
func WithReadyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.readyTimeout = d
		}
	}
}

// WithRequestTimeout sets the default timeout of Send.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// WithLateReplyWindow sets how long the ids of timed out requests are
// remembered. Replies for remembered ids are dropped instead of being
// treated as protocol violations.
func WithLateReplyWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lateReplyWindow = d
		}
	}
}

// WithStrictReplies makes any reply without a pending request a protocol
// violation, including replies that arrive after their request timed out.
func WithStrictReplies(strict bool) Option {
	return func(o *options) { o.strictReplies = strict }
}

// WithOnReady registers a hook run when the peer's Ready arrives, before
// any later envelope is processed.
func WithOnReady(fn func()) Option {
	return func(o *options) { o.onReady = fn }
}

type sendOptions struct {
	timeout time.Duration
}

// SendOption configures a single Send.
type SendOption func(*sendOptions)

// WithTimeout overrides the request timeout for one Send.
func WithTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}
