package wsclient

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// QueuePolicy selects what happens to frames produced while disconnected.
type QueuePolicy string

const (
	// QueueDropNewest buffers frames and drops the incoming frame when
	// the buffer is full. Default.
	QueueDropNewest QueuePolicy = "drop-newest"
	// QueueDropOldest buffers frames and evicts the oldest when full.
	QueueDropOldest QueuePolicy = "drop-oldest"
	// QueueOff rejects sends immediately while disconnected.
	QueueOff QueuePolicy = "off"
)

// Jitter selects how reconnect delays are randomized.
type Jitter string

const (
	// JitterFull picks the delay uniformly from [0, computed]. Default.
	JitterFull Jitter = "full"
	// JitterNone uses the computed delay as-is.
	JitterNone Jitter = "none"
)

// AuthAttach selects where the token goes on the upgrade request.
type AuthAttach string

const (
	AuthAttachQuery    AuthAttach = "query"
	AuthAttachProtocol AuthAttach = "protocol"
)

// ReconnectOptions tune the backoff cycle after an unexpected close.
type ReconnectOptions struct {
	// Enabled defaults to true. Set Disabled to turn reconnection off.
	Disabled bool

	// MaxAttempts bounds consecutive failed attempts; 0 means unlimited.
	// The counter resets on a successful open.
	MaxAttempts int

	InitialDelay time.Duration // default 300ms
	MaxDelay     time.Duration // default 10s
	Jitter       Jitter        // default JitterFull
}

// AuthOptions attach a token to every connect attempt. GetToken runs before
// each attempt so rotated tokens are picked up on reconnect.
type AuthOptions struct {
	GetToken func(ctx context.Context) (string, error)

	// Attach defaults to AuthAttachQuery.
	Attach AuthAttach

	// QueryParam names the query parameter, default "access_token".
	QueryParam string

	// ProtocolPrefix prefixes the token subprotocol, default "bearer.".
	ProtocolPrefix string

	// ProtocolPrepend puts the token protocol before the configured
	// protocols instead of after.
	ProtocolPrepend bool
}

// Options configure a Client.
type Options struct {
	URL       string
	Protocols []string

	Reconnect ReconnectOptions

	Queue     QueuePolicy // default QueueDropNewest
	QueueSize int         // default 1000; 0 with a nonzero policy still means 1000, use QueueSizeZero for a zero-length buffer

	// QueueSizeZero forces an empty buffer, so every offline send drops.
	QueueSizeZero bool

	PendingRequestsLimit int           // default 1000
	RequestTimeout       time.Duration // default 30s

	Auth *AuthOptions

	// Dial replaces the transport, mainly for tests. Defaults to a
	// gobwas/ws dialer.
	Dial DialFunc

	Logger zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Queue == "" {
		o.Queue = QueueDropNewest
	}
	if o.QueueSize == 0 && !o.QueueSizeZero {
		o.QueueSize = 1000
	}
	if o.QueueSizeZero {
		o.QueueSize = 0
	}
	if o.PendingRequestsLimit == 0 {
		o.PendingRequestsLimit = 1000
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.Reconnect.InitialDelay == 0 {
		o.Reconnect.InitialDelay = 300 * time.Millisecond
	}
	if o.Reconnect.MaxDelay == 0 {
		o.Reconnect.MaxDelay = 10 * time.Second
	}
	if o.Reconnect.Jitter == "" {
		o.Reconnect.Jitter = JitterFull
	}
	if o.Auth != nil {
		if o.Auth.Attach == "" {
			o.Auth.Attach = AuthAttachQuery
		}
		if o.Auth.QueryParam == "" {
			o.Auth.QueryParam = "access_token"
		}
		if o.Auth.ProtocolPrefix == "" {
			o.Auth.ProtocolPrefix = "bearer."
		}
	}
	if o.Dial == nil {
		o.Dial = dialGobwas
	}
	return o
}
