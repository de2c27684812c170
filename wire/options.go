package wire

import (
	"time"

	"github.com/user/attengine/util"
	"github.com/user/attengine/wire/att"
)

// Defaults
const (
	DefaultMaxConnections     = 16
	DefaultQueueDepth         = 256
	DefaultTransactionTimeout = 30 * time.Second
	DefaultConnectTimeout     = 10 * time.Second
	DefaultLocalMTU           = att.MaxMTU
)

type options struct {
	name               string
	maxConnections     int
	queueDepth         int
	transactionTimeout time.Duration
	connectTimeout     time.Duration
	localMTU           int
	trace              bool
}

// Option configures an Engine
type Option func(*options)

func defaultOptions() options {
	return options{
		name:               "att",
		maxConnections:     DefaultMaxConnections,
		queueDepth:         DefaultQueueDepth,
		transactionTimeout: util.EnvDuration("ATT_TRANSACTION_TIMEOUT", DefaultTransactionTimeout),
		connectTimeout:     util.EnvDuration("ATT_CONNECT_TIMEOUT", DefaultConnectTimeout),
		localMTU:           DefaultLocalMTU,
		trace:              util.EnvBool("ATT_TRACE", false),
	}
}

// WithName sets the name used in logs and as the trace directory
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithMaxConnections bounds the registry. Connecting and connected records
// share the same slots.
func WithMaxConnections(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConnections = n
		}
	}
}

// WithQueueDepth bounds the dispatch queue
func WithQueueDepth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueDepth = n
		}
	}
}

// WithTransactionTimeout sets how long a request or indication may stay
// unanswered before the link is torn down
func WithTransactionTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.transactionTimeout = d
		}
	}
}

// WithConnectTimeout bounds a connect attempt on either transport
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithLocalMTU sets the receive MTU offered in L2CAP configuration
func WithLocalMTU(mtu int) Option {
	return func(o *options) {
		if mtu >= att.MinMTULE && mtu <= att.MaxMTU {
			o.localMTU = mtu
		}
	}
}

// WithTrace enables the JSONL packet trace
func WithTrace(enabled bool) Option {
	return func(o *options) {
		o.trace = enabled
	}
}
