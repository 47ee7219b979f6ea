package aggregate

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/kgstream/pkg/kgstream/config"
	kgerrors "github.com/randalmurphal/kgstream/pkg/kgstream/errors"
	"github.com/randalmurphal/kgstream/pkg/kgstream/observability"
)

// Defaults for an Aggregate.
const (
	DefaultShards      = 16
	DefaultMailbox     = 64
	DefaultIdleTimeout = 5 * time.Minute
)

// DefaultAppendRetry retries transient append failures briefly.
var DefaultAppendRetry = kgerrors.Exponential(10*time.Millisecond, time.Second, 3, 0.1)

// Option configures an Aggregate.
type Option func(*options)

type options struct {
	shards        int
	mailbox       int
	idleTimeout   time.Duration
	appendRetry   kgerrors.Strategy
	snapshots     any
	snapshotEvery int
	logger        *slog.Logger
	metrics       observability.MetricsRecorder
	spans         observability.SpanManager
}

func defaultOptions() options {
	return options{
		shards:      DefaultShards,
		mailbox:     DefaultMailbox,
		idleTimeout: DefaultIdleTimeout,
		appendRetry: DefaultAppendRetry,
		logger:      slog.Default(),
		metrics:     observability.NoopMetrics{},
		spans:       observability.NoopSpanManager{},
	}
}

// WithShards sets the number of router shards.
func WithShards(n int) Option {
	return func(o *options) {
		o.shards = n
	}
}

// WithMailbox sets the per-entity mailbox capacity.
func WithMailbox(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.mailbox = n
		}
	}
}

// WithIdleTimeout evicts entity workers idle for d. Zero disables eviction.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// WithAppendRetry sets the strategy for transient append failures.
func WithAppendRetry(s kgerrors.Strategy) Option {
	return func(o *options) {
		o.appendRetry = s
	}
}

// WithSnapshots saves a snapshot every n applied events and consults store
// before replaying history. The store's state type must match the
// aggregate's.
func WithSnapshots[S any](store SnapshotStore[S], every int) Option {
	return func(o *options) {
		o.snapshots = store
		o.snapshotEvery = every
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithSpanManager sets the span manager.
func WithSpanManager(s observability.SpanManager) Option {
	return func(o *options) {
		if s != nil {
			o.spans = s
		}
	}
}

// OptionsFromConfig reads shards, mailbox, idle_timeout and an optional
// append_retry section:
//
//	shards: 16
//	mailbox: 64
//	idle_timeout: 5m
//	append_retry:
//	  kind: exponential
//	  delay: 10ms
func OptionsFromConfig(cfg config.Config) []Option {
	return []Option{
		WithShards(cfg.Int("shards", DefaultShards)),
		WithMailbox(cfg.Int("mailbox", DefaultMailbox)),
		WithIdleTimeout(cfg.Duration("idle_timeout", DefaultIdleTimeout)),
		WithAppendRetry(kgerrors.StrategyFromConfig(cfg.Sub("append_retry"), DefaultAppendRetry)),
	}
}
