// Package stream projects tagged events from the event log into an
// external index.
//
// An indexing stream reads the events of one tag in offset order, converts
// each through an Exchange into an index operation, and writes them in
// bulk batches. After every batch the projection's progress is persisted,
// so a restarted stream resumes after the last committed batch. Delivery is
// at least once: a crash between a bulk write and its progress save replays
// that batch, which is safe because index operations are idempotent.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/randalmurphal/kgstream/pkg/kgstream/config"
	"github.com/randalmurphal/kgstream/pkg/kgstream/daemon"
	kgerrors "github.com/randalmurphal/kgstream/pkg/kgstream/errors"
	"github.com/randalmurphal/kgstream/pkg/kgstream/eventlog"
	"github.com/randalmurphal/kgstream/pkg/kgstream/failures"
	"github.com/randalmurphal/kgstream/pkg/kgstream/index"
	"github.com/randalmurphal/kgstream/pkg/kgstream/observability"
	"github.com/randalmurphal/kgstream/pkg/kgstream/progress"
)

// Defaults for a stream Config.
const (
	DefaultMaxBatch     = 100
	DefaultMaxWindow    = time.Second
	DefaultDrainTimeout = 30 * time.Second
)

// DefaultRetry is used for index and progress writes when Config.Retry is unset.
var DefaultRetry = kgerrors.Exponential(100*time.Millisecond, 5*time.Second, 3, 0.1)

// Exchange converts an event into an index operation.
//
// It returns ok=false for events the projection does not index. An error
// marks only that event as failed; the batch continues without it.
type Exchange interface {
	Exchange(ctx context.Context, env eventlog.Envelope) (op index.Op, ok bool, err error)
}

// ExchangeFunc adapts a function to Exchange.
type ExchangeFunc func(ctx context.Context, env eventlog.Envelope) (index.Op, bool, error)

// Exchange implements Exchange.
func (f ExchangeFunc) Exchange(ctx context.Context, env eventlog.Envelope) (index.Op, bool, error) {
	return f(ctx, env)
}

// AfterBulkFunc runs side effects for a batch once its bulk write succeeded
// and before its progress is saved. It may run again for a replayed batch.
type AfterBulkFunc func(ctx context.Context, ops []index.Op) error

// State is the lifecycle state of a stream.
type State int32

const (
	// StateStarting resolves progress and prepares the index.
	StateStarting State = iota
	// StateStreaming consumes events.
	StateStreaming
	// StateDraining flushes the open batch after cancellation.
	StateDraining
	// StateStopped means Run returned without error.
	StateStopped
	// StateFailed means Run returned an error.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config configures an indexing stream.
type Config struct {
	// Projection identifies the stream's progress. Required.
	Projection string

	// Tag selects the events to consume. Required.
	Tag eventlog.Tag

	// Index is created with Mapping before streaming starts. Required.
	Index   string
	Mapping json.RawMessage

	// MaxBatch bounds the number of events in a batch.
	// Default: 100
	MaxBatch int

	// MaxWindow bounds how long a batch stays open after its first event.
	// Default: 1s
	MaxWindow time.Duration

	// Refresh is passed to every bulk write.
	// Default: index.RefreshNone
	Refresh index.Refresh

	// Restart decides the start offset.
	// Default: progress.Continue
	Restart progress.Strategy

	// Retry governs index creation, bulk writes, after-bulk hooks and
	// progress saves.
	// Default: DefaultRetry
	Retry *kgerrors.Strategy

	// Limiter, when set, is waited on before every bulk write.
	Limiter *rate.Limiter

	// DrainTimeout bounds the final flush after cancellation.
	// Default: 30s
	DrainTimeout time.Duration

	// StreamOptions tune the underlying tag stream.
	StreamOptions []eventlog.StreamOption
}

func (c Config) withDefaults() Config {
	if c.MaxBatch <= 0 {
		c.MaxBatch = DefaultMaxBatch
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = DefaultMaxWindow
	}
	if c.Refresh == "" {
		c.Refresh = index.RefreshNone
	}
	if c.Retry == nil {
		r := DefaultRetry
		c.Retry = &r
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.Projection == "":
		return errors.New("stream: projection is required")
	case c.Tag == "":
		return errors.New("stream: tag is required")
	case c.Index == "":
		return errors.New("stream: index is required")
	}
	return nil
}

// ConfigFrom reads a stream section:
//
//	projection: projects-index
//	tag: project
//	index: projects
//	max_batch: 100
//	max_window: 1s
//	refresh: wait_for
//	mapping: {properties: {name: {type: text}}}   # or a JSON string
//	restart: continue        # or full_restart
//	rate_limit: 50           # bulk writes per second, 0 disables
//	rate_burst: 1
//	drain_timeout: 30s
//	poll_interval: 1s
//	retry: {kind: exponential, delay: 100ms, max_delay: 5s, max_retries: 3}
func ConfigFrom(cfg config.Config) (Config, error) {
	restart, err := progress.ParseStrategy(cfg.String("restart", ""))
	if err != nil {
		return Config{}, err
	}
	retry := kgerrors.StrategyFromConfig(cfg.Sub("retry"), DefaultRetry)

	c := Config{
		Projection:   cfg.String("projection", ""),
		Tag:          eventlog.Tag(cfg.String("tag", "")),
		Index:        cfg.String("index", ""),
		MaxBatch:     cfg.Int("max_batch", DefaultMaxBatch),
		MaxWindow:    cfg.Duration("max_window", DefaultMaxWindow),
		Refresh:      index.Refresh(cfg.String("refresh", string(index.RefreshNone))),
		Restart:      restart,
		Retry:        &retry,
		DrainTimeout: cfg.Duration("drain_timeout", DefaultDrainTimeout),
	}
	if cfg.Has("mapping") {
		m, err := mappingFrom(cfg)
		if err != nil {
			return Config{}, err
		}
		c.Mapping = m
	}
	if limit := cfg.Float("rate_limit", 0); limit > 0 {
		c.Limiter = rate.NewLimiter(rate.Limit(limit), max(cfg.Int("rate_burst", 1), 1))
	}
	if poll := cfg.Duration("poll_interval", 0); poll > 0 {
		c.StreamOptions = append(c.StreamOptions, eventlog.WithPollInterval(poll))
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// mappingFrom accepts the index mapping as a JSON string or a nested section.
func mappingFrom(cfg config.Config) (json.RawMessage, error) {
	if m := cfg.String("mapping", ""); m != "" {
		if !json.Valid([]byte(m)) {
			return nil, errors.New("stream: mapping is not valid JSON")
		}
		return json.RawMessage(m), nil
	}
	m, err := json.Marshal(cfg.Sub("mapping").Raw())
	if err != nil {
		return nil, fmt.Errorf("stream: encode mapping: %w", err)
	}
	return m, nil
}

// Deps are the collaborators of a stream.
type Deps struct {
	Log      eventlog.Log
	Progress progress.Store
	Index    index.Client
	Exchange Exchange

	// AfterBulk is optional.
	AfterBulk AfterBulkFunc

	// Failures receives failed events. Default: failures.Nop.
	Failures failures.Recorder

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// Stream is one indexing stream. Run may be called again after it returns;
// it resumes from the persisted progress. Under a daemon.Coordinator, build
// streams with NewFactory.
type Stream struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	retries *kgerrors.Handler

	state    atomic.Int32
	resolved atomic.Bool

	mu    sync.Mutex
	stats progress.Progress
}

// New validates cfg and deps and returns a stream ready to Run.
func New(cfg Config, deps Deps) (*Stream, error) {
	return newStream(cfg, deps, 1)
}

// NewFactory returns a daemon factory building a fresh stream for every
// start. Config.Restart only applies to the first start; a restarted
// stream continues from the stored progress.
func NewFactory(cfg Config, deps Deps) daemon.Factory {
	return func(_ context.Context, restarts int) (daemon.Runner, error) {
		c := cfg
		if restarts > 0 {
			c.Restart = progress.Continue
		}
		return newStream(c, deps, restarts+1)
	}
}

func newStream(cfg Config, deps Deps, attempt int) (*Stream, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Log == nil:
		return nil, errors.New("stream: event log is required")
	case deps.Progress == nil:
		return nil, errors.New("stream: progress store is required")
	case deps.Index == nil:
		return nil, errors.New("stream: index client is required")
	case deps.Exchange == nil:
		return nil, errors.New("stream: exchange is required")
	}
	if deps.Failures == nil {
		deps.Failures = failures.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NoopMetrics{}
	}
	if deps.Spans == nil {
		deps.Spans = observability.NoopSpanManager{}
	}

	logger := observability.EnrichLogger(deps.Logger, cfg.Projection, attempt)
	retries := kgerrors.NewHandler(
		kgerrors.WithStrategy(*cfg.Retry),
		kgerrors.WithLogger(logger),
	)
	return &Stream{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		retries: retries,
	}, nil
}

// Projection returns the projection ID.
func (s *Stream) Projection() string {
	return s.cfg.Projection
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

func (s *Stream) setState(st State) {
	s.state.Store(int32(st))
}

// Stats returns the progress committed by this stream so far.
func (s *Stream) Stats() progress.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Stream) setStats(p progress.Progress) {
	s.mu.Lock()
	s.stats = p
	s.mu.Unlock()
}

// retry runs fn under the configured strategy. A give-up or permanent
// failure already names op.
func (s *Stream) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	return s.retries.Execute(ctx, op, fn)
}
