package errors

import (
	"context"
	"errors"
	"log/slog"

	"github.com/randalmurphal/kgstream/pkg/kgstream/config"
)

// Handler runs operations under a strategy. Each retry is reported to the
// retry callback, or logged when none is set. A give-up is logged at error
// level; permanent failures are left for the caller to report.
type Handler struct {
	strategy Strategy
	logger   *slog.Logger
	onRetry  func(op string, retries int, err error)
	onGiveUp func(op string, err error)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// NewHandler creates a new error handler with the given options.
// Without options it never retries.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		strategy: AlwaysGiveUp(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// WithStrategy sets the retry strategy.
func WithStrategy(s Strategy) HandlerOption {
	return func(h *Handler) {
		h.strategy = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithOnRetry sets a callback invoked before each retry in place of the
// default warning.
func WithOnRetry(fn func(op string, retries int, err error)) HandlerOption {
	return func(h *Handler) {
		h.onRetry = fn
	}
}

// WithOnGiveUp sets a callback for when the strategy gives up.
func WithOnGiveUp(fn func(op string, err error)) HandlerOption {
	return func(h *Handler) {
		h.onGiveUp = fn
	}
}

// Strategy returns the handler's strategy.
func (h *Handler) Strategy() Strategy {
	return h.strategy
}

// Execute runs fn with retry handling.
func (h *Handler) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, h, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Execute runs fn with retry handling and returns its value.
func Execute[T any](
	ctx context.Context,
	h *Handler,
	op string,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	s := h.strategy
	attempt := 0
	result := Retry(ctx, s, op, func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if err != nil && s.Decide(attempt, err).Retry {
			h.retrying(op, attempt+1, err)
		}
		attempt++
		return v, err
	})

	var giveUp *GiveUpError
	switch {
	case result.Err == nil:
		if result.Retries > 0 {
			h.logger.Info("operation recovered",
				slog.String("operation", op),
				slog.Int("retries", result.Retries),
			)
		}
	case errors.As(result.Err, &giveUp):
		h.logger.Error("operation gave up",
			slog.String("operation", op),
			slog.Int("retries", result.Retries),
			slog.String("error", result.Err.Error()),
		)
		if h.onGiveUp != nil {
			h.onGiveUp(op, result.Err)
		}
	}
	return result.Value, result.Err
}

func (h *Handler) retrying(op string, attempt int, err error) {
	if h.onRetry != nil {
		h.onRetry(op, attempt, err)
		return
	}
	h.logger.Warn("operation failed, retrying",
		slog.String("operation", op),
		slog.Int("attempt", attempt),
		slog.String("error", err.Error()),
	)
}

// StrategyFromConfig builds a strategy from a config section:
//
//	kind: exponential   # give-up | once | constant | exponential
//	delay: 100ms
//	max_delay: 5s
//	max_retries: 3
//	jitter: 0.1
//
// Missing keys fall back to def.
func StrategyFromConfig(cfg config.Config, def Strategy) Strategy {
	delay := cfg.Duration("delay", def.Delay)
	maxRetries := cfg.Int("max_retries", def.MaxRetries)
	switch cfg.String("kind", def.Kind.String()) {
	case "give-up", "never":
		return AlwaysGiveUp()
	case "once":
		return Once(delay)
	case "constant":
		return Constant(delay, maxRetries)
	case "exponential":
		return Exponential(delay, cfg.Duration("max_delay", def.MaxDelay), maxRetries, cfg.Float("jitter", def.Jitter))
	default:
		return def
	}
}
