package recognition

import (
	"context"
	"io"
	"log/slog"
	"time"
)

type options struct {
	ctx            context.Context
	log            *slog.Logger
	recorders      RecorderFactory
	resolveTimeout time.Duration
	strategy       Strategy
}

// Option configures recognizers and the Factory.
type Option func(*options)

func WithContext(ctx context.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithRecorderFactory(factory RecorderFactory) Option {
	return func(o *options) { o.recorders = factory }
}

// WithResolveTimeout bounds each resolver call. Zero means no bound beyond
// the recognizer's context.
func WithResolveTimeout(timeout time.Duration) Option {
	return func(o *options) { o.resolveTimeout = timeout }
}

// WithStrategy forces the Factory's choice. The empty Strategy lets the probe decide.
func WithStrategy(strategy Strategy) Option {
	return func(o *options) { o.strategy = strategy }
}

func buildOptions(opts []Option) options {
	o := options{
		ctx: context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.log == nil {
		o.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.ctx == nil {
		o.ctx = context.Background()
	}
	return o
}
