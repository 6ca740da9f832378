package recognition

import "log/slog"

// Factory builds recognizers, choosing native when a platform is configured
// and the probe reports it available, external otherwise.
type Factory struct {
	probe    Probe
	platform Platform
	opts     []Option
	strategy Strategy
	log      *slog.Logger
}

// NewFactory returns a factory. probe and platform may be nil, in which case
// every recognizer is external. opts apply to every recognizer it creates.
func NewFactory(probe Probe, platform Platform, opts ...Option) *Factory {
	o := buildOptions(opts)
	return &Factory{
		probe:    probe,
		platform: platform,
		opts:     opts,
		strategy: o.strategy,
		log:      o.log.With(slog.String("component", "recognition.factory")),
	}
}

// Select reports which strategy Create would use right now.
func (f *Factory) Select() Strategy {
	switch f.strategy {
	case StrategyExternal:
		return StrategyExternal
	case StrategyNative:
		if f.platform != nil {
			return StrategyNative
		}
		f.log.Warn("native strategy requested without a platform, using external")
		return StrategyExternal
	}
	if f.platform != nil && f.probe != nil && f.probe.NativeAvailable() {
		return StrategyNative
	}
	return StrategyExternal
}

// Create builds a recognizer for lang. The resolver only applies to the
// external strategy. extra options are appended to the factory's own.
func (f *Factory) Create(lang string, resolver Resolver, extra ...Option) Recognizer {
	opts := append(append([]Option(nil), f.opts...), extra...)
	switch f.Select() {
	case StrategyNative:
		if resolver != nil {
			f.log.Debug("native recognizer ignores resolver", slog.String("lang", lang))
		}
		return NewNative(lang, f.platform, opts...)
	default:
		return NewExternal(lang, resolver, opts...)
	}
}
