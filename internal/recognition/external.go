package recognition

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-recognition/internal/audio"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ExternalRecognition records one capture per listen cycle and forwards it to
// a caller-supplied Resolver.
//
// When the recorder finishes on its own the cycle emits data, then fetching
// if a resolver is set, then end. The cycle is over once the resolver call
// has been started: Listening is cleared and end emitted without waiting for
// the transcript, which is not part of the event stream. Stop ends a cycle
// with stop and end and never calls the resolver.
type ExternalRecognition struct {
	base

	resolver       Resolver
	recorders      RecorderFactory
	recorder       Recorder
	resolveTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	inst   *instruments
}

// NewExternal creates an idle recognizer for lang. resolver may be nil.
func NewExternal(lang string, resolver Resolver, opts ...Option) *ExternalRecognition {
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(o.ctx)
	r := &ExternalRecognition{
		resolver:       resolver,
		recorders:      o.recorders,
		resolveTimeout: o.resolveTimeout,
		ctx:            ctx,
		cancel:         cancel,
		inst:           loadInstruments(),
	}
	r.init(lang, o.log.With(slog.String("component", "recognition.external")))
	return r
}

func (r *ExternalRecognition) Strategy() Strategy { return StrategyExternal }

// Recorder returns the recorder of the active cycle, or nil when idle.
func (r *ExternalRecognition) Recorder() Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorder
}

// Listen starts a cycle. It is a no-op while a cycle is active. If no
// recorder can be started the error is returned and the recognizer stays idle.
//
// start is normally delivered before Listen returns. When another goroutine
// is delivering events at that moment (an end handler of the previous cycle,
// or a handler calling Listen itself), start is queued behind them and
// delivered by that goroutine, so Listen may return first.
func (r *ExternalRecognition) Listen() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.state.Listening {
		r.mu.Unlock()
		return nil
	}
	if r.recorders == nil {
		r.mu.Unlock()
		return ErrNoRecorder
	}
	rec, err := r.recorders(r.ctx)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("acquire recorder: %w", err)
	}
	if err := rec.Start(r.ctx); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("start recorder: %w", err)
	}

	r.cycle++
	cycle := r.cycle
	r.state.Listening = true
	r.recorder = rec
	r.events.enqueue(Event{Name: EventStart, Cycle: cycle})
	r.wg.Add(1)
	go r.await(cycle, rec)
	r.mu.Unlock()

	r.log.Debug("listening", slog.Uint64("cycle", cycle))
	r.events.drain()
	return nil
}

// Stop forcibly ends the active cycle. It is a no-op when idle.
func (r *ExternalRecognition) Stop() {
	r.mu.Lock()
	if !r.state.Listening {
		r.mu.Unlock()
		return
	}
	cycle := r.cycle
	rec := r.recorder
	r.state.Listening = false
	r.recorder = nil
	r.events.enqueue(
		Event{Name: EventStop, Cycle: cycle},
		Event{Name: EventEnd, Cycle: cycle},
	)
	r.mu.Unlock()

	if rec != nil {
		rec.Abort()
	}
	r.inst.cycleEnded(StrategyExternal, outcomeStopped)
	r.log.Debug("stopped", slog.Uint64("cycle", cycle))
	r.events.drain()
}

// Close stops any active cycle and waits for recorder watchers and
// outstanding resolver calls. It may be called from an event handler, but not
// from inside a Resolver, which would wait on its own call.
func (r *ExternalRecognition) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.Stop()
	r.cancel()
	r.wg.Wait()
}

// await watches one recorder. It leaves the wait group before delivering the
// committed events, so a handler running here may call Close.
func (r *ExternalRecognition) await(cycle uint64, rec Recorder) {
	select {
	case capture, ok := <-rec.Done():
		if !ok {
			capture = audio.Capture{Aborted: true}
		}
		committed := r.complete(cycle, capture)
		r.wg.Done()
		if committed {
			r.events.drain()
		}
	case <-r.ctx.Done():
		r.wg.Done()
	}
}

// complete commits the hand-off for a recorder that finished on its own and
// reports whether there are events to deliver. A cycle already ended by Stop
// is left alone.
func (r *ExternalRecognition) complete(cycle uint64, capture audio.Capture) bool {
	r.mu.Lock()
	if !r.state.Listening || r.cycle != cycle {
		r.mu.Unlock()
		r.log.Debug("ignoring capture of ended cycle", slog.Uint64("cycle", cycle))
		return false
	}
	r.state.Listening = false
	r.recorder = nil

	r.events.enqueue(Event{Name: EventData, Cycle: cycle, Audio: &capture})
	if r.resolver != nil {
		r.events.enqueue(Event{Name: EventFetching, Cycle: cycle})
		r.wg.Add(1)
		go r.resolve(ResolveRequest{Audio: capture, Lang: r.lang, Cycle: cycle})
	}
	r.events.enqueue(Event{Name: EventEnd, Cycle: cycle})
	r.mu.Unlock()

	r.inst.cycleEnded(StrategyExternal, outcomeCompleted)
	r.log.Debug("capture complete",
		slog.Uint64("cycle", cycle),
		slog.Int("audio_bytes", len(capture.PCM)),
		slog.Bool("aborted", capture.Aborted))
	return true
}

func (r *ExternalRecognition) resolve(req ResolveRequest) {
	defer r.wg.Done()

	ctx := r.ctx
	if r.resolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.resolveTimeout)
		defer cancel()
	}
	ctx, span := tracer.Start(ctx, "recognition.resolve", trace.WithAttributes(
		attribute.String("recognition.lang", req.Lang),
		attribute.Int64("recognition.cycle", int64(req.Cycle)),
		attribute.Int("recognition.audio_bytes", len(req.Audio.PCM)),
	))
	defer span.End()

	started := time.Now()
	text, err := r.callResolver(ctx, req)
	r.inst.resolved(ctx, time.Since(started), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Warn("resolver failed", slog.Uint64("cycle", req.Cycle), slogError(err))
		return
	}
	r.log.Debug("resolver settled", slog.Uint64("cycle", req.Cycle), slog.Int("text_len", len(text)))
}

func (r *ExternalRecognition) callResolver(ctx context.Context, req ResolveRequest) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("resolver panic: %v", p)
		}
	}()
	return r.resolver.Resolve(ctx, req)
}
