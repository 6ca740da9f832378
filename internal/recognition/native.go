package recognition

import (
	"context"
	"fmt"
	"log/slog"
)

// NativeRecognition delegates listen cycles to a Platform. It emits start and
// the stop/end pair on a forced stop itself; everything else comes from the
// platform, filtered to the active cycle.
type NativeRecognition struct {
	base

	platform Platform
	ctx      context.Context
	cancel   context.CancelFunc
	inst     *instruments
}

func NewNative(lang string, platform Platform, opts ...Option) *NativeRecognition {
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(o.ctx)
	r := &NativeRecognition{
		platform: platform,
		ctx:      ctx,
		cancel:   cancel,
		inst:     loadInstruments(),
	}
	r.init(lang, o.log.With(slog.String("component", "recognition.native")))
	return r
}

func (r *NativeRecognition) Strategy() Strategy { return StrategyNative }

func (r *NativeRecognition) Listen() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.state.Listening {
		r.mu.Unlock()
		return nil
	}
	cycle := r.cycle + 1
	emit := func(evt Event) { r.forward(cycle, evt) }
	if err := r.platform.Start(r.ctx, r.lang, emit); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("start platform: %w", err)
	}
	r.cycle = cycle
	r.state.Listening = true
	r.events.enqueue(Event{Name: EventStart, Cycle: cycle})
	r.mu.Unlock()

	r.events.drain()
	return nil
}

func (r *NativeRecognition) Stop() {
	r.mu.Lock()
	if !r.state.Listening {
		r.mu.Unlock()
		return
	}
	cycle := r.cycle
	r.state.Listening = false
	r.events.enqueue(
		Event{Name: EventStop, Cycle: cycle},
		Event{Name: EventEnd, Cycle: cycle},
	)
	r.mu.Unlock()

	r.platform.Stop()
	r.inst.cycleEnded(StrategyNative, outcomeStopped)
	r.events.drain()
}

func (r *NativeRecognition) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.Stop()
	r.cancel()
}

func (r *NativeRecognition) forward(cycle uint64, evt Event) {
	r.mu.Lock()
	if !r.state.Listening || r.cycle != cycle {
		r.mu.Unlock()
		return
	}
	evt.Cycle = cycle
	switch evt.Name {
	case EventStart, EventStop:
		// owned by the recognizer
		r.mu.Unlock()
		return
	case EventEnd:
		r.state.Listening = false
		r.events.enqueue(evt)
		r.mu.Unlock()
		r.inst.cycleEnded(StrategyNative, outcomeCompleted)
	default:
		r.events.enqueue(evt)
		r.mu.Unlock()
	}
	r.events.drain()
}
