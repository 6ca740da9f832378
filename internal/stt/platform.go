package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-recognition/internal/audio"
	"github.com/loqalabs/loqa-recognition/internal/recognition"
)

var ErrPlatformBusy = errors.New("native platform already running")

type PlatformConfig struct {
	SampleRate int
	Channels   int
	// PartialEvery spaces interim transcriptions; zero disables them.
	PartialEvery time.Duration
	MaxCapture   time.Duration
	Timeout      time.Duration
}

// Platform runs a backend in-process as the native recognizer. While audio
// flows it transcribes the growing buffer every PartialEvery, with at most
// one transcription in flight. When the stream ends it publishes the final
// result followed by end.
type Platform struct {
	src     audio.Source
	backend Recognizer
	cfg     PlatformConfig
	log     *slog.Logger

	mu  sync.Mutex
	run *platformRun
	wg  sync.WaitGroup
}

type platformRun struct {
	ctx       context.Context
	cancel    context.CancelFunc
	srcCancel context.CancelFunc
	lang      string
	emit      func(recognition.Event)

	mu           sync.Mutex
	buffer       []byte
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
}

func NewPlatform(src audio.Source, backend Recognizer, cfg PlatformConfig, log *slog.Logger) *Platform {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	return &Platform{
		src:     src,
		backend: backend,
		cfg:     cfg,
		log:     log.With(slog.String("component", "stt.platform")),
	}
}

func (p *Platform) Start(ctx context.Context, lang string, emit func(recognition.Event)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run != nil && p.run.ctx.Err() == nil {
		return ErrPlatformBusy
	}

	runCtx, cancel := context.WithCancel(ctx)
	srcCtx, srcCancel := context.WithCancel(runCtx)
	frames, err := p.src.Open(srcCtx)
	if err != nil {
		srcCancel()
		cancel()
		return fmt.Errorf("open source: %w", err)
	}
	run := &platformRun{
		ctx:       runCtx,
		cancel:    cancel,
		srcCancel: srcCancel,
		lang:      lang,
		emit:      emit,
	}
	p.run = run

	p.wg.Add(1)
	go p.loop(run, frames)
	return nil
}

// Stop cancels the active run, including any transcription in flight.
func (p *Platform) Stop() {
	p.mu.Lock()
	run := p.run
	p.run = nil
	p.mu.Unlock()
	if run != nil {
		run.cancel()
	}
}

// Wait blocks until the background goroutines of past runs have returned.
func (p *Platform) Wait() {
	p.wg.Wait()
}

// finish retires run before its end is emitted, so a Start made while end is
// being handled opens a fresh run. It reports false if run was stopped.
func (p *Platform) finish(run *platformRun) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := p.run == run && run.ctx.Err() == nil
	if p.run == run {
		p.run = nil
	}
	run.cancel()
	return live
}

func (p *Platform) loop(run *platformRun, frames <-chan audio.Frame) {
	defer p.wg.Done()

	var limit <-chan time.Time
	if p.cfg.MaxCapture > 0 {
		timer := time.NewTimer(p.cfg.MaxCapture)
		defer timer.Stop()
		limit = timer.C
	}

	for {
		select {
		case <-run.ctx.Done():
			return
		case <-limit:
			run.srcCancel()
			p.schedule(run, true)
			return
		case frame := <-frames:
			run.mu.Lock()
			run.buffer = append(run.buffer, frame.PCM...)
			run.mu.Unlock()
			if frame.Final {
				run.srcCancel()
				p.schedule(run, true)
				return
			}
			if p.shouldSchedulePartial(run) {
				p.schedule(run, false)
			}
		}
	}
}

func (p *Platform) shouldSchedulePartial(run *platformRun) bool {
	if p.cfg.PartialEvery <= 0 {
		return false
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.inflight {
		return false
	}
	if run.lastPartial.IsZero() || time.Since(run.lastPartial) >= p.cfg.PartialEvery {
		run.lastPartial = time.Now()
		return true
	}
	return false
}

func (p *Platform) schedule(run *platformRun, final bool) {
	run.mu.Lock()
	if run.inflight {
		if final {
			run.pendingFinal = true
		}
		run.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), run.buffer...)
	run.inflight = true
	run.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(run.ctx, p.cfg.Timeout)
		result, err := p.backend.Transcribe(ctx, Request{
			PCM:        pcm,
			SampleRate: p.cfg.SampleRate,
			Channels:   p.cfg.Channels,
			Lang:       run.lang,
			Final:      final,
		})
		cancel()

		if run.ctx.Err() != nil {
			return
		}
		if err != nil {
			p.log.Warn("native transcription failed", slog.Bool("final", final), slogError(err))
		} else if result.Text != "" {
			run.emit(recognition.Event{Name: recognition.EventResult, Text: result.Text, Partial: !final})
		}

		run.mu.Lock()
		run.inflight = false
		pendingFinal := run.pendingFinal
		if !final {
			run.lastPartial = time.Now()
		}
		run.mu.Unlock()

		if final {
			if p.finish(run) {
				run.emit(recognition.Event{Name: recognition.EventEnd})
			}
			return
		}
		if pendingFinal {
			p.schedule(run, true)
		}
	}()
}
