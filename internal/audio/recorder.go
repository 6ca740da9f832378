package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// RecorderConfig describes the PCM format delivered by the source and the
// capture limit.
type RecorderConfig struct {
	SampleRate int
	Channels   int
	// MaxCapture ends the capture on its own once reached; zero disables it.
	MaxCapture time.Duration
}

// Recorder buffers frames from a Source until the stream marks a final
// frame, MaxCapture elapses, or the caller stops or aborts it. It delivers
// exactly one Capture on Done.
type Recorder struct {
	src Source
	cfg RecorderConfig

	mu       sync.Mutex
	pcm      []byte
	started  bool
	finished bool
	cancel   context.CancelFunc
	done     chan Capture
}

func NewRecorder(src Source, cfg RecorderConfig) *Recorder {
	return &Recorder{
		src:  src,
		cfg:  cfg,
		done: make(chan Capture, 1),
	}
}

func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.New("recorder already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	frames, err := r.src.Open(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("open source: %w", err)
	}
	r.started = true
	r.cancel = cancel
	r.pcm = make([]byte, 0, r.initialCapacity())

	go r.recordLoop(ctx, frames)
	return nil
}

func (r *Recorder) initialCapacity() int {
	// One second of audio; grows as needed.
	size := r.cfg.SampleRate * r.cfg.Channels * 2
	if size <= 0 {
		return 0
	}
	return size
}

func (r *Recorder) recordLoop(ctx context.Context, frames <-chan Frame) {
	var limit <-chan time.Time
	if r.cfg.MaxCapture > 0 {
		timer := time.NewTimer(r.cfg.MaxCapture)
		defer timer.Stop()
		limit = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			// Parent context gone: the capture is cut short.
			r.finish(true)
			return
		case <-limit:
			r.finish(false)
			return
		case frame := <-frames:
			r.mu.Lock()
			if r.finished {
				r.mu.Unlock()
				return
			}
			r.pcm = append(r.pcm, frame.PCM...)
			r.mu.Unlock()
			if frame.Final {
				r.finish(false)
				return
			}
		}
	}
}

// Stop ends the capture normally.
func (r *Recorder) Stop() { r.finish(false) }

// Abort ends the capture early. Buffered audio is still delivered.
func (r *Recorder) Abort() { r.finish(true) }

func (r *Recorder) finish(aborted bool) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	pcm := r.pcm
	r.pcm = nil
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.done <- Capture{
		PCM:        pcm,
		SampleRate: r.cfg.SampleRate,
		Channels:   r.cfg.Channels,
		Aborted:    aborted,
	}
	close(r.done)
}

// Done yields the capture once recording has ended, then closes.
func (r *Recorder) Done() <-chan Capture {
	return r.done
}

// Recording reports whether the recorder is capturing.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started && !r.finished
}
