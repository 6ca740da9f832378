package recognition

import (
	"context"

	"github.com/loqalabs/loqa-recognition/internal/audio"
)

// Recorder captures audio for a single listen cycle. Done yields exactly one
// Capture when the capture ends, whether through Stop, Abort or on its own.
type Recorder interface {
	Start(ctx context.Context) error
	Stop()
	Abort()
	Done() <-chan audio.Capture
}

// RecorderFactory acquires a recorder bound to the microphone stream.
type RecorderFactory func(ctx context.Context) (Recorder, error)

// AudioRecorders builds recorders reading from src.
func AudioRecorders(src audio.Source, cfg audio.RecorderConfig) RecorderFactory {
	return func(context.Context) (Recorder, error) {
		return audio.NewRecorder(src, cfg), nil
	}
}

// ResolveRequest is the input of one resolver call.
type ResolveRequest struct {
	Audio audio.Capture
	Lang  string
	Cycle uint64
}

// Resolver turns captured audio into a transcript. It is shared across
// cycles and may be called again before a previous call has returned.
type Resolver interface {
	Resolve(ctx context.Context, req ResolveRequest) (string, error)
}

type ResolverFunc func(ctx context.Context, req ResolveRequest) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, req ResolveRequest) (string, error) {
	return f(ctx, req)
}

// Platform is an in-process recognizer driven by NativeRecognition. Start
// must return without calling emit; events are reported from the
// platform's own goroutines. The platform ends a cycle by emitting EventEnd.
type Platform interface {
	Start(ctx context.Context, lang string, emit func(Event)) error
	Stop()
}

// Probe reports whether a native platform can serve recognition.
type Probe interface {
	NativeAvailable() bool
}

type ProbeFunc func() bool

func (f ProbeFunc) NativeAvailable() bool { return f() }
