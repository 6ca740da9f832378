package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

var (
	ErrSourceBusy   = errors.New("audio source already open")
	ErrSourceClosed = errors.New("audio source closed")
)

// Source is a microphone stream handle. Open hands out the frame stream for
// one capture; the stream is released when ctx is cancelled.
type Source interface {
	Open(ctx context.Context) (<-chan Frame, error)
	Close()
}

// ChannelSource is fed by a transport. Frames only flow while a recorder has
// the source open; anything pushed while idle, or while the buffer is full,
// is dropped.
type ChannelSource struct {
	mu      sync.Mutex
	buffer  int
	active  chan Frame
	owner   context.Context
	closed  bool
	dropped uint64
}

func NewChannelSource(buffer int) *ChannelSource {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSource{buffer: buffer}
}

func (s *ChannelSource) Open(ctx context.Context) (<-chan Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSourceClosed
	}
	// A stream whose owner has been cancelled is free even before the
	// release goroutine below has run.
	if s.active != nil && s.owner.Err() == nil {
		return nil, ErrSourceBusy
	}
	ch := make(chan Frame, s.buffer)
	s.active = ch
	s.owner = ctx
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if s.active == ch {
			s.active = nil
			s.owner = nil
		}
		s.mu.Unlock()
	}()
	return ch, nil
}

// Push offers a frame to the open stream and reports whether it was accepted.
func (s *ChannelSource) Push(frame Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.owner.Err() != nil {
		s.dropped++
		return false
	}
	select {
	case s.active <- frame:
		return true
	default:
		s.dropped++
		return false
	}
}

// Listening reports whether a recorder currently holds the stream.
func (s *ChannelSource) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil && s.owner.Err() == nil
}

func (s *ChannelSource) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *ChannelSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.active = nil
	s.owner = nil
}

// FileSource replays a WAV file as a microphone stream, one frame per
// FrameDuration, the last frame marked Final.
type FileSource struct {
	Path          string
	FrameDuration time.Duration
	// Pace delays each frame by FrameDuration to mimic a live microphone.
	Pace bool

	once       sync.Once
	pcm        []byte
	sampleRate int
	channels   int
	err        error
}

func NewFileSource(path string, frameDuration time.Duration) *FileSource {
	return &FileSource{Path: path, FrameDuration: frameDuration}
}

func (f *FileSource) load() error {
	f.once.Do(func() {
		file, err := os.Open(f.Path)
		if err != nil {
			f.err = fmt.Errorf("open wav: %w", err)
			return
		}
		defer file.Close()
		f.pcm, f.sampleRate, f.channels, f.err = DecodeWAV(file)
	})
	return f.err
}

// Format returns the sample rate and channel count of the file.
func (f *FileSource) Format() (int, int, error) {
	if err := f.load(); err != nil {
		return 0, 0, err
	}
	return f.sampleRate, f.channels, nil
}

func (f *FileSource) Open(ctx context.Context) (<-chan Frame, error) {
	if err := f.load(); err != nil {
		return nil, err
	}
	frameDuration := f.FrameDuration
	if frameDuration <= 0 {
		frameDuration = 20 * time.Millisecond
	}
	frameBytes := int(int64(f.sampleRate)*int64(frameDuration)/int64(time.Second)) * f.channels * 2
	if frameBytes <= 0 {
		frameBytes = 2 * f.channels
	}

	frames := make(chan Frame)
	go func() {
		for offset := 0; ; offset += frameBytes {
			end := offset + frameBytes
			final := end >= len(f.pcm)
			if final {
				end = len(f.pcm)
			}
			frame := Frame{PCM: f.pcm[offset:end], Final: final}
			if f.Pace {
				select {
				case <-ctx.Done():
					return
				case <-time.After(frameDuration):
				}
			}
			select {
			case <-ctx.Done():
				return
			case frames <- frame:
			}
			if final {
				return
			}
		}
	}()
	return frames, nil
}

func (f *FileSource) Close() {}
