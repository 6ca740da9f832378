package stt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-recognition/internal/config"
)

// Request is one transcription call over 16-bit little-endian PCM.
type Request struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Lang       string
	// Final is false for interim passes over a growing buffer.
	Final bool
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (TranscriptResult, error)
}

// New builds the backend used as the external resolver.
func New(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg.Command, cfg.ModelPath)
	case "http":
		return NewHTTPRecognizer(cfg.Endpoint, cfg.Token, cfg.ModelPath, time.Duration(cfg.TimeoutMS)*time.Millisecond)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

// NewNativeBackend builds the backend driving the native platform.
func NewNativeBackend(cfg config.NativeConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg.Command, cfg.ModelPath)
	default:
		return nil, fmt.Errorf("unsupported native mode %q", cfg.Mode)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
