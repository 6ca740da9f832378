package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-recognition/internal/audio"
	"github.com/loqalabs/loqa-recognition/internal/config"
	"github.com/loqalabs/loqa-recognition/internal/recognition"
	"github.com/loqalabs/loqa-recognition/internal/stt"
)

var version = "0.1.0-dev"

type transcribeOptions struct {
	file       string
	lang       string
	configPath string
	pace       bool
	verbose    bool
}

func main() {
	var opts transcribeOptions
	transcribeCmd := flag.NewFlagSet("transcribe", flag.ExitOnError)
	transcribeCmd.StringVar(&opts.file, "file", "", "WAV file (16-bit PCM) to transcribe")
	transcribeCmd.StringVar(&opts.lang, "lang", "", "Recognition language (defaults to recognition.language)")
	transcribeCmd.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	transcribeCmd.BoolVar(&opts.pace, "pace", false, "Replay audio in real time")
	transcribeCmd.BoolVar(&opts.verbose, "v", false, "Log debug output to stderr")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'transcribe' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "transcribe":
		transcribeCmd.Parse(os.Args[2:])
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		err := runTranscribe(ctx, opts, os.Stdout)
		stop()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

type outcome struct {
	text string
	err  error
}

// runTranscribe replays a WAV file through one external recognition cycle
// and prints its events followed by the transcript.
func runTranscribe(ctx context.Context, opts transcribeOptions, out io.Writer) error {
	if opts.file == "" {
		return errors.New("-file is required")
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	lang := opts.lang
	if lang == "" {
		lang = cfg.Recognition.Language
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With(slog.String("run_id", uuid.NewString()))

	src := audio.NewFileSource(opts.file, time.Duration(cfg.Recognition.FrameDurationMS)*time.Millisecond)
	src.Pace = opts.pace
	sampleRate, channels, err := src.Format()
	if err != nil {
		return err
	}

	backend, err := stt.New(cfg.STT)
	if err != nil {
		return fmt.Errorf("stt backend: %w", err)
	}
	results := make(chan outcome, 1)
	transcribe := stt.AsResolver(backend)
	resolver := recognition.ResolverFunc(func(ctx context.Context, req recognition.ResolveRequest) (string, error) {
		text, err := transcribe.Resolve(ctx, req)
		results <- outcome{text: text, err: err}
		return text, err
	})

	engine := recognition.NewExternal(lang, resolver,
		recognition.WithContext(ctx),
		recognition.WithLogger(logger),
		recognition.WithResolveTimeout(time.Duration(cfg.Recognition.ResolveTimeoutMS)*time.Millisecond),
		recognition.WithRecorderFactory(recognition.AudioRecorders(src, audio.RecorderConfig{
			SampleRate: sampleRate,
			Channels:   channels,
			MaxCapture: time.Duration(cfg.Recognition.MaxCaptureMS) * time.Millisecond,
		})),
	)
	defer engine.Close()

	ended := make(chan struct{}, 1)
	stopped := false
	for _, name := range recognition.EventNames {
		engine.AddEventListener(name, func(evt recognition.Event) {
			line := fmt.Sprintf("event=%s cycle=%d", evt.Name, evt.Cycle)
			if evt.Audio != nil {
				line += fmt.Sprintf(" audio_bytes=%d duration=%s", len(evt.Audio.PCM), evt.Audio.Duration())
			}
			fmt.Fprintln(out, line)
			switch evt.Name {
			case recognition.EventStop:
				stopped = true
			case recognition.EventEnd:
				ended <- struct{}{}
			}
		})
	}

	if err := engine.Listen(); err != nil {
		return err
	}

	select {
	case <-ended:
	case <-ctx.Done():
		engine.Stop()
		return ctx.Err()
	}
	if stopped {
		return errors.New("recognition stopped before completion")
	}

	select {
	case res := <-results:
		if res.err != nil {
			return fmt.Errorf("transcription failed: %w", res.err)
		}
		fmt.Fprintf(out, "transcript: %s\n", res.text)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
