package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-recognition/internal/audio"
)

func TestRunTranscribe(t *testing.T) {
	t.Setenv("LOQA_STT_MODE", "mock")
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.wav")
	wavBytes, err := audio.EncodeWAV(make([]byte, 3200), 16000, 1)
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	if err := os.WriteFile(path, wavBytes, 0o644); err != nil {
		t.Fatalf("write wav: %v", err)
	}

	var out bytes.Buffer
	if err := runTranscribe(context.Background(), transcribeOptions{file: path, lang: "he"}, &out); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	got := out.String()
	for _, want := range []string{"event=start cycle=1", "event=data cycle=1 audio_bytes=3200", "event=fetching", "event=end", "transcript: [final transcript lang=he length=3200]"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in output:\n%s", want, got)
		}
	}
}

func TestRunTranscribeRequiresFile(t *testing.T) {
	if err := runTranscribe(context.Background(), transcribeOptions{}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error without -file")
	}
}

func TestRunTranscribeMissingFile(t *testing.T) {
	err := runTranscribe(context.Background(), transcribeOptions{file: filepath.Join(t.TempDir(), "none.wav")}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
