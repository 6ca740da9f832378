package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-recognition/internal/audio"
	"github.com/loqalabs/loqa-recognition/internal/config"
	"github.com/loqalabs/loqa-recognition/internal/eventstore"
	"github.com/loqalabs/loqa-recognition/internal/protocol"
	"github.com/loqalabs/loqa-recognition/internal/recognition"
	"github.com/loqalabs/loqa-recognition/internal/stt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads []any
}

func (p *fakePublisher) PublishJSON(subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, v)
	return nil
}

func (p *fakePublisher) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

type recorder struct {
	mu          sync.Mutex
	events      []protocol.RecognitionEvent
	transcripts []protocol.Transcript
	ended       chan struct{}
	transcribed chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ended: make(chan struct{}, 8), transcribed: make(chan struct{}, 8)}
}

func (r *recorder) sink() Sink {
	return Sink{
		OnEvent: func(evt protocol.RecognitionEvent) {
			r.mu.Lock()
			r.events = append(r.events, evt)
			r.mu.Unlock()
			if evt.Event == string(recognition.EventEnd) {
				r.ended <- struct{}{}
			}
		},
		OnTranscript: func(tr protocol.Transcript) {
			r.mu.Lock()
			r.transcripts = append(r.transcripts, tr)
			r.mu.Unlock()
			r.transcribed <- struct{}{}
		},
	}
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		names = append(names, evt.Event)
	}
	return names
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Recognition.Language = "en"
	cfg.Recognition.SourceBuffer = 16
	cfg.EventStore.PrivacyScope = "local"
	return cfg
}

func openStore(t *testing.T) *eventstore.Store {
	t.Helper()
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestManager(t *testing.T, cfg config.Config, deps Deps) *Manager {
	t.Helper()
	m := NewManager(context.Background(), cfg, deps, testLogger())
	t.Cleanup(m.CloseAll)
	return m
}

func TestManagerExternalCycle(t *testing.T) {
	store := openStore(t)
	pub := &fakePublisher{}
	m := newTestManager(t, testConfig(), Deps{
		Backend:   stt.NewMockRecognizer(),
		Store:     store,
		Publisher: pub,
	})

	sess, created, err := m.Open(context.Background(), "kitchen", "test", "he")
	if err != nil || !created {
		t.Fatalf("open: created=%v err=%v", created, err)
	}
	if sess.Strategy() != recognition.StrategyExternal {
		t.Fatalf("expected external strategy, got %q", sess.Strategy())
	}
	rec := newRecorder()
	if err := m.Subscribe("kitchen", rec.sink()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := m.Listen("kitchen", ""); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if ok, err := m.Push("kitchen", audio.Frame{PCM: make([]byte, 4), Final: true}); err != nil || !ok {
		t.Fatalf("push: ok=%v err=%v", ok, err)
	}
	waitFor(t, rec.ended, "end")
	waitFor(t, rec.transcribed, "transcript")

	want := []string{"start", "data", "fetching", "end"}
	if got := rec.names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
	rec.mu.Lock()
	tr := rec.transcripts[0]
	data := rec.events[1]
	rec.mu.Unlock()
	if tr.Text != "[final transcript lang=he length=4]" || tr.Cycle != 1 {
		t.Fatalf("unexpected transcript %+v", tr)
	}
	if data.AudioBytes != 4 {
		t.Fatalf("expected data event with 4 audio bytes, got %+v", data)
	}
	if subjects := pub.snapshot(); len(subjects) != 1 || subjects[0] != protocol.SubjectTranscriptFinal {
		t.Fatalf("unexpected published subjects %v", subjects)
	}

	events, err := store.ListSessionEvents(context.Background(), "kitchen", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 4 || events[0].Type != "recognition.start" || events[3].Type != "recognition.end" {
		t.Fatalf("unexpected timeline %+v", events)
	}
	for _, evt := range events {
		if strings.Contains(string(evt.Payload), "transcript") || strings.Contains(string(evt.Payload), `"text"`) {
			t.Fatalf("timeline must not carry transcript text: %s", evt.Payload)
		}
		if evt.Privacy != "local" {
			t.Fatalf("expected privacy scope local, got %q", evt.Privacy)
		}
	}
}

func TestManagerStop(t *testing.T) {
	m := newTestManager(t, testConfig(), Deps{Backend: stt.NewMockRecognizer()})
	if _, _, err := m.Open(context.Background(), "s1", "test", ""); err != nil {
		t.Fatalf("open: %v", err)
	}
	rec := newRecorder()
	_ = m.Subscribe("s1", rec.sink())

	if err := m.Listen("s1", ""); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := m.Stop("s1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	want := "start,stop,end"
	if got := strings.Join(rec.names(), ","); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if ok, _ := m.Push("s1", audio.Frame{PCM: make([]byte, 2)}); ok {
		t.Fatal("frames must be dropped while not listening")
	}
}

func TestManagerListenSwitchesLanguage(t *testing.T) {
	m := newTestManager(t, testConfig(), Deps{})
	sess, _, err := m.Open(context.Background(), "s1", "test", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if sess.Lang() != "en" {
		t.Fatalf("expected default language, got %q", sess.Lang())
	}
	if err := m.Listen("s1", "he"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if sess.Lang() != "he" || !sess.State().Listening {
		t.Fatalf("expected listening in he, got lang=%q state=%+v", sess.Lang(), sess.State())
	}
}

func TestManagerUnknownAndInvalidSessions(t *testing.T) {
	m := newTestManager(t, testConfig(), Deps{})
	if err := m.Listen("missing", ""); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if _, err := m.Push("missing", audio.Frame{}); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	for _, id := range []string{"", "a.b", "a*", "a b"} {
		if _, _, err := m.Open(context.Background(), id, "test", ""); !errors.Is(err, ErrInvalidSessionID) {
			t.Fatalf("Open(%q): expected ErrInvalidSessionID, got %v", id, err)
		}
	}
	m.Close("missing")
}

func TestManagerOpenIsIdempotent(t *testing.T) {
	m := newTestManager(t, testConfig(), Deps{})
	first, created, err := m.Open(context.Background(), "s1", "test", "")
	if err != nil || !created {
		t.Fatalf("open: created=%v err=%v", created, err)
	}
	second, created, err := m.Open(context.Background(), "s1", "test", "he")
	if err != nil || created {
		t.Fatalf("reopen: created=%v err=%v", created, err)
	}
	if first != second || m.Len() != 1 {
		t.Fatal("expected the same session")
	}
}

func TestManagerNativeStrategy(t *testing.T) {
	cfg := testConfig()
	cfg.Native.Enabled = true
	pub := &fakePublisher{}
	m := newTestManager(t, cfg, Deps{
		Backend:   stt.NewMockRecognizer(),
		Native:    stt.NewMockRecognizer(),
		Probe:     recognition.ProbeFunc(func() bool { return true }),
		Publisher: pub,
	})
	sess, _, err := m.Open(context.Background(), "s1", "test", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if sess.Strategy() != recognition.StrategyNative {
		t.Fatalf("expected native strategy, got %q", sess.Strategy())
	}
	rec := newRecorder()
	_ = m.Subscribe("s1", rec.sink())

	if err := m.Listen("s1", ""); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if ok, _ := m.Push("s1", audio.Frame{PCM: make([]byte, 6), Final: true}); !ok {
		t.Fatal("expected frame accepted")
	}
	waitFor(t, rec.ended, "end")

	if got := strings.Join(rec.names(), ","); got != "start,result,end" {
		t.Fatalf("unexpected events %s", got)
	}
	waitFor(t, rec.transcribed, "transcript")
	if subjects := pub.snapshot(); len(subjects) != 1 || subjects[0] != protocol.SubjectTranscriptFinal {
		t.Fatalf("unexpected published subjects %v", subjects)
	}
}

func TestManagerNativeUnavailableFallsBack(t *testing.T) {
	m := newTestManager(t, testConfig(), Deps{
		Native: stt.NewMockRecognizer(),
		Probe:  recognition.ProbeFunc(func() bool { return false }),
	})
	sess, _, err := m.Open(context.Background(), "s1", "test", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if sess.Strategy() != recognition.StrategyExternal {
		t.Fatalf("expected external fallback, got %q", sess.Strategy())
	}
}

func TestManagerCloseAll(t *testing.T) {
	store := openStore(t)
	m := NewManager(context.Background(), testConfig(), Deps{Store: store}, testLogger())
	for _, id := range []string{"a", "b"} {
		if _, _, err := m.Open(context.Background(), id, "test", ""); err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
	}
	rec := newRecorder()
	_ = m.Subscribe("a", rec.sink())
	_ = m.Listen("a", "")

	m.CloseAll()
	if m.Len() != 0 {
		t.Fatalf("expected no sessions, got %d", m.Len())
	}
	if got := strings.Join(rec.names(), ","); got != "start,stop,end" {
		t.Fatalf("expected active cycle stopped on close, got %s", got)
	}
	if _, _, err := m.Open(context.Background(), "c", "test", ""); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
	if m.Healthy() {
		t.Fatal("closed manager must report unhealthy")
	}
	stored, err := store.GetSession(context.Background(), "a")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.ClosedAt == nil {
		t.Fatal("expected session close recorded")
	}
}
