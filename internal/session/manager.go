// Package session binds recognition engines to transports. Each session owns
// one engine and the audio stream that feeds it; engine events are fanned out
// to the session's sinks and appended to the event timeline.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-recognition/internal/audio"
	"github.com/loqalabs/loqa-recognition/internal/config"
	"github.com/loqalabs/loqa-recognition/internal/eventstore"
	"github.com/loqalabs/loqa-recognition/internal/protocol"
	"github.com/loqalabs/loqa-recognition/internal/recognition"
	"github.com/loqalabs/loqa-recognition/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrUnknownSession   = errors.New("unknown session")
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrManagerClosed    = errors.New("session manager closed")
)

// Publisher is the bus side of transcript delivery.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Sink receives what a session produces. Either callback may be nil.
type Sink struct {
	OnEvent      func(protocol.RecognitionEvent)
	OnTranscript func(protocol.Transcript)
}

// Deps are the collaborators shared by every session.
type Deps struct {
	// Backend transcribes audio for external engines. Nil leaves external
	// engines without a resolver.
	Backend stt.Recognizer
	// Native drives the native platform. Nil disables the native strategy.
	Native    stt.Recognizer
	Probe     recognition.Probe
	Store     *eventstore.Store
	Publisher Publisher
}

type Manager struct {
	cfg    config.RecognitionConfig
	native config.NativeConfig
	scope  string
	deps   Deps
	log    *slog.Logger
	active metric.Int64UpDownCounter

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// Session is one open recognition session.
type Session struct {
	ID        string
	Transport string

	engine   recognition.Recognizer
	source   *audio.ChannelSource
	platform *stt.Platform

	mu    sync.Mutex
	sinks []Sink
}

func NewManager(ctx context.Context, cfg config.Config, deps Deps, log *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		cfg:      cfg.Recognition,
		native:   cfg.Native,
		scope:    cfg.EventStore.PrivacyScope,
		deps:     deps,
		log:      log.With(slog.String("component", "session-manager")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-recognition/session")
	active, err := meter.Int64UpDownCounter("loqa.recognition.sessions.active",
		metric.WithDescription("Open recognition sessions"))
	if err != nil {
		m.log.Warn("failed to create session gauge", slogError(err))
	}
	m.active = active
	return m
}

// Open returns the session with id, creating it when needed. created reports
// whether this call made it. lang defaults to the configured language.
func (m *Manager) Open(ctx context.Context, id, transport, lang string) (sess *Session, created bool, err error) {
	if err := validateID(id); err != nil {
		return nil, false, err
	}
	if lang == "" {
		lang = m.cfg.Language
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrManagerClosed
	}
	if existing, ok := m.sessions[id]; ok {
		return existing, false, nil
	}

	sess, err = m.build(id, transport, lang)
	if err != nil {
		return nil, false, err
	}
	m.sessions[id] = sess
	if m.active != nil {
		m.active.Add(ctx, 1)
	}

	if m.deps.Store != nil {
		record := eventstore.Session{
			ID:        id,
			Lang:      lang,
			Strategy:  string(sess.engine.Strategy()),
			Transport: transport,
			Privacy:   m.scope,
		}
		if err := m.deps.Store.OpenSession(ctx, record); err != nil {
			m.log.Warn("failed to record session", slog.String("session_id", id), slogError(err))
		}
	}
	m.log.Info("session opened",
		slog.String("session_id", id),
		slog.String("transport", transport),
		slog.String("strategy", string(sess.engine.Strategy())),
		slog.String("lang", lang))
	return sess, true, nil
}

func (m *Manager) build(id, transport, lang string) (*Session, error) {
	sess := &Session{
		ID:        id,
		Transport: transport,
		source:    audio.NewChannelSource(m.cfg.SourceBuffer),
	}
	log := m.log.With(slog.String("session_id", id))

	strategy, err := recognition.ParseStrategy(m.cfg.Strategy)
	if err != nil {
		return nil, err
	}

	var platform recognition.Platform
	if m.deps.Native != nil {
		sess.platform = stt.NewPlatform(sess.source, m.deps.Native, stt.PlatformConfig{
			SampleRate:   m.cfg.SampleRate,
			Channels:     m.cfg.Channels,
			PartialEvery: time.Duration(m.native.PartialEveryMS) * time.Millisecond,
			MaxCapture:   time.Duration(m.cfg.MaxCaptureMS) * time.Millisecond,
			Timeout:      time.Duration(m.cfg.ResolveTimeoutMS) * time.Millisecond,
		}, log)
		platform = sess.platform
	}

	factory := recognition.NewFactory(m.deps.Probe, platform,
		recognition.WithContext(m.ctx),
		recognition.WithLogger(log),
		recognition.WithStrategy(strategy),
		recognition.WithResolveTimeout(time.Duration(m.cfg.ResolveTimeoutMS)*time.Millisecond),
		recognition.WithRecorderFactory(recognition.AudioRecorders(sess.source, audio.RecorderConfig{
			SampleRate: m.cfg.SampleRate,
			Channels:   m.cfg.Channels,
			MaxCapture: time.Duration(m.cfg.MaxCaptureMS) * time.Millisecond,
		})),
	)
	sess.engine = factory.Create(lang, m.resolverFor(sess))
	if sess.engine.Strategy() != recognition.StrategyNative {
		sess.platform = nil
	}

	for _, name := range recognition.EventNames {
		sess.engine.AddEventListener(name, func(evt recognition.Event) {
			m.handleEvent(sess, evt)
		})
	}
	return sess, nil
}

func (m *Manager) resolverFor(sess *Session) recognition.Resolver {
	if m.deps.Backend == nil {
		return nil
	}
	transcribe := stt.AsResolver(m.deps.Backend)
	return recognition.ResolverFunc(func(ctx context.Context, req recognition.ResolveRequest) (string, error) {
		text, err := transcribe.Resolve(ctx, req)
		if err != nil {
			return "", err
		}
		if text != "" {
			m.deliverTranscript(sess, protocol.Transcript{
				SessionID: sess.ID,
				Cycle:     req.Cycle,
				Lang:      req.Lang,
				Text:      text,
				Timestamp: time.Now().UTC(),
			})
		}
		return text, nil
	})
}

func (m *Manager) handleEvent(sess *Session, evt recognition.Event) {
	msg := protocol.RecognitionEvent{
		SessionID: sess.ID,
		Event:     string(evt.Name),
		Strategy:  string(sess.engine.Strategy()),
		Cycle:     evt.Cycle,
		Lang:      sess.engine.Lang(),
		Text:      evt.Text,
		Partial:   evt.Partial,
		Timestamp: time.Now().UTC(),
	}
	if evt.Audio != nil {
		msg.AudioBytes = len(evt.Audio.PCM)
		msg.DurationMS = evt.Audio.Duration().Milliseconds()
		msg.Aborted = evt.Audio.Aborted
	}

	m.appendTimeline(msg)
	for _, sink := range sess.snapshotSinks() {
		if sink.OnEvent != nil {
			sink.OnEvent(msg)
		}
	}

	if evt.Name == recognition.EventResult && evt.Text != "" {
		m.deliverTranscript(sess, protocol.Transcript{
			SessionID: sess.ID,
			Cycle:     evt.Cycle,
			Lang:      msg.Lang,
			Text:      evt.Text,
			Partial:   evt.Partial,
			Timestamp: msg.Timestamp,
		})
	}
}

// appendTimeline records the event without its text.
func (m *Manager) appendTimeline(msg protocol.RecognitionEvent) {
	if m.deps.Store == nil {
		return
	}
	msg.Text = ""
	payload, err := json.Marshal(msg)
	if err != nil {
		m.log.Warn("failed to marshal timeline event", slogError(err))
		return
	}
	err = m.deps.Store.AppendEvent(m.ctx, eventstore.Event{
		SessionID: msg.SessionID,
		Cycle:     msg.Cycle,
		Type:      "recognition." + msg.Event,
		Payload:   payload,
		Privacy:   m.scope,
	})
	if err != nil {
		m.log.Warn("failed to append timeline event", slog.String("session_id", msg.SessionID), slogError(err))
	}
}

func (m *Manager) deliverTranscript(sess *Session, tr protocol.Transcript) {
	for _, sink := range sess.snapshotSinks() {
		if sink.OnTranscript != nil {
			sink.OnTranscript(tr)
		}
	}
	if m.deps.Publisher == nil {
		return
	}
	subject := protocol.SubjectTranscriptFinal
	if tr.Partial {
		subject = protocol.SubjectTranscriptPartial
	}
	if err := m.deps.Publisher.PublishJSON(subject, tr); err != nil {
		m.log.Warn("failed to publish transcript", slog.String("session_id", tr.SessionID), slogError(err))
	}
}

func (m *Manager) lookup(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return sess, nil
}

// Listen starts a cycle on the session, switching its language first when
// lang is set.
func (m *Manager) Listen(id, lang string) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}
	if lang != "" && lang != sess.engine.Lang() {
		sess.engine.SetLang(lang)
	}
	return sess.engine.Listen()
}

func (m *Manager) Stop(id string) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}
	sess.engine.Stop()
	return nil
}

// Push offers a frame to the session's audio stream and reports whether it
// was accepted. Frames arriving while the session is not listening are dropped.
func (m *Manager) Push(id string, frame audio.Frame) (bool, error) {
	sess, err := m.lookup(id)
	if err != nil {
		return false, err
	}
	return sess.source.Push(frame), nil
}

func (m *Manager) Subscribe(id string, sink Sink) error {
	sess, err := m.lookup(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.sinks = append(sess.sinks, sink)
	sess.mu.Unlock()
	return nil
}

// Get returns the open session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops and removes the session. Closing an unknown session is a no-op.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.shutdown(sess)
}

func (m *Manager) shutdown(sess *Session) {
	sess.engine.Close()
	sess.source.Close()
	if sess.platform != nil {
		sess.platform.Wait()
	}
	if m.active != nil {
		m.active.Add(context.Background(), -1)
	}
	if m.deps.Store != nil {
		if err := m.deps.Store.CloseSession(context.Background(), sess.ID); err != nil {
			m.log.Warn("failed to record session close", slog.String("session_id", sess.ID), slogError(err))
		}
	}
	m.log.Info("session closed", slog.String("session_id", sess.ID))
}

// CloseAll closes every session and rejects new ones.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for id, sess := range m.sessions {
		sessions = append(sessions, sess)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		m.shutdown(sess)
	}
	m.cancel()
}

// Healthy reports whether the manager accepts sessions.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

// Strategy reports which strategy the session's engine uses.
func (s *Session) Strategy() recognition.Strategy {
	return s.engine.Strategy()
}

// State reports the session's engine state.
func (s *Session) State() recognition.State {
	return s.engine.State()
}

func (s *Session) Lang() string {
	return s.engine.Lang()
}

func (s *Session) snapshotSinks() []Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sink(nil), s.sinks...)
}

func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, ".*> \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
