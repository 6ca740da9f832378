package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-recognition/internal/audio"
	"github.com/loqalabs/loqa-recognition/internal/bus"
	"github.com/loqalabs/loqa-recognition/internal/protocol"
	"github.com/nats-io/nats.go"
)

const transportNATS = "nats"

// BusService exposes sessions to edge devices over NATS. Control messages
// arrive on recognition.control.<session>, audio on audio.frame.<session>,
// and events leave on recognition.event.<session>.
type BusService struct {
	manager *Manager
	bus     *bus.Client
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	subs  []*nats.Subscription
	ready bool
}

type controlReply struct {
	OK       bool   `json:"ok"`
	Strategy string `json:"strategy,omitempty"`
	Error    string `json:"error,omitempty"`
}

func NewBusService(parent context.Context, manager *Manager, busClient *bus.Client, log *slog.Logger) *BusService {
	ctx, cancel := context.WithCancel(parent)
	return &BusService{
		manager: manager,
		bus:     busClient,
		log:     log.With(slog.String("component", "session-bus")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *BusService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn := s.bus.Conn()
	controlSub, err := conn.Subscribe(protocol.SubjectControlPrefix+".*", s.handleControl)
	if err != nil {
		return fmt.Errorf("subscribe control: %w", err)
	}
	s.subs = append(s.subs, controlSub)

	frameSub, err := conn.Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		_ = controlSub.Unsubscribe()
		s.subs = nil
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.subs = append(s.subs, frameSub)

	// Make sure the server has registered both interests before reporting ready.
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	s.ready = true
	return nil
}

func (s *BusService) Close() {
	s.cancel()
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.ready = false
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

func (s *BusService) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && s.bus.Healthy()
}

func (s *BusService) handleControl(msg *nats.Msg) {
	var ctrl protocol.Control
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		s.log.Warn("failed to decode control message", slogError(err))
		s.reply(msg, controlReply{Error: "invalid control message"})
		return
	}
	if ctrl.SessionID == "" {
		ctrl.SessionID = strings.TrimPrefix(msg.Subject, protocol.SubjectControlPrefix+".")
	}

	reply := controlReply{OK: true}
	var err error
	switch ctrl.Action {
	case protocol.ActionListen:
		var sess *Session
		sess, err = s.open(ctrl.SessionID, ctrl.Lang)
		if err == nil {
			reply.Strategy = string(sess.Strategy())
			err = s.manager.Listen(ctrl.SessionID, ctrl.Lang)
		}
	case protocol.ActionStop:
		err = s.manager.Stop(ctrl.SessionID)
	case protocol.ActionClose:
		s.manager.Close(ctrl.SessionID)
	default:
		err = fmt.Errorf("unknown action %q", ctrl.Action)
	}
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, ErrUnknownSession) {
			level = slog.LevelDebug
		}
		s.log.Log(s.ctx, level, "control message failed",
			slog.String("session_id", ctrl.SessionID),
			slog.String("action", ctrl.Action),
			slogError(err))
		reply = controlReply{Error: err.Error()}
	}
	s.reply(msg, reply)
}

// open creates the session on first use and routes its events onto the bus.
func (s *BusService) open(id, lang string) (*Session, error) {
	sess, created, err := s.manager.Open(s.ctx, id, transportNATS, lang)
	if err != nil {
		return nil, err
	}
	if created {
		subject := protocol.EventSubject(id)
		err := s.manager.Subscribe(id, Sink{
			OnEvent: func(evt protocol.RecognitionEvent) {
				if err := s.bus.PublishJSON(subject, evt); err != nil {
					s.log.Warn("failed to publish recognition event", slog.String("session_id", id), slogError(err))
				}
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return sess, nil
}

func (s *BusService) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		frame.SessionID = strings.TrimPrefix(msg.Subject, protocol.SubjectAudioFramePrefix+".")
	}
	accepted, err := s.manager.Push(frame.SessionID, audio.Frame{PCM: frame.PCM, Final: frame.Final})
	if err != nil {
		s.log.Debug("dropping frame for unknown session", slog.String("session_id", frame.SessionID))
		return
	}
	if !accepted {
		s.log.Debug("dropping frame while not listening",
			slog.String("session_id", frame.SessionID),
			slog.Int("sequence", frame.Sequence))
	}
}

func (s *BusService) reply(msg *nats.Msg, reply controlReply) {
	if msg.Reply == "" {
		return
	}
	if err := s.bus.PublishJSON(msg.Reply, reply); err != nil {
		s.log.Warn("failed to reply to control message", slogError(err))
	}
}
