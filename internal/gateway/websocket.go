// Package gateway lets web clients drive a recognition session over a
// WebSocket. Binary messages carry 16-bit PCM frames; text messages carry
// JSON control commands; events and transcripts are written back as JSON.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-recognition/internal/audio"
	"github.com/loqalabs/loqa-recognition/internal/config"
	"github.com/loqalabs/loqa-recognition/internal/protocol"
	"github.com/loqalabs/loqa-recognition/internal/session"
)

const (
	pongWait   = 70 * time.Second
	pingPeriod = 25 * time.Second
	writeWait  = 10 * time.Second
	outboxSize = 64
	transport  = "websocket"
)

// Control is a text message from the client.
type Control struct {
	Type string `json:"type"` // listen, stop, finish
	Lang string `json:"lang,omitempty"`
}

// Message is written to the client.
type Message struct {
	Type       string `json:"type"` // ready, event, transcript, error
	SessionID  string `json:"session_id"`
	Strategy   string `json:"strategy,omitempty"`
	Event      string `json:"event,omitempty"`
	Cycle      uint64 `json:"cycle,omitempty"`
	Lang       string `json:"lang,omitempty"`
	AudioBytes int    `json:"audio_bytes,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Text       string `json:"text,omitempty"`
	Partial    bool   `json:"partial,omitempty"`
	Error      string `json:"error,omitempty"`
}

type Handler struct {
	manager  *session.Manager
	cfg      config.GatewayConfig
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func New(manager *session.Manager, cfg config.GatewayConfig, log *slog.Logger) *Handler {
	return &Handler{
		manager: manager,
		cfg:     cfg,
		log:     log.With(slog.String("component", "gateway")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// client serialises writes to one connection through its outbox.
type client struct {
	conn      *websocket.Conn
	sessionID string
	log       *slog.Logger

	mu     sync.Mutex
	closed bool
	out    chan Message
}

func (c *client) send(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- msg:
	default:
		c.log.Warn("dropping message for slow client", slog.String("type", msg.Type), slog.String("event", msg.Event))
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

func (c *client) writeLoop(done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Debug("write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	log := h.log.With(slog.String("session_id", sessionID))
	sess, _, err := h.manager.Open(r.Context(), sessionID, transport, r.URL.Query().Get("lang"))
	if err != nil {
		log.Warn("failed to open session", slog.String("error", err.Error()))
		_ = conn.WriteJSON(Message{Type: "error", SessionID: sessionID, Error: err.Error()})
		return
	}

	c := &client{conn: conn, sessionID: sessionID, log: log, out: make(chan Message, outboxSize)}
	writerDone := make(chan struct{})
	go c.writeLoop(writerDone)

	c.send(Message{Type: "ready", SessionID: sessionID, Strategy: string(sess.Strategy()), Lang: sess.Lang()})
	_ = h.manager.Subscribe(sessionID, session.Sink{
		OnEvent: func(evt protocol.RecognitionEvent) {
			c.send(Message{
				Type:       "event",
				SessionID:  evt.SessionID,
				Strategy:   evt.Strategy,
				Event:      evt.Event,
				Cycle:      evt.Cycle,
				Lang:       evt.Lang,
				AudioBytes: evt.AudioBytes,
				DurationMS: evt.DurationMS,
				Text:       evt.Text,
				Partial:    evt.Partial,
			})
		},
		OnTranscript: func(tr protocol.Transcript) {
			c.send(Message{
				Type:      "transcript",
				SessionID: tr.SessionID,
				Cycle:     tr.Cycle,
				Lang:      tr.Lang,
				Text:      tr.Text,
				Partial:   tr.Partial,
			})
		},
	})

	h.readLoop(c)

	h.manager.Close(sessionID)
	c.close()
	<-writerDone
}

func (h *Handler) readLoop(c *client) {
	if h.cfg.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(h.cfg.MaxMessageBytes)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket closed", slog.String("error", err.Error()))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch kind {
		case websocket.BinaryMessage:
			if _, err := h.manager.Push(c.sessionID, audio.Frame{PCM: payload}); err != nil {
				return
			}
		case websocket.TextMessage:
			h.handleControl(c, payload)
		}
	}
}

func (h *Handler) handleControl(c *client, payload []byte) {
	var ctrl Control
	if err := json.Unmarshal(payload, &ctrl); err != nil {
		c.send(Message{Type: "error", SessionID: c.sessionID, Error: "invalid control message"})
		return
	}

	var err error
	switch ctrl.Type {
	case "listen":
		err = h.manager.Listen(c.sessionID, ctrl.Lang)
	case "stop":
		err = h.manager.Stop(c.sessionID)
	case "finish":
		_, err = h.manager.Push(c.sessionID, audio.Frame{Final: true})
	default:
		c.send(Message{Type: "error", SessionID: c.sessionID, Error: "unknown control type " + ctrl.Type})
		return
	}
	if err != nil {
		c.send(Message{Type: "error", SessionID: c.sessionID, Error: err.Error()})
	}
}
