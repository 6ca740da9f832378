package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Control drives a recognition session.
type Control struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
	Lang      string `json:"lang,omitempty"`
}

const (
	ActionListen = "listen"
	ActionStop   = "stop"
	ActionClose  = "close"
)

// RecognitionEvent mirrors an engine lifecycle event for remote clients.
type RecognitionEvent struct {
	SessionID  string    `json:"session_id"`
	Event      string    `json:"event"`
	Strategy   string    `json:"strategy"`
	Cycle      uint64    `json:"cycle"`
	Lang       string    `json:"lang,omitempty"`
	AudioBytes int       `json:"audio_bytes,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Aborted    bool      `json:"aborted,omitempty"`
	Text       string    `json:"text,omitempty"`
	Partial    bool      `json:"partial,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Cycle      uint64    `json:"cycle,omitempty"`
	Lang       string    `json:"lang,omitempty"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

const (
	SubjectAudioFramePrefix       = "audio.frame"
	SubjectControlPrefix          = "recognition.control"
	SubjectRecognitionEventPrefix = "recognition.event"
	SubjectTranscriptPartial      = "stt.text.partial"
	SubjectTranscriptFinal        = "stt.text.final"
)

// EventSubject is the subject events of sessionID are published on.
func EventSubject(sessionID string) string {
	return SubjectRecognitionEventPrefix + "." + sessionID
}
