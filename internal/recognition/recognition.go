// Package recognition implements the listening lifecycle for speech
// recognition.
//
// Two strategies share the Recognizer contract. ExternalRecognition records
// one capture per listen cycle and hands the audio to a caller-supplied
// Resolver. NativeRecognition delegates the cycle to an in-process Platform.
// A Factory picks between them from a capability probe.
//
// Events are committed in the same critical section as the state transition
// that produces them and delivered synchronously, in order, to the handlers
// registered with AddEventListener. A handler may call back into the
// recognizer; events raised that way are delivered after the ones already
// queued.
package recognition

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrClosed     = errors.New("recognizer closed")
	ErrNoRecorder = errors.New("no recorder factory configured")
)

// Strategy identifies one of the two recognizer implementations.
type Strategy string

const (
	StrategyNative   Strategy = "native"
	StrategyExternal Strategy = "external"
)

// ParseStrategy maps the config value onto a Strategy. "auto" and "" yield
// the empty Strategy, meaning the factory decides.
func ParseStrategy(value string) (Strategy, error) {
	switch value {
	case "", "auto":
		return "", nil
	case string(StrategyNative):
		return StrategyNative, nil
	case string(StrategyExternal):
		return StrategyExternal, nil
	default:
		return "", fmt.Errorf("unknown recognition strategy %q", value)
	}
}

// State is a snapshot of a recognizer's lifecycle.
type State struct {
	Listening bool
}

// Recognizer is implemented by ExternalRecognition and NativeRecognition only.
type Recognizer interface {
	Strategy() Strategy
	Lang() string
	SetLang(lang string)
	State() State
	Listen() error
	Stop()
	AddEventListener(name EventName, handler Handler)
	Close()

	sealed()
}

// base holds what both strategies share: language, lifecycle state, the
// current cycle id and the event dispatcher.
type base struct {
	mu     sync.Mutex
	lang   string
	state  State
	cycle  uint64
	closed bool
	events *dispatcher
	log    *slog.Logger
}

func (b *base) init(lang string, log *slog.Logger) {
	b.lang = lang
	b.events = newDispatcher(log)
	b.log = log
}

func (b *base) Lang() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lang
}

// SetLang changes the language used from the next resolver call on.
func (b *base) SetLang(lang string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lang = lang
}

// State returns a copy of the current state.
func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// AddEventListener registers handler for name. Handlers run in registration
// order, one event at a time, in the order events were committed. Delivery
// happens on the goroutine that committed the event unless another goroutine
// is already delivering, in which case that goroutine delivers it too.
func (b *base) AddEventListener(name EventName, handler Handler) {
	if handler == nil {
		return
	}
	b.events.subscribe(name, handler)
}

func (b *base) sealed() {}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
