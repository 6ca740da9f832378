package recognition

import (
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/loqalabs/loqa-recognition/internal/audio"
)

// EventName names a lifecycle event.
type EventName string

const (
	// EventStart fires when Listen begins a new cycle.
	EventStart EventName = "start"
	// EventData carries the captured audio after the recorder completes on its own.
	EventData EventName = "data"
	// EventFetching fires when the resolver call begins.
	EventFetching EventName = "fetching"
	// EventStop fires when Stop forcibly ends a cycle.
	EventStop EventName = "stop"
	// EventEnd fires once per cycle when it concludes, by any path.
	EventEnd EventName = "end"
	// EventResult carries text from a native platform.
	EventResult EventName = "result"
)

// EventNames lists every event in lifecycle order.
var EventNames = []EventName{EventStart, EventData, EventFetching, EventResult, EventStop, EventEnd}

type Event struct {
	Name  EventName
	Cycle uint64
	// Audio is set on EventData.
	Audio *audio.Capture
	// Text and Partial are set on EventResult.
	Text    string
	Partial bool
}

type Handler func(Event)

// dispatcher delivers events in commit order. Whichever goroutine finds the
// queue idle drains it; events enqueued meanwhile, including from inside a
// handler, are picked up by that same drain.
type dispatcher struct {
	log *slog.Logger

	mu       sync.Mutex
	handlers map[EventName][]Handler
	queue    []Event
	draining bool
}

func newDispatcher(log *slog.Logger) *dispatcher {
	return &dispatcher{
		log:      log,
		handlers: make(map[EventName][]Handler),
	}
}

func (d *dispatcher) subscribe(name EventName, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = append(d.handlers[name], handler)
}

func (d *dispatcher) enqueue(events ...Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, events...)
}

func (d *dispatcher) drain() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		evt := d.queue[0]
		d.queue[0] = Event{}
		d.queue = d.queue[1:]
		handlers := append([]Handler(nil), d.handlers[evt.Name]...)
		d.mu.Unlock()

		for _, handler := range handlers {
			d.invoke(handler, evt)
		}

		d.mu.Lock()
	}
	d.queue = nil
	d.draining = false
	d.mu.Unlock()
}

func (d *dispatcher) invoke(handler Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("recovered panic in event handler",
				slog.String("event", string(evt.Name)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	handler(evt)
}
