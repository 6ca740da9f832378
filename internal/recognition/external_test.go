package recognition

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-recognition/internal/audio"
)

type fakeRecorder struct {
	payload  []byte
	startErr error

	mu      sync.Mutex
	started bool
	aborted bool
	once    sync.Once
	done    chan audio.Capture
}

func newFakeRecorder(payload []byte) *fakeRecorder {
	return &fakeRecorder{payload: payload, done: make(chan audio.Capture, 1)}
}

func (f *fakeRecorder) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeRecorder) Stop() { f.finish(false) }

func (f *fakeRecorder) Abort() {
	f.mu.Lock()
	f.aborted = true
	f.mu.Unlock()
	f.finish(true)
}

func (f *fakeRecorder) finish(aborted bool) {
	f.once.Do(func() {
		f.done <- audio.Capture{PCM: f.payload, SampleRate: 16000, Channels: 1, Aborted: aborted}
		close(f.done)
	})
}

func (f *fakeRecorder) Done() <-chan audio.Capture { return f.done }

func (f *fakeRecorder) wasAborted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborted
}

type recorderPool struct {
	mu       sync.Mutex
	created  []*fakeRecorder
	startErr error
}

func (p *recorderPool) factory(context.Context) (Recorder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := newFakeRecorder([]byte{1, 0, 2, 0})
	rec.startErr = p.startErr
	p.created = append(p.created, rec)
	return rec, nil
}

func (p *recorderPool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.created)
}

type eventLog struct {
	mu    sync.Mutex
	names []EventName
	data  []Event
	ends  chan struct{}
}

func record(r Recognizer) *eventLog {
	l := &eventLog{ends: make(chan struct{}, 128)}
	for _, name := range EventNames {
		r.AddEventListener(name, func(evt Event) {
			l.mu.Lock()
			l.names = append(l.names, evt.Name)
			if evt.Name == EventData {
				l.data = append(l.data, evt)
			}
			l.mu.Unlock()
			if evt.Name == EventEnd {
				l.ends <- struct{}{}
			}
		})
	}
	return l
}

func (l *eventLog) snapshot() []EventName {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]EventName(nil), l.names...)
}

func (l *eventLog) count(name EventName) int {
	n := 0
	for _, got := range l.snapshot() {
		if got == name {
			n++
		}
	}
	return n
}

func (l *eventLog) waitEnd(t *testing.T) {
	t.Helper()
	select {
	case <-l.ends:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for end, events so far: %v", l.snapshot())
	}
}

func newTestExternal(t *testing.T, resolver Resolver) (*ExternalRecognition, *recorderPool, *eventLog) {
	t.Helper()
	pool := &recorderPool{}
	r := NewExternal("en", resolver, WithRecorderFactory(pool.factory))
	t.Cleanup(r.Close)
	return r, pool, record(r)
}

func TestExternalLang(t *testing.T) {
	r := NewExternal("he", nil)
	t.Cleanup(r.Close)
	if r.Lang() != "he" {
		t.Fatalf("expected lang he, got %q", r.Lang())
	}
	r.SetLang("en")
	if r.Lang() != "en" {
		t.Fatalf("expected lang en after SetLang, got %q", r.Lang())
	}
	if r.Strategy() != StrategyExternal {
		t.Fatalf("unexpected strategy %q", r.Strategy())
	}
}

func TestExternalListenStartsCycle(t *testing.T) {
	r, pool, log := newTestExternal(t, nil)
	if err := r.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if !r.State().Listening {
		t.Fatal("expected listening state")
	}
	if r.Recorder() == nil {
		t.Fatal("expected active recorder")
	}
	if pool.count() != 1 {
		t.Fatalf("expected 1 recorder, got %d", pool.count())
	}
	if got := log.snapshot(); !reflect.DeepEqual(got, []EventName{EventStart}) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestExternalListenIsIdempotent(t *testing.T) {
	r, pool, log := newTestExternal(t, nil)
	for i := 0; i < 3; i++ {
		if err := r.Listen(); err != nil {
			t.Fatalf("listen: %v", err)
		}
	}
	if !r.State().Listening {
		t.Fatal("expected to keep listening")
	}
	if pool.count() != 1 {
		t.Fatalf("expected a single recorder, got %d", pool.count())
	}
	if log.count(EventStart) != 1 {
		t.Fatalf("expected a single start, got %v", log.snapshot())
	}
}

func TestExternalRecorderCompletionWithResolver(t *testing.T) {
	calls := make(chan ResolveRequest, 1)
	resolver := ResolverFunc(func(_ context.Context, req ResolveRequest) (string, error) {
		calls <- req
		return "external", nil
	})
	r, _, log := newTestExternal(t, resolver)

	if err := r.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	r.Recorder().Abort()
	log.waitEnd(t)

	want := []EventName{EventStart, EventData, EventFetching, EventEnd}
	if got := log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if r.State().Listening {
		t.Fatal("expected listening cleared")
	}
	if r.Recorder() != nil {
		t.Fatal("expected recorder released")
	}

	select {
	case req := <-calls:
		if req.Lang != "en" {
			t.Fatalf("expected lang passed through, got %q", req.Lang)
		}
		if len(req.Audio.PCM) != 4 {
			t.Fatalf("expected captured audio passed through, got %d bytes", len(req.Audio.PCM))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("resolver was not called")
	}

	log.mu.Lock()
	data := log.data
	log.mu.Unlock()
	if len(data) != 1 || data[0].Audio == nil || len(data[0].Audio.PCM) != 4 {
		t.Fatalf("expected data event carrying audio, got %+v", data)
	}
}

func TestExternalRecorderCompletionWithoutResolver(t *testing.T) {
	r, _, log := newTestExternal(t, nil)
	if err := r.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	r.Recorder().Stop()
	log.waitEnd(t)

	want := []EventName{EventStart, EventData, EventEnd}
	if got := log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if log.count(EventFetching) != 0 {
		t.Fatal("fetching must not fire without a resolver")
	}
	if r.State().Listening {
		t.Fatal("expected listening cleared")
	}
}

func TestExternalStopForcesEnd(t *testing.T) {
	var mu sync.Mutex
	called := 0
	resolver := ResolverFunc(func(context.Context, ResolveRequest) (string, error) {
		mu.Lock()
		called++
		mu.Unlock()
		return "", nil
	})
	r, pool, log := newTestExternal(t, resolver)

	if err := r.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	r.Stop()

	want := []EventName{EventStart, EventStop, EventEnd}
	if got := log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if r.State().Listening {
		t.Fatal("expected listening cleared")
	}
	if !pool.created[0].wasAborted() {
		t.Fatal("expected recorder aborted")
	}

	// Let the aborted recorder's capture reach the recognizer.
	r.Close()
	if got := log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected no events after stop, got %v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if called != 0 {
		t.Fatalf("resolver must not be called on forced stop, called %d times", called)
	}
}

func TestExternalStopWhenIdle(t *testing.T) {
	r, _, log := newTestExternal(t, nil)
	before := r.State()
	r.Stop()
	after := r.State()
	if before != after {
		t.Fatalf("state changed: %+v -> %+v", before, after)
	}
	if got := log.snapshot(); len(got) != 0 {
		t.Fatalf("expected no events, got %v", got)
	}
}

func TestExternalStateIsSnapshot(t *testing.T) {
	r, _, _ := newTestExternal(t, nil)
	state := r.State()
	state.Listening = true
	if r.State().Listening {
		t.Fatal("mutating the snapshot must not affect the recognizer")
	}
}

func TestExternalResolverFailureCompletesCycle(t *testing.T) {
	failed := make(chan struct{}, 1)
	resolver := ResolverFunc(func(context.Context, ResolveRequest) (string, error) {
		failed <- struct{}{}
		return "", errors.New("backend unavailable")
	})
	r, _, log := newTestExternal(t, resolver)

	if err := r.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	r.Recorder().Abort()
	log.waitEnd(t)
	<-failed

	if r.State().Listening {
		t.Fatal("expected listening cleared after resolver failure")
	}
	if err := r.Listen(); err != nil {
		t.Fatalf("expected recognizer reusable after failure: %v", err)
	}
	if !r.State().Listening {
		t.Fatal("expected second cycle to listen")
	}
}

func TestExternalResolverPanicIsContained(t *testing.T) {
	resolver := ResolverFunc(func(context.Context, ResolveRequest) (string, error) {
		panic("boom")
	})
	r, _, log := newTestExternal(t, resolver)
	if err := r.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	r.Recorder().Abort()
	log.waitEnd(t)
	r.Close()
	if r.State().Listening {
		t.Fatal("expected idle state")
	}
}

func TestExternalRecorderStartFailure(t *testing.T) {
	r, pool, log := newTestExternal(t, nil)
	pool.startErr = errors.New("permission denied")

	if err := r.Listen(); err == nil {
		t.Fatal("expected listen error")
	}
	if r.State().Listening {
		t.Fatal("failed start must not enter listening")
	}
	if got := log.snapshot(); len(got) != 0 {
		t.Fatalf("expected no events, got %v", got)
	}
	if r.Recorder() != nil {
		t.Fatal("expected no recorder")
	}
}

func TestExternalWithoutRecorderFactory(t *testing.T) {
	r := NewExternal("en", nil)
	t.Cleanup(r.Close)
	if err := r.Listen(); !errors.Is(err, ErrNoRecorder) {
		t.Fatalf("expected ErrNoRecorder, got %v", err)
	}
}

func TestExternalClosedRejectsListen(t *testing.T) {
	r, _, _ := newTestExternal(t, nil)
	r.Close()
	if err := r.Listen(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestExternalCloseStopsActiveCycle(t *testing.T) {
	r, _, log := newTestExternal(t, nil)
	if err := r.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	r.Close()
	want := []EventName{EventStart, EventStop, EventEnd}
	if got := log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestExternalListenFromEndHandler(t *testing.T) {
	r, pool, log := newTestExternal(t, nil)
	restarted := false
	r.AddEventListener(EventEnd, func(Event) {
		if !restarted {
			restarted = true
			if err := r.Listen(); err != nil {
				t.Errorf("listen from handler: %v", err)
			}
		}
	})

	if err := r.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	r.Recorder().Abort()
	log.waitEnd(t)

	deadline := time.Now().Add(2 * time.Second)
	for log.count(EventStart) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	want := []EventName{EventStart, EventData, EventEnd, EventStart}
	if got := log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if !r.State().Listening || pool.count() != 2 {
		t.Fatalf("expected a second cycle, listening=%v recorders=%d", r.State().Listening, pool.count())
	}
}

func TestExternalListenWhileEndIsDelivered(t *testing.T) {
	r, _, log := newTestExternal(t, nil)
	inEnd := make(chan struct{})
	release := make(chan struct{})
	var blockOnce, releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	defer unblock()
	r.AddEventListener(EventEnd, func(Event) {
		blockOnce.Do(func() {
			close(inEnd)
			<-release
		})
	})

	if err := r.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	r.Recorder().Abort()
	select {
	case <-inEnd:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for end handler")
	}

	if err := r.Listen(); err != nil {
		t.Fatalf("listen during end delivery: %v", err)
	}
	if got := log.count(EventStart); got != 1 {
		t.Fatalf("start of the new cycle must wait behind end, got %d starts", got)
	}
	unblock()

	deadline := time.Now().Add(2 * time.Second)
	for log.count(EventStart) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	want := []EventName{EventStart, EventData, EventEnd, EventStart}
	if got := log.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestExternalCloseFromEndHandler(t *testing.T) {
	r, _, _ := newTestExternal(t, nil)
	closed := make(chan struct{})
	r.AddEventListener(EventEnd, func(Event) {
		r.Close()
		close(closed)
	})

	if err := r.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	r.Recorder().Abort()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close from an end handler did not return")
	}
	if err := r.Listen(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestExternalStopRacingCompletion(t *testing.T) {
	r, _, log := newTestExternal(t, ResolverFunc(func(context.Context, ResolveRequest) (string, error) {
		return "", nil
	}))

	const cycles = 50
	for i := 0; i < cycles; i++ {
		if err := r.Listen(); err != nil {
			t.Fatalf("listen %d: %v", i, err)
		}
		rec := r.Recorder()
		go rec.Abort()
		r.Stop()
		for r.State().Listening {
			time.Sleep(time.Millisecond)
		}
	}
	r.Close()

	if got := log.count(EventStart); got != cycles {
		t.Fatalf("expected %d starts, got %d", cycles, got)
	}
	if got := log.count(EventEnd); got != cycles {
		t.Fatalf("expected exactly one end per cycle (%d), got %d", cycles, got)
	}
	if log.count(EventStop)+log.count(EventData) != cycles {
		t.Fatalf("each cycle must end through exactly one path: %v", log.snapshot())
	}
}

func TestHandlersRunInSubscriptionOrder(t *testing.T) {
	r, _, _ := newTestExternal(t, nil)
	var order []int
	r.AddEventListener(EventStart, func(Event) { order = append(order, 1) })
	r.AddEventListener(EventStart, func(Event) { order = append(order, 2) })
	r.AddEventListener(EventStart, func(Event) { panic("handler bug") })
	r.AddEventListener(EventStart, func(Event) { order = append(order, 3) })

	if err := r.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if !reflect.DeepEqual(order, []int{1, 2, 3}) {
		t.Fatalf("unexpected handler order %v", order)
	}
}
