package proxy

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/room4-2/voicerelay/gemini"
	"github.com/room4-2/voicerelay/gemini/geminitest"
	"github.com/room4-2/voicerelay/session"
	"github.com/room4-2/voicerelay/tools"
)

type harness struct {
	store  *session.Store
	tools  *tools.Registry
	dialer *geminitest.MockDialer
	proxy  *Proxy
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := session.NewStore(time.Minute)
	registry := tools.NewRegistry(time.Second)
	registry.Register(tools.Definition{
		Name:        "get_weather",
		Description: "weather",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"location": args["location"], "temperature": 22}, nil
		},
	})
	registry.Register(tools.Definition{
		Name: "broken",
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("backend down")
		},
	})
	dialer := geminitest.NewMockDialer()
	p := New(store, registry, dialer, nil)
	p.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return &harness{store: store, tools: registry, dialer: dialer, proxy: p}
}

type eventSink struct {
	mu     sync.Mutex
	events []*gemini.Event
	errs   []error
	got    chan struct{}
}

func newSink() *eventSink {
	return &eventSink{got: make(chan struct{}, 64)}
}

func (s *eventSink) onMessage(ev *gemini.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.got <- struct{}{}
}

func (s *eventSink) onError(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
	s.got <- struct{}{}
}

func (s *eventSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for callback")
	}
}

func (h *harness) connect(t *testing.T, sink *eventSink) (string, *geminitest.MockStream) {
	t.Helper()
	sess := h.store.Create(context.Background(), "")
	if err := h.proxy.Connect(context.Background(), sess.ID, sink.onMessage, sink.onError); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	streams := h.dialer.Streams()
	return sess.ID, streams[len(streams)-1]
}

func TestConnectUnknownSession(t *testing.T) {
	h := newHarness(t)
	err := h.proxy.Connect(context.Background(), "nope", nil, nil)
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Connect() error = %v, want ErrNotFound", err)
	}
	if len(h.dialer.Configs()) != 0 {
		t.Fatalf("dialer should not be called for unknown session")
	}
}

func TestConnectInstallsStreamAndAdvertisesTools(t *testing.T) {
	h := newHarness(t)
	id, _ := h.connect(t, newSink())

	sess, _ := h.store.Get(id)
	if sess.Stream == nil || sess.Teardown == nil {
		t.Fatalf("stream handle not installed: %+v", sess)
	}
	if sess.State != session.StateConnected {
		t.Fatalf("State = %q, want CONNECTED", sess.State)
	}

	cfg := h.dialer.Configs()[0]
	if !strings.Contains(cfg.SystemPrompt, "English") {
		t.Fatalf("system prompt missing language policy")
	}
	if len(cfg.Tools) != 1 || len(cfg.Tools[0].FunctionDeclarations) != 2 {
		t.Fatalf("tool declarations not advertised: %+v", cfg.Tools)
	}
}

func TestConnectDialFailure(t *testing.T) {
	h := newHarness(t)
	h.dialer.DialErr = errors.New("quota exceeded")
	sess := h.store.Create(context.Background(), "")

	err := h.proxy.Connect(context.Background(), sess.ID, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("Connect() error = %v, want dial failure", err)
	}
	if state, _ := h.proxy.State(sess.ID); state != session.StateError {
		t.Fatalf("State = %q, want ERROR", state)
	}
}

func TestConnectWithoutDialer(t *testing.T) {
	store := session.NewStore(time.Minute)
	p := New(store, tools.NewRegistry(time.Second), nil, nil)
	sess := store.Create(context.Background(), "")
	if err := p.Connect(context.Background(), sess.ID, nil, nil); !errors.Is(err, ErrNoUpstream) {
		t.Fatalf("Connect() error = %v, want ErrNoUpstream", err)
	}
}

func TestReconnectReplacesStream(t *testing.T) {
	h := newHarness(t)
	sink := newSink()
	id, first := h.connect(t, sink)

	if err := h.proxy.Connect(context.Background(), id, sink.onMessage, sink.onError); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if first.CloseCalls() == 0 {
		t.Fatalf("previous stream should be torn down on reconnect")
	}
	sess, _ := h.store.Get(id)
	if sess.Stream == first {
		t.Fatalf("session still points at the replaced stream")
	}
	if sess.State != session.StateConnected {
		t.Fatalf("State = %q, want CONNECTED after reconnect", sess.State)
	}
}

func TestToolCallInterceptedAndForwarded(t *testing.T) {
	h := newHarness(t)
	sink := newSink()
	_, stream := h.connect(t, sink)
	stream.ToolResponseSent = make(chan []gemini.FunctionResponse, 1)

	stream.Push(&gemini.Event{ToolCalls: []gemini.FunctionCall{
		{ID: "call-1", Name: "get_weather", Args: map[string]any{"location": "Dakar"}},
		{Name: "broken"},
		{Name: "missing_tool"},
		{Name: ""},
	}})
	sink.wait(t)

	batches := stream.ToolResponses()
	if len(batches) != 1 {
		t.Fatalf("tool response batches = %d, want 1", len(batches))
	}
	batch := batches[0]
	if len(batch) != 3 {
		t.Fatalf("len(batch) = %d, want 3", len(batch))
	}
	if batch[0].ID != "call-1" || batch[0].Response["location"] != "Dakar" {
		t.Fatalf("unexpected success response: %+v", batch[0])
	}
	if batch[1].ID != "broken_1700000000000" || batch[1].Response["error"] != "backend down" {
		t.Fatalf("unexpected failure response: %+v", batch[1])
	}
	if batch[2].Response["error"] != "Tool missing_tool not found" {
		t.Fatalf("unexpected not-found response: %+v", batch[2])
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 || !sink.events[0].HasToolCalls() {
		t.Fatalf("tool-call event should still be forwarded: %+v", sink.events)
	}
	if sink.events[0].ToolCalls[1].ID != "broken_1700000000000" {
		t.Fatalf("forwarded event should carry the synthesized call id")
	}
}

func TestToolResponseSendFailureIsNotEscalated(t *testing.T) {
	h := newHarness(t)
	sink := newSink()
	_, stream := h.connect(t, sink)
	stream.SendToolErr = errors.New("write failed")

	stream.Push(&gemini.Event{ToolCalls: []gemini.FunctionCall{{ID: "c", Name: "get_weather"}}})
	stream.Push(&gemini.Event{TurnComplete: true})
	sink.wait(t)
	sink.wait(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.errs) != 0 {
		t.Fatalf("onError called for tool response failure: %v", sink.errs)
	}
	if len(sink.events) != 2 {
		t.Fatalf("events = %d, want 2", len(sink.events))
	}
}

func TestEventsForwardedInOrder(t *testing.T) {
	h := newHarness(t)
	sink := newSink()
	_, stream := h.connect(t, sink)

	for i := 0; i < 5; i++ {
		stream.Push(&gemini.Event{Audio: []byte{byte(i)}})
	}
	for i := 0; i < 5; i++ {
		sink.wait(t)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, ev := range sink.events {
		if ev.Audio[0] != byte(i) {
			t.Fatalf("event %d out of order: %v", i, ev.Audio)
		}
	}
}

func TestReceiveErrorCallsOnErrorOnce(t *testing.T) {
	h := newHarness(t)
	sink := newSink()
	id, stream := h.connect(t, sink)

	stream.Fail(errors.New("connection reset"))
	sink.wait(t)

	sink.mu.Lock()
	if len(sink.errs) != 1 {
		sink.mu.Unlock()
		t.Fatalf("onError calls = %d, want 1", len(sink.errs))
	}
	sink.mu.Unlock()

	sess, _ := h.store.Get(id)
	if sess.Stream != nil || sess.State != session.StateError {
		t.Fatalf("failed stream should be cleared with ERROR state: %+v", sess)
	}
	if err := h.proxy.SendAudio(id, AudioFrame{Data: "AAAA"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendAudio after failure error = %v, want ErrNotConnected", err)
	}
}

func TestStreamEndIsSilent(t *testing.T) {
	h := newHarness(t)
	sink := newSink()
	id, stream := h.connect(t, sink)

	stream.End()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state, _ := h.proxy.State(id); state == session.StateDisconnected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if state, _ := h.proxy.State(id); state != session.StateDisconnected {
		t.Fatalf("State = %q, want DISCONNECTED", state)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.errs) != 0 {
		t.Fatalf("stream end should not call onError: %v", sink.errs)
	}
}

func TestSendAudio(t *testing.T) {
	h := newHarness(t)
	id, stream := h.connect(t, newSink())

	payload := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	if err := h.proxy.SendAudio(id, AudioFrame{Data: payload, MimeType: "audio/pcm;rate=16000"}); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	if err := h.proxy.SendAudio(id, AudioFrame{Raw: []byte{9}, MimeType: "audio/webm"}); err != nil {
		t.Fatalf("SendAudio(raw) error = %v", err)
	}

	sent := stream.Audio()
	if len(sent) != 2 {
		t.Fatalf("sent frames = %d, want 2", len(sent))
	}
	if string(sent[0].Data) != string([]byte{1, 2, 3, 4}) || sent[0].MimeType != "audio/pcm" {
		t.Fatalf("unexpected first frame: %+v", sent[0])
	}
	if sent[1].MimeType != "audio/webm" {
		t.Fatalf("MimeType = %q, want audio/webm", sent[1].MimeType)
	}
}

func TestSendAudioFailures(t *testing.T) {
	h := newHarness(t)
	if err := h.proxy.SendAudio("missing", AudioFrame{Data: "AAAA"}); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("unknown session error = %v", err)
	}

	idle := h.store.Create(context.Background(), "")
	if err := h.proxy.SendAudio(idle.ID, AudioFrame{Data: "AAAA"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("idle session error = %v, want ErrNotConnected", err)
	}

	id, stream := h.connect(t, newSink())
	if err := h.proxy.SendAudio(id, AudioFrame{Data: "not base64!"}); err == nil {
		t.Fatalf("expected base64 error")
	}
	stream.SendAudioErr = errors.New("socket closed")
	if err := h.proxy.SendAudio(id, AudioFrame{Data: "AAAA"}); err == nil || !strings.Contains(err.Error(), "socket closed") {
		t.Fatalf("send failure should propagate, got %v", err)
	}
}

func TestDisconnectIdempotentAndConcurrent(t *testing.T) {
	h := newHarness(t)
	id, stream := h.connect(t, newSink())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.proxy.Disconnect(id)
		}()
	}
	wg.Wait()
	h.proxy.Disconnect(id)
	h.proxy.Disconnect("unknown")

	if got := stream.CloseCalls(); got != 1 {
		t.Fatalf("teardown calls = %d, want 1", got)
	}
	sess, _ := h.store.Get(id)
	if sess.Stream != nil || sess.Teardown != nil || sess.State != session.StateDisconnected {
		t.Fatalf("session not cleared: %+v", sess)
	}
}

func TestDisconnectExpiredSessionReleasesStream(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	store := session.NewStore(30*time.Minute, session.WithClock(clock))
	dialer := geminitest.NewMockDialer()
	p := New(store, tools.NewRegistry(time.Second), dialer, nil)

	sess := store.Create(context.Background(), "")
	sink := newSink()
	if err := p.Connect(context.Background(), sess.ID, sink.onMessage, sink.onError); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	stream := dialer.Streams()[0]

	mu.Lock()
	now = now.Add(31 * time.Minute)
	mu.Unlock()
	if _, ok := store.Get(sess.ID); ok {
		t.Fatalf("session should read as expired")
	}

	p.Disconnect(sess.ID)
	if got := stream.CloseCalls(); got != 1 {
		t.Fatalf("CloseCalls = %d, want 1", got)
	}
	store.Detach(sess.ID, func(rec *session.Session) {
		if rec.Stream != nil || rec.Teardown != nil {
			t.Errorf("stream handle not cleared: %+v", rec)
		}
	})

	store.Sweep(context.Background())
	if got := stream.CloseCalls(); got != 1 {
		t.Fatalf("CloseCalls after sweep = %d, want 1", got)
	}
}

func TestDeletingSessionTearsDownStream(t *testing.T) {
	h := newHarness(t)
	id, stream := h.connect(t, newSink())

	h.store.Delete(context.Background(), id)
	if stream.CloseCalls() != 1 {
		t.Fatalf("CloseCalls = %d, want 1", stream.CloseCalls())
	}
}

func TestNormalizeMIMEType(t *testing.T) {
	cases := map[string]string{
		"":                     "audio/pcm",
		"audio/pcm":            "audio/pcm",
		"audio/pcm;rate=16000": "audio/pcm",
		"audio/webm":           "audio/webm",
	}
	for in, want := range cases {
		if got := NormalizeMIMEType(in); got != want {
			t.Fatalf("NormalizeMIMEType(%q) = %q, want %q", in, got, want)
		}
	}
}
