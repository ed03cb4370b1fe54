// Package geminitest provides in-memory fakes of the upstream stream and dialer.
package geminitest

import (
	"context"
	"io"
	"sync"

	"github.com/room4-2/voicerelay/gemini"
)

// SentAudio records one SendAudio call on a MockStream
type SentAudio struct {
	Data     []byte
	MimeType string
}

// MockStream is an in-memory Stream driven by the caller
type MockStream struct {
	events chan mockItem
	done   chan struct{}

	mu            sync.Mutex
	closed        bool
	closeCalls    int
	audio         []SentAudio
	toolResponses [][]gemini.FunctionResponse

	// SendAudioErr and SendToolErr, when set, are returned by the sends.
	SendAudioErr error
	SendToolErr  error
	// ToolResponseSent receives every tool-response batch, if non-nil.
	ToolResponseSent chan []gemini.FunctionResponse
}

type mockItem struct {
	ev  *gemini.Event
	err error
}

func NewMockStream() *MockStream {
	return &MockStream{
		events: make(chan mockItem, 64),
		done:   make(chan struct{}),
	}
}

// Push queues an event for Receive
func (s *MockStream) Push(ev *gemini.Event) {
	s.events <- mockItem{ev: ev}
}

// Fail makes the next Receive return err
func (s *MockStream) Fail(err error) {
	s.events <- mockItem{err: err}
}

// End makes the next Receive return io.EOF
func (s *MockStream) End() {
	s.events <- mockItem{err: io.EOF}
}

func (s *MockStream) Receive() (*gemini.Event, error) {
	select {
	case item := <-s.events:
		return item.ev, item.err
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *MockStream) SendAudio(data []byte, mimeType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return gemini.ErrStreamClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.audio = append(s.audio, SentAudio{Data: append([]byte(nil), data...), MimeType: mimeType})
	return nil
}

func (s *MockStream) SendToolResponse(responses []gemini.FunctionResponse) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return gemini.ErrStreamClosed
	}
	if s.SendToolErr != nil {
		err := s.SendToolErr
		s.mu.Unlock()
		return err
	}
	batch := append([]gemini.FunctionResponse(nil), responses...)
	s.toolResponses = append(s.toolResponses, batch)
	notify := s.ToolResponseSent
	s.mu.Unlock()

	if notify != nil {
		notify <- batch
	}
	return nil
}

func (s *MockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// CloseCalls returns how many times Close was invoked
func (s *MockStream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Audio returns the audio frames sent so far
func (s *MockStream) Audio() []SentAudio {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentAudio(nil), s.audio...)
}

// ToolResponses returns the tool-response batches sent so far
func (s *MockStream) ToolResponses() [][]gemini.FunctionResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]gemini.FunctionResponse(nil), s.toolResponses...)
}

// MockDialer hands out MockStreams and records the configs it was given
type MockDialer struct {
	// DialErr, when set, is returned by Dial.
	DialErr error

	mu      sync.Mutex
	streams []*MockStream
	configs []gemini.SessionConfig
	dialed  chan *MockStream
}

func NewMockDialer() *MockDialer {
	return &MockDialer{dialed: make(chan *MockStream, 16)}
}

func (d *MockDialer) Dial(ctx context.Context, cfg gemini.SessionConfig) (gemini.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configs = append(d.configs, cfg)
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	s := NewMockStream()
	d.streams = append(d.streams, s)
	select {
	case d.dialed <- s:
	default:
	}
	return s, nil
}

// Dialed delivers each stream as it is opened
func (d *MockDialer) Dialed() <-chan *MockStream {
	return d.dialed
}

// Streams returns every stream opened so far
func (d *MockDialer) Streams() []*MockStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockStream(nil), d.streams...)
}

// Configs returns every config passed to Dial
func (d *MockDialer) Configs() []gemini.SessionConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]gemini.SessionConfig(nil), d.configs...)
}
