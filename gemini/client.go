package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

// ErrStreamClosed is returned when sending on a stream that was torn down
var ErrStreamClosed = errors.New("upstream stream is closed")

// SessionConfig is the per-stream behavioral configuration
type SessionConfig struct {
	SystemPrompt string
	Tools        []*genai.Tool
}

// Stream is one open Live API session. Receive returns io.EOF once the
// stream is exhausted or closed locally.
type Stream interface {
	SendAudio(data []byte, mimeType string) error
	SendToolResponse(responses []FunctionResponse) error
	Receive() (*Event, error)
	Close() error
}

// Dialer opens upstream streams
type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig) (Stream, error)
}

// Client opens Live API sessions using the official SDK
type Client struct {
	client *genai.Client
	model  string
	voice  string
}

// NewClient creates a GenAI client for the Gemini API backend
func NewClient(ctx context.Context, apiKey, model, voice string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is empty")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Client{client: client, model: model, voice: voice}, nil
}

// Dial establishes a Live session: audio responses, input and output
// transcription, the system prompt and any tool declarations.
func (c *Client) Dial(ctx context.Context, cfg SessionConfig) (Stream, error) {
	config := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemPrompt}},
		},
	}
	if len(cfg.Tools) > 0 {
		config.Tools = cfg.Tools
	}
	if c.voice != "" {
		config.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: c.voice},
			},
		}
	}

	session, err := c.client.Live.Connect(ctx, c.model, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Live API: %w", err)
	}

	log.Printf("✅ Connected to Gemini Live (%s)", c.model)
	return &liveStream{session: session}, nil
}

// liveStream adapts *genai.Session to Stream. The SDK session writes to a
// single websocket, so sends are serialized.
type liveStream struct {
	session *genai.Session

	sendMu sync.Mutex
	mu     sync.RWMutex
	closed bool
}

func (s *liveStream) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *liveStream) SendAudio(data []byte, mimeType string) error {
	if s.isClosed() {
		return ErrStreamClosed
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	err := s.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{
			MIMEType: mimeType,
			Data:     data,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

func (s *liveStream) SendToolResponse(responses []FunctionResponse) error {
	if s.isClosed() {
		return ErrStreamClosed
	}

	out := make([]*genai.FunctionResponse, 0, len(responses))
	for _, r := range responses {
		out = append(out, &genai.FunctionResponse{
			ID:       r.ID,
			Name:     r.Name,
			Response: r.Response,
		})
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if err := s.session.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: out}); err != nil {
		return fmt.Errorf("failed to send tool response: %w", err)
	}
	return nil
}

// Receive blocks until the next recognized server message
func (s *liveStream) Receive() (*Event, error) {
	for {
		msg, err := s.session.Receive()
		if err != nil {
			if s.isClosed() || isNormalClose(err) {
				return nil, io.EOF
			}
			return nil, err
		}

		ev, ok := DecodeServerMessage(msg)
		if !ok {
			log.Printf("⚠️ Ignoring unrecognized Gemini message")
			continue
		}
		return ev, nil
	}
}

func (s *liveStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.session.Close()
}

func isNormalClose(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
	}
	return false
}
