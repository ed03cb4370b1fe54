package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

var (
	// ErrInvalidMessage is returned for frames that are not a JSON envelope
	ErrInvalidMessage = errors.New("invalid message format")
	// ErrInvalidAudio is returned for audio payloads of the wrong shape
	ErrInvalidAudio = errors.New("invalid audio data")
)

// Inbound message types
const (
	TypeConnect    = "connect"
	TypeAudio      = "audio"
	TypeDisconnect = "disconnect"
	TypePing       = "ping"
)

// ClientMessage represents a message from the frontend client
type ClientMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// AudioPayload contains audio data from the client
type AudioPayload struct {
	Data     string `json:"data"`     // Base64-encoded audio
	MimeType string `json:"mimeType"` // e.g. "audio/pcm;rate=16000"
}

// ParseClientMessage decodes one text frame
func ParseClientMessage(frame []byte) (*ClientMessage, error) {
	if !utf8.Valid(frame) {
		return nil, fmt.Errorf("%w: not utf-8", ErrInvalidMessage)
	}
	var msg ClientMessage
	if err := sonic.ConfigStd.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return &msg, nil
}

// ValidateAudio checks that raw is an object with a string data field and a
// mimeType naming an audio type.
func ValidateAudio(raw []byte) (*AudioPayload, error) {
	if len(raw) == 0 {
		return nil, ErrInvalidAudio
	}

	var fields map[string]any
	if err := sonic.ConfigStd.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, ErrInvalidAudio
	}

	data, ok := fields["data"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing data", ErrInvalidAudio)
	}
	mimeType, ok := fields["mimeType"].(string)
	if !ok || !strings.Contains(mimeType, "audio") {
		return nil, fmt.Errorf("%w: mimeType must be an audio type", ErrInvalidAudio)
	}
	return &AudioPayload{Data: data, MimeType: mimeType}, nil
}
