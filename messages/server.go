package messages

import "github.com/bytedance/sonic"

// Outbound message types
const (
	TypeStatus        = "status"
	TypeTranscription = "transcription"
	TypeFunctionCall  = "function_call"
	TypeError         = "error"
	TypePong          = "pong"
)

// Status values
const (
	StatusConnecting   = "CONNECTING"
	StatusConnected    = "CONNECTED"
	StatusError        = "ERROR"
	StatusDisconnected = "DISCONNECTED"
)

// OutputMIMEType is the format of model audio sent to the client
const OutputMIMEType = "audio/pcm;rate=24000"

// ServerMessage represents a message sent to the frontend client
type ServerMessage struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	SessionID string `json:"sessionId"`
}

// StatusPayload contains status updates
type StatusPayload struct {
	Status string `json:"status"`
}

// AudioResponsePayload contains model audio for the client
type AudioResponsePayload struct {
	Audio    string `json:"audio"`    // Base64-encoded PCM audio
	MimeType string `json:"mimeType"` // "audio/pcm;rate=24000"
}

// InterruptPayload tells the client to flush queued playback
type InterruptPayload struct {
	Interrupt bool `json:"interrupt"`
}

// TranscriptionPayload carries one transcript fragment
type TranscriptionPayload struct {
	Text    string `json:"text"`
	IsUser  bool   `json:"isUser"`
	IsFinal bool   `json:"isFinal"`
}

// FunctionCallPayload mirrors a tool call the model made
type FunctionCallPayload struct {
	Name   string         `json:"name"`
	Args   map[string]any `json:"args"`
	CallID string         `json:"callId"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewStatusMessage creates a status message
func NewStatusMessage(sessionID, status string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeStatus,
		SessionID: sessionID,
		Data:      StatusPayload{Status: status},
	}
}

// NewAudioMessage creates an audio response message
func NewAudioMessage(sessionID, data string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeAudio,
		SessionID: sessionID,
		Data: AudioResponsePayload{
			Audio:    data,
			MimeType: OutputMIMEType,
		},
	}
}

// NewInterruptMessage creates an audio message asking the client to stop playback
func NewInterruptMessage(sessionID string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeAudio,
		SessionID: sessionID,
		Data:      InterruptPayload{Interrupt: true},
	}
}

// NewTranscriptionMessage creates a transcription message
func NewTranscriptionMessage(sessionID, text string, isUser, isFinal bool) *ServerMessage {
	return &ServerMessage{
		Type:      TypeTranscription,
		SessionID: sessionID,
		Data: TranscriptionPayload{
			Text:    text,
			IsUser:  isUser,
			IsFinal: isFinal,
		},
	}
}

// NewFunctionCallMessage creates a function call visibility message
func NewFunctionCallMessage(sessionID, name string, args map[string]any, callID string) *ServerMessage {
	if args == nil {
		args = map[string]any{}
	}
	return &ServerMessage{
		Type:      TypeFunctionCall,
		SessionID: sessionID,
		Data: FunctionCallPayload{
			Name:   name,
			Args:   args,
			CallID: callID,
		},
	}
}

// NewErrorMessage creates an error message
func NewErrorMessage(sessionID, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeError,
		SessionID: sessionID,
		Data:      ErrorPayload{Message: message},
	}
}

// NewPongMessage answers a client ping
func NewPongMessage(sessionID string) *ServerMessage {
	return &ServerMessage{Type: TypePong, SessionID: sessionID}
}

// Encode serializes a server message
func Encode(msg *ServerMessage) ([]byte, error) {
	return sonic.ConfigStd.Marshal(msg)
}
