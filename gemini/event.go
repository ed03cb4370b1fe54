package gemini

import (
	"strings"

	"google.golang.org/genai"
)

// FunctionCall is one tool invocation requested by the model
type FunctionCall struct {
	ID   string
	Name string
	Args map[string]any
}

// FunctionResponse answers a FunctionCall
type FunctionResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// Transcript is a fragment of speech transcription
type Transcript struct {
	Text     string
	Finished bool
}

// Event is the decoded form of one upstream server message. Every field is
// optional and several may be set at once.
type Event struct {
	ToolCalls []FunctionCall

	// Audio is the concatenation of model-turn parts labelled audio/*.
	Audio []byte
	// InlineData is the concatenation of model-turn inline parts with no
	// audio label. Used only when Audio is empty.
	InlineData []byte

	InputTranscript  *Transcript
	OutputTranscript *Transcript
	TurnComplete     bool
	Interrupted      bool

	SetupComplete bool
	GoAway        bool
}

// HasToolCalls reports whether the event carries at least one function call
func (e *Event) HasToolCalls() bool {
	return e != nil && len(e.ToolCalls) > 0
}

// DecodeServerMessage maps a Live API server message onto an Event. The
// boolean is false when the message carries nothing this relay understands.
func DecodeServerMessage(msg *genai.LiveServerMessage) (*Event, bool) {
	if msg == nil {
		return nil, false
	}

	ev := &Event{}
	known := false

	if msg.SetupComplete != nil {
		ev.SetupComplete = true
		known = true
	}

	if msg.GoAway != nil {
		ev.GoAway = true
		known = true
	}

	if msg.UsageMetadata != nil || msg.SessionResumptionUpdate != nil || msg.ToolCallCancellation != nil {
		known = true
	}

	if msg.ToolCall != nil {
		known = true
		for _, fc := range msg.ToolCall.FunctionCalls {
			if fc == nil {
				continue
			}
			ev.ToolCalls = append(ev.ToolCalls, FunctionCall{
				ID:   fc.ID,
				Name: fc.Name,
				Args: fc.Args,
			})
		}
	}

	if sc := msg.ServerContent; sc != nil {
		known = true
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				if strings.HasPrefix(strings.ToLower(part.InlineData.MIMEType), "audio/") {
					ev.Audio = append(ev.Audio, part.InlineData.Data...)
				} else {
					ev.InlineData = append(ev.InlineData, part.InlineData.Data...)
				}
			}
		}
		if sc.InputTranscription != nil {
			ev.InputTranscript = &Transcript{Text: sc.InputTranscription.Text, Finished: sc.InputTranscription.Finished}
		}
		if sc.OutputTranscription != nil {
			ev.OutputTranscript = &Transcript{Text: sc.OutputTranscription.Text, Finished: sc.OutputTranscription.Finished}
		}
		ev.TurnComplete = sc.TurnComplete
		ev.Interrupted = sc.Interrupted
	}

	return ev, known
}
