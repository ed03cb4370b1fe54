// Package proxy binds sessions to upstream Live API streams. It runs the
// per-stream receive loop and answers tool calls before forwarding events.
package proxy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/room4-2/voicerelay/gemini"
	"github.com/room4-2/voicerelay/observability"
	"github.com/room4-2/voicerelay/session"
	"github.com/room4-2/voicerelay/tools"
)

var (
	// ErrNotConnected is returned when a session holds no live stream
	ErrNotConnected = errors.New("session not connected")
	// ErrNoUpstream is returned when the proxy was built without a dialer
	ErrNoUpstream = errors.New("upstream client not configured")
)

// DefaultMIMEType is used for audio frames that declare no type
const DefaultMIMEType = "audio/pcm"

// AudioFrame is one client audio chunk. Raw is used as-is when set,
// otherwise Data is decoded as base64.
type AudioFrame struct {
	Data     string
	Raw      []byte
	MimeType string
}

// Proxy owns upstream streams for sessions in a session store
type Proxy struct {
	sessions *session.Store
	tools    *tools.Registry
	dialer   gemini.Dialer
	metrics  *observability.Metrics
	prompt   string
	now      func() time.Time
}

// New creates a proxy. Sessions removed from the store have their stream
// torn down.
func New(sessions *session.Store, registry *tools.Registry, dialer gemini.Dialer, metrics *observability.Metrics) *Proxy {
	p := &Proxy{
		sessions: sessions,
		tools:    registry,
		dialer:   dialer,
		metrics:  metrics,
		prompt:   SystemPrompt,
		now:      time.Now,
	}
	sessions.SetRemoveHook(p.release)
	return p
}

// Connect opens an upstream stream for the session and starts its receive
// loop. It returns once the stream is open. onMessage receives every event
// in arrival order; onError is called at most once, when the loop fails.
func (p *Proxy) Connect(ctx context.Context, sessionID string, onMessage func(*gemini.Event), onError func(error)) error {
	if _, ok := p.sessions.Get(sessionID); !ok {
		return fmt.Errorf("%w: %s", session.ErrNotFound, sessionID)
	}
	if p.dialer == nil {
		return ErrNoUpstream
	}

	p.sessions.Update(sessionID, func(rec *session.Session) {
		rec.State = session.StateConnecting
	})

	stream, err := p.dialer.Dial(ctx, gemini.SessionConfig{
		SystemPrompt: p.prompt,
		Tools:        p.tools.GenaiTools(),
	})
	if err != nil {
		p.sessions.Update(sessionID, func(rec *session.Session) {
			rec.State = session.StateError
		})
		p.metrics.UpstreamError("connect")
		return fmt.Errorf("open upstream stream: %w", err)
	}

	var previous func() error
	installed := p.sessions.Update(sessionID, func(rec *session.Session) {
		previous = rec.Teardown
		rec.Stream = stream
		rec.Teardown = stream.Close
		rec.State = session.StateConnected
	})
	if !installed {
		_ = stream.Close()
		return fmt.Errorf("%w: %s", session.ErrNotFound, sessionID)
	}
	// One live stream per session: replace any earlier one.
	if previous != nil {
		_ = previous()
	}

	go p.receiveLoop(sessionID, stream, onMessage, onError)

	log.Printf("🔗 [%s] Upstream stream connected", session.ShortID(sessionID))
	p.metrics.SessionEvent("upstream_connected")
	return nil
}

func (p *Proxy) receiveLoop(sessionID string, stream gemini.Stream, onMessage func(*gemini.Event), onError func(error)) {
	for {
		ev, err := stream.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.streamEnded(sessionID, stream, session.StateDisconnected)
				log.Printf("🔌 [%s] Upstream stream ended", session.ShortID(sessionID))
				return
			}
			p.streamEnded(sessionID, stream, session.StateError)
			p.metrics.UpstreamError("receive")
			log.Printf("❌ [%s] Upstream receive error: %v", session.ShortID(sessionID), err)
			if onError != nil {
				onError(err)
			}
			return
		}

		// Tool calls are answered before the event is forwarded; later
		// events for this session wait until the responses are sent.
		p.handleToolCalls(sessionID, stream, ev)

		if onMessage != nil {
			onMessage(ev)
		}
	}
}

// streamEnded clears the session's handle if it still points at stream
func (p *Proxy) streamEnded(sessionID string, stream gemini.Stream, state session.State) {
	current := false
	p.sessions.Detach(sessionID, func(rec *session.Session) {
		if rec.Stream != stream {
			return
		}
		current = true
		rec.Stream = nil
		rec.Teardown = nil
		rec.State = state
	})
	if current {
		_ = stream.Close()
	}
}

func (p *Proxy) handleToolCalls(sessionID string, stream gemini.Stream, ev *gemini.Event) {
	if !ev.HasToolCalls() {
		return
	}
	if _, ok := p.sessions.Get(sessionID); !ok {
		log.Printf("⚠️ [%s] Dropping %d function call(s) for missing session", session.ShortID(sessionID), len(ev.ToolCalls))
		return
	}

	responses := make([]gemini.FunctionResponse, 0, len(ev.ToolCalls))
	for i := range ev.ToolCalls {
		fc := &ev.ToolCalls[i]
		if fc.Name == "" {
			continue
		}
		if fc.ID == "" {
			fc.ID = fmt.Sprintf("%s_%d", fc.Name, p.now().UnixMilli())
		}

		log.Printf("🔧 [%s] Function call: %s (id: %s)", session.ShortID(sessionID), fc.Name, fc.ID)
		start := time.Now()
		result := p.tools.Execute(context.Background(), fc.Name, fc.Args)
		result.CallID = fc.ID
		p.metrics.ObserveTool(fc.Name, result.Failed(), time.Since(start))
		if result.Failed() {
			log.Printf("⚠️ [%s] Function %s failed: %s", session.ShortID(sessionID), fc.Name, result.Error)
		}

		responses = append(responses, gemini.FunctionResponse{
			ID:       result.CallID,
			Name:     fc.Name,
			Response: result.Response(),
		})
	}
	if len(responses) == 0 {
		return
	}

	if err := stream.SendToolResponse(responses); err != nil {
		p.metrics.UpstreamError("tool_response")
		log.Printf("❌ [%s] Failed to send tool response: %v", session.ShortID(sessionID), err)
		return
	}
	log.Printf("📤 [%s] Sent %d tool response(s)", session.ShortID(sessionID), len(responses))
}

// SendAudio forwards one audio frame to the session's stream. Failures are
// returned to the caller.
func (p *Proxy) SendAudio(sessionID string, frame AudioFrame) error {
	sess, ok := p.sessions.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrNotFound, sessionID)
	}
	if sess.Stream == nil {
		return ErrNotConnected
	}

	data := frame.Raw
	if data == nil {
		decoded, err := base64.StdEncoding.DecodeString(frame.Data)
		if err != nil {
			return fmt.Errorf("invalid base64 audio: %w", err)
		}
		data = decoded
	}

	if err := sess.Stream.SendAudio(data, NormalizeMIMEType(frame.MimeType)); err != nil {
		p.metrics.UpstreamError("send_audio")
		return err
	}
	return nil
}

// Disconnect tears down the session's stream, including for sessions that
// have expired but not yet been swept. It is a no-op for unknown sessions
// and safe to call repeatedly or concurrently.
func (p *Proxy) Disconnect(sessionID string) {
	var teardown func() error
	p.sessions.Detach(sessionID, func(rec *session.Session) {
		teardown = rec.Teardown
		rec.Stream = nil
		rec.Teardown = nil
		if rec.State != session.StateIdle {
			rec.State = session.StateDisconnected
		}
	})
	if teardown == nil {
		return
	}
	if err := teardown(); err != nil {
		log.Printf("⚠️ [%s] Upstream teardown error: %v", session.ShortID(sessionID), err)
	}
	log.Printf("🔌 [%s] Upstream stream disconnected", session.ShortID(sessionID))
	p.metrics.SessionEvent("upstream_disconnected")
}

// State returns the upstream state of a session
func (p *Proxy) State(sessionID string) (session.State, bool) {
	sess, ok := p.sessions.Get(sessionID)
	if !ok {
		return "", false
	}
	return sess.State, true
}

// release runs for sessions removed from the store
func (p *Proxy) release(sess *session.Session) {
	if sess.Teardown == nil {
		return
	}
	if err := sess.Teardown(); err != nil {
		log.Printf("⚠️ [%s] Upstream teardown error: %v", session.ShortID(sess.ID), err)
	}
}

// NormalizeMIMEType collapses any audio/pcm variant to the bare token
func NormalizeMIMEType(mimeType string) string {
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" || strings.HasPrefix(mimeType, "audio/pcm") {
		return DefaultMIMEType
	}
	return mimeType
}
