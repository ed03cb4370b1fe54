package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/room4-2/voicerelay/gemini"
	"github.com/room4-2/voicerelay/messages"
	"github.com/room4-2/voicerelay/proxy"
	"github.com/room4-2/voicerelay/session"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	maxMessageSize  = 512 * 1024
)

// Client is one WebSocket connection bound to a session
type Client struct {
	relay     *Relay
	conn      *websocket.Conn
	sessionID string

	// Use channels for non-blocking writes
	writeChan chan *messages.ServerMessage
	done      chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	userText      strings.Builder
	assistantText strings.Builder
}

func newClient(r *Relay, conn *websocket.Conn, sessionID string) *Client {
	conn.SetReadLimit(maxMessageSize)
	return &Client{
		relay:     r,
		conn:      conn,
		sessionID: sessionID,
		writeChan: make(chan *messages.ServerMessage, writeBufferSize),
		done:      make(chan struct{}),
	}
}

// SessionID returns the session this connection is bound to
func (c *Client) SessionID() string {
	return c.sessionID
}

// Close tears the connection down. It runs its cleanup exactly once no
// matter how many times or from where it is called.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.relay.upstream.Disconnect(c.sessionID)
		c.relay.unregister(c)

		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout),
		)
		_ = c.conn.Close()
		log.Printf("🔌 [%s] Client connection closed", session.ShortID(c.sessionID))
	})
}

// writePump handles all outgoing messages in a single goroutine
func (c *Client) writePump() {
	var ping <-chan time.Time
	if c.relay.keepAlive > 0 {
		ticker := time.NewTicker(c.relay.keepAlive)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Printf("⚠️ [%s] Ping failed: %v", session.ShortID(c.sessionID), err)
				go c.Close()
				return
			}
		case msg := <-c.writeChan:
			if err := c.write(msg); err != nil {
				log.Printf("⚠️ [%s] Write to client failed: %v", session.ShortID(c.sessionID), err)
				go c.Close()
				return
			}
		}
	}
}

func (c *Client) write(msg *messages.ServerMessage) error {
	data, err := messages.Encode(msg)
	if err != nil {
		log.Printf("❌ [%s] Failed to encode %s message: %v", session.ShortID(c.sessionID), msg.Type, err)
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.relay.metrics.ObserveMessage("outbound", msg.Type)
	return nil
}

// queue adds a message to the write queue (non-blocking)
func (c *Client) queue(msg *messages.ServerMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.writeChan <- msg:
	default:
		c.relay.metrics.ObserveMessage("dropped", msg.Type)
		log.Printf("⚠️ [%s] Write queue full, dropping %s message", session.ShortID(c.sessionID), msg.Type)
	}
}

func (c *Client) readLoop(ctx context.Context) {
	if keepAlive := c.relay.keepAlive; keepAlive > 0 {
		pongWait := 2 * keepAlive
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		messageType, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("❌ [%s] WebSocket read error: %v", session.ShortID(c.sessionID), err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.relay.metrics.ObserveMessage("inbound", "binary_audio")
			c.forwardAudio(proxy.AudioFrame{Raw: frame, MimeType: BinaryMIMEType})
		case websocket.TextMessage:
			c.handleText(ctx, frame)
		}
	}
}

func (c *Client) handleText(ctx context.Context, frame []byte) {
	msg, err := messages.ParseClientMessage(frame)
	if err != nil {
		log.Printf("⚠️ [%s] Failed to parse message: %v", session.ShortID(c.sessionID), err)
		c.queue(messages.NewErrorMessage(c.sessionID, "Invalid message format"))
		return
	}
	c.relay.metrics.ObserveMessage("inbound", msg.Type)

	switch msg.Type {
	case messages.TypeConnect:
		c.handleConnect(ctx)

	case messages.TypeAudio:
		payload, err := messages.ValidateAudio(msg.Data)
		if err != nil {
			c.queue(messages.NewErrorMessage(c.sessionID, "Invalid audio data"))
			return
		}
		c.forwardAudio(proxy.AudioFrame{Data: payload.Data, MimeType: payload.MimeType})

	case messages.TypeDisconnect:
		c.relay.upstream.Disconnect(c.sessionID)
		c.queue(messages.NewStatusMessage(c.sessionID, messages.StatusDisconnected))

	case messages.TypePing:
		c.queue(messages.NewPongMessage(c.sessionID))

	default:
		log.Printf("⚠️ [%s] Unknown message type: %s", session.ShortID(c.sessionID), msg.Type)
	}
}

func (c *Client) handleConnect(ctx context.Context) {
	if _, ok := c.relay.sessions.Get(c.sessionID); !ok {
		c.queue(messages.NewErrorMessage(c.sessionID, "Session not found"))
		return
	}

	if err := c.relay.upstream.Connect(ctx, c.sessionID, c.translate, c.upstreamError); err != nil {
		log.Printf("❌ [%s] Upstream connect failed: %v", session.ShortID(c.sessionID), err)
		if errors.Is(err, session.ErrNotFound) {
			c.queue(messages.NewErrorMessage(c.sessionID, "Session not found"))
		}
		c.queue(messages.NewStatusMessage(c.sessionID, messages.StatusError))
		return
	}
	c.queue(messages.NewStatusMessage(c.sessionID, messages.StatusConnected))
}

func (c *Client) forwardAudio(frame proxy.AudioFrame) {
	if err := c.relay.upstream.SendAudio(c.sessionID, frame); err != nil {
		log.Printf("❌ [%s] Failed to send audio upstream: %v", session.ShortID(c.sessionID), err)
		c.queue(messages.NewErrorMessage(c.sessionID, "Failed to send audio: "+err.Error()))
	}
}

func (c *Client) upstreamError(err error) {
	c.queue(messages.NewErrorMessage(c.sessionID, err.Error()))
}

// translate maps one upstream event onto client messages. The checks are
// independent; one event may produce several messages.
func (c *Client) translate(ev *gemini.Event) {
	if ev == nil {
		return
	}

	for _, fc := range ev.ToolCalls {
		c.queue(messages.NewFunctionCallMessage(c.sessionID, fc.Name, fc.Args, fc.ID))
	}

	audio := ev.Audio
	if len(audio) == 0 {
		audio = ev.InlineData
	}
	if len(audio) > 0 {
		c.queue(messages.NewAudioMessage(c.sessionID, base64.StdEncoding.EncodeToString(audio)))
	}

	if t := ev.InputTranscript; t != nil && t.Text != "" {
		c.mu.Lock()
		c.userText.WriteString(t.Text)
		c.mu.Unlock()
		c.queue(messages.NewTranscriptionMessage(c.sessionID, t.Text, true, false))
	}
	if t := ev.OutputTranscript; t != nil && t.Text != "" {
		c.mu.Lock()
		c.assistantText.WriteString(t.Text)
		c.mu.Unlock()
		c.queue(messages.NewTranscriptionMessage(c.sessionID, t.Text, false, false))
	}

	if ev.TurnComplete {
		c.rememberTurn()
		c.queue(messages.NewTranscriptionMessage(c.sessionID, "", true, true))
		c.queue(messages.NewTranscriptionMessage(c.sessionID, "", false, true))
	}

	if ev.Interrupted {
		c.queue(messages.NewInterruptMessage(c.sessionID))
	}
}

// rememberTurn moves the accumulated transcripts into session memory
func (c *Client) rememberTurn() {
	c.mu.Lock()
	user := strings.TrimSpace(c.userText.String())
	assistant := strings.TrimSpace(c.assistantText.String())
	c.userText.Reset()
	c.assistantText.Reset()
	c.mu.Unlock()

	if user != "" {
		c.relay.sessions.AppendMemory(c.sessionID, "user", user)
	}
	if assistant != "" {
		c.relay.sessions.AppendMemory(c.sessionID, "assistant", assistant)
	}
}
