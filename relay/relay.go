// Package relay owns client WebSocket connections. It decodes client
// messages, drives the upstream proxy and translates upstream events into
// the client message schema.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/room4-2/voicerelay/gemini"
	"github.com/room4-2/voicerelay/messages"
	"github.com/room4-2/voicerelay/observability"
	"github.com/room4-2/voicerelay/proxy"
	"github.com/room4-2/voicerelay/session"
)

// BinaryMIMEType is assumed for audio sent as binary frames
const BinaryMIMEType = "audio/pcm;rate=16000"

// Upstream is the part of the proxy the relay drives
type Upstream interface {
	Connect(ctx context.Context, sessionID string, onMessage func(*gemini.Event), onError func(error)) error
	SendAudio(sessionID string, frame proxy.AudioFrame) error
	Disconnect(sessionID string)
}

// Relay tracks active client connections by session id
type Relay struct {
	sessions  *session.Store
	upstream  Upstream
	metrics   *observability.Metrics
	keepAlive time.Duration

	mu     sync.Mutex
	active map[string]*Client
}

// New creates a relay. A keepAlive of zero disables pings.
func New(sessions *session.Store, upstream Upstream, metrics *observability.Metrics, keepAlive time.Duration) *Relay {
	return &Relay{
		sessions:  sessions,
		upstream:  upstream,
		metrics:   metrics,
		keepAlive: keepAlive,
		active:    make(map[string]*Client),
	}
}

// Serve runs one client connection bound to sessionID and blocks until it
// closes. The upstream stream is disconnected on return.
func (r *Relay) Serve(ctx context.Context, conn *websocket.Conn, sessionID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := newClient(r, conn, sessionID)
	r.register(c)
	defer c.Close()

	go c.writePump()
	c.queue(messages.NewStatusMessage(sessionID, messages.StatusConnecting))
	c.readLoop(ctx)
}

// ActiveCount returns the number of registered connections
func (r *Relay) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Lookup returns the connection registered for a session
func (r *Relay) Lookup(sessionID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.active[sessionID]
	return c, ok
}

// CloseAll closes every registered connection
func (r *Relay) CloseAll() {
	r.mu.Lock()
	all := make([]*Client, 0, len(r.active))
	for _, c := range r.active {
		all = append(all, c)
	}
	r.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}

func (r *Relay) register(c *Client) {
	r.mu.Lock()
	r.active[c.sessionID] = c
	n := len(r.active)
	r.mu.Unlock()
	r.metrics.SetActiveConnections(n)
}

// unregister removes c unless a newer connection took its place
func (r *Relay) unregister(c *Client) {
	r.mu.Lock()
	if r.active[c.sessionID] == c {
		delete(r.active, c.sessionID)
	}
	n := len(r.active)
	r.mu.Unlock()
	r.metrics.SetActiveConnections(n)
}
