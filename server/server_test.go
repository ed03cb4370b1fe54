package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/room4-2/voicerelay/config"
	"github.com/room4-2/voicerelay/functions"
	"github.com/room4-2/voicerelay/gemini/geminitest"
	"github.com/room4-2/voicerelay/observability"
	"github.com/room4-2/voicerelay/proxy"
	"github.com/room4-2/voicerelay/relay"
	"github.com/room4-2/voicerelay/session"
	"github.com/room4-2/voicerelay/tools"
)

func newTestServer(t *testing.T) (*httptest.Server, *session.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.PublicDir = ""

	store := session.NewStore(time.Minute)
	registry := tools.NewRegistry(time.Second)
	functions.RegisterDefaults(registry)
	metrics := observability.NewMetrics("test_server")
	upstream := proxy.New(store, registry, geminitest.NewMockDialer(), metrics)
	rl := relay.New(store, upstream, metrics, 0)

	srv := New(cfg, store, registry, rl, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, store
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestSessionLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"userId": "user-1"})
	res, err := http.Post(ts.URL+"/api/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	created := decodeBody(t, res)
	sessionID, _ := created["sessionId"].(string)
	if sessionID == "" || created["createdAt"] == nil {
		t.Fatalf("unexpected create response: %+v", created)
	}

	res, err = http.Get(ts.URL + "/api/sessions/" + sessionID)
	if err != nil {
		t.Fatalf("get session request error = %v", err)
	}
	got := decodeBody(t, res)
	if got["userId"] != "user-1" || got["memoryLength"] != float64(0) || got["sessionId"] != sessionID {
		t.Fatalf("unexpected get response: %+v", got)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/sessions/"+sessionID, nil)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete session request error = %v", err)
	}
	if deleted := decodeBody(t, res); deleted["success"] != true {
		t.Fatalf("unexpected delete response: %+v", deleted)
	}

	res, err = http.Get(ts.URL + "/api/sessions/" + sessionID)
	if err != nil {
		t.Fatalf("get session request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", res.StatusCode)
	}

	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second delete request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", res.StatusCode)
	}
}

func TestCreateSessionUserIDFromHeader(t *testing.T) {
	ts, store := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/sessions", nil)
	req.Header.Set("X-User-Id", "header-user")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	created := decodeBody(t, res)

	sess, ok := store.Get(created["sessionId"].(string))
	if !ok || sess.UserID != "header-user" {
		t.Fatalf("user id not taken from header: %+v", sess)
	}
}

func TestCreateSessionRejectsBadJSON(t *testing.T) {
	ts, _ := newTestServer(t)
	res, err := http.Post(ts.URL+"/api/sessions", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestListTools(t *testing.T) {
	ts, _ := newTestServer(t)
	res, err := http.Get(ts.URL + "/api/tools")
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	out := decodeBody(t, res)
	list, _ := out["tools"].([]any)
	if len(list) != 5 {
		t.Fatalf("tools = %d, want 5", len(list))
	}
	first := list[0].(map[string]any)
	if first["name"] == "" || first["parameters"] == nil {
		t.Fatalf("declaration missing fields: %+v", first)
	}
	if _, hasHandler := first["handler"]; hasHandler {
		t.Fatalf("declaration view must not expose handlers")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request error = %v", err)
	}
	if health := decodeBody(t, res); health["status"] != "ok" {
		t.Fatalf("unexpected health response: %+v", health)
	}

	res, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", res.StatusCode)
	}
}

func TestCORSAllowList(t *testing.T) {
	ts, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/sessions", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent || res.Header.Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Fatalf("preflight status = %d, allow-origin = %q", res.StatusCode, res.Header.Get("Access-Control-Allow-Origin"))
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	res.Body.Close()
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow-origin for foreign origin: %q", got)
	}
}

func wsURL(ts *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
}

func TestWebSocketUnknownSessionClosed(t *testing.T) {
	ts, _ := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "?sessionId=does-not-exist"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation || closeErr.Text != "Session not found" {
		t.Fatalf("read error = %v, want close 1008 Session not found", err)
	}
}

func TestWebSocketCreatesSessionWhenAbsent(t *testing.T) {
	ts, store := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type      string            `json:"type"`
		Data      map[string]string `json:"data"`
		SessionID string            `json:"sessionId"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "status" || msg.Data["status"] != "CONNECTING" {
		t.Fatalf("first message = %+v, want CONNECTING", msg)
	}
	if _, ok := store.Get(msg.SessionID); !ok {
		t.Fatalf("session %q was not created", msg.SessionID)
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	ts, store := newTestServer(t)
	sess := store.Create(context.Background(), "")

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(wsURL(ts, "?sessionId="+sess.ID), header)
	if err == nil {
		t.Fatalf("expected handshake failure for foreign origin")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %+v, want 403", res)
	}
}
