package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/room4-2/voicerelay/messages"
)

type inbound struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

func main() {
	baseURL := flag.String("server", "http://localhost:8080", "Relay base URL")
	audioFile := flag.String("file", "examples/user.pcm", "Audio file to send (PCM or WAV, 16kHz mono)")
	binary := flag.Bool("binary", false, "Send audio as binary frames instead of base64 messages")
	play := flag.Bool("play", false, "Play model audio through sox")
	wait := flag.Duration("wait", 30*time.Second, "How long to wait for responses after sending")
	flag.Parse()

	sessionID, err := createSession(*baseURL)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}
	log.Printf("🆕 Session created: %s", sessionID)

	wsURL, err := websocketURL(*baseURL, sessionID)
	if err != nil {
		log.Fatalf("Invalid server URL: %v", err)
	}

	log.Printf("🔌 Connecting to %s...", wsURL)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	var out *speaker
	if *play {
		if out, err = newSpeaker(messages.OutputMIMEType); err != nil {
			log.Fatalf("Failed to start playback (is sox installed?): %v", err)
		}
		defer out.Close()
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	connected := make(chan struct{})
	done := make(chan struct{})
	go readLoop(conn, out, connected, done)

	if err := sendJSON(conn, &messages.ClientMessage{Type: messages.TypeConnect, SessionID: sessionID}); err != nil {
		log.Fatalf("Failed to send connect: %v", err)
	}

	select {
	case <-connected:
	case <-done:
		log.Fatal("Connection closed before upstream was ready")
	case <-time.After(10 * time.Second):
		log.Fatal("⏰ Timeout waiting for CONNECTED")
	}

	log.Printf("📤 Sending audio file: %s", *audioFile)
	raw, err := os.ReadFile(*audioFile)
	if err != nil {
		log.Fatalf("Failed to read audio: %v", err)
	}
	audioData, err := pcmSamples(raw)
	if err != nil {
		log.Fatalf("Failed to load audio: %v", err)
	}

	// Send audio in chunks (simulating real-time streaming)
	chunkSize := 3200 // 100ms at 16kHz
	total := (len(audioData) + chunkSize - 1) / chunkSize
	for i := 0; i < len(audioData); i += chunkSize {
		end := min(i+chunkSize, len(audioData))
		chunk := audioData[i:end]

		if err := sendChunk(conn, sessionID, chunk, *binary); err != nil {
			log.Printf("Send error: %v", err)
			break
		}
		log.Printf("📤 Sent chunk %d/%d (%d bytes)", i/chunkSize+1, total, len(chunk))

		// Simulate real-time streaming pace
		time.Sleep(100 * time.Millisecond)
	}

	log.Println("✅ Audio sent, waiting for response...")

	select {
	case <-done:
		log.Println("Connection closed")
	case <-interrupt:
		log.Println("\n👋 Interrupted, closing...")
	case <-time.After(*wait):
		log.Println("⏰ Done waiting")
	}

	_ = sendJSON(conn, &messages.ClientMessage{Type: messages.TypeDisconnect, SessionID: sessionID})
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func readLoop(conn *websocket.Conn, out *speaker, connected, done chan struct{}) {
	defer close(done)
	var once sync.Once
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			log.Println("Read error:", err)
			return
		}

		var msg inbound
		if err := sonic.ConfigStd.Unmarshal(frame, &msg); err != nil {
			log.Println("Parse error:", err)
			continue
		}

		switch msg.Type {
		case messages.TypeStatus:
			var payload messages.StatusPayload
			_ = sonic.ConfigStd.Unmarshal(msg.Data, &payload)
			log.Printf("📊 Status: %s", payload.Status)
			if payload.Status == messages.StatusConnected {
				once.Do(func() { close(connected) })
			}

		case messages.TypeAudio:
			var payload struct {
				messages.AudioResponsePayload
				Interrupt bool `json:"interrupt"`
			}
			_ = sonic.ConfigStd.Unmarshal(msg.Data, &payload)
			if payload.Interrupt {
				log.Println("✋ Interrupted by user speech")
				continue
			}
			audioBytes, err := base64.StdEncoding.DecodeString(payload.Audio)
			if err == nil {
				log.Printf("🔊 Audio: %d bytes (%s)", len(audioBytes), payload.MimeType)
				out.Play(audioBytes)
			}

		case messages.TypeTranscription:
			var payload messages.TranscriptionPayload
			_ = sonic.ConfigStd.Unmarshal(msg.Data, &payload)
			who := "🤖"
			if payload.IsUser {
				who = "🧑"
			}
			if payload.IsFinal {
				log.Printf("%s --- end of turn ---", who)
			} else {
				fmt.Printf("%s %s\n", who, payload.Text)
			}

		case messages.TypeFunctionCall:
			var payload messages.FunctionCallPayload
			_ = sonic.ConfigStd.Unmarshal(msg.Data, &payload)
			log.Printf("🔧 Function call: %s %v (id: %s)", payload.Name, payload.Args, payload.CallID)

		case messages.TypeError:
			log.Printf("❌ Error: %s", string(msg.Data))

		case messages.TypePong:
			log.Println("🏓 Pong")
		}
	}
}

func createSession(baseURL string) (string, error) {
	res, err := http.Post(strings.TrimRight(baseURL, "/")+"/api/sessions", "application/json", strings.NewReader("{}"))
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", res.StatusCode)
	}

	var created struct {
		SessionID string `json:"sessionId"`
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", err
	}
	if err := sonic.ConfigStd.Unmarshal(body, &created); err != nil {
		return "", err
	}
	return created.SessionID, nil
}

func websocketURL(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"sessionId": {sessionID}}.Encode()
	return u.String(), nil
}

func sendChunk(conn *websocket.Conn, sessionID string, chunk []byte, binary bool) error {
	if binary {
		return conn.WriteMessage(websocket.BinaryMessage, chunk)
	}
	data, err := sonic.ConfigStd.Marshal(messages.AudioPayload{
		Data:     base64.StdEncoding.EncodeToString(chunk),
		MimeType: "audio/pcm;rate=16000",
	})
	if err != nil {
		return err
	}
	return sendJSON(conn, &messages.ClientMessage{Type: messages.TypeAudio, Data: data, SessionID: sessionID})
}

func sendJSON(conn *websocket.Conn, msg *messages.ClientMessage) error {
	data, err := sonic.ConfigStd.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
