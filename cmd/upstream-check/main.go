package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/room4-2/voicerelay/config"
	"github.com/room4-2/voicerelay/gemini"
)

// Opens one Live API stream directly, without the relay, streams a PCM file
// and logs every decoded event.
func main() {
	audioFile := flag.String("file", "examples/user.pcm", "16kHz mono PCM file to send")
	wait := flag.Duration("wait", 15*time.Second, "How long to wait for the model")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *wait+30*time.Second)
	defer cancel()

	client, err := gemini.NewClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.VoiceName)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	stream, err := client.Dial(ctx, gemini.SessionConfig{
		SystemPrompt: "You are a helpful assistant. Keep responses brief.",
	})
	if err != nil {
		log.Fatalf("Failed to open stream: %v", err)
	}
	defer stream.Close()

	go func() {
		for {
			ev, err := stream.Receive()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Printf("❌ Error: %v", err)
				}
				return
			}
			switch {
			case ev.SetupComplete:
				log.Println("✅ Setup complete")
			case len(ev.Audio) > 0:
				log.Printf("🔊 Received audio: %d bytes", len(ev.Audio))
			case ev.OutputTranscript != nil:
				log.Printf("💬 %s", ev.OutputTranscript.Text)
			case ev.InputTranscript != nil:
				log.Printf("🧑 %s", ev.InputTranscript.Text)
			case ev.TurnComplete:
				log.Println("✅ Turn complete")
			}
		}
	}()

	audio, err := os.ReadFile(*audioFile)
	if err != nil {
		log.Fatalf("Failed to read audio: %v", err)
	}
	const chunkSize = 3200 // 100ms at 16kHz
	for i := 0; i < len(audio); i += chunkSize {
		end := min(i+chunkSize, len(audio))
		if err := stream.SendAudio(audio[i:end], "audio/pcm"); err != nil {
			log.Fatalf("Failed to send audio: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	log.Println("Waiting for response...")
	time.Sleep(*wait)
	log.Println("Done")
}
