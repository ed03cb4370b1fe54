package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"mime"
	"os/exec"
	"strconv"
	"sync"
)

// speaker pipes 16-bit mono PCM into sox at the rate the relay advertises
type speaker struct {
	mu   sync.Mutex
	cmd  *exec.Cmd
	sink io.WriteCloser
	done bool
}

// sampleRate reads the rate parameter of a PCM mime type such as
// "audio/pcm;rate=24000".
func sampleRate(mimeType string) (int, error) {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return 0, err
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("no usable rate in %q", mimeType)
	}
	return rate, nil
}

func soxArgs(rate int) []string {
	return []string{
		"-q",
		"-t", "raw",
		"-r", strconv.Itoa(rate),
		"-b", "16",
		"-c", "1",
		"-e", "signed-integer",
		"-",
		"-d",
	}
}

func newSpeaker(mimeType string) (*speaker, error) {
	rate, err := sampleRate(mimeType)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command("sox", soxArgs(rate)...)
	sink, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &speaker{cmd: cmd, sink: sink}, nil
}

// Play is a no-op on a nil speaker so callers need not check -play.
func (s *speaker) Play(pcm []byte) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		_, _ = s.sink.Write(pcm)
	}
}

func (s *speaker) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	_ = s.sink.Close()
	_ = s.cmd.Wait()
}

var errNoDataChunk = errors.New("wav: no data chunk")

// pcmSamples returns the sample bytes of a RIFF/WAVE file by walking its
// chunks to "data". Anything that is not RIFF is treated as raw PCM.
func pcmSamples(file []byte) ([]byte, error) {
	if len(file) < 12 || string(file[0:4]) != "RIFF" {
		return file, nil
	}
	if string(file[8:12]) != "WAVE" {
		return nil, fmt.Errorf("wav: unexpected form type %q", file[8:12])
	}

	rest := file[12:]
	for len(rest) >= 8 {
		id := string(rest[0:4])
		size := int(binary.LittleEndian.Uint32(rest[4:8]))
		body := rest[8:]
		if size > len(body) {
			size = len(body)
		}
		if id == "data" {
			return body[:size], nil
		}
		// chunks are word aligned
		skip := size + size%2
		if skip > len(body) {
			break
		}
		rest = body[skip:]
	}
	return nil, errNoDataChunk
}
