package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

const (
	// chunkSize is 100ms of 16kHz 16-bit mono PCM.
	chunkSize = 3200
	wavHeader = 44
)

// AudioPlayer streams model audio to the speakers through sox.
type AudioPlayer struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	closed bool
}

func NewAudioPlayer() (*AudioPlayer, error) {
	cmd := exec.Command("sox",
		"-t", "raw",
		"-r", "24000",
		"-b", "16",
		"-c", "1",
		"-e", "signed-integer",
		"-",
		"-d",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sox stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sox (is it installed?): %w", err)
	}
	return &AudioPlayer{cmd: cmd, stdin: stdin}, nil
}

func (p *AudioPlayer) Play(pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	_, _ = p.stdin.Write(pcm)
}

func (p *AudioPlayer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	_ = p.stdin.Close()
	_ = p.cmd.Wait()
}

// loadAudioFile returns the raw PCM of a .pcm or .wav file.
func loadAudioFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return stripWAVHeader(data), nil
}

// stripWAVHeader drops a canonical 44 byte RIFF header.
func stripWAVHeader(data []byte) []byte {
	if len(data) > wavHeader && bytes.HasPrefix(data, []byte("RIFF")) {
		return data[wavHeader:]
	}
	return data
}

// chunks splits pcm into realtime sized pieces. The last may be short.
func chunks(pcm []byte, size int) [][]byte {
	var out [][]byte
	for len(pcm) > 0 {
		n := min(size, len(pcm))
		out = append(out, pcm[:n])
		pcm = pcm[n:]
	}
	return out
}
