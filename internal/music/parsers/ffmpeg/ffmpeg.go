package ffmpeg

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
)

const (
	channels   = 2
	sampleRate = 48000
)

var ErrNotFound = errors.New("ffmpeg binary not found")

// FFMPEGStreamer decodes local audio files with an ffmpeg subprocess.
type FFMPEGStreamer struct {
	// Binary overrides the ffmpeg executable; empty means "ffmpeg" on PATH.
	Binary string
}

// Open starts ffmpeg on path and returns its PCM output.
func (s *FFMPEGStreamer) Open(path string) (io.ReadCloser, func(), error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("audio resource: %w", err)
	}

	bin, err := exec.LookPath(s.binary())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	cmd := exec.Command(bin, args(path)...)
	reader, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe error: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("command start error: %w", err)
	}

	cleanup := func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}

	return reader, cleanup, nil
}

func (s *FFMPEGStreamer) binary() string {
	if s.Binary != "" {
		return s.Binary
	}
	return "ffmpeg"
}

func args(path string) []string {
	return []string{
		"-i", path,
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
		"-loglevel", "warning",
		"pipe:1",
	}
}
