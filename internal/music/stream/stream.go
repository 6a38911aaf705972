package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"layeh.com/gopus"
)

const (
	channels   = 2
	sampleRate = 48000
	frameSize  = 960 // 20ms at 48kHz
	maxBytes   = frameSize * channels * 2
)

// Encoder turns one frame of interleaved PCM samples into an Opus packet.
type Encoder interface {
	Encode(pcm []int16, frameSize, maxDataBytes int) ([]byte, error)
}

// NewOpusEncoder returns the Opus encoder voice connections expect.
func NewOpusEncoder() (Encoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("encoder error: %w", err)
	}
	return enc, nil
}

// Encode reads PCM from pcm frame by frame, encodes each frame and hands
// it to send until the input ends, stop is closed, or send returns false.
// A trailing partial frame is padded with silence. Reaching the end of
// the input is not an error.
func Encode(pcm io.Reader, enc Encoder, stop <-chan struct{}, send func([]byte) bool) error {
	pcmBuf := make([]byte, maxBytes)
	intBuf := make([]int16, frameSize*channels)

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := io.ReadFull(pcm, pcmBuf)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			clear(pcmBuf[n:])
		case err != nil:
			return fmt.Errorf("read error: %w", err)
		}

		pcmToInt16(pcmBuf, intBuf)

		opus, encErr := enc.Encode(intBuf, frameSize, maxBytes)
		if encErr != nil {
			return fmt.Errorf("encode error: %w", encErr)
		}

		if !send(opus) {
			return nil
		}
		if err != nil {
			return nil
		}
	}
}

func pcmToInt16(src []byte, dst []int16) {
	for i := range dst {
		dst[i] = int16(binary.LittleEndian.Uint16(src[i*2 : i*2+2]))
	}
}
