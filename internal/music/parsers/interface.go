package parsers

import "io"

// Streamer turns an audio resource into raw PCM: signed 16-bit little
// endian, 48kHz, stereo. The returned cleanup releases whatever produced
// the stream and must be called once reading is done.
type Streamer interface {
	Open(path string) (io.ReadCloser, func(), error)
}
