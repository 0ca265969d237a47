// Package audio provides PCM sources for the voice transport loop.
//
// A source yields signed 16-bit little-endian PCM at 48 kHz, mono. The
// transport loop reads one 20 ms frame (960 samples, 1920 bytes) at a
// time; a short read is treated as end-of-source for that tick and a
// zero-length read produces silence.
package audio

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Source is a readable PCM byte stream. Sources are owned by exactly one
// goroutine at a time; the transport loop closes a source when it is
// replaced, stopped, or the session ends.
type Source interface {
	io.ReadCloser
}

// ReadFrame reads up to len(frame) samples from src. It returns the
// number of samples read; end-of-stream is not an error. A trailing odd
// byte is discarded.
func ReadFrame(src io.Reader, frame []int16) (int, error) {
	buf := make([]byte, len(frame)*2)
	n, err := io.ReadFull(src, buf)
	samples := n / 2
	for i := 0; i < samples; i++ {
		frame[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return samples, nil
	}
	if err != nil {
		return samples, err
	}
	return samples, nil
}

// bufferSource is an in-memory PCM source, mostly useful for tests and
// canned announcements.
type bufferSource struct {
	r *bytes.Reader
}

// NewBufferSource returns a source reading the given samples.
func NewBufferSource(samples []int16) Source {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return &bufferSource{r: bytes.NewReader(buf)}
}

// NewRawSource returns a source reading raw s16le PCM bytes.
func NewRawSource(pcm []byte) Source {
	return &bufferSource{r: bytes.NewReader(pcm)}
}

func (b *bufferSource) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *bufferSource) Close() error { return nil }
