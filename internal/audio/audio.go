// Package audio holds the few container-level helpers the pipeline needs:
// sniffing whether bytes are safe to concatenate, and WAV decode/encode.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var (
	ErrNotMP3 = errors.New("not an MPEG audio stream")
	ErrNotWAV = errors.New("not a RIFF/WAVE stream")
)

// CheckMP3 accepts data that starts with an ID3v2 tag or an MPEG frame sync.
// Bare MPEG frames can be appended to one another; anything else cannot.
func CheckMP3(data []byte) error {
	if len(data) >= 3 && bytes.Equal(data[:3], []byte("ID3")) {
		return nil
	}
	if len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0 {
		return nil
	}
	return ErrNotMP3
}

// CheckWAV accepts data carrying a RIFF/WAVE header.
func CheckWAV(data []byte) error {
	if len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")) {
		return nil
	}
	return ErrNotWAV
}

// PCM is a decoded WAV body with the parameters needed to re-encode it.
type PCM struct {
	Buffer   *goaudio.IntBuffer
	BitDepth int
}

func (p PCM) SampleRate() int  { return p.Buffer.Format.SampleRate }
func (p PCM) NumChannels() int { return p.Buffer.Format.NumChannels }

// DecodeWAV reads a whole WAV stream into memory.
func DecodeWAV(r io.ReadSeeker) (PCM, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return PCM{}, ErrNotWAV
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("decode wav: %w", err)
	}
	return PCM{Buffer: buf, BitDepth: int(d.BitDepth)}, nil
}

// WAVWriter streams PCM buffers into a single WAV container. The header is
// patched with the final sizes on Close, hence the WriteSeeker.
type WAVWriter struct {
	enc *wav.Encoder
}

func NewWAVWriter(w io.WriteSeeker, sampleRate, bitDepth, numChannels int) *WAVWriter {
	// audio format 1 is uncompressed PCM
	return &WAVWriter{enc: wav.NewEncoder(w, sampleRate, bitDepth, numChannels, 1)}
}

func (w *WAVWriter) Write(buf *goaudio.IntBuffer) error {
	return w.enc.Write(buf)
}

func (w *WAVWriter) Close() error {
	return w.enc.Close()
}

// Silence returns a PCM buffer of the given length filled with zeros.
func Silence(sampleRate, numChannels int, samples int) *goaudio.IntBuffer {
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: numChannels, SampleRate: sampleRate},
		Data:           make([]int, samples*numChannels),
		SourceBitDepth: 16,
	}
}

// SilentMP3Frame is one MPEG-1 Layer III frame (128 kbps, 44.1 kHz, mono)
// with an all-zero payload, which decodes as silence.
func SilentMP3Frame() []byte {
	const frameLen = 417 // 144 * 128000 / 44100
	frame := make([]byte, frameLen)
	copy(frame, []byte{0xFF, 0xFB, 0x90, 0xC4})
	return frame
}
