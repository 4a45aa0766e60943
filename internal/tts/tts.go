package tts

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned when a provider answers without any audio bytes.
var ErrEmptyAudio = errors.New("empty audio content")

// Params are the voice and prosody settings shared by every chunk of a request.
type Params struct {
	Voice  string `json:"voice"`
	Rate   string `json:"rate"`   // e.g. "+10%"
	Pitch  string `json:"pitch"`  // e.g. "-2Hz"
	Volume string `json:"volume"` // e.g. "+0%"
}

// Synthesizer turns one piece of text into encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, params Params) ([]byte, error)
	// Format is the encoding of every byte slice Synthesize returns.
	Format() Format
	Name() string
}

// Voice describes one voice a provider can speak with.
type Voice struct {
	Name      string `json:"name"`
	ShortName string `json:"short_name"`
	Locale    string `json:"locale"`
	Gender    string `json:"gender"`
}

// VoiceLister is implemented by providers that can enumerate their voices.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]Voice, error)
}

// Format is an audio encoding produced by a provider.
type Format string

const (
	FormatMP3 Format = "mp3"
	FormatWAV Format = "wav"
)

func (f Format) ContentType() string {
	switch f {
	case FormatWAV:
		return "audio/wav"
	default:
		return "audio/mpeg"
	}
}

func (f Format) Extension() string {
	if f == "" {
		return string(FormatMP3)
	}
	return string(f)
}
