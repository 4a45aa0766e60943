package tts

import (
	"context"
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/tahcohcat/longform-tts/internal/audio"
	"github.com/tahcohcat/longform-tts/internal/logger"
)

// DummyTts produces silence sized to the text, for running the service
// without a speech backend.
type DummyTts struct {
	format Format
}

func NewDummyTts(format Format) *DummyTts {
	if format == "" {
		format = FormatMP3
	}
	return &DummyTts{format: format}
}

// Synthesize returns one silent frame per 20 characters (at least one).
func (d *DummyTts) Synthesize(ctx context.Context, text string, _ Params) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger.New().Debug("no tts configured. returning silence")

	frames := 1 + utf8.RuneCountInString(text)/20
	if d.format == FormatWAV {
		return silentWAV(frames)
	}

	frame := audio.SilentMP3Frame()
	out := make([]byte, 0, frames*len(frame))
	for i := 0; i < frames; i++ {
		out = append(out, frame...)
	}
	return out, nil
}

// silentWAV encodes frames*10ms of 24kHz mono silence.
func silentWAV(frames int) ([]byte, error) {
	f, err := os.CreateTemp("", "dummy-*.wav")
	if err != nil {
		return nil, fmt.Errorf("dummy wav: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	w := audio.NewWAVWriter(f, 24000, 16, 1)
	if err := w.Write(audio.Silence(24000, 1, frames*240)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return os.ReadFile(f.Name())
}

func (d *DummyTts) ListVoices(context.Context) ([]Voice, error) {
	return []Voice{
		{Name: "Dummy Aria", ShortName: "en-US-AriaNeural", Locale: "en-US", Gender: "Female"},
		{Name: "Dummy Guy", ShortName: "en-US-GuyNeural", Locale: "en-US", Gender: "Male"},
		{Name: "Dummy Sonia", ShortName: "en-GB-SoniaNeural", Locale: "en-GB", Gender: "Female"},
	}, nil
}

func (d *DummyTts) Format() Format { return d.format }

func (d *DummyTts) Name() string {
	return "dummy"
}
