package tts

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

var (
	percentPattern = regexp.MustCompile(`^[+-]\d+%$`)
	hertzPattern   = regexp.MustCompile(`^[+-]\d+Hz$`)

	// en-US-AriaNeural, en-US-Chirp-HD-F, zh-CN-liaoning-XiaobeiNeural
	shortVoicePattern = regexp.MustCompile(`^[a-z]{2,3}-[A-Z]{2,3}(-[A-Za-z0-9]+)+$`)
	// Microsoft Server Speech Text to Speech Voice (en-US, AriaNeural)
	longVoicePattern = regexp.MustCompile(`^Microsoft Server Speech Text to Speech Voice \([a-z]{2,3}-[A-Z]{2,3}(-[A-Za-z]+)?, [A-Za-z0-9-]+\)$`)
)

// Defaults used when a request leaves a field empty.
const (
	DefaultRate   = "+0%"
	DefaultPitch  = "+0Hz"
	DefaultVolume = "+0%"
)

// WithDefaults fills empty prosody fields and the voice.
func (p Params) WithDefaults(voice string) Params {
	if p.Voice == "" {
		p.Voice = voice
	}
	if p.Rate == "" {
		p.Rate = DefaultRate
	}
	if p.Pitch == "" {
		p.Pitch = DefaultPitch
	}
	if p.Volume == "" {
		p.Volume = DefaultVolume
	}
	return p
}

// Validate checks the voice name and the string-encoded prosody deltas: rate
// and volume are signed whole percentages, pitch is a signed whole Hz offset.
func (p Params) Validate() error {
	if p.Voice == "" {
		return fmt.Errorf("voice is required")
	}
	if !shortVoicePattern.MatchString(p.Voice) && !longVoicePattern.MatchString(p.Voice) {
		return fmt.Errorf("invalid voice %q: want a name like en-US-AriaNeural", p.Voice)
	}
	if !percentPattern.MatchString(p.Rate) {
		return fmt.Errorf("invalid rate %q: want a signed percentage like +10%%", p.Rate)
	}
	if !hertzPattern.MatchString(p.Pitch) {
		return fmt.Errorf("invalid pitch %q: want a signed offset like -2Hz", p.Pitch)
	}
	if !percentPattern.MatchString(p.Volume) {
		return fmt.Errorf("invalid volume %q: want a signed percentage like +0%%", p.Volume)
	}
	return nil
}

// percent parses "+10%" as 10.
func percent(s string) float64 {
	v, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil {
		return 0
	}
	return v
}

// hertz parses "-20Hz" as -20.
func hertz(s string) float64 {
	v, err := strconv.ParseFloat(s[:len(s)-2], 64)
	if err != nil {
		return 0
	}
	return v
}

// SpeakingRate converts the rate delta into a multiplier clamped to [0.25, 4].
func (p Params) SpeakingRate() float64 {
	if !percentPattern.MatchString(p.Rate) {
		return 1
	}
	return clamp(1+percent(p.Rate)/100, 0.25, 4)
}

// Semitones approximates the Hz pitch offset against a 200Hz reference voice,
// clamped to [-20, 20].
func (p Params) Semitones() float64 {
	if !hertzPattern.MatchString(p.Pitch) {
		return 0
	}
	hz := hertz(p.Pitch)
	if hz <= -200 {
		return -20
	}
	return clamp(12*math.Log2((200+hz)/200), -20, 20)
}

// VolumeGainDb converts the volume percentage into decibels, clamped to [-96, 16].
func (p Params) VolumeGainDb() float64 {
	if !percentPattern.MatchString(p.Volume) {
		return 0
	}
	factor := 1 + percent(p.Volume)/100
	if factor <= 0 {
		return -96
	}
	return clamp(20*math.Log10(factor), -96, 16)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
