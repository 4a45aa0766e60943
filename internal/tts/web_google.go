package tts

import (
	"context"
	"fmt"
	"strings"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	ttspb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"

	"github.com/tahcohcat/longform-tts/internal/logger"
)

// googleClient is the subset of the Cloud TTS client the provider calls.
type googleClient interface {
	SynthesizeSpeech(ctx context.Context, req *ttspb.SynthesizeSpeechRequest, opts ...gax.CallOption) (*ttspb.SynthesizeSpeechResponse, error)
	ListVoices(ctx context.Context, req *ttspb.ListVoicesRequest, opts ...gax.CallOption) (*ttspb.ListVoicesResponse, error)
	Close() error
}

type GoogleConfig struct {
	CredentialsFile string
	SampleRateHertz int32
	Format          Format
}

type GoogleSynthesizer struct {
	client googleClient
	cfg    GoogleConfig
	logger *logger.Log
}

func NewGoogleSynthesizer(ctx context.Context, cfg GoogleConfig) (*GoogleSynthesizer, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := texttospeech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google TTS client: %w", err)
	}
	return newGoogleSynthesizer(client, cfg), nil
}

func newGoogleSynthesizer(client googleClient, cfg GoogleConfig) *GoogleSynthesizer {
	if cfg.Format == "" {
		cfg.Format = FormatMP3
	}
	if cfg.SampleRateHertz <= 0 {
		cfg.SampleRateHertz = 24000
	}
	return &GoogleSynthesizer{client: client, cfg: cfg, logger: logger.New()}
}

// Extract language code from voice name (e.g., "en-US-Chirp-HD-F" -> "en-US", "en-GB-Standard-D" -> "en-GB")
func extractLanguageCode(voice string) string {
	parts := strings.Split(voice, "-")
	if len(parts) >= 2 {
		return fmt.Sprintf("%s-%s", parts[0], parts[1])
	}
	// Fallback to en-US if we can't parse
	return "en-US"
}

func (g *GoogleSynthesizer) Synthesize(ctx context.Context, text string, params Params) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	encoding := ttspb.AudioEncoding_MP3
	if g.cfg.Format == FormatWAV {
		// LINEAR16 responses carry a WAV header
		encoding = ttspb.AudioEncoding_LINEAR16
	}

	languageCode := extractLanguageCode(params.Voice)

	req := &ttspb.SynthesizeSpeechRequest{
		Input: &ttspb.SynthesisInput{
			InputSource: &ttspb.SynthesisInput_Text{Text: text},
		},
		Voice: &ttspb.VoiceSelectionParams{
			LanguageCode: languageCode,
			Name:         params.Voice,
		},
		AudioConfig: &ttspb.AudioConfig{
			AudioEncoding:   encoding,
			SpeakingRate:    params.SpeakingRate(),
			Pitch:           params.Semitones(),
			VolumeGainDb:    params.VolumeGainDb(),
			SampleRateHertz: g.cfg.SampleRateHertz,
		},
	}

	g.logger.Debug(fmt.Sprintf("Generating Google TTS audio with voice: %s, language: %s, rate: %s",
		params.Voice, languageCode, params.Rate))

	resp, err := g.client.SynthesizeSpeech(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to synthesize speech: %w", err)
	}
	if len(resp.AudioContent) == 0 {
		return nil, ErrEmptyAudio
	}

	g.logger.Debug(fmt.Sprintf("Generated %d bytes of %s audio", len(resp.AudioContent), g.cfg.Format))
	return resp.AudioContent, nil
}

func (g *GoogleSynthesizer) ListVoices(ctx context.Context) ([]Voice, error) {
	resp, err := g.client.ListVoices(ctx, &ttspb.ListVoicesRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list Google voices: %w", err)
	}

	voices := make([]Voice, 0, len(resp.Voices))
	for _, v := range resp.Voices {
		locale := ""
		if len(v.LanguageCodes) > 0 {
			locale = v.LanguageCodes[0]
		}
		voices = append(voices, Voice{
			Name:      v.Name,
			ShortName: v.Name,
			Locale:    locale,
			Gender:    genderName(v.SsmlGender),
		})
	}
	return voices, nil
}

func genderName(g ttspb.SsmlVoiceGender) string {
	switch g {
	case ttspb.SsmlVoiceGender_MALE:
		return "Male"
	case ttspb.SsmlVoiceGender_FEMALE:
		return "Female"
	case ttspb.SsmlVoiceGender_NEUTRAL:
		return "Neutral"
	default:
		return ""
	}
}

func (g *GoogleSynthesizer) Format() Format { return g.cfg.Format }

func (g *GoogleSynthesizer) Name() string {
	return "Google Cloud Text-to-Speech"
}

func (g *GoogleSynthesizer) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}
