package tts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tahcohcat/longform-tts/internal/logger"
)

const (
	edgeGECVersion = "1-130.0.2849.68"
	edgeOrigin     = "chrome-extension://jdiccldimpdaibmpdkjnbmckianbfold"
	edgeUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36 Edg/130.0.0.0"

	// seconds between 1601-01-01 and the unix epoch
	windowsEpochOffset = 11644473600
)

// EdgeConfig configures the Edge read-aloud provider.
type EdgeConfig struct {
	Endpoint     string // websocket synthesis endpoint
	VoicesURL    string // voice list endpoint
	ClientToken  string // trusted client token
	OutputFormat string // e.g. "audio-24khz-48kbitrate-mono-mp3"
	Format       Format
}

// EdgeSynthesizer speaks through the Microsoft Edge read-aloud websocket
// service. Each Synthesize call opens its own connection, so calls are safe
// to run concurrently.
type EdgeSynthesizer struct {
	cfg    EdgeConfig
	dialer *websocket.Dialer
	http   *http.Client
	now    func() time.Time
	logger *logger.Log
}

func NewEdgeSynthesizer(cfg EdgeConfig) *EdgeSynthesizer {
	if cfg.Format == "" {
		cfg.Format = FormatMP3
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "audio-24khz-48kbitrate-mono-mp3"
		if cfg.Format == FormatWAV {
			cfg.OutputFormat = "riff-24khz-16bit-mono-pcm"
		}
	}
	return &EdgeSynthesizer{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 30 * time.Second, EnableCompression: true},
		http:   &http.Client{Timeout: 30 * time.Second},
		now:    time.Now,
		logger: logger.New(),
	}
}

func (e *EdgeSynthesizer) Name() string { return "edge" }

func (e *EdgeSynthesizer) Format() Format { return e.cfg.Format }

// Synthesize sends one SSML turn and collects the binary audio frames until
// the service reports turn.end.
func (e *EdgeSynthesizer) Synthesize(ctx context.Context, text string, params Params) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	header := http.Header{}
	header.Set("Origin", edgeOrigin)
	header.Set("User-Agent", edgeUserAgent)
	header.Set("Pragma", "no-cache")
	header.Set("Cache-Control", "no-cache")

	conn, _, err := e.dialer.DialContext(ctx, e.connectURL(), header)
	if err != nil {
		return nil, fmt.Errorf("edge connect: %w", err)
	}
	defer conn.Close()

	// unblock ReadMessage when the caller gives up
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	timestamp := e.timestamp()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(e.configMessage(timestamp))); err != nil {
		return nil, fmt.Errorf("edge send config: %w", err)
	}
	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := conn.WriteMessage(websocket.TextMessage, []byte(ssmlMessage(requestID, timestamp, text, params))); err != nil {
		return nil, fmt.Errorf("edge send ssml: %w", err)
	}

	var audio bytes.Buffer
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("edge read: %w", err)
		}

		switch kind {
		case websocket.TextMessage:
			headers, _ := splitEdgeMessage(data)
			if headers["Path"] == "turn.end" {
				if audio.Len() == 0 {
					return nil, ErrEmptyAudio
				}
				e.logger.Debug(fmt.Sprintf("edge returned %d bytes for %d chars", audio.Len(), len(text)))
				return audio.Bytes(), nil
			}
		case websocket.BinaryMessage:
			if len(data) < 2 {
				return nil, fmt.Errorf("edge: binary frame too short")
			}
			headerLen := int(binary.BigEndian.Uint16(data[:2]))
			if 2+headerLen > len(data) {
				return nil, fmt.Errorf("edge: binary header length %d exceeds frame", headerLen)
			}
			headers, _ := splitEdgeMessage(data[2 : 2+headerLen])
			if headers["Path"] != "audio" {
				continue
			}
			audio.Write(data[2+headerLen:])
		}
	}
}

// ListVoices fetches the voice catalogue from the voice list endpoint.
func (e *EdgeSynthesizer) ListVoices(ctx context.Context) ([]Voice, error) {
	u := fmt.Sprintf("%s?trustedclienttoken=%s", e.cfg.VoicesURL, url.QueryEscape(e.cfg.ClientToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", edgeUserAgent)

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch edge voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch edge voices: status %d", resp.StatusCode)
	}

	var raw []struct {
		Name      string `json:"Name"`
		ShortName string `json:"ShortName"`
		Gender    string `json:"Gender"`
		Locale    string `json:"Locale"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode edge voices: %w", err)
	}

	voices := make([]Voice, 0, len(raw))
	for _, v := range raw {
		voices = append(voices, Voice{Name: v.Name, ShortName: v.ShortName, Locale: v.Locale, Gender: v.Gender})
	}
	return voices, nil
}

func (e *EdgeSynthesizer) connectURL() string {
	q := url.Values{}
	q.Set("TrustedClientToken", e.cfg.ClientToken)
	q.Set("Sec-MS-GEC", e.secMSGEC())
	q.Set("Sec-MS-GEC-Version", edgeGECVersion)
	q.Set("ConnectionId", strings.ReplaceAll(uuid.NewString(), "-", ""))
	return e.cfg.Endpoint + "?" + q.Encode()
}

// secMSGEC is the clock-skew token the service expects: SHA-256 over the
// Windows file time rounded down to five minutes, followed by the client token.
func (e *EdgeSynthesizer) secMSGEC() string {
	ticks := e.now().Unix() + windowsEpochOffset
	ticks -= ticks % 300
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d%s", ticks*10_000_000, e.cfg.ClientToken)))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func (e *EdgeSynthesizer) timestamp() string {
	return e.now().UTC().Format("Mon Jan 02 2006 15:04:05 GMT+0000 (Coordinated Universal Time)")
}

func (e *EdgeSynthesizer) configMessage(timestamp string) string {
	return "X-Timestamp:" + timestamp + "\r\n" +
		"Content-Type:application/json; charset=utf-8\r\n" +
		"Path:speech.config\r\n\r\n" +
		`{"context":{"synthesis":{"audio":{"metadataoptions":{"sentenceBoundaryEnabled":"false","wordBoundaryEnabled":"false"},"outputFormat":"` +
		e.cfg.OutputFormat + `"}}}}` + "\r\n"
}

func ssmlMessage(requestID, timestamp, text string, params Params) string {
	return "X-RequestId:" + requestID + "\r\n" +
		"Content-Type:application/ssml+xml\r\n" +
		"X-Timestamp:" + timestamp + "Z\r\n" +
		"Path:ssml\r\n\r\n" +
		buildSSML(text, params)
}

func buildSSML(text string, params Params) string {
	return fmt.Sprintf(
		"<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='en-US'>"+
			"<voice name='%s'><prosody pitch='%s' rate='%s' volume='%s'>%s</prosody></voice></speak>",
		escapeXML(longVoiceName(params.Voice)), escapeXML(params.Pitch), escapeXML(params.Rate),
		escapeXML(params.Volume), escapeXML(text))
}

// escapeXML escapes s for use as character data or a quoted attribute value.
func escapeXML(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// longVoiceName expands "en-US-AriaNeural" into the service's full voice name.
// Names that are already long, or do not look like locale-prefixed short
// names, pass through unchanged.
func longVoiceName(short string) string {
	parts := strings.Split(short, "-")
	if len(parts) < 3 || strings.HasPrefix(short, "Microsoft") {
		return short
	}
	locale := parts[0] + "-" + parts[1]
	name := strings.Join(parts[2:], "-")
	return fmt.Sprintf("Microsoft Server Speech Text to Speech Voice (%s, %s)", locale, name)
}

// splitEdgeMessage parses "Key:Value\r\n" headers up to the blank line.
func splitEdgeMessage(data []byte) (map[string]string, []byte) {
	headers := make(map[string]string)
	head, body, _ := bytes.Cut(data, []byte("\r\n\r\n"))
	for _, line := range strings.Split(string(head), "\r\n") {
		k, v, ok := strings.Cut(line, ":")
		if ok {
			headers[k] = strings.TrimSpace(v)
		}
	}
	return headers, body
}
