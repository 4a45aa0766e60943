package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tahcohcat/longform-tts/internal/audio"
	"github.com/tahcohcat/longform-tts/internal/notify"
	"github.com/tahcohcat/longform-tts/internal/pipeline"
	"github.com/tahcohcat/longform-tts/internal/storage"
	"github.com/tahcohcat/longform-tts/internal/tts"
)

type echoSynth struct {
	fail  string
	calls atomic.Int32
}

func (e *echoSynth) Synthesize(ctx context.Context, text string, _ tts.Params) ([]byte, error) {
	e.calls.Add(1)
	if e.fail != "" && strings.Contains(text, e.fail) {
		return nil, errors.New("upstream refused")
	}
	return append(audio.SilentMP3Frame()[:4:4], []byte(text)...), nil
}

func (e *echoSynth) Format() tts.Format { return tts.FormatMP3 }
func (e *echoSynth) Name() string       { return "echo" }

type fakeStore struct {
	mu          sync.Mutex
	puts        int
	data        []byte
	contentType string
	failPut     error
}

func (f *fakeStore) Put(_ context.Context, body io.Reader, size int64, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.failPut != nil {
		return "", f.failPut
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", errors.New("size mismatch")
	}
	f.data, f.contentType = data, contentType
	return "generated/test.mp3", nil
}

func (f *fakeStore) Sign(_ context.Context, key string, ttl time.Duration) (string, error) {
	return "https://storage.example.com/" + key + "?ttl=" + ttl.String(), nil
}

func (f *fakeStore) Serves(u *url.URL) bool { return u.Host == "storage.example.com" }
func (f *fakeStore) Name() string           { return "fake" }

type recorder struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (r *recorder) Broadcast(_ string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, v.(ProgressEvent))
}

type notifications struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *notifications) Publish(_ context.Context, e notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *notifications) Close() {}

func newService(t *testing.T, synth tts.Synthesizer, store storage.Gateway, maxChars int, options ...Option) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	svc, err := New(synth, store, Options{
		MaxChars:       maxChars,
		Concurrency:    4,
		ChunkTimeout:   time.Second,
		RequestTimeout: 5 * time.Second,
		URLTTL:         time.Hour,
		ScratchDir:     root,
	}, options...)
	if err != nil {
		t.Fatal(err)
	}
	return svc, root
}

func assertScratchEmpty(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch root still holds %d entries", len(entries))
	}
}

func TestHelloWorld(t *testing.T) {
	store := &fakeStore{}
	svc, root := newService(t, tts.NewDummyTts(tts.FormatMP3), store, 2000)

	resp, err := svc.Handle(context.Background(), Request{Text: "Hello world."})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "success" || resp.AudioURL == "" || resp.ChunksProcessed != 1 {
		t.Errorf("response = %+v", resp)
	}
	if store.puts != 1 || store.contentType != "audio/mpeg" {
		t.Errorf("puts = %d, content type %q", store.puts, store.contentType)
	}
	assertScratchEmpty(t, root)
}

func TestEmptyText(t *testing.T) {
	for _, text := range []string{"", "   \n\t"} {
		synth := &echoSynth{}
		store := &fakeStore{}
		svc, _ := newService(t, synth, store, 2000)

		resp, err := svc.Handle(context.Background(), Request{Text: text})
		if !errors.Is(err, ErrInput) {
			t.Errorf("err = %v, want ErrInput", err)
		}
		body, _ := json.Marshal(resp)
		if string(body) != `{"status":"error","message":"No text provided"}` {
			t.Errorf("response = %s", body)
		}
		if synth.calls.Load() != 0 || store.puts != 0 {
			t.Errorf("downstream ran: %d synth calls, %d puts", synth.calls.Load(), store.puts)
		}
	}
}

func TestMultiChunkOrderAndProgress(t *testing.T) {
	store := &fakeStore{}
	progress := &recorder{}
	svc, root := newService(t, &echoSynth{}, store, 30, WithProgress(progress))

	text := "First sentence is here. Second one follows it. Third closes the text."
	res, err := svc.Synthesize(context.Background(), Request{Text: text})
	if err != nil {
		t.Fatal(err)
	}
	if res.Chunks != 3 {
		t.Fatalf("chunks = %d, want 3", res.Chunks)
	}

	// each chunk is a 4 byte frame header followed by its text
	var got []string
	for _, part := range bytes.Split(store.data, audio.SilentMP3Frame()[:4]) {
		if len(part) > 0 {
			got = append(got, string(part))
		}
	}
	want := []string{"First sentence is here.", "Second one follows it.", "Third closes the text."}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("merged order = %q", got)
	}

	stages := map[Stage]int{}
	for _, e := range progress.events {
		stages[e.Stage]++
		if e.RequestID != res.RequestID {
			t.Errorf("event for %q, want %q", e.RequestID, res.RequestID)
		}
	}
	if stages[StageChunk] != 3 || stages[StageChunked] != 1 || stages[StageStored] != 1 || stages[StageDone] != 1 {
		t.Errorf("stages = %v", stages)
	}
	assertScratchEmpty(t, root)
}

func TestChunkFailureStoresNothing(t *testing.T) {
	store := &fakeStore{}
	events := &notifications{}
	progress := &recorder{}
	svc, root := newService(t, &echoSynth{fail: "boom"}, store, 20, WithNotifier(events), WithProgress(progress))

	resp, err := svc.Handle(context.Background(), Request{Text: "All fine here. Then boom happens. And more."})
	if !errors.Is(err, pipeline.ErrSynthesis) {
		t.Fatalf("err = %v, want synthesis failure", err)
	}
	if resp.Status != "error" || resp.Message == "" || resp.AudioURL != "" {
		t.Errorf("response = %+v", resp)
	}
	if store.puts != 0 {
		t.Errorf("put called %d times after a failed chunk", store.puts)
	}
	assertScratchEmpty(t, root)

	if len(events.events) != 1 || events.events[0].Status != "synthesis_error" {
		t.Errorf("events = %+v", events.events)
	}
	last := progress.events[len(progress.events)-1]
	if last.Stage != StageFailed {
		t.Errorf("last stage = %s", last.Stage)
	}
}

func TestStorageFailure(t *testing.T) {
	store := &fakeStore{failPut: errors.Join(storage.ErrStorage, errors.New("bucket gone"))}
	svc, root := newService(t, &echoSynth{}, store, 2000)

	_, err := svc.Synthesize(context.Background(), Request{Text: "Hello world."})
	if !errors.Is(err, storage.ErrStorage) || Kind(err) != "storage_error" {
		t.Fatalf("err = %v", err)
	}
	assertScratchEmpty(t, root)
}

func TestInvalidProsody(t *testing.T) {
	synth := &echoSynth{}
	svc, _ := newService(t, synth, &fakeStore{}, 2000)

	tests := []Request{
		{Text: "hi", Rate: "fast"},
		{Text: "hi", Pitch: "+10%"},
		{Text: "hi", Volume: "10"},
		{Text: "hi", Rate: "+10.5%"},
		{Text: "hi", Voice: "en-US-AriaNeural'><prosody rate='+400%"},
	}
	for _, req := range tests {
		if _, err := svc.Synthesize(context.Background(), req); !errors.Is(err, ErrInput) {
			t.Errorf("%+v: err = %v", req, err)
		}
	}
	if synth.calls.Load() != 0 {
		t.Errorf("synthesizer called for invalid input")
	}
}

func TestUnknownVoice(t *testing.T) {
	dummy := tts.NewDummyTts(tts.FormatMP3)
	svc, _ := newService(t, dummy, &fakeStore{}, 2000, WithVoiceDirectory(tts.NewDirectory(dummy, time.Hour)))

	_, err := svc.Synthesize(context.Background(), Request{Text: "hi", Voice: "en-US-AriaNeurl"})
	if !errors.Is(err, ErrInput) || !strings.Contains(err.Error(), "unknown voice") {
		t.Fatalf("err = %v", err)
	}

	if _, err := svc.Synthesize(context.Background(), Request{Text: "hi", Voice: "en-GB-SoniaNeural"}); err != nil {
		t.Errorf("known voice rejected: %v", err)
	}

	voices, err := svc.Voices(context.Background())
	if err != nil || len(voices) != 3 {
		t.Errorf("voices = %v, %v", voices, err)
	}
}

func TestWAVOutput(t *testing.T) {
	store := &fakeStore{}
	svc, _ := newService(t, tts.NewDummyTts(tts.FormatWAV), store, 20)

	res, err := svc.Synthesize(context.Background(), Request{Text: "One short line. Another short line."})
	if err != nil {
		t.Fatal(err)
	}
	if res.Chunks != 2 {
		t.Errorf("chunks = %d", res.Chunks)
	}
	if store.contentType != "audio/wav" || !bytes.HasPrefix(store.data, []byte("RIFF")) {
		t.Errorf("stored %q starting %q", store.contentType, store.data[:4])
	}
}

func TestKind(t *testing.T) {
	tests := map[string]error{
		"success":         nil,
		"input_error":     &InputError{Message: MsgNoText},
		"synthesis_error": &pipeline.ChunkError{Index: 0, Err: errors.New("x")},
		"merge_error":     pipeline.ErrMerge,
		"storage_error":   storage.ErrStorage,
		"error":           errors.New("other"),
	}
	for want, err := range tests {
		if got := Kind(err); got != want {
			t.Errorf("Kind(%v) = %s, want %s", err, got, want)
		}
	}
}
