// Package service runs one synthesis request end to end: chunk, synthesize,
// merge, store, sign.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tahcohcat/longform-tts/internal/chunker"
	"github.com/tahcohcat/longform-tts/internal/logger"
	"github.com/tahcohcat/longform-tts/internal/notify"
	"github.com/tahcohcat/longform-tts/internal/pipeline"
	"github.com/tahcohcat/longform-tts/internal/storage"
	"github.com/tahcohcat/longform-tts/internal/telemetry"
	"github.com/tahcohcat/longform-tts/internal/tts"
)

type Request struct {
	Text   string `json:"text"`
	Voice  string `json:"voice,omitempty"`
	Rate   string `json:"rate,omitempty"`
	Pitch  string `json:"pitch,omitempty"`
	Volume string `json:"volume,omitempty"`
}

// Response is the uniform reply shape, success or not.
type Response struct {
	Status          string `json:"status"`
	AudioURL        string `json:"audio_url,omitempty"`
	ChunksProcessed int    `json:"chunks_processed,omitempty"`
	Message         string `json:"message,omitempty"`
	RequestID       string `json:"request_id,omitempty"`
}

// Result is what a successful request produced.
type Result struct {
	RequestID string
	Reference storage.Reference
	Chunks    int
}

// Broadcaster receives progress events keyed by request id.
type Broadcaster interface {
	Broadcast(topic string, v any)
}

type Stage string

const (
	StageChunked Stage = "chunked"
	StageChunk   Stage = "chunk"
	StageMerged  Stage = "merged"
	StageStored  Stage = "stored"
	StageDone    Stage = "done"
	StageFailed  Stage = "failed"
)

// ProgressEvent is pushed to websocket subscribers. ChunkIndex is -1 for
// events that are not about a single chunk.
type ProgressEvent struct {
	RequestID   string `json:"request_id"`
	Stage       Stage  `json:"stage"`
	ChunkIndex  int    `json:"chunk_index"`
	ChunksTotal int    `json:"chunks_total"`
	Completed   int    `json:"completed,omitempty"`
	Status      string `json:"status"`
}

type Options struct {
	MaxChars       int
	DefaultVoice   string
	Concurrency    int
	ChunkTimeout   time.Duration
	RequestTimeout time.Duration
	URLTTL         time.Duration
	ScratchDir     string
}

type Option func(*Service)

// WithVoiceDirectory rejects voices the provider does not list.
func WithVoiceDirectory(d *tts.Directory) Option {
	return func(s *Service) { s.voices = d }
}

func WithProgress(b Broadcaster) Option {
	return func(s *Service) { s.progress = b }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

type Service struct {
	synth    tts.Synthesizer
	orch     *pipeline.Orchestrator
	merger   pipeline.Merger
	store    storage.Gateway
	opts     Options
	voices   *tts.Directory
	progress Broadcaster
	notifier notify.Notifier
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	newID    func() string
}

func New(synth tts.Synthesizer, store storage.Gateway, opts Options, options ...Option) (*Service, error) {
	merger, err := pipeline.NewMerger(synth.Format())
	if err != nil {
		return nil, err
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = chunker.DefaultMaxChars
	}
	if opts.DefaultVoice == "" {
		opts.DefaultVoice = "en-US-AriaNeural"
	}
	if opts.URLTTL <= 0 {
		opts.URLTTL = time.Hour
	}

	s := &Service{
		synth:    synth,
		merger:   merger,
		store:    store,
		opts:     opts,
		notifier: notify.Nop{},
		tracer:   otel.Tracer("github.com/tahcohcat/longform-tts/internal/service"),
		newID:    uuid.NewString,
	}
	s.orch = pipeline.NewOrchestrator(synth, pipeline.Options{
		Concurrency:  opts.Concurrency,
		ChunkTimeout: opts.ChunkTimeout,
	})
	for _, o := range options {
		o(s)
	}
	return s, nil
}

func (s *Service) ProviderName() string { return s.synth.Name() }

func (s *Service) StorageName() string { return s.store.Name() }

// Voices lists the provider's voices.
func (s *Service) Voices(ctx context.Context) ([]tts.Voice, error) {
	lister, ok := s.synth.(tts.VoiceLister)
	if !ok {
		return nil, tts.ErrNoVoiceList
	}
	if s.voices != nil {
		c, err := s.voices.Catalog(ctx)
		if err != nil {
			return nil, err
		}
		return c.Voices(), nil
	}
	return lister.ListVoices(ctx)
}

// Handle runs the request and folds any failure into the response.
func (s *Service) Handle(ctx context.Context, req Request) (Response, error) {
	res, err := s.Synthesize(ctx, req)
	return ResponseFor(res, err), err
}

func ResponseFor(res *Result, err error) Response {
	if err != nil {
		return Response{Status: "error", Message: err.Error()}
	}
	return Response{
		Status:          "success",
		AudioURL:        res.Reference.URL,
		ChunksProcessed: res.Chunks,
		RequestID:       res.RequestID,
	}
}

// Synthesize turns the request's text into one stored audio object. Nothing
// is stored unless every chunk synthesized, and the request's scratch
// directory is removed on every path out.
func (s *Service) Synthesize(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	requestID := s.newID()
	log := logger.New().With("request_id", requestID)

	chunks := 0
	defer func() {
		s.finish(ctx, requestID, res, chunks, start, err)
	}()

	params, err := s.validate(ctx, req)
	if err != nil {
		log.WithError(err).Warn("request rejected")
		return nil, err
	}

	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "request", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.Int("text.chars", len([]rune(req.Text))),
		attribute.String("voice", params.Voice),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	pieces := chunker.Chunks(req.Text, s.opts.MaxChars)
	chunks = len(pieces)
	log.Info(fmt.Sprintf("text length %d, voice %s, rate %s, %d chunk(s)", len([]rune(req.Text)), params.Voice, params.Rate, chunks))
	for _, c := range pieces {
		if chunker.Oversized(c.Text, s.opts.MaxChars) {
			log.With("chunk", c.Index).Warn(fmt.Sprintf("single sentence of %d chars exceeds the %d char budget; sending it whole", len([]rune(c.Text)), s.opts.MaxChars))
		}
	}
	s.publish(ProgressEvent{RequestID: requestID, Stage: StageChunked, ChunkIndex: -1, ChunksTotal: chunks, Status: "ok"})

	scratch, err := pipeline.NewScratch(s.opts.ScratchDir, requestID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrMerge, err)
	}
	defer func() {
		if rerr := scratch.Release(); rerr != nil {
			log.WithError(rerr).Warn("failed to remove scratch dir")
		}
	}()

	results, err := s.orch.SynthesizeAll(ctx, pieces, params, func(p pipeline.Progress) {
		status := "ok"
		if p.Err != nil {
			status = "error"
		}
		s.publish(ProgressEvent{
			RequestID:   requestID,
			Stage:       StageChunk,
			ChunkIndex:  p.ChunkIndex,
			ChunksTotal: p.ChunksTotal,
			Completed:   p.Completed,
			Status:      status,
		})
	})
	if err != nil {
		return nil, err
	}

	merged, size, err := s.merge(ctx, scratch, results)
	if err != nil {
		return nil, err
	}
	defer merged.Close()
	s.publish(ProgressEvent{RequestID: requestID, Stage: StageMerged, ChunkIndex: -1, ChunksTotal: chunks, Status: "ok"})

	ref, err := s.storeMerged(ctx, merged, size)
	if err != nil {
		return nil, err
	}
	s.publish(ProgressEvent{RequestID: requestID, Stage: StageStored, ChunkIndex: -1, ChunksTotal: chunks, Status: "ok"})

	log.Success(fmt.Sprintf("stored %s (%d bytes, %d chunks) in %s", ref.Key, size, chunks, time.Since(start).Round(time.Millisecond)))
	return &Result{RequestID: requestID, Reference: ref, Chunks: chunks}, nil
}

func (s *Service) validate(ctx context.Context, req Request) (tts.Params, error) {
	if strings.TrimSpace(req.Text) == "" {
		return tts.Params{}, &InputError{Message: MsgNoText}
	}

	params := tts.Params{
		Voice:  strings.TrimSpace(req.Voice),
		Rate:   strings.TrimSpace(req.Rate),
		Pitch:  strings.TrimSpace(req.Pitch),
		Volume: strings.TrimSpace(req.Volume),
	}.WithDefaults(s.opts.DefaultVoice)
	if err := params.Validate(); err != nil {
		return tts.Params{}, &InputError{Message: err.Error()}
	}

	if s.voices != nil {
		catalog, err := s.voices.Catalog(ctx)
		if err != nil {
			logger.New().WithError(err).Warn("voice list unavailable, skipping voice check")
		} else if err := catalog.Check(params.Voice); err != nil {
			return tts.Params{}, &InputError{Message: err.Error()}
		}
	}
	return params, nil
}

// merge writes the combined audio to the scratch dir and returns it rewound.
func (s *Service) merge(ctx context.Context, scratch *pipeline.Scratch, results []pipeline.Result) (io.ReadCloser, int64, error) {
	_, span := s.tracer.Start(ctx, "merge")
	defer span.End()

	f, err := scratch.Create("merged." + s.merger.Format().Extension())
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", pipeline.ErrMerge, err)
	}
	size, err := s.merger.Merge(results, f)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		f.Close()
		span.RecordError(err)
		if !errors.Is(err, pipeline.ErrMerge) {
			err = fmt.Errorf("%w: %v", pipeline.ErrMerge, err)
		}
		return nil, 0, err
	}
	span.SetAttributes(attribute.Int64("bytes", size))
	return f, size, nil
}

func (s *Service) storeMerged(ctx context.Context, body io.Reader, size int64) (storage.Reference, error) {
	ctx, span := s.tracer.Start(ctx, "store", trace.WithAttributes(attribute.String("backend", s.store.Name())))
	defer span.End()

	ref, err := storage.Store(ctx, s.store, body, size, s.merger.Format().ContentType(), s.opts.URLTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return storage.Reference{}, err
	}
	return ref, nil
}

func (s *Service) finish(ctx context.Context, requestID string, res *Result, chunks int, start time.Time, err error) {
	elapsed := time.Since(start)
	kind := Kind(err)
	s.metrics.Record(ctx, kind, successChunks(res), elapsed)

	event := notify.Event{
		RequestID:       requestID,
		Status:          kind,
		ChunksProcessed: successChunks(res),
		DurationMillis:  elapsed.Milliseconds(),
		FinishedAt:      time.Now().UTC(),
	}
	stage := StageDone
	if err != nil {
		event.Message = err.Error()
		stage = StageFailed
	} else {
		event.AudioURL = res.Reference.URL
	}
	s.publish(ProgressEvent{RequestID: requestID, Stage: stage, ChunkIndex: -1, ChunksTotal: chunks, Status: kind})

	if perr := s.notifier.Publish(context.WithoutCancel(ctx), event); perr != nil {
		logger.New().With("request_id", requestID).WithError(perr).Warn("failed to publish completion event")
	}
}

func (s *Service) publish(e ProgressEvent) {
	if s.progress != nil {
		s.progress.Broadcast(e.RequestID, e)
	}
}

func successChunks(res *Result) int {
	if res == nil {
		return 0
	}
	return res.Chunks
}
