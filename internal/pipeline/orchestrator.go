// Package pipeline fans chunk synthesis out to a bounded pool and merges
// the results back in chunk order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tahcohcat/longform-tts/internal/chunker"
	"github.com/tahcohcat/longform-tts/internal/logger"
	"github.com/tahcohcat/longform-tts/internal/tts"
)

// Options bound the fan-out.
type Options struct {
	// Concurrency caps in-flight synthesis calls for one request.
	Concurrency int
	// ChunkTimeout bounds each synthesis call on its own; the caller's
	// context still bounds the request as a whole.
	ChunkTimeout time.Duration
}

// Progress is emitted once per settled chunk.
type Progress struct {
	ChunkIndex  int
	ChunksTotal int
	Completed   int
	Err         error
}

type ProgressFunc func(Progress)

type Orchestrator struct {
	synth  tts.Synthesizer
	opts   Options
	tracer trace.Tracer
	logger *logger.Log
}

func NewOrchestrator(synth tts.Synthesizer, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Orchestrator{
		synth:  synth,
		opts:   opts,
		tracer: otel.Tracer("github.com/tahcohcat/longform-tts/internal/pipeline"),
		logger: logger.New(),
	}
}

type outcome struct {
	audio []byte
	err   error
}

// SynthesizeAll synthesizes every chunk and returns the results ordered by
// chunk index. Either every chunk succeeds or the whole batch fails: on the
// first failure the remaining calls are cancelled, and once all tasks have
// returned the completed siblings are dropped and a *ChunkError is returned.
func (o *Orchestrator) SynthesizeAll(ctx context.Context, chunks []chunker.Chunk, params tts.Params, progress ProgressFunc) ([]Result, error) {
	if err := checkIndices(chunks); err != nil {
		return nil, err
	}

	ctx, span := o.tracer.Start(ctx, "synthesize_all", trace.WithAttributes(
		attribute.Int("chunks", len(chunks)),
		attribute.Int("concurrency", o.opts.Concurrency),
		attribute.String("voice", params.Voice),
	))
	defer span.End()

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	slots := make([]outcome, len(chunks))
	var settled atomic.Int32

	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for _, c := range chunks {
		g.Go(func() error {
			audio, err := o.synthesizeChunk(taskCtx, c, params)
			slots[c.Index] = outcome{audio: audio, err: err}
			if err != nil {
				cancel()
			}
			n := settled.Add(1)
			if progress != nil {
				progress(Progress{ChunkIndex: c.Index, ChunksTotal: len(chunks), Completed: int(n), Err: err})
			}
			return nil
		})
	}
	// barrier: nothing below runs until every task has returned
	g.Wait()

	if err := firstFailure(ctx, slots); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	results := make([]Result, len(slots))
	for i, s := range slots {
		results[i] = Result{Index: i, Audio: s.audio}
	}
	return results, nil
}

func (o *Orchestrator) synthesizeChunk(ctx context.Context, c chunker.Chunk, params tts.Params) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := o.tracer.Start(ctx, "chunk", trace.WithAttributes(
		attribute.Int("chunk.index", c.Index),
		attribute.Int("chunk.chars", len(c.Text)),
	))
	defer span.End()

	if o.opts.ChunkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.ChunkTimeout)
		defer cancel()
	}

	start := time.Now()
	audio, err := o.synth.Synthesize(ctx, c.Text, params)
	if err == nil && len(audio) == 0 {
		err = tts.ErrEmptyAudio
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.With("chunk", c.Index).WithError(err).Warn("chunk synthesis failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("chunk.bytes", len(audio)))
	o.logger.Debug(fmt.Sprintf("chunk %d: %d chars -> %d bytes in %s", c.Index, len(c.Text), len(audio), time.Since(start).Round(time.Millisecond)))
	return audio, nil
}

// firstFailure picks the error to report. Failures caused by our own
// cancellation of siblings are noise; the root cause is the lowest-index
// failure that is not a bare cancellation. If the caller's context ended,
// that is reported instead.
func firstFailure(parent context.Context, slots []outcome) error {
	var fallback *ChunkError
	for i, s := range slots {
		if s.err == nil {
			continue
		}
		if errors.Is(s.err, context.Canceled) && parent.Err() == nil {
			if fallback == nil {
				fallback = &ChunkError{Index: i, Err: s.err}
			}
			continue
		}
		return &ChunkError{Index: i, Err: s.err}
	}
	if fallback != nil {
		return fallback
	}
	if err := parent.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSynthesis, err)
	}
	return nil
}

func checkIndices(chunks []chunker.Chunk) error {
	if len(chunks) == 0 {
		return fmt.Errorf("%w: no chunks to synthesize", ErrSynthesis)
	}
	for i, c := range chunks {
		if c.Index != i {
			return fmt.Errorf("%w: chunk at position %d has index %d", ErrSynthesis, i, c.Index)
		}
	}
	return nil
}
