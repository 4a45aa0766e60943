package pipeline

import (
	"bytes"
	"fmt"
	"io"

	"github.com/tahcohcat/longform-tts/internal/audio"
	"github.com/tahcohcat/longform-tts/internal/tts"
)

// Result is the audio of one chunk, addressed by chunk index.
type Result struct {
	Index int
	Audio []byte
}

// Merger combines a complete, ordered result set into one stream.
type Merger interface {
	// Merge writes results[0..N-1] to dst in index order and returns the
	// number of bytes in dst.
	Merge(results []Result, dst io.WriteSeeker) (int64, error)
	Format() tts.Format
}

// NewMerger picks the strategy that is valid for the provider's encoding.
func NewMerger(format tts.Format) (Merger, error) {
	switch format {
	case tts.FormatMP3, "":
		return ConcatMerger{}, nil
	case tts.FormatWAV:
		return WAVMerger{}, nil
	default:
		return nil, fmt.Errorf("no merge strategy for format %q", format)
	}
}

// ConcatMerger appends MPEG audio byte for byte. That is only sound because
// every chunk is a headerless run of frames (optionally with a leading ID3
// tag), which is checked before anything is written.
type ConcatMerger struct{}

func (ConcatMerger) Format() tts.Format { return tts.FormatMP3 }

func (ConcatMerger) Merge(results []Result, dst io.WriteSeeker) (int64, error) {
	if err := checkComplete(results); err != nil {
		return 0, err
	}
	for _, r := range results {
		if err := audio.CheckMP3(r.Audio); err != nil {
			return 0, fmt.Errorf("%w: chunk %d is not concatenation-safe: %v", ErrMerge, r.Index, err)
		}
	}

	var total int64
	for _, r := range results {
		n, err := dst.Write(r.Audio)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("%w: write chunk %d: %v", ErrMerge, r.Index, err)
		}
	}
	return total, nil
}

// WAVMerger decodes every chunk's PCM and re-encodes it into a single RIFF
// container. All chunks must share sample rate, bit depth and channel count.
type WAVMerger struct{}

func (WAVMerger) Format() tts.Format { return tts.FormatWAV }

func (WAVMerger) Merge(results []Result, dst io.WriteSeeker) (int64, error) {
	if err := checkComplete(results); err != nil {
		return 0, err
	}

	decoded := make([]audio.PCM, len(results))
	for i, r := range results {
		if err := audio.CheckWAV(r.Audio); err != nil {
			return 0, fmt.Errorf("%w: chunk %d: %v", ErrMerge, r.Index, err)
		}
		pcm, err := audio.DecodeWAV(bytes.NewReader(r.Audio))
		if err != nil {
			return 0, fmt.Errorf("%w: chunk %d: %v", ErrMerge, r.Index, err)
		}
		if i > 0 {
			first := decoded[0]
			if pcm.SampleRate() != first.SampleRate() || pcm.BitDepth != first.BitDepth || pcm.NumChannels() != first.NumChannels() {
				return 0, fmt.Errorf("%w: chunk %d format %dHz/%dbit/%dch differs from chunk 0", ErrMerge,
					r.Index, pcm.SampleRate(), pcm.BitDepth, pcm.NumChannels())
			}
		}
		decoded[i] = pcm
	}

	first := decoded[0]
	w := audio.NewWAVWriter(dst, first.SampleRate(), first.BitDepth, first.NumChannels())
	for i, pcm := range decoded {
		if err := w.Write(pcm.Buffer); err != nil {
			return 0, fmt.Errorf("%w: write chunk %d: %v", ErrMerge, i, err)
		}
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("%w: finalize wav: %v", ErrMerge, err)
	}

	size, err := dst.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMerge, err)
	}
	return size, nil
}

// checkComplete enforces that merge only ever sees the full 0..N-1 set.
func checkComplete(results []Result) error {
	if len(results) == 0 {
		return fmt.Errorf("%w: no chunk audio", ErrMerge)
	}
	for i, r := range results {
		if r.Index != i {
			return fmt.Errorf("%w: slot %d holds chunk %d", ErrMerge, i, r.Index)
		}
		if len(r.Audio) == 0 {
			return fmt.Errorf("%w: chunk %d has no audio", ErrMerge, i)
		}
	}
	return nil
}
