// Package chunker splits long text into pieces small enough for a single
// synthesis call.
package chunker

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxChars is the per-chunk character budget used when none is configured.
const DefaultMaxChars = 2000

// Chunk is one synthesis unit. Index is 0-based and dense across a split.
type Chunk struct {
	Index int
	Text  string
}

// Split breaks text into ordered chunks of at most maxChars characters.
//
// Text that already fits is returned as a single chunk. Longer text is cut
// into paragraphs on newlines and into sentences on ". ", "? " and "! ", and
// sentences are packed greedily with a single space between them. A sentence
// that alone exceeds maxChars is emitted whole; such a chunk is the only one
// allowed over the budget.
func Split(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if utf8.RuneCountInString(text) <= maxChars {
		if t := strings.TrimSpace(text); t != "" {
			return []string{t}
		}
		return nil
	}

	var (
		chunks  []string
		current strings.Builder
		size    int // rune count of current, including the trailing space
	)

	flush := func() {
		if t := strings.TrimSpace(current.String()); t != "" {
			chunks = append(chunks, t)
		}
		current.Reset()
		size = 0
	}

	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	for _, para := range strings.Split(normalized, "\n") {
		if strings.TrimSpace(para) == "" {
			continue
		}
		for _, sentence := range sentences(para) {
			n := utf8.RuneCountInString(sentence)
			if size+n+1 > maxChars {
				flush()
			}
			current.WriteString(sentence)
			current.WriteByte(' ')
			size += n + 1
		}
	}
	flush()

	return chunks
}

// Chunks is Split with indices attached.
func Chunks(text string, maxChars int) []Chunk {
	parts := Split(text, maxChars)
	out := make([]Chunk, len(parts))
	for i, p := range parts {
		out[i] = Chunk{Index: i, Text: p}
	}
	return out
}

// Oversized reports whether a chunk went over the budget, which only happens
// for a single sentence longer than maxChars.
func Oversized(chunk string, maxChars int) bool {
	return utf8.RuneCountInString(chunk) > maxChars
}

// sentences splits a paragraph after ". ", "? " and "! ", keeping the
// terminator on its sentence. Blank pieces are dropped.
func sentences(para string) []string {
	var out []string
	start := 0
	for i := 0; i+1 < len(para); i++ {
		switch para[i] {
		case '.', '?', '!':
			if para[i+1] != ' ' {
				continue
			}
			if s := strings.TrimSpace(para[start : i+1]); s != "" {
				out = append(out, s)
			}
			start = i + 2
			i++
		}
	}
	if start < len(para) {
		if s := strings.TrimSpace(para[start:]); s != "" {
			out = append(out, s)
		}
	}
	return out
}
