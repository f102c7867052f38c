// Package chunker splits document text into bounded, paragraph-respecting
// chunks.
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChars is the chunk size used when none (or a non-positive one)
// is configured.
const DefaultMaxChars = 1200

// paragraphSeparator joins paragraphs that share a chunk.
const paragraphSeparator = "\n\n"

// Chunker splits text into chunks of at most maxChars runes.
type Chunker struct {
	maxChars int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithMaxChars sets the chunk size in runes. Non-positive values are ignored.
func WithMaxChars(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxChars = n
		}
	}
}

// New creates a Chunker with the given options.
func New(opts ...Option) *Chunker {
	c := &Chunker{maxChars: DefaultMaxChars}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxChars returns the configured chunk size.
func (c *Chunker) MaxChars() int {
	return c.maxChars
}

// Split splits text using the configured chunk size.
func (c *Chunker) Split(text string) []string {
	return Chunk(text, c.maxChars)
}

// Chunk splits text into an ordered sequence of chunks of at most maxChars
// runes each.
//
// Paragraphs (separated by one or more blank lines) are accumulated into a
// buffer joined by a blank line; the buffer is flushed before it would exceed
// maxChars. A paragraph longer than maxChars is hard-split at fixed offsets.
// Whitespace-only input yields an empty (non-nil) slice.
func Chunk(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	chunks := make([]string, 0)
	var buf strings.Builder
	bufLen := 0

	flush := func() {
		if bufLen > 0 {
			chunks = append(chunks, buf.String())
			buf.Reset()
			bufLen = 0
		}
	}

	for _, para := range paragraphs(text) {
		paraLen := runeLen(para)

		if paraLen > maxChars {
			flush()
			chunks = append(chunks, hardSplit(para, maxChars)...)
			continue
		}

		sepLen := 0
		if bufLen > 0 {
			sepLen = len(paragraphSeparator)
		}
		if bufLen+sepLen+paraLen > maxChars {
			flush()
			sepLen = 0
		}
		if sepLen > 0 {
			buf.WriteString(paragraphSeparator)
		}
		buf.WriteString(para)
		bufLen += sepLen + paraLen
	}
	flush()

	return chunks
}

// paragraphs returns the trimmed, non-empty paragraphs of text in order.
func paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var (
		out     []string
		current []string
	)
	emit := func() {
		if len(current) == 0 {
			return
		}
		p := strings.TrimSpace(strings.Join(current, "\n"))
		if p != "" {
			out = append(out, p)
		}
		current = current[:0]
	}

	for _, line := range lines {
		if strings.TrimFunc(line, unicode.IsSpace) == "" {
			emit()
			continue
		}
		current = append(current, line)
	}
	emit()

	return out
}

// hardSplit cuts s into consecutive pieces of maxChars runes; the last piece
// carries the remainder.
func hardSplit(s string, maxChars int) []string {
	runes := []rune(s)
	pieces := make([]string, 0, len(runes)/maxChars+1)
	for start := 0; start < len(runes); start += maxChars {
		end := start + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, string(runes[start:end]))
	}
	return pieces
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
