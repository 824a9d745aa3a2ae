// Package chunker splits statute text into retrievable chunks while
// tracking the line range each chunk covers in the source document.
package chunker

import "strings"

const (
	DefaultTargetSize = 800
	DefaultMaxSize    = 1200
)

type Options struct {
	TargetSize int
	MaxSize    int
}

func DefaultOptions() Options {
	return Options{TargetSize: DefaultTargetSize, MaxSize: DefaultMaxSize}
}

// Chunk is a contiguous span of the source text. Line numbers are 1-based
// and inclusive.
type Chunk struct {
	Text      string
	StartLine int
	EndLine   int
}

// Split breaks text into chunks on blank-line boundaries, merging adjacent
// paragraphs up to the target size. A paragraph longer than MaxSize becomes
// its own chunk rather than being cut mid-provision.
func Split(text string, opts Options) []Chunk {
	if opts.TargetSize <= 0 {
		opts = DefaultOptions()
	}

	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return nil
	}

	var chunks []Chunk
	var current *Chunk
	for _, p := range paragraphs {
		if current == nil {
			c := p
			current = &c
			continue
		}
		if len(current.Text)+len(p.Text)+1 > opts.TargetSize {
			chunks = append(chunks, *current)
			c := p
			current = &c
			continue
		}
		current.Text = current.Text + "\n" + p.Text
		current.EndLine = p.EndLine
	}
	if current != nil {
		chunks = append(chunks, *current)
	}
	return chunks
}

func splitParagraphs(text string) []Chunk {
	lines := strings.Split(text, "\n")
	var paragraphs []Chunk
	var buf []string
	start := 0

	flush := func(end int) {
		if len(buf) == 0 {
			return
		}
		joined := strings.TrimSpace(strings.Join(buf, "\n"))
		if joined != "" {
			paragraphs = append(paragraphs, Chunk{Text: joined, StartLine: start + 1, EndLine: end})
		}
		buf = nil
	}

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			flush(i)
			continue
		}
		if len(buf) == 0 {
			start = i
		}
		buf = append(buf, line)
	}
	flush(len(lines))
	return paragraphs
}
