package docstore

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// breakWindow is how far back from a chunk's end a natural break is searched for.
const breakWindow = 200

var (
	horizontalSpace = regexp.MustCompile(`[ \t\f\v\r]+`)
	excessNewlines  = regexp.MustCompile(`\n{3,}`)
	spaceAroundNL   = regexp.MustCompile(` ?\n ?`)
)

// Chunk is a piece of a document with its position.
type Chunk struct {
	Index   int
	Start   int // byte offsets into the cleaned text
	End     int
	Content string
}

// TextChunker splits text into overlapping chunks.
type TextChunker struct {
	size    int
	overlap int
}

// NewTextChunker creates a chunker. Invalid values fall back to defaults.
func NewTextChunker(size, overlap int) *TextChunker {
	cfg := Config{ChunkSize: size, ChunkOverlap: overlap}.withDefaults()
	return &TextChunker{size: cfg.ChunkSize, overlap: cfg.ChunkOverlap}
}

// Clean normalizes whitespace and strips control characters. Paragraph
// breaks survive as a single blank line. CRLF and lone CR both end a line.
func Clean(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			if r == '\r' {
				return '\n'
			}
			return -1
		}
		return r
	}, text)
	text = horizontalSpace.ReplaceAllString(text, " ")
	text = spaceAroundNL.ReplaceAllString(text, "\n")
	text = excessNewlines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Split cleans text and returns its chunks. Each chunk ends at a paragraph
// break, sentence end or line break found near the window's end, otherwise
// at the window boundary. Consecutive chunks overlap by the configured amount.
func (c *TextChunker) Split(text string) []Chunk {
	text = Clean(text)
	if text == "" {
		return nil
	}
	if len(text) <= c.size {
		return []Chunk{{Index: 0, Start: 0, End: len(text), Content: text}}
	}

	var chunks []Chunk
	start := 0
	for start < len(text) {
		end := start + c.size
		if end >= len(text) {
			end = len(text)
		} else {
			end = alignRune(text, end)
			if brk := findBreak(text, max(end-breakWindow, start), end); brk > start {
				end = brk
			}
		}

		if content := strings.TrimSpace(text[start:end]); content != "" {
			chunks = append(chunks, Chunk{Index: len(chunks), Start: start, End: end, Content: content})
		}
		if end >= len(text) {
			break
		}

		next := alignRune(text, end-c.overlap)
		if next <= start {
			next = alignRune(text, start+1)
			if next <= start {
				next = end
			}
		}
		start = next
	}
	return chunks
}

// findBreak returns the position just after the best break in text[from:to],
// or -1.
func findBreak(text string, from, to int) int {
	window := text[from:to]
	if i := strings.LastIndex(window, "\n\n"); i >= 0 {
		return from + i + 2
	}
	for i := len(window) - 2; i >= 0; i-- {
		switch window[i] {
		case '.', '!', '?':
			if window[i+1] == ' ' || window[i+1] == '\n' {
				return from + i + 1
			}
		}
	}
	if i := strings.LastIndexByte(window, '\n'); i >= 0 {
		return from + i + 1
	}
	return -1
}

// alignRune moves i back to the start of the rune containing it.
func alignRune(s string, i int) int {
	if i <= 0 {
		return 0
	}
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
