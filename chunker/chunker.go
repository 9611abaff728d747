// Package chunker splits a document's extracted text into contiguous
// chunks suitable for embedding and lexical indexing. The ordered
// concatenation of a document's chunks spans its extracted text without
// gaps; adjacent chunks may overlap by a small trailing window so that
// sentence context survives the boundary.
package chunker

import (
	"regexp"
	"strings"

	"github.com/halverson/tariffproof/store"
)

// Config controls the chunking behaviour.
type Config struct {
	MinChars int // lower bound before a paragraph boundary may end a chunk
	MaxChars int // hard upper bound per chunk
	Overlap  int // max trailing characters repeated at the start of the next chunk
}

// Chunker converts extracted document text into store-ready chunks.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with the defaults from the corpus design:
// 400–1,200 characters per chunk, ~50 characters of overlap.
func New(cfg Config) *Chunker {
	if cfg.MinChars == 0 {
		cfg.MinChars = 400
	}
	if cfg.MaxChars == 0 {
		cfg.MaxChars = 1200
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = 50
	}
	return &Chunker{cfg: cfg}
}

// headingPattern matches lines that read as section headings in Federal
// Register and CSMS text: numbered parts, annexes, and short all-caps runs.
var headingPattern = regexp.MustCompile(`^(?:[IVX]+\.|[A-Z]\.|\d+\.|Annex\s+[IVX]+|ANNEX\s+[IVX]+|PART\s+\d+|[A-Z][A-Z .,&\-]{8,80})$`)

// Chunk splits text into ordered chunks for the given document. Page
// numbers advance on form-feed characters emitted by the PDF extractor;
// the current section heading is carried onto each chunk it covers.
func (c *Chunker) Chunk(docID int64, text string) []store.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	boundaries := paragraphBoundaries(text)
	var chunks []store.Chunk

	start := 0
	index := 0
	for start < len(text) {
		end := c.chunkEnd(text, start, boundaries)

		content := text[start:end]
		chunks = append(chunks, store.Chunk{
			DocumentID: docID,
			ChunkIndex: index,
			Content:    content,
			PageNumber: 1 + strings.Count(text[:start], "\f"),
			Section:    sectionFor(text[:start]),
			CharStart:  start,
			CharEnd:    end,
		})
		index++

		if end >= len(text) {
			break
		}
		// Next chunk starts a little before this one ended so boundary
		// sentences appear in both. Snap the overlap to a word start.
		next := end - c.cfg.Overlap
		if next <= start {
			next = end
		} else if i := strings.LastIndexByte(text[next:end], ' '); i >= 0 {
			next = next + i + 1
		}
		start = next
	}
	return chunks
}

// chunkEnd finds where the chunk starting at start should stop: the last
// paragraph boundary inside (start+MinChars, start+MaxChars], or a word
// break just under MaxChars when no paragraph boundary lands in range.
func (c *Chunker) chunkEnd(text string, start int, boundaries []int) int {
	if len(text)-start <= c.cfg.MaxChars {
		return len(text)
	}
	limit := start + c.cfg.MaxChars
	best := -1
	for _, b := range boundaries {
		if b <= start+c.cfg.MinChars {
			continue
		}
		if b > limit {
			break
		}
		best = b
	}
	if best > 0 {
		return best
	}
	// No paragraph break in range; cut at the last whitespace before the
	// limit so words are never split.
	if i := strings.LastIndexAny(text[start:limit], " \n\t"); i > 0 {
		return start + i + 1
	}
	return limit
}

// paragraphBoundaries returns the end offsets of paragraphs (positions
// just past each blank-line separator), ascending.
func paragraphBoundaries(text string) []int {
	var out []int
	i := 0
	for {
		j := strings.Index(text[i:], "\n\n")
		if j < 0 {
			break
		}
		end := i + j
		// Consume the full run of newlines so the boundary sits at the
		// start of the next paragraph.
		for end < len(text) && text[end] == '\n' {
			end++
		}
		out = append(out, end)
		i = end
	}
	return out
}

// sectionFor returns the most recent heading-like line preceding offset.
func sectionFor(prefix string) string {
	lines := strings.Split(prefix, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if headingPattern.MatchString(line) {
			return line
		}
	}
	return ""
}
