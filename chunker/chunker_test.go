package chunker

import (
	"strings"
	"testing"
)

func paragraph(word string, n int) string {
	return strings.TrimSpace(strings.Repeat(word+" ", n))
}

// ---------------------------------------------------------------------------
// Core chunker tests
// ---------------------------------------------------------------------------

func TestChunkShortText(t *testing.T) {
	c := New(Config{})
	text := "Effective August 1, 2025, copper products are subject to duties."
	chunks := c.Chunk(7, text)

	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	ch := chunks[0]
	if ch.DocumentID != 7 || ch.ChunkIndex != 0 {
		t.Errorf("chunk = %+v", ch)
	}
	if ch.Content != text {
		t.Errorf("content = %q", ch.Content)
	}
	if ch.CharStart != 0 || ch.CharEnd != len(text) {
		t.Errorf("offsets = [%d,%d), want [0,%d)", ch.CharStart, ch.CharEnd, len(text))
	}
	if ch.PageNumber != 1 {
		t.Errorf("page = %d, want 1", ch.PageNumber)
	}
}

func TestChunkEmpty(t *testing.T) {
	c := New(Config{})
	if chunks := c.Chunk(1, "   \n\n "); chunks != nil {
		t.Fatalf("got %d chunks for blank text", len(chunks))
	}
}

func TestChunkSizesAndCoverage(t *testing.T) {
	c := New(Config{})
	paras := []string{
		paragraph("steel", 120),
		paragraph("aluminum", 120),
		paragraph("copper", 120),
		paragraph("duty", 120),
	}
	text := strings.Join(paras, "\n\n")
	chunks := c.Chunk(1, text)

	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want several", len(chunks))
	}

	for i, ch := range chunks {
		if len(ch.Content) > 1200 {
			t.Errorf("chunk %d has %d chars, exceeds max", i, len(ch.Content))
		}
		if ch.ChunkIndex != i {
			t.Errorf("chunk %d has index %d", i, ch.ChunkIndex)
		}
		if text[ch.CharStart:ch.CharEnd] != ch.Content {
			t.Errorf("chunk %d offsets do not address its content", i)
		}
	}

	// Coverage without gaps: each chunk starts at or before the previous end.
	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1], chunks[i]
		if cur.CharStart > prev.CharEnd {
			t.Errorf("gap between chunk %d (end %d) and %d (start %d)",
				i-1, prev.CharEnd, i, cur.CharStart)
		}
		overlap := prev.CharEnd - cur.CharStart
		if overlap > 50 {
			t.Errorf("overlap %d between chunks %d and %d exceeds 50", overlap, i-1, i)
		}
	}
	if chunks[0].CharStart != 0 {
		t.Error("first chunk must start at offset 0")
	}
	if chunks[len(chunks)-1].CharEnd != len(text) {
		t.Error("last chunk must end at the end of the text")
	}
}

func TestChunkPrefersParagraphBoundaries(t *testing.T) {
	c := New(Config{})
	text := paragraph("alpha", 150) + "\n\n" + paragraph("beta", 150)
	chunks := c.Chunk(1, text)

	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	// The first chunk ends at the paragraph boundary, so the second begins
	// inside the run of "beta" words (minus overlap), never mid-paragraph one.
	if !strings.Contains(chunks[1].Content, "beta") {
		t.Errorf("second chunk = %q", chunks[1].Content[:40])
	}
}

func TestChunkNoParagraphBreaks(t *testing.T) {
	c := New(Config{})
	text := paragraph("word", 800) // one long paragraph, no \n\n
	chunks := c.Chunk(1, text)

	if len(chunks) < 2 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	for i, ch := range chunks {
		if len(ch.Content) > 1200 {
			t.Errorf("chunk %d exceeds max at %d chars", i, len(ch.Content))
		}
		// Word-boundary cuts: no chunk starts or ends mid-word.
		if strings.HasPrefix(ch.Content, "ord") {
			t.Errorf("chunk %d starts mid-word: %q", i, ch.Content[:8])
		}
	}
}

// ---------------------------------------------------------------------------
// Page and section tracking
// ---------------------------------------------------------------------------

func TestChunkPageNumbers(t *testing.T) {
	c := New(Config{})
	text := paragraph("one", 250) + "\f" + paragraph("two", 250) + "\f" + paragraph("three", 250)
	chunks := c.Chunk(1, text)

	if chunks[0].PageNumber != 1 {
		t.Errorf("first chunk page = %d, want 1", chunks[0].PageNumber)
	}
	last := chunks[len(chunks)-1]
	if last.PageNumber != 3 {
		t.Errorf("last chunk page = %d, want 3", last.PageNumber)
	}
}

func TestChunkSectionHeading(t *testing.T) {
	c := New(Config{})
	text := "ANNEX I\n\n" + paragraph("steel", 200) + "\n\n" + paragraph("more", 200)
	chunks := c.Chunk(1, text)

	if len(chunks) < 2 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	// Chunks after the heading carry it as their section.
	if chunks[1].Section != "ANNEX I" {
		t.Errorf("section = %q, want ANNEX I", chunks[1].Section)
	}
}
