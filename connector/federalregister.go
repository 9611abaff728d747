package connector

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/halverson/tariffproof/store"
)

// FederalRegisterConfig configures the Federal Register connector.
type FederalRegisterConfig struct {
	Tier        store.Tier
	Allowlist   []string
	MinInterval time.Duration
}

// FederalRegister fetches Federal Register notices and proclamations as
// PDF and extracts their text. Locators are document PDF URLs on
// federalregister.gov or govinfo.gov.
type FederalRegister struct {
	tier    store.Tier
	fetcher *fetcher
}

// NewFederalRegister creates the Federal Register connector.
func NewFederalRegister(cfg FederalRegisterConfig) *FederalRegister {
	if cfg.Tier == "" {
		cfg.Tier = store.TierA
	}
	if len(cfg.Allowlist) == 0 {
		cfg.Allowlist = []string{"federalregister.gov", "govinfo.gov"}
	}
	return &FederalRegister{tier: cfg.Tier, fetcher: newFetcher(cfg.Allowlist, cfg.MinInterval)}
}

// Kind implements Connector.
func (f *FederalRegister) Kind() store.SourceKind { return store.SourceFederalRegister }

// Fetch implements Connector.
func (f *FederalRegister) Fetch(ctx context.Context, locator string) (*store.Document, error) {
	body, err := f.fetcher.get(ctx, locator)
	if err != nil {
		return nil, err
	}

	text, err := extractPDFText(body)
	if err != nil {
		return nil, fmt.Errorf("extracting pdf text from %s: %w", locator, err)
	}

	canonical := frCitation(text, locator)
	slog.Info("connector: federal register document fetched",
		"canonical_id", canonical, "bytes", len(body), "text_chars", len(text))

	return &store.Document{
		SourceKind:     store.SourceFederalRegister,
		Tier:           f.tier,
		CanonicalID:    canonical,
		URL:            locator,
		PublishedAt:    time.Now().UTC(),
		EffectiveStart: extractEffectiveStart(text),
		SHA256Raw:      sha256Hex(body),
		Raw:            body,
		ExtractedText:  text,
	}, nil
}

var frCitationPattern = regexp.MustCompile(`\b(\d{2,3})\s+FR\s+(\d{3,6})\b`)

// frCitation extracts the "NN FR NNNNN" citation from the document text,
// falling back to the locator.
func frCitation(text, locator string) string {
	if m := frCitationPattern.FindStringSubmatch(text); m != nil {
		return m[1] + " FR " + m[2]
	}
	return locator
}

// extractPDFText extracts all pages' text in visual order, with pages
// separated by form feeds so chunking can track page numbers. Extraction
// is deterministic: the same bytes always produce the same text.
func extractPDFText(raw []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", err
	}

	var pages []string
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := pageTextOrdered(page)
		if err != nil {
			slog.Warn("connector: pdf page extraction failed", "page", i, "error", err)
			continue
		}
		pages = append(pages, text)
	}
	return strings.Join(pages, "\f"), nil
}

// pageTextOrdered extracts page text sorted by visual position
// (top-to-bottom). Content() returns text in PDF object order, which can
// differ from reading order; elements are grouped into visual lines by Y
// proximity, preserving content-stream order within each line.
func pageTextOrdered(page pdf.Page) (string, error) {
	content := page.Content()
	if len(content.Text) == 0 {
		return page.GetPlainText(nil)
	}

	const lineTolerance = 3.0

	type visualLine struct {
		y   float64
		buf strings.Builder
	}

	var lines []*visualLine
	var cur *visualLine

	for _, t := range content.Text {
		if cur == nil || math.Abs(t.Y-cur.y) > lineTolerance {
			lines = append(lines, &visualLine{y: t.Y})
			cur = lines[len(lines)-1]
		}
		cur.buf.WriteString(t.S)
	}

	// Higher Y = higher on the page in PDF coordinates.
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].y > lines[j].y
	})

	var parts []string
	for _, l := range lines {
		if text := strings.TrimSpace(l.buf.String()); text != "" {
			parts = append(parts, text)
		}
	}

	result := strings.Join(parts, "\n")
	if strings.TrimSpace(result) == "" {
		return page.GetPlainText(nil)
	}
	return result, nil
}
