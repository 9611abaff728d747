package connector

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/halverson/tariffproof/store"
)

// USITCConfig configures the USITC HTS connector.
type USITCConfig struct {
	Tier        store.Tier
	Allowlist   []string
	MinInterval time.Duration
}

// USITC fetches Harmonized Tariff Schedule workbooks (chapter schedules
// and change records) published as XLSX by the US International Trade
// Commission. Locators are workbook URLs on hts.usitc.gov.
type USITC struct {
	tier    store.Tier
	fetcher *fetcher
}

// NewUSITC creates the USITC connector.
func NewUSITC(cfg USITCConfig) *USITC {
	if cfg.Tier == "" {
		cfg.Tier = store.TierA
	}
	if len(cfg.Allowlist) == 0 {
		cfg.Allowlist = []string{"hts.usitc.gov", "usitc.gov"}
	}
	return &USITC{tier: cfg.Tier, fetcher: newFetcher(cfg.Allowlist, cfg.MinInterval)}
}

// Kind implements Connector.
func (u *USITC) Kind() store.SourceKind { return store.SourceUSITCHTS }

// Fetch implements Connector.
func (u *USITC) Fetch(ctx context.Context, locator string) (*store.Document, error) {
	body, err := u.fetcher.get(ctx, locator)
	if err != nil {
		return nil, err
	}

	text, err := extractWorkbookText(body)
	if err != nil {
		return nil, fmt.Errorf("extracting workbook text from %s: %w", locator, err)
	}

	canonical := usitcCanonicalID(locator)
	slog.Info("connector: usitc workbook fetched",
		"canonical_id", canonical, "bytes", len(body), "text_chars", len(text))

	return &store.Document{
		SourceKind:     store.SourceUSITCHTS,
		Tier:           u.tier,
		CanonicalID:    canonical,
		URL:            locator,
		PublishedAt:    time.Now().UTC(),
		EffectiveStart: extractEffectiveStart(text),
		SHA256Raw:      sha256Hex(body),
		Raw:            body,
		ExtractedText:  text,
	}, nil
}

func usitcCanonicalID(locator string) string {
	if u, err := url.Parse(locator); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return "HTS " + base
		}
	}
	return locator
}

// extractWorkbookText renders each sheet as lines of pipe-joined cells,
// sheets separated by form feeds. Rendering is deterministic: sheet order
// and row order come from the workbook itself.
func extractWorkbookText(raw []byte) (string, error) {
	wb, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	defer wb.Close()

	var sheets []string
	for _, name := range wb.GetSheetList() {
		rows, err := wb.GetRows(name)
		if err != nil {
			return "", fmt.Errorf("reading sheet %s: %w", name, err)
		}
		var b strings.Builder
		b.WriteString(name)
		b.WriteString("\n\n")
		for _, row := range rows {
			// Trim trailing empty cells so hashes are stable across
			// workbooks that differ only in declared column counts.
			end := len(row)
			for end > 0 && strings.TrimSpace(row[end-1]) == "" {
				end--
			}
			if end == 0 {
				b.WriteString("\n")
				continue
			}
			b.WriteString(strings.Join(row[:end], " | "))
			b.WriteString("\n")
		}
		sheets = append(sheets, strings.TrimRight(b.String(), "\n"))
	}
	return strings.Join(sheets, "\f"), nil
}
