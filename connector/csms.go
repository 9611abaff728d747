package connector

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/halverson/tariffproof/store"
)

// CSMSConfig configures the CSMS bulletin connector.
type CSMSConfig struct {
	Tier        store.Tier
	Allowlist   []string
	MinInterval time.Duration
}

// CSMS fetches Cargo Systems Messaging Service bulletins. Locators are
// either a bare bulletin number ("65236645") or a full bulletin URL.
type CSMS struct {
	tier    store.Tier
	fetcher *fetcher
}

// NewCSMS creates the CSMS connector. Zero-value config gets the
// production allowlist and Tier A.
func NewCSMS(cfg CSMSConfig) *CSMS {
	if cfg.Tier == "" {
		cfg.Tier = store.TierA
	}
	if len(cfg.Allowlist) == 0 {
		cfg.Allowlist = []string{"content.govdelivery.com"}
	}
	return &CSMS{tier: cfg.Tier, fetcher: newFetcher(cfg.Allowlist, cfg.MinInterval)}
}

// Kind implements Connector.
func (c *CSMS) Kind() store.SourceKind { return store.SourceCSMSBulletin }

var csmsNumberPattern = regexp.MustCompile(`^\d{7,9}$`)

// Fetch implements Connector.
func (c *CSMS) Fetch(ctx context.Context, locator string) (*store.Document, error) {
	rawURL := locator
	if csmsNumberPattern.MatchString(locator) {
		rawURL = "https://content.govdelivery.com/accounts/USDHSCBP/bulletins/" + locator
	}

	body, err := c.fetcher.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	text := htmlToText(string(body))
	canonical := csmsCanonicalID(text, rawURL)
	slog.Info("connector: csms bulletin fetched",
		"canonical_id", canonical, "bytes", len(body), "text_chars", len(text))

	return &store.Document{
		SourceKind:     store.SourceCSMSBulletin,
		Tier:           c.tier,
		CanonicalID:    canonical,
		URL:            rawURL,
		PublishedAt:    time.Now().UTC(),
		EffectiveStart: extractEffectiveStart(text),
		SHA256Raw:      sha256Hex(body),
		Raw:            body,
		ExtractedText:  text,
	}, nil
}

var csmsIDPattern = regexp.MustCompile(`CSMS\s*#\s*(\d{7,9})`)

func csmsCanonicalID(text, rawURL string) string {
	if m := csmsIDPattern.FindStringSubmatch(text); m != nil {
		return "CSMS #" + m[1]
	}
	// Fall back to the trailing path segment of the bulletin URL.
	if i := strings.LastIndex(rawURL, "/"); i >= 0 && i < len(rawURL)-1 {
		return "CSMS #" + rawURL[i+1:]
	}
	return rawURL
}

var (
	htmlTagPattern    = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>`)
	htmlBlockPattern  = regexp.MustCompile(`(?i)</?(p|div|br|li|tr|h[1-6]|table)[^>]*>`)
	htmlAnyTagPattern = regexp.MustCompile(`<[^>]+>`)
	blankRunPattern   = regexp.MustCompile(`\n{3,}`)
)

// htmlToText strips markup deterministically: block-level tags become
// newlines, everything else is removed, entities are decoded for the
// handful that appear in CBP bulletins.
func htmlToText(html string) string {
	s := htmlTagPattern.ReplaceAllString(html, "")
	s = htmlBlockPattern.ReplaceAllString(s, "\n")
	s = htmlAnyTagPattern.ReplaceAllString(s, "")
	for entity, repl := range map[string]string{
		"&amp;": "&", "&lt;": "<", "&gt;": ">", "&quot;": `"`,
		"&#39;": "'", "&nbsp;": " ", "&sect;": "§",
	} {
		s = strings.ReplaceAll(s, entity, repl)
	}
	// Collapse trailing space per line and runs of blank lines.
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.Join(lines, "\n")
	s = blankRunPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
