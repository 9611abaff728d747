package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/halverson/tariffproof/agent"
	"github.com/halverson/tariffproof/connector"
	"github.com/halverson/tariffproof/metrics"
	"github.com/halverson/tariffproof/store"
)

// ErrDiscoveryCapped is returned when discovery would exceed its hourly
// run budget.
var ErrDiscoveryCapped = errors.New("resolve: discovery budget exhausted")

// DiscoveryAgent is the candidate-suggestion surface.
type DiscoveryAgent interface {
	Discover(ctx context.Context, query string) ([]agent.Candidate, error)
}

// Ingestor stores a fetched document, chunks it, and indexes it.
type Ingestor interface {
	IngestDocument(ctx context.Context, doc *store.Document) (docID int64, created bool, err error)
}

// DiscoveryConfig bounds the discovery orchestrator.
type DiscoveryConfig struct {
	// MaxPerHour caps discovery runs across all queries.
	MaxPerHour int
	// Timeout bounds one discovery run end to end. Documents fully
	// ingested before expiry are kept; no assertion is promoted by the
	// run itself.
	Timeout time.Duration
	Now     func() time.Time
}

// Discovery locates and ingests new Tier-A documents when the corpus has
// no coverage for a query. It never concludes anything about scope; it
// only feeds the corpus and lets L2 run again.
type Discovery struct {
	agent      DiscoveryAgent
	connectors *connector.Registry
	ingestor   Ingestor
	cfg        DiscoveryConfig

	mu          sync.Mutex
	windowStart time.Time
	windowCount int
}

// NewDiscovery creates the discovery orchestrator.
func NewDiscovery(a DiscoveryAgent, reg *connector.Registry, ing Ingestor, cfg DiscoveryConfig) *Discovery {
	if cfg.MaxPerHour == 0 {
		cfg.MaxPerHour = 20
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Discovery{agent: a, connectors: reg, ingestor: ing, cfg: cfg}
}

// Run asks the discovery agent for candidates, dispatches each to its
// connector, and ingests the results. Candidates whose source kind has no
// connector are dropped; untrusted-host rejections are discarded with a
// warning, never promoted. Returns how many documents were newly
// ingested.
func (d *Discovery) Run(ctx context.Context, query string) (int, error) {
	if err := d.takeBudget(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	candidates, err := d.agent.Discover(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("discovery agent: %w", err)
	}
	metrics.ObserveDiscovery(len(candidates))

	ingested := 0
	for _, c := range candidates {
		conn := d.connectors.Get(store.SourceKind(c.SourceKind))
		if conn == nil {
			slog.Warn("discovery: no connector for source kind, dropping",
				"source_kind", c.SourceKind, "locator", c.Locator)
			continue
		}

		doc, err := conn.Fetch(ctx, c.Locator)
		if err != nil {
			if errors.Is(err, connector.ErrUntrustedHost) {
				slog.Warn("discovery: untrusted host, discarding candidate",
					"locator", c.Locator, "error", err)
				continue
			}
			if ctx.Err() != nil {
				// Deadline mid-run: keep what was already ingested.
				slog.Warn("discovery: deadline expired mid-run", "ingested", ingested)
				return ingested, nil
			}
			slog.Warn("discovery: fetch failed", "locator", c.Locator, "error", err)
			continue
		}

		_, created, err := d.ingestor.IngestDocument(ctx, doc)
		if err != nil {
			slog.Warn("discovery: ingest failed", "canonical_id", doc.CanonicalID, "error", err)
			continue
		}
		if created {
			ingested++
			slog.Info("discovery: document ingested",
				"source_kind", doc.SourceKind, "canonical_id", doc.CanonicalID)
		}
	}
	return ingested, nil
}

// takeBudget consumes one run from the hourly window.
func (d *Discovery) takeBudget() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.cfg.Now()
	if now.Sub(d.windowStart) >= time.Hour {
		d.windowStart = now
		d.windowCount = 0
	}
	if d.windowCount >= d.cfg.MaxPerHour {
		return ErrDiscoveryCapped
	}
	d.windowCount++
	return nil
}
