// Package connector implements the trusted adapters that fetch Tier-A
// documents from approved origins. Each connector serves exactly one
// source kind, validates its locator's host against an allowlist before
// any network I/O, and extracts text deterministically: the same bytes
// always produce the same text, chunks, and hashes.
package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/halverson/tariffproof/store"
)

var (
	// ErrUntrustedHost is returned when a locator resolves outside the
	// connector's allowlist. Checked before any network I/O.
	ErrUntrustedHost = errors.New("connector: untrusted host")

	// ErrFetchFailed is returned when a fetch fails after bounded retries.
	ErrFetchFailed = errors.New("connector: fetch failed")
)

// Connector fetches and extracts one source kind. Tier is configured per
// connector at build time; a connector never chooses its own tier.
type Connector interface {
	Kind() store.SourceKind
	Fetch(ctx context.Context, locator string) (*store.Document, error)
}

// Registry dispatches locators to connectors by source kind.
type Registry struct {
	byKind map[store.SourceKind]Connector
}

// NewRegistry builds a registry from the given connectors.
func NewRegistry(connectors ...Connector) *Registry {
	r := &Registry{byKind: make(map[store.SourceKind]Connector, len(connectors))}
	for _, c := range connectors {
		r.byKind[c.Kind()] = c
	}
	return r
}

// Get returns the connector for a source kind, or nil when the kind is
// unknown (callers drop such candidates).
func (r *Registry) Get(kind store.SourceKind) Connector {
	return r.byKind[kind]
}

// fetcher is the shared HTTP base: allowlist enforcement, per-connector
// rate budget, and bounded retries with exponential backoff.
type fetcher struct {
	client      *http.Client
	allowlist   []string
	minInterval time.Duration

	mu        sync.Mutex
	lastFetch time.Time
}

func newFetcher(allowlist []string, minInterval time.Duration) *fetcher {
	if minInterval == 0 {
		minInterval = 500 * time.Millisecond
	}
	return &fetcher{
		client:      &http.Client{Timeout: 60 * time.Second},
		allowlist:   allowlist,
		minInterval: minInterval,
	}
}

// checkHost validates the locator URL's host against the allowlist.
func (f *fetcher) checkHost(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: unparseable locator %q", ErrUntrustedHost, rawURL)
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range f.allowlist {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUntrustedHost, host)
}

const fetchRetries = 3

// get downloads the URL, honoring the rate budget and retrying transient
// failures up to fetchRetries times with exponential backoff.
func (f *fetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	if err := f.checkHost(rawURL); err != nil {
		return nil, err
	}
	f.waitBudget(ctx)

	var lastErr error
	for attempt := 0; attempt <= fetchRetries; attempt++ {
		if attempt > 0 {
			delay := time.Second * time.Duration(1<<(attempt-1))
			slog.Warn("connector: retrying fetch", "url", rawURL, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return body, nil
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			break // not transient
		}
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, rawURL, lastErr)
}

// waitBudget enforces the per-connector minimum interval between fetches.
func (f *fetcher) waitBudget(ctx context.Context) {
	f.mu.Lock()
	wait := f.minInterval - time.Since(f.lastFetch)
	f.lastFetch = time.Now().Add(wait)
	f.mu.Unlock()
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
	}
}

// sha256Hex computes the content hash over the exact fetched bytes. It is
// never recomputed after ingest.
func sha256Hex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
