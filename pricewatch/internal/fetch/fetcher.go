// Package fetch retrieves product pages. Two strategies exist: a plain HTTP
// GET and a headless-browser render. The Dispatcher picks one per request,
// paces requests per host and classifies failures into the typed errors the
// scheduler acts on.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/pricewatch/pricewatch/internal/metrics"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/profile"
)

// Request is one fetch attempt.
type Request struct {
	TargetID string
	URL      string
	Profile  profile.Profile
	// Strategy is the effective strategy. It starts as the profile strategy
	// and may be escalated by the scheduler.
	Strategy profile.Strategy
	// Attempt counts from 1 within the current strategy.
	Attempt int
}

// Result is a successfully fetched page.
type Result struct {
	TargetID  string
	Strategy  profile.Strategy
	URL       string
	FinalURL  string
	Status    int
	Body      []byte
	FetchedAt time.Time
	Duration  time.Duration
}

// Fetcher fetches one page with one strategy.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Result, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req Request) (*Result, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, req Request) (*Result, error) { return f(ctx, req) }

// ErrNoStrategy is returned for a strategy with no registered fetcher.
var ErrNoStrategy = errors.New("fetch: no fetcher for strategy")

// Dispatcher routes requests to the fetcher of their strategy.
type Dispatcher struct {
	strategies map[profile.Strategy]Fetcher
	pacer      *Pacer
	logger     *slog.Logger
}

// NewDispatcher returns a Dispatcher over strategies. A nil logger uses
// slog.Default().
func NewDispatcher(strategies map[profile.Strategy]Fetcher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{strategies: strategies, pacer: NewPacer(), logger: logger}
}

// Fetch paces and runs req.
func (d *Dispatcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	f, ok := d.strategies[req.Strategy]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoStrategy, req.Strategy)
	}
	if req.Profile.RequestInterval > 0 {
		if err := d.pacer.Wait(ctx, req.URL, req.Profile.RequestInterval); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	res, err := f.Fetch(ctx, req)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		d.logger.Debug("fetch: attempt failed",
			"target", req.TargetID, "strategy", req.Strategy, "attempt", req.Attempt,
			"kind", outcome, "error", err)
	}
	metrics.ObserveFetch(string(req.Strategy), outcome, elapsed)
	if res != nil {
		res.Duration = elapsed
	}
	return res, err
}

// Pacer spaces requests to the same host.
type Pacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPacer returns an empty Pacer.
func NewPacer() *Pacer {
	return &Pacer{limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until a request to the host of rawURL may start, at most one
// per interval.
func (p *Pacer) Wait(ctx context.Context, rawURL string, interval time.Duration) error {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}

	p.mu.Lock()
	l, ok := p.limiters[host]
	if !ok || l.Limit() != rate.Every(interval) {
		l = rate.NewLimiter(rate.Every(interval), 1)
		p.limiters[host] = l
	}
	p.mu.Unlock()
	return l.Wait(ctx)
}

// blockPageMaxBytes bounds the pages scanned for anti-bot signatures.
// Interstitials are small; full product pages may legitimately embed a
// captcha widget in a review form.
const blockPageMaxBytes = 128 << 10

// checkBody applies the content rules shared by both strategies.
func checkBody(body []byte, req Request, status int) error {
	if len(body) <= blockPageMaxBytes {
		lower := bytes.ToLower(body)
		for _, sig := range req.Profile.Signatures() {
			if bytes.Contains(lower, []byte(sig)) {
				return &BlockedError{URL: req.URL, Strategy: req.Strategy, Status: status, Signature: sig}
			}
		}
	}
	if min := req.Profile.MinContentBytes; min > 0 && len(body) < min {
		return &BlockedError{URL: req.URL, Strategy: req.Strategy, Status: status,
			Reason: fmt.Sprintf("body of %d bytes is below %d", len(body), min)}
	}
	return nil
}

// classifyStatus maps a non-2xx HTTP status to a typed error.
func classifyStatus(req Request, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 401, status == 403, status == 429:
		return &BlockedError{URL: req.URL, Strategy: req.Strategy, Status: status}
	case status == 408, status >= 500:
		return &UnreachableError{URL: req.URL, Status: status}
	case status >= 400:
		return &NotFoundError{URL: req.URL, Status: status}
	}
	return &UnreachableError{URL: req.URL, Status: status}
}
