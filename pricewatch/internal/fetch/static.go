package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/hazyhaar/pricewatch/pricewatch/internal/profile"
)

// DefaultMaxBodyBytes caps downloaded bodies.
const DefaultMaxBodyBytes = 10 << 20

var errRedirects = errors.New("fetch: too many redirects")

// Static fetches pages with a single HTTP GET.
type Static struct {
	client       *http.Client
	disguise     Disguise
	validate     URLValidator
	maxBytes     int64
	maxRedirects int
	logger       *slog.Logger
}

// StaticOption configures a Static fetcher.
type StaticOption func(*Static)

// WithHTTPClient sets the HTTP client. Its CheckRedirect is replaced.
func WithHTTPClient(c *http.Client) StaticOption {
	return func(s *Static) { s.client = c }
}

// WithDisguise sets the header strategy.
func WithDisguise(d Disguise) StaticOption {
	return func(s *Static) { s.disguise = d }
}

// WithURLValidator sets the check applied to the URL and every redirect.
// Defaults to ValidateURL.
func WithURLValidator(fn URLValidator) StaticOption {
	return func(s *Static) { s.validate = fn }
}

// WithMaxBodyBytes caps the body size.
func WithMaxBodyBytes(n int64) StaticOption {
	return func(s *Static) { s.maxBytes = n }
}

// WithStaticLogger sets the logger.
func WithStaticLogger(l *slog.Logger) StaticOption {
	return func(s *Static) { s.logger = l }
}

// NewStatic returns a static fetcher.
func NewStatic(opts ...StaticOption) *Static {
	s := &Static{
		disguise:     NewDefaultDisguise(),
		validate:     ValidateURL,
		maxBytes:     DefaultMaxBodyBytes,
		maxRedirects: 5,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	client := &http.Client{}
	if s.client != nil {
		c := *s.client
		client = &c
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= s.maxRedirects {
			return fmt.Errorf("%w: %d", errRedirects, s.maxRedirects)
		}
		return s.validate(req.Context(), req.URL.String())
	}
	s.client = client
	return s
}

// Fetch implements Fetcher.
func (s *Static) Fetch(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Profile.Timeout
	if timeout <= 0 {
		timeout = profile.DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := checkURL(ctx, reqCtx, s.validate, req.URL); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: new request: %w", err)
	}
	s.disguise.DecorateRequest(httpReq, req.Attempt)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &UnreachableError{URL: req.URL, Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(req, resp.StatusCode); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, err
	}

	r, err := charset.NewReader(io.LimitReader(resp.Body, s.maxBytes), resp.Header.Get("Content-Type"))
	var body []byte
	if err == nil {
		body, err = io.ReadAll(r)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &UnreachableError{URL: req.URL, Err: fmt.Errorf("read body: %w", err)}
	}

	if err := checkBody(body, req, resp.StatusCode); err != nil {
		return nil, err
	}
	if isClientShell(body) {
		return nil, &BlockedError{URL: req.URL, Strategy: req.Strategy, Status: resp.StatusCode,
			Reason: "client-rendered shell"}
	}

	s.logger.Debug("fetch: static page fetched",
		"target", req.TargetID, "status", resp.StatusCode, "size", len(body))

	return &Result{
		TargetID:  req.TargetID,
		Strategy:  req.Strategy,
		URL:       req.URL,
		FinalURL:  resp.Request.URL.String(),
		Status:    resp.StatusCode,
		Body:      body,
		FetchedAt: time.Now().UTC(),
	}, nil
}

var shellMarkers = [][]byte{
	[]byte(`<div id="root"></div>`),
	[]byte(`<div id="app"></div>`),
	[]byte(`<div id="__next"></div>`),
	[]byte("<noscript>you need to enable javascript"),
	[]byte("<noscript>enable javascript"),
}

// isClientShell reports whether body is an empty single-page-app shell
// whose content only exists after scripts run.
func isClientShell(body []byte) bool {
	if len(body) > blockPageMaxBytes {
		return false
	}
	lower := bytes.ToLower(body)
	for _, m := range shellMarkers {
		if bytes.Contains(lower, m) {
			return true
		}
	}
	return false
}
