package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/pricewatch/pricewatch/internal/profile"
)

// Tab is one open browser page. Every method honours ctx.
type Tab interface {
	Navigate(ctx context.Context, url string) error
	// WaitReady blocks until ready's selector is present, or the DOM has
	// been quiet for ready.Stable.
	WaitReady(ctx context.Context, ready profile.Ready) error
	ScrollTo(ctx context.Context, selector string) error
	// Status is the HTTP status of the main document, 0 when unknown.
	Status(ctx context.Context) (int, error)
	HTML(ctx context.Context) ([]byte, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Engine opens tabs.
type Engine interface {
	Open(ctx context.Context, attempt int) (Tab, error)
}

// Browser renders pages in a headless browser. Every fetch holds one
// session of the pool for its whole duration.
type Browser struct {
	engine        Engine
	pool          *SessionPool
	disguise      Disguise
	validate      URLValidator
	screenshotDir string
	logger        *slog.Logger
}

// BrowserOption configures a Browser.
type BrowserOption func(*Browser)

// WithBrowserDisguise sets the pause strategy.
func WithBrowserDisguise(d Disguise) BrowserOption {
	return func(b *Browser) { b.disguise = d }
}

// WithBrowserURLValidator sets the check applied to the URL before a
// session is taken. Defaults to ValidateURL.
func WithBrowserURLValidator(fn URLValidator) BrowserOption {
	return func(b *Browser) { b.validate = fn }
}

// WithScreenshotDir saves a PNG of the page on failed fetches.
func WithScreenshotDir(dir string) BrowserOption {
	return func(b *Browser) { b.screenshotDir = dir }
}

// WithBrowserLogger sets the logger.
func WithBrowserLogger(l *slog.Logger) BrowserOption {
	return func(b *Browser) { b.logger = l }
}

// NewBrowser returns a browser fetcher over engine and pool.
func NewBrowser(engine Engine, pool *SessionPool, opts ...BrowserOption) *Browser {
	b := &Browser{
		engine:   engine,
		pool:     pool,
		disguise: NewDefaultDisguise(),
		validate: ValidateURL,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Pool returns the session pool.
func (b *Browser) Pool() *SessionPool { return b.pool }

// Fetch implements Fetcher.
func (b *Browser) Fetch(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Profile.Timeout
	if timeout <= 0 {
		timeout = profile.DefaultTimeout
	}

	vctx, vcancel := context.WithTimeout(ctx, timeout)
	err := checkURL(ctx, vctx, b.validate, req.URL)
	vcancel()
	if err != nil {
		return nil, err
	}

	release, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tab, err := b.engine.Open(tctx, req.Attempt)
	if err != nil {
		return nil, b.classify(ctx, req, timeout, err)
	}
	defer func() {
		if err := tab.Close(); err != nil {
			b.logger.Debug("fetch: close tab", "target", req.TargetID, "error", err)
		}
	}()

	res, err := b.visit(tctx, tab, req)
	if err != nil {
		err = b.classify(ctx, req, timeout, err)
		if ctx.Err() == nil {
			b.screenshot(ctx, tab, req, err)
		}
		return nil, err
	}
	return res, nil
}

func (b *Browser) visit(ctx context.Context, tab Tab, req Request) (*Result, error) {
	if err := tab.Navigate(ctx, req.URL); err != nil {
		return nil, err
	}
	if err := b.disguise.Pause(ctx, AfterNavigate); err != nil {
		return nil, err
	}
	if err := tab.WaitReady(ctx, req.Profile.Ready); err != nil {
		return nil, err
	}
	if sel := req.Profile.Ready.Selector; sel != "" {
		if err := tab.ScrollTo(ctx, sel); err != nil {
			return nil, err
		}
		if err := b.disguise.Pause(ctx, AfterScroll); err != nil {
			return nil, err
		}
	}

	status, err := tab.Status(ctx)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		if err := classifyStatus(req, status); err != nil {
			return nil, err
		}
	}
	body, err := tab.HTML(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkBody(body, req, status); err != nil {
		return nil, err
	}

	b.logger.Debug("fetch: page rendered", "target", req.TargetID, "status", status, "size", len(body))
	return &Result{
		TargetID:  req.TargetID,
		Strategy:  req.Strategy,
		URL:       req.URL,
		FinalURL:  req.URL,
		Status:    status,
		Body:      body,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// classify turns a raw browser error into the fetch taxonomy. parent is
// the caller's context: its cancellation wins over everything else.
func (b *Browser) classify(parent context.Context, req Request, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	var (
		blocked  *BlockedError
		notFound *NotFoundError
		unreach  *UnreachableError
	)
	switch {
	case errors.As(err, &blocked), errors.As(err, &notFound), errors.As(err, &unreach):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &RenderTimeoutError{URL: req.URL, Timeout: timeout, Err: err}
	}
	return &UnreachableError{URL: req.URL, Err: err}
}

func (b *Browser) screenshot(ctx context.Context, tab Tab, req Request, cause error) {
	if b.screenshotDir == "" {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	png, err := tab.Screenshot(sctx)
	if err != nil {
		b.logger.Debug("fetch: screenshot failed", "target", req.TargetID, "error", err)
		return
	}
	if err := os.MkdirAll(b.screenshotDir, 0o755); err != nil {
		b.logger.Warn("fetch: screenshot dir", "dir", b.screenshotDir, "error", err)
		return
	}
	name := fmt.Sprintf("%s-%s-%d.png", safeName(req.TargetID), KindOf(cause), time.Now().UnixMilli())
	path := filepath.Join(b.screenshotDir, name)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		b.logger.Warn("fetch: write screenshot", "path", path, "error", err)
		return
	}
	b.logger.Info("fetch: failure screenshot saved", "target", req.TargetID, "path", path)
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
