package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/pricewatch/pricewatch/internal/profile"
)

// ErrManagerClosed is returned by Acquire after Close.
var ErrManagerClosed = errors.New("fetch: browser manager closed")

// ChromeConfig configures the Chrome process.
type ChromeConfig struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty launches a local one.
	RemoteURL string
	// Bin overrides the Chrome binary.
	Bin       string
	Proxy     string
	NoSandbox bool
	// RecycleAfter restarts Chrome once it has been up this long and no
	// tab is open. Default 4h.
	RecycleAfter time.Duration
	// Block lists resource types never loaded: image, font, media,
	// stylesheet.
	Block  []string
	Logger *slog.Logger
}

func (c *ChromeConfig) defaults() {
	if c.RecycleAfter <= 0 {
		c.RecycleAfter = 4 * time.Hour
	}
	if c.Block == nil {
		c.Block = []string{"image", "font", "media"}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the Chrome process. Chrome starts on the first Acquire.
type Manager struct {
	cfg     ChromeConfig
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
	active  int
	closed  bool
}

// NewManager returns a Manager. Nothing is launched yet.
func NewManager(cfg ChromeConfig) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Acquire returns the running browser, launching or recycling it when
// needed. done must be called once the caller's tab is closed.
func (m *Manager) Acquire(ctx context.Context) (*rod.Browser, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, ErrManagerClosed
	}
	if m.browser != nil && m.active == 0 && time.Since(m.startAt) > m.cfg.RecycleAfter {
		m.cfg.Logger.Info("fetch: recycling chrome", "uptime", time.Since(m.startAt))
		m.cleanup()
	}
	if m.browser == nil {
		b, err := m.launch(ctx)
		if err != nil {
			return nil, nil, err
		}
		m.browser = b
		m.startAt = time.Now()
	}
	m.active++

	var once sync.Once
	return m.browser, func() {
		once.Do(func() {
			m.mu.Lock()
			m.active--
			m.mu.Unlock()
		})
	}, nil
}

// Close shuts Chrome down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanup()
	return nil
}

// launch starts or connects to Chrome. ctx bounds the wait for the
// DevTools URL only; the process outlives it.
func (m *Manager) launch(ctx context.Context) (*rod.Browser, error) {
	log := m.cfg.Logger
	wsURL := m.cfg.RemoteURL

	if wsURL != "" {
		log.Info("fetch: connecting to remote chrome", "url", wsURL)
	} else {
		l := launcher.New().
			Context(ctx).
			Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		if m.cfg.NoSandbox {
			l = l.NoSandbox(true)
		}
		if m.cfg.Proxy != "" {
			l = l.Proxy(m.cfg.Proxy)
		}
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("fetch: launch chrome: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("fetch: launched chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if m.lnch != nil {
			m.lnch.Cleanup()
			m.lnch = nil
		}
		return nil, fmt.Errorf("fetch: connect chrome: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("fetch: ignore cert errors", "error", err)
	}
	return b, nil
}

func (m *Manager) cleanup() {
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
}

// RodEngine opens stealth tabs on a Manager's browser.
type RodEngine struct {
	mgr      *Manager
	disguise Disguise
	block    map[proto.NetworkResourceType]bool
}

// NewRodEngine returns an Engine over mgr.
func NewRodEngine(mgr *Manager, d Disguise) *RodEngine {
	block := make(map[proto.NetworkResourceType]bool, len(mgr.cfg.Block))
	for _, t := range mgr.cfg.Block {
		switch t {
		case "image":
			block[proto.NetworkResourceTypeImage] = true
		case "font":
			block[proto.NetworkResourceTypeFont] = true
		case "media":
			block[proto.NetworkResourceTypeMedia] = true
		case "stylesheet":
			block[proto.NetworkResourceTypeStylesheet] = true
		}
	}
	return &RodEngine{mgr: mgr, disguise: d, block: block}
}

// Open implements Engine.
func (e *RodEngine) Open(ctx context.Context, attempt int) (Tab, error) {
	b, done, err := e.mgr.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	page, err := stealth.Page(b)
	if err != nil {
		done()
		return nil, fmt.Errorf("fetch: open tab: %w", err)
	}
	if err := e.disguise.PreparePage(page, attempt); err != nil {
		page.Close()
		done()
		return nil, err
	}

	t := &rodTab{page: page, done: done}
	if len(e.block) > 0 {
		t.router = page.HijackRequests()
		t.router.MustAdd("*", func(h *rod.Hijack) {
			if e.block[h.Request.Type()] {
				h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
				return
			}
			h.ContinueRequest(&proto.FetchContinueRequest{})
		})
		go t.router.Run()
	}
	return t, nil
}

type rodTab struct {
	page   *rod.Page
	router *rod.HijackRouter
	done   func()
}

func (t *rodTab) Navigate(ctx context.Context, url string) error {
	return t.page.Context(ctx).Navigate(url)
}

func (t *rodTab) WaitReady(ctx context.Context, ready profile.Ready) error {
	p := t.page.Context(ctx)
	if ready.Selector != "" {
		_, err := p.Element(ready.Selector)
		return err
	}
	if err := p.WaitLoad(); err != nil {
		return err
	}
	stable := ready.Stable
	if stable <= 0 {
		stable = profile.DefaultStableWindow
	}
	return p.WaitStable(stable)
}

func (t *rodTab) ScrollTo(ctx context.Context, selector string) error {
	el, err := t.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.ScrollIntoView()
}

const navigationStatusJS = `() => {
  const e = performance.getEntriesByType('navigation')[0];
  return e && e.responseStatus ? e.responseStatus : 0;
}`

func (t *rodTab) Status(ctx context.Context) (int, error) {
	res, err := t.page.Context(ctx).Eval(navigationStatusJS)
	if err != nil {
		return 0, err
	}
	return res.Value.Int(), nil
}

func (t *rodTab) HTML(ctx context.Context) ([]byte, error) {
	s, err := t.page.Context(ctx).HTML()
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func (t *rodTab) Screenshot(ctx context.Context) ([]byte, error) {
	return t.page.Context(ctx).Screenshot(true, nil)
}

func (t *rodTab) Close() error {
	defer t.done()
	if t.router != nil {
		t.router.Stop()
	}
	return t.page.Close()
}
