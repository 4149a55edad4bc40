package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Phase names a point of a browser visit where a human would pause.
type Phase int

const (
	AfterNavigate Phase = iota
	AfterScroll
)

// Disguise makes automated visits look like a person at a desktop browser.
//
// DecorateRequest sets the headers of a static request. PreparePage runs on
// a fresh page before navigation and must not navigate. Pause sleeps for a
// randomized interval and returns early with ctx.Err() on cancellation.
// attempt starts at 1; implementations may rotate identities across
// attempts.
type Disguise interface {
	DecorateRequest(req *http.Request, attempt int)
	PreparePage(page *rod.Page, attempt int) error
	Pause(ctx context.Context, phase Phase) error
}

// Jitter is a pause range, Min inclusive and Max exclusive.
type Jitter struct {
	Min, Max time.Duration
}

func (j Jitter) pick() time.Duration {
	if j.Max <= j.Min {
		return j.Min
	}
	return j.Min + rand.N(j.Max-j.Min)
}

// DefaultDisguise rotates desktop Chrome identities.
type DefaultDisguise struct {
	UserAgents []string
	Languages  []string
	Platform   string
	Vendor     string
	WebGL      [2]string // vendor, renderer
	Viewport   [2]int    // width, height
	Jitter     map[Phase]Jitter
}

var desktopAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0",
}

// NewDefaultDisguise returns the default identity set: Windows Chrome,
// en-US, Intel graphics, 3-6 s after navigation and 1-2 s after scrolling.
func NewDefaultDisguise() *DefaultDisguise {
	return &DefaultDisguise{
		UserAgents: desktopAgents,
		Languages:  []string{"en-US", "en"},
		Platform:   "Win32",
		Vendor:     "Google Inc.",
		WebGL:      [2]string{"Intel Inc.", "Intel Iris OpenGL Engine"},
		Viewport:   [2]int{1366, 768},
		Jitter: map[Phase]Jitter{
			AfterNavigate: {Min: 3 * time.Second, Max: 6 * time.Second},
			AfterScroll:   {Min: time.Second, Max: 2 * time.Second},
		},
	}
}

func (d *DefaultDisguise) agent(attempt int) string {
	if len(d.UserAgents) == 0 {
		return desktopAgents[0]
	}
	if attempt < 1 {
		attempt = 1
	}
	return d.UserAgents[(attempt-1)%len(d.UserAgents)]
}

func (d *DefaultDisguise) acceptLanguage() string {
	if len(d.Languages) == 0 {
		return "en-US,en;q=0.9"
	}
	out := d.Languages[0]
	for i, l := range d.Languages[1:] {
		out += fmt.Sprintf(",%s;q=0.%d", l, 9-i)
	}
	return out
}

// DecorateRequest implements Disguise.
func (d *DefaultDisguise) DecorateRequest(req *http.Request, attempt int) {
	h := req.Header
	h.Set("User-Agent", d.agent(attempt))
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", d.acceptLanguage())
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")
}

// PreparePage implements Disguise.
func (d *DefaultDisguise) PreparePage(page *rod.Page, attempt int) error {
	err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      d.agent(attempt),
		AcceptLanguage: d.acceptLanguage(),
		Platform:       d.Platform,
	})
	if err != nil {
		return fmt.Errorf("fetch: user agent: %w", err)
	}
	err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             d.Viewport[0],
		Height:            d.Viewport[1],
		DeviceScaleFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("fetch: viewport: %w", err)
	}
	script, err := d.script()
	if err != nil {
		return err
	}
	if _, err := page.EvalOnNewDocument(script); err != nil {
		return fmt.Errorf("fetch: page script: %w", err)
	}
	return nil
}

// script overrides the navigator and WebGL properties headless Chrome
// exposes differently from a desktop browser.
func (d *DefaultDisguise) script() (string, error) {
	vals, err := json.Marshal(map[string]any{
		"languages": d.Languages,
		"platform":  d.Platform,
		"vendor":    d.Vendor,
		"glVendor":  d.WebGL[0],
		"glRender":  d.WebGL[1],
	})
	if err != nil {
		return "", fmt.Errorf("fetch: page script: %w", err)
	}
	return fmt.Sprintf(`(() => {
  const v = %s;
  const def = (obj, key, val) => Object.defineProperty(obj, key, {get: () => val});
  def(Navigator.prototype, 'languages', v.languages);
  def(Navigator.prototype, 'platform', v.platform);
  def(Navigator.prototype, 'vendor', v.vendor);
  def(Navigator.prototype, 'webdriver', undefined);
  for (const ctx of [window.WebGLRenderingContext, window.WebGL2RenderingContext]) {
    if (!ctx) continue;
    const orig = ctx.prototype.getParameter;
    ctx.prototype.getParameter = function (p) {
      if (p === 37445) return v.glVendor;
      if (p === 37446) return v.glRender;
      return orig.call(this, p);
    };
  }
})();`, vals), nil
}

// Pause implements Disguise.
func (d *DefaultDisguise) Pause(ctx context.Context, phase Phase) error {
	return sleep(ctx, d.Jitter[phase].pick())
}

// NoDisguise sends default headers and never pauses.
type NoDisguise struct{}

func (NoDisguise) DecorateRequest(*http.Request, int)      {}
func (NoDisguise) PreparePage(*rod.Page, int) error        { return nil }
func (NoDisguise) Pause(ctx context.Context, _ Phase) error { return ctx.Err() }

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
