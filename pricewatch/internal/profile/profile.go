// Package profile defines the closed set of site profiles: how a target is
// fetched (static HTTP or a headless browser) and how its prices are located
// (CSS or XPath rules). Every kind is validated at load time so the rest of
// the pipeline selects implementations by plain map lookup.
package profile

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Strategy selects the fetch path for a target.
type Strategy string

const (
	Static  Strategy = "static"
	Browser Strategy = "browser"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool { return s == Static || s == Browser }

// RuleKind selects the selector language of a rule set.
type RuleKind string

const (
	CSS   RuleKind = "css"
	XPath RuleKind = "xpath"
)

// Valid reports whether k is a known rule kind.
func (k RuleKind) Valid() bool { return k == CSS || k == XPath }

// Defaults applied by Normalize.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultMinContentBytes = 512
	DefaultStableWindow    = 1500 * time.Millisecond
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("profile: invalid")

// RuleSet locates the fields of one product offer inside a page.
//
// Item selects the repeating block (one per offer). Empty means the whole
// document is a single block. Every other selector is evaluated relative to
// the block.
type RuleSet struct {
	Kind       RuleKind `yaml:"kind" json:"kind"`
	Item       string   `yaml:"item,omitempty" json:"item,omitempty"`
	Title      string   `yaml:"title,omitempty" json:"title,omitempty"`
	Price      string   `yaml:"price" json:"price"`
	OldPrice   string   `yaml:"old_price,omitempty" json:"old_price,omitempty"`
	Currency   string   `yaml:"currency,omitempty" json:"currency,omitempty"`
	Stock      string   `yaml:"stock,omitempty" json:"stock,omitempty"`
	OutOfStock []string `yaml:"out_of_stock,omitempty" json:"out_of_stock,omitempty"`
	SKU        string   `yaml:"sku,omitempty" json:"sku,omitempty"`
	SKUAttr    string   `yaml:"sku_attr,omitempty" json:"sku_attr,omitempty"`
	Seller     string   `yaml:"seller,omitempty" json:"seller,omitempty"`
}

// Ready describes when a rendered page may be read.
type Ready struct {
	// Selector must be present in the DOM. Takes precedence over Stable.
	Selector string `yaml:"selector,omitempty" json:"selector,omitempty"`
	// Stable is the DOM quiet window used when Selector is empty.
	Stable time.Duration `yaml:"stable,omitempty" json:"stable,omitempty"`
}

// Profile is one site profile.
type Profile struct {
	Name     string   `yaml:"name" json:"name"`
	Strategy Strategy `yaml:"strategy" json:"strategy"`
	Rules    RuleSet  `yaml:"rules" json:"rules"`

	// Currency is assumed when a block carries no currency marker.
	Currency string `yaml:"currency,omitempty" json:"currency,omitempty"`
	// Seller is used when the page does not name one.
	Seller string `yaml:"seller,omitempty" json:"seller,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Ready   Ready         `yaml:"ready,omitempty" json:"ready,omitempty"`

	// Concurrency is the worker lane of the profile. Defaults to the
	// strategy: browser profiles share the smaller browser lane.
	Concurrency Strategy `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`

	MinContentBytes int      `yaml:"min_content_bytes,omitempty" json:"min_content_bytes,omitempty"`
	BlockSignatures []string `yaml:"block_signatures,omitempty" json:"block_signatures,omitempty"`

	// RequestInterval paces requests to the same host. Zero disables pacing.
	RequestInterval time.Duration `yaml:"request_interval,omitempty" json:"request_interval,omitempty"`
}

// DefaultBlockSignatures are lower-case fragments of well-known anti-bot
// interstitials. A profile may add its own.
var DefaultBlockSignatures = []string{
	"g-recaptcha",
	"h-captcha",
	"cf-challenge",
	"cf-browser-verification",
	"attention required! | cloudflare",
	"captcha-delivery.com",
	"are you a robot",
	"access denied",
	"unusual traffic from your computer",
	"showcaptcha",
}

// Normalize fills zero fields with defaults. It does not validate.
func (p *Profile) Normalize() {
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.MinContentBytes <= 0 {
		p.MinContentBytes = DefaultMinContentBytes
	}
	if p.Concurrency == "" {
		p.Concurrency = p.Strategy
	}
	if p.Strategy == Browser && p.Ready.Selector == "" && p.Ready.Stable <= 0 {
		p.Ready.Stable = DefaultStableWindow
	}
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
}

// Validate rejects unknown kinds and incomplete rule sets.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if !p.Strategy.Valid() {
		return fmt.Errorf("%w: profile %q: unknown strategy %q", ErrInvalid, p.Name, p.Strategy)
	}
	if p.Concurrency != "" && !p.Concurrency.Valid() {
		return fmt.Errorf("%w: profile %q: unknown concurrency class %q", ErrInvalid, p.Name, p.Concurrency)
	}
	if !p.Rules.Kind.Valid() {
		return fmt.Errorf("%w: profile %q: unknown rule kind %q", ErrInvalid, p.Name, p.Rules.Kind)
	}
	if strings.TrimSpace(p.Rules.Price) == "" {
		return fmt.Errorf("%w: profile %q: price rule is required", ErrInvalid, p.Name)
	}
	if p.Timeout < 0 || p.RequestInterval < 0 {
		return fmt.Errorf("%w: profile %q: negative duration", ErrInvalid, p.Name)
	}
	return nil
}

// Signatures returns the block signatures of p merged with the defaults,
// lower-cased.
func (p *Profile) Signatures() []string {
	out := make([]string, 0, len(DefaultBlockSignatures)+len(p.BlockSignatures))
	out = append(out, DefaultBlockSignatures...)
	for _, s := range p.BlockSignatures {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Target is one page to monitor.
type Target struct {
	ID      string `yaml:"id" json:"id"`
	URL     string `yaml:"url" json:"url"`
	Profile string `yaml:"profile" json:"profile"`
	// Title labels the target and stands in for the product title when the
	// profile has no title rule.
	Title   string `yaml:"title,omitempty" json:"title,omitempty"`
	Enabled *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled reports whether the target takes part in runs. Targets are
// enabled unless explicitly disabled.
func (t Target) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

// Set is an indexed, validated collection of profiles.
type Set map[string]Profile

// NewSet normalizes and validates profiles and indexes them by name.
func NewSet(profiles []Profile) (Set, error) {
	set := make(Set, len(profiles))
	for _, p := range profiles {
		p.Normalize()
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := set[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate profile %q", ErrInvalid, p.Name)
		}
		set[p.Name] = p
	}
	return set, nil
}

// Lookup returns the profile named name.
func (s Set) Lookup(name string) (Profile, bool) {
	p, ok := s[name]
	return p, ok
}
