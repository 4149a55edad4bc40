package pricewatch

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/pricewatch/pricewatch/internal/fetch"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/normalize"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/profile"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/scheduler"
)

// Config configures the pricewatch service. It is usually loaded from YAML
// with LoadConfig.
type Config struct {
	// Currency is the canonical currency every price is converted to.
	Currency string `yaml:"currency"`
	// Schedule is a 5-field cron expression or a descriptor such as
	// "@every 6h". Empty disables periodic runs.
	Schedule string `yaml:"schedule"`

	DBPath        string `yaml:"db_path"`
	ExportDir     string `yaml:"export_dir"`
	ScreenshotDir string `yaml:"screenshot_dir"`
	// ImportProfile is the base profile of targets imported from a
	// spreadsheet.
	ImportProfile string `yaml:"import_profile"`

	Scheduler scheduler.Config `yaml:"scheduler"`
	Browser   BrowserConfig    `yaml:"browser"`

	// Rates maps a currency code to the value of one unit in Currency.
	// RatesFile, when set, is a YAML map of the same shape whose entries
	// override Rates.
	Rates     map[string]string `yaml:"rates"`
	RatesFile string            `yaml:"rates_file"`

	Profiles []profile.Profile `yaml:"profiles"`
	Targets  []profile.Target  `yaml:"targets"`
}

// BrowserConfig configures the headless browser strategy.
type BrowserConfig struct {
	Sessions     int           `yaml:"sessions"`
	RemoteURL    string        `yaml:"remote_url"`
	Bin          string        `yaml:"bin"`
	Proxy        string        `yaml:"proxy"`
	NoSandbox    bool          `yaml:"no_sandbox"`
	RecycleAfter time.Duration `yaml:"recycle_after"`
	Block        []string      `yaml:"block"`
}

// AdhocProfile is the name of the built-in base profile for imported targets.
const AdhocProfile = "adhoc"

func adhocProfile() profile.Profile {
	return profile.Profile{
		Name:     AdhocProfile,
		Strategy: profile.Browser,
		Rules: profile.RuleSet{
			Kind:  profile.XPath,
			Title: "//h1",
			Price: "//*[@itemprop='price']",
		},
	}
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	c := &Config{}
	c.defaults()
	return c
}

func (c *Config) defaults() {
	if c.Currency == "" {
		c.Currency = "RUB"
	}
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	if c.DBPath == "" {
		c.DBPath = "data/pricewatch.db"
	}
	if c.ExportDir == "" {
		c.ExportDir = "data/exports"
	}
	if c.ImportProfile == "" {
		c.ImportProfile = AdhocProfile
	}
	if c.Browser.Sessions <= 0 {
		c.Browser.Sessions = 2
	}
	if c.Scheduler.Jitter == 0 {
		c.Scheduler.Jitter = 0.2
	}
	c.Scheduler.Defaults()
	c.Scheduler.BrowserWorkers = min(c.Scheduler.BrowserWorkers, c.Browser.Sessions)
	if c.ImportProfile == AdhocProfile && !c.hasProfile(AdhocProfile) {
		c.Profiles = append(c.Profiles, adhocProfile())
	}
}

func (c *Config) hasProfile(name string) bool {
	for _, p := range c.Profiles {
		if p.Name == name {
			return true
		}
	}
	return false
}

// LoadConfig reads a YAML configuration file, applies defaults and
// validates it. A relative rates_file is resolved against the directory of
// path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pricewatch: read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidInput, path, err)
	}
	if c.RatesFile != "" && !filepath.IsAbs(c.RatesFile) {
		c.RatesFile = filepath.Join(filepath.Dir(path), c.RatesFile)
	}
	c.defaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration the way a run would use it.
func (c *Config) Validate() error {
	_, err := c.compile()
	return err
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// compiled is the validated, indexed form of a Config.
type compiled struct {
	profiles profile.Set
	rates    *normalize.RateTable
	targets  []profile.Target
}

func (c *Config) compile() (*compiled, error) {
	if c.Schedule != "" {
		if _, err := cronParser.Parse(c.Schedule); err != nil {
			return nil, fmt.Errorf("%w: schedule %q: %v", ErrInvalidInput, c.Schedule, err)
		}
	}
	if c.Browser.Sessions > fetch.MaxSessions {
		return nil, fmt.Errorf("%w: browser.sessions %d exceeds %d", ErrInvalidInput, c.Browser.Sessions, fetch.MaxSessions)
	}

	set, err := profile.NewSet(c.Profiles)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if _, ok := set.Lookup(c.ImportProfile); !ok {
		return nil, fmt.Errorf("%w: import_profile %q", ErrUnknownProfile, c.ImportProfile)
	}

	rates, err := c.rateTable()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		switch {
		case t.ID == "":
			return nil, fmt.Errorf("%w: target #%d has no id", ErrInvalidInput, i+1)
		case seen[t.ID]:
			return nil, fmt.Errorf("%w: duplicate target id %q", ErrInvalidInput, t.ID)
		case t.URL == "":
			return nil, fmt.Errorf("%w: target %q has no url", ErrInvalidInput, t.ID)
		}
		if _, ok := set.Lookup(t.Profile); !ok {
			return nil, fmt.Errorf("%w: target %q uses %q", ErrUnknownProfile, t.ID, t.Profile)
		}
		seen[t.ID] = true
	}

	return &compiled{profiles: set, rates: rates, targets: c.Targets}, nil
}

func (c *Config) rateTable() (*normalize.RateTable, error) {
	raw := maps.Clone(c.Rates)
	if raw == nil {
		raw = make(map[string]string)
	}
	if c.RatesFile != "" {
		data, err := os.ReadFile(c.RatesFile)
		if err != nil {
			return nil, fmt.Errorf("pricewatch: read rates: %w", err)
		}
		var file map[string]string
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidInput, c.RatesFile, err)
		}
		maps.Copy(raw, file)
	}

	rates := make(map[string]decimal.Decimal, len(raw))
	for code, v := range raw {
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%w: rate %s=%q: %v", ErrInvalidInput, code, v, err)
		}
		rates[code] = d
	}
	t, err := normalize.NewRateTable(c.Currency, rates)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return t, nil
}

func (b BrowserConfig) chrome() fetch.ChromeConfig {
	return fetch.ChromeConfig{
		RemoteURL:    b.RemoteURL,
		Bin:          b.Bin,
		Proxy:        b.Proxy,
		NoSandbox:    b.NoSandbox,
		RecycleAfter: b.RecycleAfter,
		Block:        b.Block,
	}
}
