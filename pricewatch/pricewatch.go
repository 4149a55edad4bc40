// Package pricewatch monitors product prices across e-commerce sites. The
// Service crawls configured targets on a schedule or on demand, extracts
// and normalizes prices, keeps a deduplicated price history in SQLite and
// answers history queries for the delivery layer (HTTP API and MCP tools).
//
//	svc, err := pricewatch.New(db, cfg, logger)
//	svc.Start(ctx)
//	defer svc.Close()
//	sum, err := svc.TriggerRun(ctx, nil)
package pricewatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hazyhaar/pricewatch/dbopen"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/fetch"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/normalize"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/profile"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/scheduler"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/store"
)

type (
	// RunSummary reports a finished run.
	RunSummary = scheduler.Summary
	// TargetFilter restricts a run to a subset of targets. Nil runs all.
	TargetFilter = scheduler.Filter
	// HistoryEntry is one point of a price history.
	HistoryEntry = store.Entry

	// Profile describes how to fetch and read one site.
	Profile = profile.Profile
	RuleSet = profile.RuleSet
	// Target is one monitored page.
	Target = profile.Target

	// Fetcher retrieves one page. WithFetcher replaces the built-in
	// static and browser strategies with it.
	Fetcher      = fetch.Fetcher
	FetcherFunc  = fetch.FetcherFunc
	FetchRequest = fetch.Request
	FetchResult  = fetch.Result
)

// OpenDB opens the SQLite database at path, creating it and its directory
// when missing, and applies the history schema.
func OpenDB(path string) (*sql.DB, error) {
	return dbopen.Open(path,
		dbopen.WithMkdirAll(),
		dbopen.WithMaxOpenConns(1),
		dbopen.WithSetup(store.ApplySchema))
}

// Run triggers.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
)

// Service is the pricewatch core behind the delivery layer.
type Service struct {
	store     *store.Store
	fetcher   fetch.Fetcher
	chrome    *fetch.Manager
	logger    *slog.Logger
	schedOpts []scheduler.Option

	mu    sync.RWMutex
	cfg   *Config
	comp  *compiled
	sched *scheduler.Scheduler

	running atomic.Bool

	cronMu  sync.Mutex
	cron    *cron.Cron
	cronID  cron.EntryID
	baseCtx context.Context
}

// Option configures a Service.
type Option func(*Service)

// WithFetcher replaces the default static and browser strategies.
func WithFetcher(f Fetcher) Option { return func(s *Service) { s.fetcher = f } }

// WithSchedulerOptions passes options to every scheduler the service builds.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(s *Service) { s.schedOpts = append(s.schedOpts, opts...) }
}

// New returns a Service over db, which must carry the store schema. A nil
// cfg uses DefaultConfig.
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()
	comp, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		store:  store.NewStore(db),
		logger: logger,
		cfg:    cfg,
		comp:   comp,
	}
	for _, o := range opts {
		o(s)
	}
	if s.fetcher == nil {
		s.fetcher = s.defaultFetcher(cfg)
	}
	s.sched = s.newScheduler(cfg)
	return s, nil
}

func (s *Service) defaultFetcher(cfg *Config) fetch.Fetcher {
	d := fetch.NewDefaultDisguise()

	chromeCfg := cfg.Browser.chrome()
	chromeCfg.Logger = s.logger
	s.chrome = fetch.NewManager(chromeCfg)

	browser := fetch.NewBrowser(
		fetch.NewRodEngine(s.chrome, d),
		fetch.NewSessionPool(cfg.Browser.Sessions),
		fetch.WithBrowserDisguise(d),
		fetch.WithScreenshotDir(cfg.ScreenshotDir),
		fetch.WithBrowserLogger(s.logger),
	)
	static := fetch.NewStatic(fetch.WithDisguise(d), fetch.WithStaticLogger(s.logger))

	return fetch.NewDispatcher(map[profile.Strategy]fetch.Fetcher{
		profile.Static:  static,
		profile.Browser: browser,
	}, s.logger)
}

func (s *Service) newScheduler(cfg *Config) *scheduler.Scheduler {
	opts := append([]scheduler.Option{scheduler.WithLogger(s.logger)}, s.schedOpts...)
	return scheduler.New(s.fetcher, s.store, cfg.Scheduler, opts...)
}

// Config returns the active configuration. Callers must not modify it.
func (s *Service) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Start schedules periodic runs when the configuration has a schedule.
// Scheduled runs use ctx and stop with it. Non-blocking.
func (s *Service) Start(ctx context.Context) error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.cron != nil {
		return errors.New("pricewatch: already started")
	}
	s.baseCtx = ctx
	s.cron = cron.New(cron.WithParser(cronParser), cron.WithChain(cron.Recover(cronLogger{s.logger})))
	if err := s.scheduleLocked(s.Config().Schedule); err != nil {
		s.cron = nil
		return err
	}
	s.cron.Start()
	s.logger.Info("pricewatch: started", "schedule", s.Config().Schedule)
	return nil
}

// scheduleLocked replaces the periodic run entry. cronMu must be held.
func (s *Service) scheduleLocked(spec string) error {
	if s.cron == nil {
		return nil
	}
	if s.cronID != 0 {
		s.cron.Remove(s.cronID)
		s.cronID = 0
	}
	if spec == "" {
		return nil
	}
	id, err := s.cron.AddFunc(spec, s.scheduledRun)
	if err != nil {
		return fmt.Errorf("%w: schedule %q: %v", ErrInvalidInput, spec, err)
	}
	s.cronID = id
	return nil
}

func (s *Service) scheduledRun() {
	sum, err := s.run(s.baseCtx, TriggerSchedule, nil)
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.logger.Info("pricewatch: scheduled run skipped, previous run still active")
	case err != nil:
		s.logger.Error("pricewatch: scheduled run failed", "error", err)
	default:
		s.logger.Info("pricewatch: scheduled run finished",
			"run", sum.RunID, "done", sum.Done, "failed", sum.Failed, "inserted", sum.Inserted)
	}
}

// Close stops the schedule, waits briefly for a scheduled run to return
// and shuts the browser down.
func (s *Service) Close() error {
	s.cronMu.Lock()
	c := s.cron
	s.cron = nil
	s.cronMu.Unlock()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-time.After(30 * time.Second):
			s.logger.Warn("pricewatch: scheduled run still active at close")
		}
	}
	var err error
	if s.chrome != nil {
		err = s.chrome.Close()
	}
	s.logger.Info("pricewatch: closed")
	return err
}

// Reload swaps in cfg. A run in progress keeps the configuration it
// started with; the next run uses cfg. Browser settings apply after a
// restart.
func (s *Service) Reload(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidInput)
	}
	cfg.defaults()
	comp, err := cfg.compile()
	if err != nil {
		return err
	}

	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if err := s.scheduleLocked(cfg.Schedule); err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg, s.comp, s.sched = cfg, comp, s.newScheduler(cfg)
	s.mu.Unlock()

	s.logger.Info("pricewatch: configuration reloaded",
		"profiles", len(comp.profiles), "targets", len(comp.targets), "schedule", cfg.Schedule)
	return nil
}

// Running reports whether a run is in progress.
func (s *Service) Running() bool { return s.running.Load() }

// TriggerRun runs the targets matching filter now and returns the summary.
// Only one run executes at a time; a concurrent call gets
// ErrRunInProgress. A cancelled or aborted run returns its summary along
// with the error.
func (s *Service) TriggerRun(ctx context.Context, filter *TargetFilter) (*RunSummary, error) {
	return s.run(ctx, TriggerManual, filter)
}

func (s *Service) run(ctx context.Context, trigger string, filter *TargetFilter) (*RunSummary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)

	sched, snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return sched.Run(ctx, trigger, snap, filter)
}

// snapshot freezes the configuration for one run. Imported targets carrying
// their own price rule get a derived profile named "<profile>#<target id>"
// whose default seller is the site host.
func (s *Service) snapshot(ctx context.Context) (*scheduler.Scheduler, scheduler.Snapshot, error) {
	s.mu.RLock()
	comp, sched := s.comp, s.sched
	s.mu.RUnlock()

	stored, err := s.store.ListTargets(ctx)
	if err != nil {
		return nil, scheduler.Snapshot{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	profiles := maps.Clone(comp.profiles)
	targets := slices.Clone(comp.targets)
	for _, t := range stored {
		name := t.Profile
		if p, ok := profiles.Lookup(name); ok && t.PriceRule != "" {
			p.Name = t.Profile + "#" + t.ID
			p.Rules.Price = t.PriceRule
			if p.Seller == "" {
				p.Seller = hostOf(t.URL)
			}
			profiles[p.Name] = p
			name = p.Name
		}
		enabled := t.Enabled
		targets = append(targets, profile.Target{
			ID: t.ID, URL: t.URL, Profile: name, Title: t.Title, Enabled: &enabled,
		})
	}
	return sched, scheduler.Snapshot{Targets: targets, Profiles: profiles, Rates: comp.rates}, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

// HistoryQuery selects price history. ProductKey or Text is required.
type HistoryQuery struct {
	ProductKey string `json:"product_key,omitempty"`
	// Text is a free-text search over titles, sellers and SKUs.
	Text   string    `json:"text,omitempty"`
	Seller string    `json:"seller,omitempty"`
	From   time.Time `json:"from,omitzero"`
	To     time.Time `json:"to,omitzero"`
	Limit  int       `json:"limit,omitempty"`
}

func (q HistoryQuery) filter() (store.HistoryFilter, error) {
	if !q.From.IsZero() && !q.To.IsZero() && q.From.After(q.To) {
		return store.HistoryFilter{}, fmt.Errorf("%w: from is after to", ErrInvalidInput)
	}
	if q.Limit < 0 {
		return store.HistoryFilter{}, fmt.Errorf("%w: negative limit", ErrInvalidInput)
	}
	f := store.HistoryFilter{
		ProductKey: productKey(q.ProductKey),
		Text:       q.Text,
		From:       q.From,
		To:         q.To,
		Limit:      q.Limit,
	}
	if q.Seller != "" {
		f.Seller = normalize.Fold(q.Seller)
	}
	return f, nil
}

// productKey accepts a SKU in any case or a derived "t:" key.
func productKey(k string) string {
	k = strings.TrimSpace(k)
	if k == "" || strings.HasPrefix(k, "t:") {
		return k
	}
	return normalize.SKU(k)
}

// HistoryResult is the answer to a history query. NoData is set when
// nothing matched; that is not an error.
type HistoryResult struct {
	Entries []HistoryEntry `json:"entries"`
	Count   int            `json:"count"`
	NoData  bool           `json:"no_data"`
}

// QueryHistory returns entries ordered by (product_key, seller, observed_at).
func (s *Service) QueryHistory(ctx context.Context, q HistoryQuery) (*HistoryResult, error) {
	if q.ProductKey == "" && q.Text == "" {
		return nil, fmt.Errorf("%w: product_key or text is required", ErrInvalidInput)
	}
	f, err := q.filter()
	if err != nil {
		return nil, err
	}
	entries, err := s.store.History(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if entries == nil {
		entries = []HistoryEntry{}
	}
	return &HistoryResult{Entries: entries, Count: len(entries), NoData: len(entries) == 0}, nil
}

// RunInfo is a persisted run.
type RunInfo struct {
	ID         string          `json:"id"`
	Trigger    string          `json:"trigger"`
	Status     string          `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitzero"`
	Summary    json.RawMessage `json:"summary,omitempty"`
	Jobs       []store.Job     `json:"jobs,omitempty"`
}

func runInfo(r *store.Run) RunInfo {
	info := RunInfo{ID: r.ID, Trigger: r.Trigger, Status: r.Status, StartedAt: r.StartedAt, FinishedAt: r.FinishedAt}
	if json.Valid([]byte(r.Summary)) {
		info.Summary = json.RawMessage(r.Summary)
	}
	return info
}

// Runs lists the most recent runs, newest first.
func (s *Service) Runs(ctx context.Context, limit int) ([]RunInfo, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidInput)
	}
	runs, err := s.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	out := make([]RunInfo, 0, len(runs))
	for _, r := range runs {
		out = append(out, runInfo(r))
	}
	return out, nil
}

// Run returns one run with its archived jobs.
func (s *Service) Run(ctx context.Context, id string) (*RunInfo, error) {
	r, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if r == nil {
		return nil, fmt.Errorf("%w: run %q", ErrNotFound, id)
	}
	jobs, err := s.store.ListJobs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	info := runInfo(r)
	info.Jobs = jobs
	return &info, nil
}

// Ping checks that the database answers.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.DB.PingContext(ctx)
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug("pricewatch: cron "+msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("pricewatch: cron "+msg, append(kv, "error", err)...)
}
