// Package scheduler runs crawl jobs. A run takes an explicit snapshot of
// targets, profiles and exchange rates, drives every target through fetch,
// extraction, normalization and merge on a bounded worker pool, and
// persists a summary. Per-target failures stay inside their job; only a
// store failure aborts the run.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/pricewatch/idgen"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/extract"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/fetch"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/merge"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/metrics"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/normalize"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/profile"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/store"
)

var (
	// ErrStoreUnavailable aborts a run: the history store rejected a write.
	ErrStoreUnavailable = errors.New("scheduler: history store unavailable")
	// ErrNoTargets is returned when the filter leaves nothing to run.
	ErrNoTargets = errors.New("scheduler: no targets to run")
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusAborted   = "aborted"
)

// Config bounds a run.
type Config struct {
	Workers        int           `yaml:"workers" json:"workers"`
	BrowserWorkers int           `yaml:"browser_workers" json:"browser_workers"`
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap" json:"backoff_cap"`
	Jitter         float64       `yaml:"jitter" json:"jitter"`
}

// Defaults fills zero fields. BrowserWorkers is clamped to the session
// ceiling.
func (c *Config) Defaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.BrowserWorkers <= 0 {
		c.BrowserWorkers = 2
	}
	c.BrowserWorkers = min(c.BrowserWorkers, fetch.MaxSessions)
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
}

// Snapshot is the configuration a run works from. It is read-only for the
// duration of the run.
type Snapshot struct {
	Targets  []profile.Target
	Profiles profile.Set
	Rates    *normalize.RateTable
}

// Archive is the part of the store the scheduler uses.
type Archive interface {
	merge.History
	SaveRun(ctx context.Context, r *store.Run) error
	SaveJobs(ctx context.Context, jobs []store.Job) error
}

// FailureSample is one failed target, for summaries.
type FailureSample struct {
	TargetID string            `json:"target_id"`
	Kind     fetch.FailureKind `json:"kind"`
	Error    string            `json:"error"`
}

const maxFailureSample = 5

// Summary reports a finished run.
type Summary struct {
	RunID         string              `json:"run_id"`
	Trigger       string              `json:"trigger"`
	Status        string              `json:"status"`
	StartedAt     time.Time           `json:"started_at"`
	FinishedAt    time.Time           `json:"finished_at"`
	Targets       int                 `json:"targets"`
	Done          int                 `json:"done"`
	Failed        int                 `json:"failed"`
	Skipped       int                 `json:"skipped"`
	FailureRate   float64             `json:"failure_rate"`
	Records       int                 `json:"records"`
	Inserted      int                 `json:"inserted"`
	Unchanged     int                 `json:"unchanged"`
	Duplicates    int                 `json:"duplicates"`
	Dropped       int                 `json:"dropped"`
	Partial       int                 `json:"partial"`
	AveragePrice  decimal.NullDecimal `json:"average_price"`
	Currency      string              `json:"currency"`
	FailureSample []FailureSample     `json:"failure_sample,omitempty"`
	Jobs          []*Job              `json:"jobs,omitempty"`
}

// Scheduler executes runs.
type Scheduler struct {
	cfg     Config
	fetcher fetch.Fetcher
	store   Archive
	logger  *slog.Logger
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time
	runID   idgen.Generator
	jobID   idgen.Generator
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithSleep replaces the backoff sleep.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = fn }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option { return func(s *Scheduler) { s.now = fn } }

// WithRunIDs sets the run and job ID generators.
func WithRunIDs(run, job idgen.Generator) Option {
	return func(s *Scheduler) { s.runID, s.jobID = run, job }
}

// New returns a Scheduler.
func New(f fetch.Fetcher, st Archive, cfg Config, opts ...Option) *Scheduler {
	cfg.Defaults()
	s := &Scheduler{
		cfg:     cfg,
		fetcher: f,
		store:   st,
		logger:  slog.Default(),
		sleep:   sleepCtx,
		now:     func() time.Time { return time.Now().UTC() },
		runID:   idgen.Run,
		jobID:   idgen.Job,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// run is the mutable state of one run.
type run struct {
	id      string
	snap    Snapshot
	merger  *merge.Merger
	norm    *normalize.Normalizer
	browser chan struct{}
	abort   context.CancelCauseFunc

	mu     sync.Mutex
	prices map[[2]string]keptPrice
}

type keptPrice struct {
	order normalize.Order
	price decimal.Decimal
}

// observe records the canonical price kept for rec's key. Skipped
// duplicates are ignored. A retracted duplicate is replaced by the record
// that won its key, which has the smaller extraction order.
func (r *run) observe(rec normalize.Record, d merge.Decision) {
	if d == merge.Skip {
		return
	}
	k := [2]string{rec.ProductKey, rec.Seller}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.prices[k]; ok && !rec.Order.Less(cur.order) {
		return
	}
	r.prices[k] = keptPrice{order: rec.Order, price: rec.Price}
}

// averagePrice is the mean of the kept prices, if any.
func (r *run) averagePrice() decimal.NullDecimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.prices) == 0 {
		return decimal.NullDecimal{}
	}
	total := decimal.Zero
	for _, p := range r.prices {
		total = total.Add(p.price)
	}
	avg := total.Div(decimal.NewFromInt(int64(len(r.prices)))).Round(normalize.PriceDecimals)
	return decimal.NullDecimal{Decimal: avg, Valid: true}
}

// Run executes one run over snap. The summary is returned even when the
// run was cancelled or aborted, together with the error.
func (s *Scheduler) Run(ctx context.Context, trigger string, snap Snapshot, filter *Filter) (*Summary, error) {
	if snap.Rates == nil {
		return nil, errors.New("scheduler: snapshot has no rate table")
	}

	sum := &Summary{
		RunID:     s.runID(),
		Trigger:   trigger,
		Status:    StatusRunning,
		StartedAt: s.now(),
		Currency:  snap.Rates.Canonical(),
	}
	var jobs []*Job
	for i, t := range snap.Targets {
		if !filter.match(t) {
			continue
		}
		sum.Targets++
		if !t.IsEnabled() {
			sum.Skipped++
			continue
		}
		jobs = append(jobs, &Job{ID: s.jobID(), TargetID: t.ID, URL: t.URL, Profile: t.Profile, Ordinal: i, State: Pending})
	}
	if len(jobs) == 0 {
		return nil, ErrNoTargets
	}
	sum.Jobs = jobs

	if err := s.store.SaveRun(ctx, &store.Run{ID: sum.RunID, Trigger: trigger, Status: StatusRunning, StartedAt: sum.StartedAt}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	log := s.logger.With("run", sum.RunID)
	log.Info("scheduler: run started", "trigger", trigger, "jobs", len(jobs), "skipped", sum.Skipped)

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	r := &run{
		id:      sum.RunID,
		snap:    snap,
		merger:  merge.New(s.store, sum.RunID, merge.WithLogger(log)),
		norm:    normalize.New(snap.Rates),
		browser: make(chan struct{}, s.cfg.BrowserWorkers),
		abort:   abort,
		prices:  make(map[[2]string]keptPrice),
	}

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Workers)
	for _, j := range jobs {
		g.Go(func() error {
			s.runJob(runCtx, r, j, log)
			return nil
		})
	}
	g.Wait()

	cause := context.Cause(runCtx)
	switch {
	case errors.Is(cause, ErrStoreUnavailable):
		sum.Status = StatusAborted
	case ctx.Err() != nil:
		sum.Status = StatusCancelled
	default:
		sum.Status = StatusCompleted
	}
	sum.FinishedAt = s.now()

	for _, j := range jobs {
		if !j.State.Terminal() {
			j.fail(fetch.KindCancelled, cause, sum.FinishedAt)
			metrics.JobFinished(string(Failed))
		}
	}
	s.summarize(sum, r)
	s.persist(ctx, sum, log)

	metrics.RunFinished(sum.Status, sum.FinishedAt.Sub(sum.StartedAt))
	log.Info("scheduler: run finished", "status", sum.Status,
		"done", sum.Done, "failed", sum.Failed, "inserted", sum.Inserted, "unchanged", sum.Unchanged)

	switch sum.Status {
	case StatusAborted:
		return sum, cause
	case StatusCancelled:
		return sum, ctx.Err()
	}
	return sum, nil
}

func (s *Scheduler) runJob(ctx context.Context, r *run, j *Job, log *slog.Logger) {
	defer func() {
		if j.State.Terminal() {
			metrics.JobFinished(string(j.State))
		}
	}()
	if ctx.Err() != nil {
		return
	}

	prof, ok := r.snap.Profiles.Lookup(j.Profile)
	if !ok {
		j.fail(KindConfig, fmt.Errorf("unknown profile %q", j.Profile), s.now())
		return
	}
	target := r.snap.Targets[j.Ordinal]
	j.Strategy = prof.Strategy

	res := s.fetchWithRetry(ctx, r, j, prof, log)
	if res == nil {
		return
	}

	j.State = Extracting
	seq, err := extract.Extract(res.Body, prof.Rules, extract.Options{Title: target.Title, ObservedAt: res.FetchedAt})
	if err != nil {
		j.fail(KindExtract, err, s.now())
		return
	}
	src := normalize.Source{Target: target, Ordinal: j.Ordinal, Profile: prof}
	var recs []normalize.Record
	for raw, err := range seq {
		if err != nil {
			j.Partial++
			log.Warn("scheduler: partial extraction", "target", j.TargetID, "error", err)
			continue
		}
		rec, err := r.norm.Normalize(raw, src)
		if err != nil {
			j.Dropped++
			log.Warn("scheduler: record dropped", "target", j.TargetID, "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	metrics.Records("partial", j.Partial)
	metrics.Records("dropped", j.Dropped)

	j.State = Merging
	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		res, err := r.merger.Merge(ctx, rec)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			err = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			log.Error("scheduler: aborting run", "target", j.TargetID, "error", err)
			r.abort(err)
			return
		}
		if res.Warning != nil {
			log.Warn("scheduler: duplicate offer in run", "warning", res.Warning.Error())
		}
		metrics.Records(res.Decision.String(), 1)
		r.observe(rec, res.Decision)
		j.Records++
	}

	j.State = Done
	j.FinishedAt = s.now()
}

// fetchWithRetry drives the fetch part of the state machine. It returns nil
// when the job failed or the run was cancelled.
func (s *Scheduler) fetchWithRetry(ctx context.Context, r *run, j *Job, prof profile.Profile, log *slog.Logger) *fetch.Result {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		j.Attempts++
		j.State = Fetching

		res, err := s.fetchOnce(ctx, r, j, prof, attempt)
		if err == nil {
			return res
		}
		if ctx.Err() != nil {
			return nil
		}
		kind := fetch.KindOf(err)
		j.FailureKind, j.LastError = kind, err.Error()

		switch {
		case kind == fetch.KindBlocked && j.Strategy == profile.Static && !j.Escalated:
			j.Escalated = true
			j.Strategy = profile.Browser
			attempt = 0
			metrics.Escalated()
			log.Info("scheduler: escalating to browser", "target", j.TargetID, "error", err)
		case kind.Retryable() && attempt < s.cfg.MaxAttempts:
			delay := Backoff(attempt, s.cfg.BackoffBase, s.cfg.BackoffCap, s.cfg.Jitter)
			log.Debug("scheduler: retrying", "target", j.TargetID, "attempt", attempt, "delay", delay, "error", err)
			if s.sleep(ctx, delay) != nil {
				return nil
			}
		default:
			j.fail(kind, err, s.now())
			log.Warn("scheduler: job failed", "target", j.TargetID, "kind", kind, "error", err)
			return nil
		}
	}
}

// fetchOnce runs one attempt. Browser attempts also hold a slot of the
// browser lane.
func (s *Scheduler) fetchOnce(ctx context.Context, r *run, j *Job, prof profile.Profile, attempt int) (*fetch.Result, error) {
	if j.Strategy == profile.Browser || prof.Concurrency == profile.Browser {
		select {
		case r.browser <- struct{}{}:
			defer func() { <-r.browser }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.fetcher.Fetch(ctx, fetch.Request{
		TargetID: j.TargetID,
		URL:      j.URL,
		Profile:  prof,
		Strategy: j.Strategy,
		Attempt:  attempt,
	})
}

func (s *Scheduler) summarize(sum *Summary, r *run) {
	for _, j := range sum.Jobs {
		switch j.State {
		case Done:
			sum.Done++
		case Failed:
			sum.Failed++
			if len(sum.FailureSample) < maxFailureSample {
				sum.FailureSample = append(sum.FailureSample, FailureSample{TargetID: j.TargetID, Kind: j.FailureKind, Error: j.LastError})
			}
		}
		sum.Records += j.Records
		sum.Partial += j.Partial
		sum.Dropped += j.Dropped
	}
	if n := sum.Done + sum.Failed; n > 0 {
		sum.FailureRate = float64(sum.Failed) / float64(n)
	}
	st := r.merger.Stats()
	sum.Inserted, sum.Unchanged, sum.Duplicates = st.Inserted, st.Unchanged, st.Duplicates
	sum.AveragePrice = r.averagePrice()
}

// persist archives the jobs and the final run row. It runs after
// cancellation too, so it detaches from ctx.
func (s *Scheduler) persist(ctx context.Context, sum *Summary, log *slog.Logger) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	rows := make([]store.Job, 0, len(sum.Jobs))
	for _, j := range sum.Jobs {
		rows = append(rows, store.Job{
			ID:          j.ID,
			RunID:       sum.RunID,
			TargetID:    j.TargetID,
			URL:         j.URL,
			State:       string(j.State),
			Strategy:    string(j.Strategy),
			Attempts:    j.Attempts,
			Escalated:   j.Escalated,
			FailureKind: string(j.FailureKind),
			LastError:   j.LastError,
			Records:     j.Records,
			FinishedAt:  j.FinishedAt,
		})
	}
	if err := s.store.SaveJobs(pctx, rows); err != nil {
		log.Error("scheduler: archive jobs", "error", err)
	}

	doc, err := json.Marshal(sum)
	if err != nil {
		log.Error("scheduler: encode summary", "error", err)
		doc = []byte("{}")
	}
	err = s.store.SaveRun(pctx, &store.Run{
		ID:         sum.RunID,
		Trigger:    sum.Trigger,
		Status:     sum.Status,
		StartedAt:  sum.StartedAt,
		FinishedAt: sum.FinishedAt,
		Summary:    string(doc),
	})
	if err != nil {
		log.Error("scheduler: save run", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
