package pricewatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/pricewatch/dbopen"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/fetch"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/profile"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/scheduler"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/store"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testConfig() *Config {
	return &Config{
		Currency: "RUB",
		Rates:    map[string]string{"USD": "90"},
		Profiles: []profile.Profile{{
			Name:     "shop",
			Strategy: profile.Static,
			Seller:   "Shop Alpha",
			Currency: "RUB",
			Rules: profile.RuleSet{
				Kind:  profile.CSS,
				Item:  ".offer",
				Title: ".title",
				Price: ".price",
				SKU:   ".sku",
			},
		}},
		Targets: []profile.Target{{ID: "t1", URL: "https://shop.example/kettles", Profile: "shop"}},
	}
}

// offers renders a listing page with one offer per price.
func offers(prices ...string) []byte {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i, p := range prices {
		fmt.Fprintf(&b, `<div class="offer"><span class="title">Kettle %d</span><span class="sku">sku-%d</span><span class="price">%s</span></div>`, i+1, i+1, p)
	}
	b.WriteString("</body></html>")
	return []byte(b.String())
}

func serve(body func(req fetch.Request) []byte) fetch.Fetcher {
	return fetch.FetcherFunc(func(_ context.Context, req fetch.Request) (*fetch.Result, error) {
		return &fetch.Result{
			TargetID: req.TargetID, Strategy: req.Strategy, URL: req.URL, FinalURL: req.URL,
			Status: 200, Body: body(req), FetchedAt: time.Now().UTC(),
		}, nil
	})
}

func newTestService(t *testing.T, cfg *Config, f fetch.Fetcher) *Service {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSetup(store.ApplySchema))
	if cfg.ExportDir == "" {
		cfg.ExportDir = t.TempDir()
	}
	svc, err := New(db, cfg, quiet(), WithFetcher(f), WithSchedulerOptions(scheduler.WithSleep(noSleep)))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestLoadConfig(t *testing.T) {
	// WHAT: A YAML file with profiles, targets and a rates file loads with defaults.
	// WHY: The daemon starts from this file and reloads it on change.
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "rates.yaml"), []byte("USD: \"91.5\"\nEUR: \"99\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "pricewatch.yaml")
	yml := `
currency: rub
schedule: "@every 6h"
rates:
  USD: "90"
rates_file: rates.yaml
scheduler:
  workers: 4
  backoff_base: 500ms
profiles:
  - name: shop
    strategy: static
    timeout: 15s
    rules:
      kind: css
      item: .offer
      price: .price
targets:
  - id: t1
    url: https://shop.example/a
    profile: shop
  - id: t2
    url: https://shop.example/b
    profile: shop
    enabled: false
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Currency != "RUB" || cfg.Scheduler.Workers != 4 || cfg.Scheduler.BackoffBase != 500*time.Millisecond {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Profiles[0].Timeout != 15*time.Second {
		t.Errorf("profile timeout = %v", cfg.Profiles[0].Timeout)
	}
	if !cfg.hasProfile(AdhocProfile) {
		t.Error("built-in import profile missing")
	}
	if cfg.Targets[1].IsEnabled() {
		t.Error("t2 should be disabled")
	}

	comp, err := cfg.compile()
	if err != nil {
		t.Fatal(err)
	}
	usd, ok := comp.rates.Convert(decimalOf(t, "1"), "USD")
	if !ok || usd.String() != "91.5" {
		t.Errorf("USD rate = %s, %v (rates file must override inline rates)", usd, ok)
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		want   error
	}{
		"unknown target profile": {func(c *Config) { c.Targets[0].Profile = "nope" }, ErrUnknownProfile},
		"bad schedule":           {func(c *Config) { c.Schedule = "every now and then" }, ErrInvalidInput},
		"unknown strategy":       {func(c *Config) { c.Profiles[0].Strategy = "telepathy" }, ErrInvalidInput},
		"duplicate target":       {func(c *Config) { c.Targets = append(c.Targets, c.Targets[0]) }, ErrInvalidInput},
		"bad rate":               {func(c *Config) { c.Rates["USD"] = "-3" }, ErrInvalidInput},
		"too many sessions":      {func(c *Config) { c.Browser.Sessions = 9 }, ErrInvalidInput},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(cfg)
			cfg.defaults()
			if err := cfg.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestTriggerRun_QueryHistory(t *testing.T) {
	// WHAT: A run stores prices that history queries return by key, text and seller.
	// WHY: This is the path the delivery layer uses end to end.
	svc := newTestService(t, testConfig(), serve(func(fetch.Request) []byte {
		return offers("1 299 ₽", "2 499,50 руб.")
	}))
	ctx := context.Background()

	sum, err := svc.TriggerRun(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Done != 1 || sum.Inserted != 2 || sum.Trigger != TriggerManual {
		t.Fatalf("summary = %+v", sum)
	}

	res, err := svc.QueryHistory(ctx, HistoryQuery{ProductKey: "sku-2", Seller: "Shop  ALPHA"})
	if err != nil {
		t.Fatal(err)
	}
	if res.NoData || res.Count != 1 || res.Entries[0].Price.StringFixed(2) != "2499.50" {
		t.Fatalf("by key = %+v", res)
	}

	res, err = svc.QueryHistory(ctx, HistoryQuery{Text: "kettle"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 2 || res.Entries[0].ProductKey != "SKU-1" {
		t.Fatalf("by text = %+v", res)
	}
}

func TestQueryHistory_NoData(t *testing.T) {
	// WHAT: Unknown products answer with NoData, not an error.
	// WHY: The bot replies "no data" instead of reporting a failure.
	svc := newTestService(t, testConfig(), serve(func(fetch.Request) []byte { return offers("10") }))
	res, err := svc.QueryHistory(context.Background(), HistoryQuery{ProductKey: "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.NoData || res.Entries == nil || res.Count != 0 {
		t.Errorf("res = %+v", res)
	}
}

func TestQueryHistory_InvalidInput(t *testing.T) {
	svc := newTestService(t, testConfig(), serve(func(fetch.Request) []byte { return nil }))
	now := time.Now()
	for name, q := range map[string]HistoryQuery{
		"empty":          {},
		"inverted range": {Text: "kettle", From: now, To: now.Add(-time.Hour)},
		"negative limit": {Text: "kettle", Limit: -1},
	} {
		if _, err := svc.QueryHistory(context.Background(), q); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}

func TestTriggerRun_OneAtATime(t *testing.T) {
	// WHAT: A second trigger during a run is refused.
	// WHY: Two runs would race on the same history.
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	f := fetch.FetcherFunc(func(ctx context.Context, req fetch.Request) (*fetch.Result, error) {
		started <- struct{}{}
		<-release
		return &fetch.Result{TargetID: req.TargetID, Strategy: req.Strategy, Status: 200, Body: offers("10"), FetchedAt: time.Now().UTC()}, nil
	})
	svc := newTestService(t, testConfig(), f)

	errc := make(chan error, 1)
	go func() {
		_, err := svc.TriggerRun(context.Background(), nil)
		errc <- err
	}()
	<-started
	if !svc.Running() {
		t.Error("Running() = false during a run")
	}
	if _, err := svc.TriggerRun(context.Background(), nil); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("concurrent trigger: %v", err)
	}
	close(release)
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if svc.Running() {
		t.Error("Running() = true after the run")
	}
}

func TestTriggerRun_Filter(t *testing.T) {
	cfg := testConfig()
	cfg.Targets = append(cfg.Targets, profile.Target{ID: "t2", URL: "https://other.example/x", Profile: "shop"})
	svc := newTestService(t, cfg, serve(func(fetch.Request) []byte { return offers("10") }))

	sum, err := svc.TriggerRun(context.Background(), &TargetFilter{URLContains: "other.example"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Targets != 1 || len(sum.Jobs) != 1 || sum.Jobs[0].TargetID != "t2" {
		t.Errorf("summary = %+v", sum)
	}
	if _, err := svc.TriggerRun(context.Background(), &TargetFilter{IDs: []string{"nope"}}); !errors.Is(err, ErrNoTargets) {
		t.Errorf("empty filter: %v", err)
	}
}

func TestRuns(t *testing.T) {
	svc := newTestService(t, testConfig(), serve(func(fetch.Request) []byte { return offers("10") }))
	ctx := context.Background()
	sum, err := svc.TriggerRun(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}

	runs, err := svc.Runs(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != sum.RunID || runs[0].Status != scheduler.StatusCompleted || len(runs[0].Summary) == 0 {
		t.Fatalf("runs = %+v", runs)
	}

	run, err := svc.Run(ctx, sum.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(run.Jobs) != 1 || run.Jobs[0].TargetID != "t1" || run.Jobs[0].State != "done" {
		t.Errorf("run = %+v", run)
	}

	if _, err := svc.Run(ctx, "run_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing run: %v", err)
	}
}

func TestExport(t *testing.T) {
	svc := newTestService(t, testConfig(), serve(func(fetch.Request) []byte { return offers("10", "20") }))
	ctx := context.Background()
	if _, err := svc.TriggerRun(ctx, nil); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Export(ctx, HistoryQuery{}, "csv")
	if err != nil {
		t.Fatal(err)
	}
	if res.Entries != 2 || res.Format != "csv" {
		t.Errorf("res = %+v", res)
	}
	data, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 3 {
		t.Errorf("csv has %d lines:\n%s", lines, data)
	}

	var sb strings.Builder
	ct, err := svc.ExportTo(ctx, &sb, HistoryQuery{ProductKey: "SKU-1"}, "csv")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ct, "text/csv") || strings.Count(sb.String(), "\n") != 2 {
		t.Errorf("ExportTo: %s\n%s", ct, sb.String())
	}

	if _, err := svc.Export(ctx, HistoryQuery{}, "pdf"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("pdf: %v", err)
	}
}

func TestReload(t *testing.T) {
	// WHAT: A reloaded configuration is used by the next run; an invalid one is refused.
	// WHY: Config hot reload must never leave the service half-configured.
	svc := newTestService(t, testConfig(), serve(func(fetch.Request) []byte { return offers("10") }))

	bad := testConfig()
	bad.Targets[0].Profile = "nope"
	if err := svc.Reload(bad); !errors.Is(err, ErrUnknownProfile) {
		t.Fatalf("bad reload: %v", err)
	}

	next := testConfig()
	next.Targets = []profile.Target{{ID: "t9", URL: "https://shop.example/t9", Profile: "shop"}}
	if err := svc.Reload(next); err != nil {
		t.Fatal(err)
	}
	sum, err := svc.TriggerRun(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Jobs) != 1 || sum.Jobs[0].TargetID != "t9" {
		t.Errorf("jobs = %+v", sum.Jobs)
	}
}

func TestStartClose(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule = "@every 1h"
	svc := newTestService(t, cfg, serve(func(fetch.Request) []byte { return offers("10") }))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(ctx); err == nil {
		t.Error("second Start succeeded")
	}

	next := testConfig()
	next.Schedule = "*/5 * * * *"
	if err := svc.Reload(next); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}
}

func decimalOf(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}
