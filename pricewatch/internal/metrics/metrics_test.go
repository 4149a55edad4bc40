package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollectorsRegistered(t *testing.T) {
	ObserveFetch("static", "ok", 150*time.Millisecond)
	JobFinished("done")
	Escalated()
	Records("insert", 3)
	Records("noop", 0)
	SessionAcquired()
	SessionReleased()
	RunFinished("completed", time.Minute)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	seen := map[string]bool{}
	for _, f := range families {
		seen[f.GetName()] = true
	}
	for _, name := range []string{
		"pricewatch_fetch_total",
		"pricewatch_fetch_duration_seconds",
		"pricewatch_jobs_total",
		"pricewatch_escalations_total",
		"pricewatch_records_total",
		"pricewatch_browser_sessions_in_use",
		"pricewatch_run_duration_seconds",
	} {
		if !seen[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}
}
