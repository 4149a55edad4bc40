package scheduler

import (
	"math/rand/v2"
	"strings"
	"time"

	"github.com/hazyhaar/pricewatch/pricewatch/internal/fetch"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/profile"
)

// State is the position of a job in its lifecycle:
// pending, fetching, extracting, merging, then done or failed.
type State string

const (
	Pending    State = "pending"
	Fetching   State = "fetching"
	Extracting State = "extracting"
	Merging    State = "merging"
	Done       State = "done"
	Failed     State = "failed"
)

// Terminal reports whether s is done or failed.
func (s State) Terminal() bool { return s == Done || s == Failed }

// Failure kinds raised by the scheduler itself, next to the fetch kinds.
const (
	KindExtract fetch.FailureKind = "extract"
	KindConfig  fetch.FailureKind = "config"
)

// Job is one target within one run. A job is owned by a single worker
// goroutine until the run ends.
type Job struct {
	ID          string            `json:"id"`
	TargetID    string            `json:"target_id"`
	URL         string            `json:"url"`
	Profile     string            `json:"profile"`
	Ordinal     int               `json:"-"`
	State       State             `json:"state"`
	Strategy    profile.Strategy  `json:"strategy"`
	Attempts    int               `json:"attempts"`
	Escalated   bool              `json:"escalated"`
	FailureKind fetch.FailureKind `json:"failure_kind,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	Records     int               `json:"records"`
	Partial     int               `json:"partial"`
	Dropped     int               `json:"dropped"`
	FinishedAt  time.Time         `json:"finished_at,omitzero"`
}

func (j *Job) fail(kind fetch.FailureKind, err error, at time.Time) {
	j.State = Failed
	j.FailureKind = kind
	if err != nil {
		j.LastError = err.Error()
	}
	j.FinishedAt = at
}

// Filter restricts a run to a subset of targets. The zero Filter matches
// every target.
type Filter struct {
	IDs         []string `json:"ids,omitempty"`
	Profile     string   `json:"profile,omitempty"`
	URLContains string   `json:"url_contains,omitempty"`
}

func (f *Filter) match(t profile.Target) bool {
	if f == nil {
		return true
	}
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == t.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Profile != "" && f.Profile != t.Profile {
		return false
	}
	if f.URLContains != "" && !strings.Contains(t.URL, f.URLContains) {
		return false
	}
	return true
}

// Backoff returns min(ceiling, base*2^(attempt-1)) plus a uniform jitter in
// [0, jitter*delay).
func Backoff(attempt int, base, ceiling time.Duration, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := ceiling
	if attempt-1 < 32 {
		if exp := base << (attempt - 1); exp > 0 && exp < ceiling {
			d = exp
		}
	}
	if span := time.Duration(jitter * float64(d)); span > 0 {
		d += rand.N(span)
	}
	return d
}
