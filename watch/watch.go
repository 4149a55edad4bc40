// Package watch polls a version token, waits for it to settle, then runs a
// reload action. The daemon uses it to pick up edits of its configuration
// file without a restart.
//
//	w := watch.New(watch.Options{Detector: watch.FileVersion(path), Debounce: time.Second})
//	go w.OnChange(ctx, svc.Reload)
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// ChangeDetector returns a version token. Two different tokens mean the
// watched resource changed.
type ChangeDetector func(ctx context.Context) (int64, error)

// Options tunes a Watcher.
type Options struct {
	// Interval is the polling period. Default 2s.
	Interval time.Duration
	// Debounce is the quiet period required after a change before the
	// action runs. Editors often write a file in several steps.
	Debounce time.Duration
	// Detector is required.
	Detector ChangeDetector
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher runs an action each time the detector reports a new version.
type Watcher struct {
	opts    Options
	version atomic.Int64

	checks   atomic.Int64
	changes  atomic.Int64
	errors   atomic.Int64
	reloads  atomic.Int64
	reloadNs atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64         `json:"checks"`
	ChangesDetected int64         `json:"changes_detected"`
	Errors          int64         `json:"errors"`
	Reloads         int64         `json:"reloads"`
	AvgReloadTime   time.Duration `json:"avg_reload_time"`
}

// New returns a Watcher. Call OnChange to start polling.
func New(opts Options) *Watcher {
	opts.defaults()
	return &Watcher{opts: opts}
}

// Stats returns the counters.
func (w *Watcher) Stats() Stats {
	s := Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Reloads:         w.reloads.Load(),
	}
	if s.Reloads > 0 {
		s.AvgReloadTime = time.Duration(w.reloadNs.Load() / s.Reloads)
	}
	return s
}

// Version returns the last version the action succeeded for.
func (w *Watcher) Version() int64 { return w.version.Load() }

// OnChange polls until ctx is done. The version seen at start is the
// baseline and does not trigger the action. A failed action leaves the
// version unchanged, so the next poll retries it.
func (w *Watcher) OnChange(ctx context.Context, action func() error) {
	log := w.opts.Logger
	if w.opts.Detector == nil {
		log.Error("watch: no detector configured")
		return
	}

	if v, err := w.opts.Detector(ctx); err != nil {
		log.Warn("watch: initial version check failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var (
		debounce *time.Timer
		fire     <-chan time.Time
		pending  int64
		dirty    bool
	)
	stopDebounce := func() {
		if debounce != nil {
			debounce.Stop()
		}
	}
	defer stopDebounce()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx)
			if err != nil {
				w.errors.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if cur == w.version.Load() || (dirty && cur == pending) {
				continue
			}
			w.changes.Add(1)
			pending, dirty = cur, true
			if w.opts.Debounce <= 0 {
				w.fire(action, pending)
				dirty = false
				continue
			}
			stopDebounce()
			debounce = time.NewTimer(w.opts.Debounce)
			fire = debounce.C
			log.Debug("watch: change detected", "pending_version", cur)

		case <-fire:
			fire = nil
			if dirty {
				w.fire(action, pending)
				dirty = false
			}
		}
	}
}

func (w *Watcher) fire(action func() error, ver int64) {
	log := w.opts.Logger
	start := time.Now()
	if err := action(); err != nil {
		w.errors.Add(1)
		log.Error("watch: reload failed", "error", err)
		return
	}
	elapsed := time.Since(start)
	w.reloads.Add(1)
	w.reloadNs.Add(int64(elapsed))
	w.version.Store(ver)
	log.Info("watch: reloaded", "duration", elapsed)
}

// FileVersion detects changes of the file at path from its modification
// time and size. A missing file has version 0.
func FileVersion(path string) ChangeDetector {
	return func(context.Context) (int64, error) {
		fi, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return fi.ModTime().UnixNano() ^ fi.Size()<<1, nil
	}
}
