// Package merge folds canonical records into the price history. A Merger
// lives for one run: it remembers which record claimed each
// (product_key, seller) so that duplicates within the run resolve the same
// way whatever order the workers deliver them in.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/pricewatch/idgen"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/normalize"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/store"
)

// Decision is the outcome of merging one record.
type Decision int

const (
	// Insert appended a new history entry.
	Insert Decision = iota
	// NoOp found the price unchanged.
	NoOp
	// Skip dropped a duplicate of a record already merged in this run.
	Skip
)

func (d Decision) String() string {
	switch d {
	case Insert:
		return "insert"
	case NoOp:
		return "noop"
	case Skip:
		return "skip"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// History is the part of the store the merger writes through.
type History interface {
	Latest(ctx context.Context, productKey, seller string) (*store.Entry, error)
	Append(ctx context.Context, e *store.Entry) error
	Delete(ctx context.Context, id string) error
}

// MergeConflictWarning reports two records of the same (product, seller) in
// one run. The record extracted first is kept.
type MergeConflictWarning struct {
	ProductKey    string
	Seller        string
	Kept          normalize.Order
	KeptTarget    string
	Dropped       normalize.Order
	DroppedTarget string
}

func (w *MergeConflictWarning) Error() string {
	return fmt.Sprintf("merge: duplicate %s/%s in run: kept target %s block %d, dropped target %s block %d",
		w.ProductKey, w.Seller, w.KeptTarget, w.Kept.Index, w.DroppedTarget, w.Dropped.Index)
}

// Result is returned by Merge.
type Result struct {
	Decision Decision
	// Entry is the appended entry when Decision is Insert.
	Entry *store.Entry
	// Warning is set when the record collided with another of the run.
	Warning *MergeConflictWarning
}

// Stats are the run totals. They only depend on the set of records merged,
// not on their arrival order.
type Stats struct {
	Inserted   int `json:"inserted"`
	Unchanged  int `json:"unchanged"`
	Duplicates int `json:"duplicates"`
}

type key struct{ product, seller string }

type claim struct {
	order    normalize.Order
	targetID string
	entryID  string
}

// Merger merges the records of one run.
type Merger struct {
	hist   History
	runID  string
	newID  idgen.Generator
	logger *slog.Logger

	mu         sync.Mutex
	locks      map[key]*sync.Mutex
	claims     map[key]claim
	duplicates int
}

// Option configures a Merger.
type Option func(*Merger)

// WithIDGenerator sets the generator of entry IDs.
func WithIDGenerator(g idgen.Generator) Option { return func(m *Merger) { m.newID = g } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Merger) { m.logger = l } }

// New returns a Merger writing to hist on behalf of runID.
func New(hist History, runID string, opts ...Option) *Merger {
	m := &Merger{
		hist:   hist,
		runID:  runID,
		newID:  idgen.Entry,
		logger: slog.Default(),
		locks:  make(map[key]*sync.Mutex),
		claims: make(map[key]claim),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Merge applies rec. Records of different keys merge concurrently; records
// of one key are serialized. Errors come from the history store only.
func (m *Merger) Merge(ctx context.Context, rec normalize.Record) (Result, error) {
	k := key{rec.ProductKey, rec.Seller}
	unlock := m.lock(k)
	defer unlock()

	m.mu.Lock()
	prior, claimed := m.claims[k]
	m.mu.Unlock()

	var warning *MergeConflictWarning
	if claimed {
		if !rec.Order.Less(prior.order) {
			w := &MergeConflictWarning{
				ProductKey: rec.ProductKey, Seller: rec.Seller,
				Kept: prior.order, KeptTarget: prior.targetID,
				Dropped: rec.Order, DroppedTarget: rec.TargetID,
			}
			m.countDuplicate()
			m.logger.Warn("merge: duplicate in run", "run", m.runID, "error", w)
			return Result{Decision: Skip, Warning: w}, nil
		}

		// rec was extracted earlier than the record holding the key:
		// retract the holder so the outcome matches extraction order.
		if prior.entryID != "" {
			if err := m.hist.Delete(ctx, prior.entryID); err != nil {
				return Result{}, fmt.Errorf("merge: retract %s: %w", prior.entryID, err)
			}
		}
		warning = &MergeConflictWarning{
			ProductKey: rec.ProductKey, Seller: rec.Seller,
			Kept: rec.Order, KeptTarget: rec.TargetID,
			Dropped: prior.order, DroppedTarget: prior.targetID,
		}
		m.countDuplicate()
		m.logger.Warn("merge: duplicate in run, earlier record displaces", "run", m.runID, "error", warning)
	}

	res, err := m.apply(ctx, rec)
	if err != nil {
		if claimed {
			// The holder is gone from the store; keep the claim so a
			// retry of rec is not treated as a duplicate of it.
			m.mu.Lock()
			m.claims[k] = claim{order: rec.Order, targetID: rec.TargetID}
			m.mu.Unlock()
		}
		return Result{}, err
	}
	res.Warning = warning

	c := claim{order: rec.Order, targetID: rec.TargetID}
	if res.Entry != nil {
		c.entryID = res.Entry.ID
	}
	m.mu.Lock()
	m.claims[k] = c
	m.mu.Unlock()
	return res, nil
}

func (m *Merger) apply(ctx context.Context, rec normalize.Record) (Result, error) {
	latest, err := m.hist.Latest(ctx, rec.ProductKey, rec.Seller)
	if err != nil {
		return Result{}, fmt.Errorf("merge: latest %s/%s: %w", rec.ProductKey, rec.Seller, err)
	}
	if latest != nil && latest.Price.Equal(rec.Price) {
		return Result{Decision: NoOp}, nil
	}

	observed := rec.ObservedAt.UTC().Truncate(time.Millisecond)
	if observed.IsZero() {
		observed = time.Now().UTC().Truncate(time.Millisecond)
	}
	e := &store.Entry{
		ID:         m.newID(),
		ProductKey: rec.ProductKey,
		Seller:     rec.Seller,
		SKU:        rec.SKU,
		Title:      rec.Title,
		Price:      rec.Price,
		Currency:   rec.Currency,
		InStock:    rec.InStock,
		TargetID:   rec.TargetID,
		RunID:      m.runID,
	}
	if latest != nil {
		prev := latest.Price
		e.PreviousPrice = &prev
		// Entries of one key are strictly ordered by observation time.
		if !observed.After(latest.ObservedAt) {
			observed = latest.ObservedAt.Add(time.Millisecond)
		}
	}
	e.ObservedAt = observed

	if err := m.hist.Append(ctx, e); err != nil {
		return Result{}, fmt.Errorf("merge: append %s/%s: %w", rec.ProductKey, rec.Seller, err)
	}
	return Result{Decision: Insert, Entry: e}, nil
}

// Stats returns the totals so far.
func (m *Merger) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Duplicates: m.duplicates}
	for _, c := range m.claims {
		if c.entryID != "" {
			s.Inserted++
		} else {
			s.Unchanged++
		}
	}
	return s
}

func (m *Merger) countDuplicate() {
	m.mu.Lock()
	m.duplicates++
	m.mu.Unlock()
}

func (m *Merger) lock(k key) func() {
	m.mu.Lock()
	l, ok := m.locks[k]
	if !ok {
		l = &sync.Mutex{}
		m.locks[k] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}
