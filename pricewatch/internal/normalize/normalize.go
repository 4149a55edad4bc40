// Package normalize maps raw price records onto the canonical form used by
// the history: one currency, stable text forms and a product key.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/hazyhaar/pricewatch/pricewatch/internal/extract"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/profile"
)

// PriceDecimals is the number of decimals kept on canonical prices.
const PriceDecimals = 2

// UnmappableCurrencyError is returned when the rate table has no entry for
// the source currency. The record is dropped; the batch continues.
type UnmappableCurrencyError struct {
	Currency string
	TargetID string
}

func (e *UnmappableCurrencyError) Error() string {
	return fmt.Sprintf("normalize: no rate for currency %q (target %s)", e.Currency, e.TargetID)
}

// ErrBadRate is returned by NewRateTable for non-positive rates.
var ErrBadRate = errors.New("normalize: rate must be positive")

// RateTable converts amounts into the canonical currency. It is built once
// per run and only read afterwards.
type RateTable struct {
	canonical string
	rates     map[string]decimal.Decimal
}

// NewRateTable builds a table where rates[code] is the value of one unit of
// code in the canonical currency.
func NewRateTable(canonical string, rates map[string]decimal.Decimal) (*RateTable, error) {
	canonical = strings.ToUpper(strings.TrimSpace(canonical))
	if canonical == "" {
		return nil, errors.New("normalize: canonical currency is required")
	}
	t := &RateTable{canonical: canonical, rates: make(map[string]decimal.Decimal, len(rates)+1)}
	for code, r := range rates {
		if !r.IsPositive() {
			return nil, fmt.Errorf("%w: %s", ErrBadRate, code)
		}
		t.rates[strings.ToUpper(code)] = r
	}
	t.rates[canonical] = decimal.NewFromInt(1)
	return t, nil
}

// Canonical returns the canonical currency code.
func (t *RateTable) Canonical() string { return t.canonical }

// Convert returns amount expressed in the canonical currency, rounded to
// PriceDecimals.
func (t *RateTable) Convert(amount decimal.Decimal, currency string) (decimal.Decimal, bool) {
	r, ok := t.rates[strings.ToUpper(currency)]
	if !ok {
		return decimal.Zero, false
	}
	return amount.Mul(r).Round(PriceDecimals), true
}

// Order is the position of a record in the run: target ordinal first, then
// block index within the page.
type Order struct {
	Target int `json:"target"`
	Index  int `json:"index"`
}

// Less reports whether o was extracted before p.
func (o Order) Less(p Order) bool {
	if o.Target != p.Target {
		return o.Target < p.Target
	}
	return o.Index < p.Index
}

// Record is a canonical price record.
type Record struct {
	ProductKey     string
	SKU            string
	Title          string
	Seller         string
	Price          decimal.Decimal
	Currency       string
	SourceAmount   decimal.Decimal
	SourceCurrency string
	InStock        bool
	ObservedAt     time.Time
	TargetID       string
	Order          Order
}

// Source identifies where a raw record came from.
type Source struct {
	Target  profile.Target
	Ordinal int
	Profile profile.Profile
}

// Normalizer applies one rate table to a run's records.
type Normalizer struct {
	rates *RateTable
}

// New returns a Normalizer bound to rates.
func New(rates *RateTable) *Normalizer {
	return &Normalizer{rates: rates}
}

// Normalize converts raw into a canonical record. The source currency falls
// back to the profile currency, then to the canonical currency.
func (n *Normalizer) Normalize(raw extract.Record, src Source) (Record, error) {
	cur := strings.ToUpper(raw.Currency)
	if cur == "" {
		cur = src.Profile.Currency
	}
	if cur == "" {
		cur = n.rates.Canonical()
	}
	price, ok := n.rates.Convert(raw.Amount, cur)
	if !ok {
		return Record{}, &UnmappableCurrencyError{Currency: cur, TargetID: src.Target.ID}
	}

	title := Text(raw.Title)
	if title == "" {
		title = Text(src.Target.Title)
	}
	seller := Fold(raw.Seller)
	if seller == "" {
		seller = Fold(src.Profile.Seller)
	}
	if seller == "" {
		seller = Fold(src.Profile.Name)
	}
	sku := SKU(raw.SKU)

	return Record{
		ProductKey:     ProductKey(sku, title, seller),
		SKU:            sku,
		Title:          title,
		Seller:         seller,
		Price:          price,
		Currency:       n.rates.Canonical(),
		SourceAmount:   raw.Amount,
		SourceCurrency: cur,
		InStock:        raw.InStock,
		ObservedAt:     raw.ObservedAt,
		TargetID:       src.Target.ID,
		Order:          Order{Target: src.Ordinal, Index: raw.Index},
	}, nil
}

// Text applies NFKC and collapses whitespace.
func Text(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

// Fold is Text followed by Unicode case folding. Two strings that differ
// only by case or compatibility forms fold to the same value.
func Fold(s string) string {
	return cases.Fold().String(Text(s))
}

// SKU returns the comparable form of a site SKU: folded, upper-cased and
// without whitespace.
func SKU(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(Fold(s)), ""))
}

// ProductKey identifies a product across runs. A site SKU takes precedence;
// otherwise the key is derived from the folded title and seller.
func ProductKey(sku, title, seller string) string {
	if sku != "" {
		return sku
	}
	sum := sha256.Sum256([]byte(Fold(title) + "\x00" + Fold(seller)))
	return "t:" + hex.EncodeToString(sum[:])[:16]
}
