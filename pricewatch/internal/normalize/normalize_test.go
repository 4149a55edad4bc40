package normalize

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/pricewatch/pricewatch/internal/extract"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/profile"
)

func testRates(t *testing.T) *RateTable {
	t.Helper()
	rt, err := NewRateTable("rub", map[string]decimal.Decimal{
		"USD": decimal.RequireFromString("90.5"),
		"eur": decimal.RequireFromString("98.333"),
	})
	if err != nil {
		t.Fatalf("NewRateTable: %v", err)
	}
	return rt
}

func TestNewRateTable(t *testing.T) {
	rt := testRates(t)
	if rt.Canonical() != "RUB" {
		t.Errorf("canonical = %q", rt.Canonical())
	}
	if _, err := NewRateTable("RUB", map[string]decimal.Decimal{"USD": decimal.Zero}); !errors.Is(err, ErrBadRate) {
		t.Errorf("zero rate: err = %v", err)
	}
	if _, err := NewRateTable(" ", nil); err == nil {
		t.Error("empty canonical accepted")
	}
}

func TestConvert(t *testing.T) {
	rt := testRates(t)
	got, ok := rt.Convert(decimal.RequireFromString("10"), "eur")
	if !ok || !got.Equal(decimal.RequireFromString("983.33")) {
		t.Errorf("10 EUR = %s (ok=%v)", got, ok)
	}
	got, ok = rt.Convert(decimal.RequireFromString("1299.999"), "RUB")
	if !ok || !got.Equal(decimal.RequireFromString("1300")) {
		t.Errorf("canonical rounding = %s", got)
	}
	if _, ok := rt.Convert(decimal.NewFromInt(1), "JPY"); ok {
		t.Error("JPY converted without a rate")
	}
}

func TestNormalize(t *testing.T) {
	n := New(testRates(t))
	now := time.Now()
	raw := extract.Record{Index: 2, Title: "  Чайник   ＸＹＺ ", Amount: decimal.RequireFromString("12.5"), Currency: "USD", InStock: true, ObservedAt: now}
	src := Source{Target: profile.Target{ID: "t1"}, Ordinal: 7, Profile: profile.Profile{Name: "Shop-A"}}

	rec, err := n.Normalize(raw, src)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if rec.Title != "Чайник XYZ" {
		t.Errorf("title = %q", rec.Title)
	}
	if rec.Seller != "shop-a" {
		t.Errorf("seller = %q, want profile name folded", rec.Seller)
	}
	if !rec.Price.Equal(decimal.RequireFromString("1131.25")) || rec.Currency != "RUB" {
		t.Errorf("price = %s %s", rec.Price, rec.Currency)
	}
	if rec.SourceCurrency != "USD" || !rec.SourceAmount.Equal(raw.Amount) {
		t.Errorf("source = %s %s", rec.SourceAmount, rec.SourceCurrency)
	}
	if rec.Order != (Order{Target: 7, Index: 2}) {
		t.Errorf("order = %+v", rec.Order)
	}
	if !strings.HasPrefix(rec.ProductKey, "t:") || len(rec.ProductKey) != 18 {
		t.Errorf("product key = %q", rec.ProductKey)
	}
}

func TestNormalize_CurrencyFallback(t *testing.T) {
	n := New(testRates(t))
	raw := extract.Record{Amount: decimal.NewFromInt(3)}

	rec, err := n.Normalize(raw, Source{Profile: profile.Profile{Name: "p", Currency: "EUR"}})
	if err != nil || rec.SourceCurrency != "EUR" {
		t.Fatalf("profile currency: %+v, %v", rec, err)
	}
	rec, err = n.Normalize(raw, Source{Profile: profile.Profile{Name: "p"}})
	if err != nil || rec.SourceCurrency != "RUB" {
		t.Fatalf("canonical fallback: %+v, %v", rec, err)
	}
}

func TestNormalize_Unmappable(t *testing.T) {
	// WHAT: a currency with no rate is reported, not guessed.
	// WHY: the record is dropped and counted; converting with a stale or default rate would corrupt history.
	n := New(testRates(t))
	_, err := n.Normalize(extract.Record{Amount: decimal.NewFromInt(1), Currency: "JPY"}, Source{Target: profile.Target{ID: "t9"}})
	var ue *UnmappableCurrencyError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v", err)
	}
	if ue.Currency != "JPY" || ue.TargetID != "t9" {
		t.Errorf("error = %+v", ue)
	}
}

func TestProductKey(t *testing.T) {
	if got := ProductKey(SKU(" ab 12 "), "x", "y"); got != "AB12" {
		t.Errorf("sku key = %q", got)
	}
	a := ProductKey("", "Phone  X", "Shop")
	b := ProductKey("", "phone x", "SHOP")
	if a != b {
		t.Errorf("case/space variants differ: %q vs %q", a, b)
	}
	if a == ProductKey("", "Phone X", "Other") {
		t.Error("different sellers share a derived key")
	}
}

func TestOrderLess(t *testing.T) {
	if !(Order{0, 5}).Less(Order{1, 0}) {
		t.Error("target ordinal must dominate")
	}
	if !(Order{1, 1}).Less(Order{1, 2}) || (Order{1, 2}).Less(Order{1, 2}) {
		t.Error("index ordering wrong")
	}
}
