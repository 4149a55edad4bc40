// Package extract turns a fetched page into raw price records using the
// rule set of the site profile. CSS rules run on goquery, XPath rules on
// htmlquery. Records are produced lazily, one per offer block.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"github.com/shopspring/decimal"
	"golang.org/x/net/html"

	"github.com/hazyhaar/pricewatch/pricewatch/internal/profile"
)

// Record is one offer as read from the page, before normalization.
type Record struct {
	Index      int
	SKU        string
	Title      string
	Amount     decimal.Decimal
	Currency   string
	InStock    bool
	Seller     string
	ObservedAt time.Time
}

// Options carries per-page context.
type Options struct {
	// Title replaces the product title when the rules have none or it is
	// missing from a block.
	Title      string
	ObservedAt time.Time
}

// PartialExtractionError reports one block whose required field could not be
// read. The other blocks of the page are unaffected.
type PartialExtractionError struct {
	Index  int
	Field  string
	Reason string
	Err    error
}

func (e *PartialExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract: block %d: %s: %s: %v", e.Index, e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("extract: block %d: %s: %s", e.Index, e.Field, e.Reason)
}

func (e *PartialExtractionError) Unwrap() error { return e.Err }

// ErrUnknownRuleKind is returned for a rule kind with no engine.
var ErrUnknownRuleKind = errors.New("extract: unknown rule kind")

// DefaultOutOfStock are lower-case availability markers used when a stock
// rule is set without explicit markers.
var DefaultOutOfStock = []string{
	"out of stock",
	"sold out",
	"unavailable",
	"нет в наличии",
	"распродано",
	"под заказ",
}

// candidate is one text matched by the price rule.
type candidate struct {
	text   string
	struck bool
}

// block is one offer region of a parsed page.
type block interface {
	texts(sel string) []string
	attr(sel, name string) string
	prices(sel, old string) []candidate
}

type engine func(body []byte, rules profile.RuleSet) ([]block, error)

var engines = map[profile.RuleKind]engine{
	profile.CSS:   cssBlocks,
	profile.XPath: xpathBlocks,
}

// Extract parses body and returns the lazy sequence of records it holds.
// A document that cannot be parsed, or an invalid rule, fails immediately.
// Per-block failures are yielded as *PartialExtractionError and iteration
// continues. Zero records is a valid outcome.
func Extract(body []byte, rules profile.RuleSet, opts Options) (iter.Seq2[Record, error], error) {
	eng, ok := engines[rules.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRuleKind, rules.Kind)
	}
	blocks, err := eng(body, rules)
	if err != nil {
		return nil, err
	}

	markers := rules.OutOfStock
	if len(markers) == 0 {
		markers = DefaultOutOfStock
	}

	return func(yield func(Record, error) bool) {
		for i, b := range blocks {
			rec, err := readBlock(i, b, rules, markers, opts)
			if !yield(rec, err) {
				return
			}
		}
	}, nil
}

func readBlock(i int, b block, rules profile.RuleSet, markers []string, opts Options) (Record, error) {
	rec := Record{Index: i, ObservedAt: opts.ObservedAt, InStock: true}

	cands := b.prices(rules.Price, rules.OldPrice)
	if len(cands) == 0 {
		return rec, &PartialExtractionError{Index: i, Field: "price", Reason: "not found"}
	}

	var lastErr error
	struckOnly := true
	found := false
	for _, c := range cands {
		if c.struck {
			continue
		}
		struckOnly = false
		amount, cur, err := ParsePrice(c.text)
		if err != nil {
			lastErr = err
			continue
		}
		rec.Amount, rec.Currency, found = amount, cur, true
		break
	}
	if !found {
		if struckOnly {
			return rec, &PartialExtractionError{Index: i, Field: "price", Reason: "only struck-through prices"}
		}
		return rec, &PartialExtractionError{Index: i, Field: "price", Reason: "unparseable", Err: lastErr}
	}

	if rules.Currency != "" {
		if t := first(b.texts(rules.Currency)); t != "" {
			if code := DetectCurrency(t); code != "" {
				rec.Currency = code
			} else if len(t) == 3 {
				rec.Currency = strings.ToUpper(t)
			}
		}
	}

	if rules.Title != "" {
		rec.Title = first(b.texts(rules.Title))
	}
	if rec.Title == "" {
		rec.Title = opts.Title
	}

	switch {
	case rules.SKUAttr != "":
		rec.SKU = b.attr(rules.SKU, rules.SKUAttr)
	case rules.SKU != "":
		rec.SKU = first(b.texts(rules.SKU))
	}

	if rules.Seller != "" {
		rec.Seller = first(b.texts(rules.Seller))
	}

	if rules.Stock != "" {
		if t := strings.ToLower(strings.Join(b.texts(rules.Stock), " ")); t != "" {
			for _, m := range markers {
				if strings.Contains(t, strings.ToLower(m)) {
					rec.InStock = false
					break
				}
			}
		}
	}
	return rec, nil
}

func first(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

func cleanText(s string) string { return strings.Join(strings.Fields(s), " ") }

// ---------- CSS (goquery) ----------

type cssBlock struct{ sel *goquery.Selection }

func cssBlocks(body []byte, rules profile.RuleSet) ([]block, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("extract: parse html: %w", err)
	}
	if rules.Item == "" {
		return []block{cssBlock{sel: doc.Selection}}, nil
	}
	var out []block
	doc.Find(rules.Item).Each(func(_ int, s *goquery.Selection) {
		out = append(out, cssBlock{sel: s})
	})
	return out, nil
}

func (b cssBlock) find(sel string) *goquery.Selection {
	if sel == "" {
		return b.sel
	}
	return b.sel.Find(sel)
}

func (b cssBlock) texts(sel string) []string {
	var out []string
	b.find(sel).Each(func(_ int, s *goquery.Selection) {
		if t := cleanText(s.Text()); t != "" {
			out = append(out, t)
		}
	})
	return out
}

func (b cssBlock) attr(sel, name string) string {
	v, _ := b.find(sel).First().Attr(name)
	return strings.TrimSpace(v)
}

func (b cssBlock) prices(sel, old string) []candidate {
	var out []candidate
	b.find(sel).Each(func(_ int, s *goquery.Selection) {
		struck := s.Closest("del, s, strike").Length() > 0
		if !struck && old != "" {
			struck = s.Is(old) || s.ParentsFiltered(old).Length() > 0
		}

		full := cleanText(s.Text())
		if full == "" {
			full, _ = s.Attr("content")
			full = strings.TrimSpace(full)
		}
		if full == "" {
			return
		}

		// Drop nested strike-through text: "<del>1 500</del> 1 200".
		visible := s.Clone()
		visible.Find("del, s, strike").Remove()
		if old != "" {
			visible.Find(old).Remove()
		}
		if t := cleanText(visible.Text()); t != "" && !struck {
			out = append(out, candidate{text: t})
			return
		}
		out = append(out, candidate{text: full, struck: true})
	})
	return out
}

// ---------- XPath (htmlquery) ----------

type xpathBlock struct {
	node  *html.Node
	exprs map[string]*xpath.Expr
}

func xpathBlocks(body []byte, rules profile.RuleSet) ([]block, error) {
	doc, err := htmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("extract: parse html: %w", err)
	}

	exprs := make(map[string]*xpath.Expr)
	for _, e := range []string{rules.Item, rules.Title, rules.Price, rules.OldPrice,
		rules.Currency, rules.Stock, rules.SKU, rules.Seller} {
		if e == "" || exprs[e] != nil {
			continue
		}
		c, err := xpath.Compile(e)
		if err != nil {
			return nil, fmt.Errorf("extract: xpath %q: %w", e, err)
		}
		exprs[e] = c
	}

	if rules.Item == "" {
		return []block{xpathBlock{node: doc, exprs: exprs}}, nil
	}
	var out []block
	for _, n := range htmlquery.QuerySelectorAll(doc, exprs[rules.Item]) {
		out = append(out, xpathBlock{node: n, exprs: exprs})
	}
	return out, nil
}

func (b xpathBlock) find(expr string) []*html.Node {
	if expr == "" {
		return []*html.Node{b.node}
	}
	return htmlquery.QuerySelectorAll(b.node, b.exprs[expr])
}

func (b xpathBlock) texts(expr string) []string {
	var out []string
	for _, n := range b.find(expr) {
		if t := cleanText(htmlquery.InnerText(n)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (b xpathBlock) attr(expr, name string) string {
	nodes := b.find(expr)
	if len(nodes) == 0 {
		return ""
	}
	return strings.TrimSpace(htmlquery.SelectAttr(nodes[0], name))
}

func (b xpathBlock) prices(expr, old string) []candidate {
	olds := map[*html.Node]bool{}
	if old != "" {
		for _, n := range b.find(old) {
			olds[n] = true
		}
	}

	var out []candidate
	for _, n := range b.find(expr) {
		struck := false
		for p := n; p != nil; p = p.Parent {
			if olds[p] || isStrike(p) {
				struck = true
				break
			}
		}

		full := cleanText(htmlquery.InnerText(n))
		if full == "" {
			full = strings.TrimSpace(htmlquery.SelectAttr(n, "content"))
		}
		if full == "" {
			continue
		}

		var buf strings.Builder
		visibleText(&buf, n, olds)
		if t := cleanText(buf.String()); t != "" && !struck {
			out = append(out, candidate{text: t})
			continue
		}
		out = append(out, candidate{text: full, struck: true})
	}
	return out
}

func isStrike(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.Data {
	case "del", "s", "strike":
		return true
	}
	return false
}

func visibleText(buf *strings.Builder, n *html.Node, olds map[*html.Node]bool) {
	if n.Type == html.TextNode {
		buf.WriteString(n.Data)
		buf.WriteByte(' ')
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if isStrike(c) || olds[c] {
			continue
		}
		if c.Type == html.ElementNode && (c.Data == "script" || c.Data == "style") {
			continue
		}
		visibleText(buf, c, olds)
	}
}
