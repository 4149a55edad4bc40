package pricewatch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/antchfx/xpath"
	"github.com/xuri/excelize/v2"

	"github.com/hazyhaar/pricewatch/pricewatch/internal/store"
)

// Spreadsheet columns of a target import. A header row naming them may
// reorder them; without one they are read in this order.
const (
	colTitle = iota
	colURL
	colXPath
)

// ImportError reports a rejected spreadsheet row. Row is 1-based, as shown
// by spreadsheet applications.
type ImportError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

// ImportResult summarizes a target import.
type ImportResult struct {
	Created int           `json:"created"`
	Updated int           `json:"updated"`
	IDs     []string      `json:"ids,omitempty"` // accepted rows, in row order
	Errors  []ImportError `json:"errors,omitempty"`
}

// ImportTargets reads targets from the first sheet of an xlsx workbook with
// the columns title, url and xpath. Each valid row is stored as a target of
// the import profile whose price rule is the row's xpath; a row for a known
// URL updates that target. Invalid rows are reported and skipped.
func (s *Service) ImportTargets(ctx context.Context, r io.Reader) (*ImportResult, error) {
	base := s.Config().ImportProfile
	s.mu.RLock()
	_, ok := s.comp.profiles.Lookup(base)
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: import profile %q", ErrUnknownProfile, base)
	}

	wb, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: not an xlsx workbook: %v", ErrInvalidInput, err)
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheet", ErrInvalidInput)
	}
	rows, err := wb.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: read sheet %q: %v", ErrInvalidInput, sheets[0], err)
	}

	cols, start := importColumns(rows)
	res := &ImportResult{}
	for i := start; i < len(rows); i++ {
		row := rows[i]
		cell := func(c int) string {
			if c < len(row) {
				return strings.TrimSpace(row[c])
			}
			return ""
		}
		title, link, expr := cell(cols[colTitle]), cell(cols[colURL]), cell(cols[colXPath])
		if title == "" && link == "" && expr == "" {
			continue
		}
		if msg := validateImportRow(link, expr); msg != "" {
			res.Errors = append(res.Errors, ImportError{Row: i + 1, Error: msg})
			continue
		}

		t := &store.Target{URL: link, Title: title, Profile: base, PriceRule: expr, Enabled: true}
		created, err := s.store.UpsertTarget(ctx, t)
		if err != nil {
			return res, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		res.IDs = append(res.IDs, t.ID)
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}

	s.logger.Info("pricewatch: targets imported",
		"created", res.Created, "updated", res.Updated, "rejected", len(res.Errors))
	return res, nil
}

// importColumns maps the logical columns to sheet columns and returns the
// first data row.
func importColumns(rows [][]string) ([3]int, int) {
	cols := [3]int{colTitle, colURL, colXPath}
	if len(rows) == 0 {
		return cols, 0
	}
	found := false
	for i, h := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "title", "name":
			cols[colTitle], found = i, true
		case "url", "link":
			cols[colURL], found = i, true
		case "xpath", "price_xpath":
			cols[colXPath], found = i, true
		}
	}
	if found {
		return cols, 1
	}
	return cols, 0
}

func validateImportRow(link, expr string) string {
	if link == "" {
		return "url is required"
	}
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "url must be an absolute http or https URL"
	}
	if expr == "" {
		return "xpath is required"
	}
	if _, err := xpath.Compile(expr); err != nil {
		return "invalid xpath: " + err.Error()
	}
	return ""
}
