// Package export renders price history as spreadsheets.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/hazyhaar/pricewatch/pricewatch/internal/store"
)

// Format is an export file format.
type Format string

const (
	XLSX Format = "xlsx"
	CSV  Format = "csv"
)

// ErrUnknownFormat is returned for formats other than xlsx and csv.
var ErrUnknownFormat = errors.New("export: unknown format")

// ParseFormat accepts "xlsx" and "csv" in any case. Empty means xlsx.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return XLSX, nil
	case XLSX, CSV:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	if f == CSV {
		return "text/csv; charset=utf-8"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// SheetName is the name of the history sheet.
const SheetName = "History"

var header = []string{
	"product_key", "seller", "sku", "title", "price", "previous_price", "change",
	"currency", "in_stock", "observed_at", "target_id", "run_id",
}

func row(e store.Entry) []string {
	prev, change := "", ""
	if e.PreviousPrice != nil {
		prev = e.PreviousPrice.StringFixed(2)
		change = e.Price.Sub(*e.PreviousPrice).StringFixed(2)
	}
	stock := "no"
	if e.InStock {
		stock = "yes"
	}
	return []string{
		e.ProductKey, e.Seller, e.SKU, e.Title, e.Price.StringFixed(2), prev, change,
		e.Currency, stock, e.ObservedAt.UTC().Format(time.RFC3339), e.TargetID, e.RunID,
	}
}

// cells is row with the amount columns kept numeric.
func cells(e store.Entry) []any {
	vals := row(e)
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	out[4] = e.Price.InexactFloat64()
	if e.PreviousPrice != nil {
		out[5] = e.PreviousPrice.InexactFloat64()
		out[6] = e.Price.Sub(*e.PreviousPrice).InexactFloat64()
	}
	return out
}

// Encode writes entries to w in format f.
func Encode(w io.Writer, entries []store.Entry, f Format) error {
	switch f {
	case CSV:
		return encodeCSV(w, entries)
	case XLSX:
		return encodeXLSX(w, entries)
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, f)
}

func encodeCSV(w io.Writer, entries []store.Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("export: csv: %w", err)
	}
	for _, e := range entries {
		if err := cw.Write(row(e)); err != nil {
			return fmt.Errorf("export: csv: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("export: csv: %w", err)
	}
	return nil
}

func encodeXLSX(w io.Writer, entries []store.Entry) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("export: xlsx: %w", err)
	}
	for i, h := range header {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return fmt.Errorf("export: xlsx: %w", err)
		}
		if err := f.SetCellValue(SheetName, cell, h); err != nil {
			return fmt.Errorf("export: xlsx: %w", err)
		}
	}
	for r, e := range entries {
		for c, v := range cells(e) {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return fmt.Errorf("export: xlsx: %w", err)
			}
			if err := f.SetCellValue(SheetName, cell, v); err != nil {
				return fmt.Errorf("export: xlsx: %w", err)
			}
		}
	}
	if err := f.SetColWidth(SheetName, "A", "D", 24); err != nil {
		return fmt.Errorf("export: xlsx: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("export: xlsx: %w", err)
	}
	return nil
}

// Write renders entries into a new file under dir and returns its path.
// The file appears atomically.
func Write(entries []store.Entry, f Format, dir string) (string, error) {
	if f != XLSX && f != CSV {
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, entries, f); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("export: %w", err)
	}

	name := fmt.Sprintf("pricewatch-history-%s.%s", time.Now().UTC().Format("20060102T150405.000"), f)
	path := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	return path, nil
}
