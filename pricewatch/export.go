package pricewatch

import (
	"context"
	"fmt"
	"io"

	"github.com/hazyhaar/pricewatch/pricewatch/internal/export"
	"github.com/hazyhaar/pricewatch/pricewatch/internal/store"
)

// ExportResult describes a written export file.
type ExportResult struct {
	Path    string `json:"path"`
	Format  string `json:"format"`
	Entries int    `json:"entries"`
}

// exportEntries loads the history selected by q. Unlike QueryHistory an
// empty query selects everything, up to the store maximum.
func (s *Service) exportEntries(ctx context.Context, q HistoryQuery, format string) ([]store.Entry, export.Format, error) {
	f, err := export.ParseFormat(format)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	filter, err := q.filter()
	if err != nil {
		return nil, "", err
	}
	if filter.Limit == 0 {
		filter.Limit = store.MaxHistoryLimit
	}
	entries, err := s.store.History(ctx, filter)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return entries, f, nil
}

// Export writes the history selected by q to a new file in the export
// directory. format is "xlsx" (default) or "csv".
func (s *Service) Export(ctx context.Context, q HistoryQuery, format string) (*ExportResult, error) {
	entries, f, err := s.exportEntries(ctx, q, format)
	if err != nil {
		return nil, err
	}
	path, err := export.Write(entries, f, s.Config().ExportDir)
	if err != nil {
		return nil, err
	}
	s.logger.Info("pricewatch: history exported", "path", path, "entries", len(entries))
	return &ExportResult{Path: path, Format: string(f), Entries: len(entries)}, nil
}

// ExportTo streams the history selected by q to w. It returns the content
// type of the encoded document; nothing is written when an error is
// returned before encoding starts.
func (s *Service) ExportTo(ctx context.Context, w io.Writer, q HistoryQuery, format string) (string, error) {
	entries, f, err := s.exportEntries(ctx, q, format)
	if err != nil {
		return "", err
	}
	return f.ContentType(), export.Encode(w, entries, f)
}
