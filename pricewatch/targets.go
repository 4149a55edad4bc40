package pricewatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/hazyhaar/pricewatch/pricewatch/internal/store"
)

// StoredTarget is a target added at runtime by a spreadsheet import.
// Targets of the configuration file are not stored and cannot be changed
// here.
type StoredTarget = store.Target

// Targets lists the imported targets in import order.
func (s *Service) Targets(ctx context.Context) ([]StoredTarget, error) {
	list, err := s.store.ListTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if list == nil {
		list = []StoredTarget{}
	}
	return list, nil
}

// DeleteTarget stops monitoring an imported target. Its price history is
// kept. A run already in progress still visits it.
func (s *Service) DeleteTarget(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: target id is required", ErrInvalidInput)
	}
	found, err := s.store.DeleteTarget(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !found {
		return fmt.Errorf("%w: target %q", ErrNotFound, id)
	}
	s.logger.Info("pricewatch: target deleted", "target", id)
	return nil
}

// SetTargetEnabled pauses or resumes an imported target. Disabled targets
// are counted as skipped by runs.
func (s *Service) SetTargetEnabled(ctx context.Context, id string, enabled bool) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: target id is required", ErrInvalidInput)
	}
	found, err := s.store.SetTargetEnabled(ctx, id, enabled)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !found {
		return fmt.Errorf("%w: target %q", ErrNotFound, id)
	}
	s.logger.Info("pricewatch: target updated", "target", id, "enabled", enabled)
	return nil
}
