package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/pricewatch/pricewatch/internal/profile"
)

// FailureKind classifies a failed fetch for retries and summaries.
type FailureKind string

const (
	KindUnreachable   FailureKind = "unreachable"
	KindRenderTimeout FailureKind = "render_timeout"
	KindBlocked       FailureKind = "blocked"
	KindNotFound      FailureKind = "not_found"
	KindCancelled     FailureKind = "cancelled"
	KindOther         FailureKind = "other"
)

// UnreachableError is a network failure, a timeout or a server-side error.
// Retried with backoff.
type UnreachableError struct {
	URL    string
	Status int
	Err    error
}

func (e *UnreachableError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch: %s unreachable: HTTP %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch: %s unreachable: %v", e.URL, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// RenderTimeoutError means the page never reached its ready condition within
// the profile timeout. Retried with backoff.
type RenderTimeoutError struct {
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *RenderTimeoutError) Error() string {
	return fmt.Sprintf("fetch: %s not ready after %s: %v", e.URL, e.Timeout, e.Err)
}

func (e *RenderTimeoutError) Unwrap() error { return e.Err }

// BlockedError means the site refused the request or served an anti-bot
// page. A static fetch escalates to the browser once; a browser fetch fails.
type BlockedError struct {
	URL       string
	Strategy  profile.Strategy
	Status    int
	Signature string
	Reason    string
}

func (e *BlockedError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("fetch: %s blocked (%s): %s", e.URL, e.Strategy, e.Reason)
	case e.Signature != "":
		return fmt.Sprintf("fetch: %s blocked (%s): page matches %q", e.URL, e.Strategy, e.Signature)
	case e.Status != 0:
		return fmt.Sprintf("fetch: %s blocked (%s): HTTP %d", e.URL, e.Strategy, e.Status)
	}
	return fmt.Sprintf("fetch: %s blocked (%s)", e.URL, e.Strategy)
}

// NotFoundError is a permanent client-side failure. Never retried.
type NotFoundError struct {
	URL    string
	Status int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("fetch: %s not found: HTTP %d", e.URL, e.Status)
}

// KindOf classifies err.
func KindOf(err error) FailureKind {
	var (
		unreachable *UnreachableError
		render      *RenderTimeoutError
		blocked     *BlockedError
		notFound    *NotFoundError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &blocked):
		return KindBlocked
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &render):
		return KindRenderTimeout
	case errors.As(err, &unreachable):
		return KindUnreachable
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindOther
}

// Retryable reports whether the kind is worth another attempt with the same
// strategy.
func (k FailureKind) Retryable() bool {
	return k == KindUnreachable || k == KindRenderTimeout
}
