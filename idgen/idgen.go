// Package idgen generates the identifiers of runs, jobs, history entries and
// imported targets. Constructors accept a Generator so tests can pin IDs.
package idgen

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns time-sortable RFC 9562 identifiers.
func UUIDv7() Generator {
	return func() string { return uuid.Must(uuid.NewV7()).String() }
}

// Short returns base-36 identifiers of n characters.
func Short(n int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand: " + err.Error())
		}
		for i, b := range buf {
			buf[i] = alphabet[int(b)%len(alphabet)]
		}
		return string(buf)
	}
}

// Prefixed prepends prefix to every ID of gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Sequence returns "<prefix>1", "<prefix>2", ... Not safe for concurrent
// use; meant for tests that assert on IDs.
func Sequence(prefix string) Generator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

// Default is UUIDv7.
var Default = UUIDv7()

// Kind-scoped generators.
var (
	Run    = Prefixed("run_", Default)
	Job    = Prefixed("job_", Default)
	Entry  = Prefixed("hist_", Default)
	Target = Prefixed("tgt_", Short(12))
)

// New returns an ID from Default.
func New() string { return Default() }

// Parse validates a UUID string.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid UUID %q: %w", s, err)
	}
	return u.String(), nil
}
