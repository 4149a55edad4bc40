package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	// ErrUnsafeURL is returned for URLs the fetcher refuses to visit.
	ErrUnsafeURL = errors.New("fetch: unsafe URL")
	privateNets  = mustCIDRs("10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "100.64.0.0/10", "fc00::/7")
)

// URLValidator decides whether a URL may be visited. Host lookups honour
// ctx.
type URLValidator func(ctx context.Context, rawURL string) error

// ValidateURL accepts http(s) URLs whose host does not resolve to a
// loopback, link-local or private address.
func ValidateURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeURL, err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return fmt.Errorf("%w: scheme %q", ErrUnsafeURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: no host", ErrUnsafeURL)
	}

	ips := []net.IP{net.ParseIP(host)}
	if ips[0] == nil {
		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Unresolvable hosts fail at connect time as unreachable.
			return nil
		}
		ips = ips[:0]
		for _, a := range addrs {
			if ip := net.ParseIP(a); ip != nil {
				ips = append(ips, ip)
			}
		}
	}
	for _, ip := range ips {
		if isInternal(ip) {
			return fmt.Errorf("%w: %s resolves to %s", ErrUnsafeURL, host, ip)
		}
	}
	return nil
}

// AllowAll is a validator that accepts every URL. Used for trusted
// configurations and tests against local servers.
func AllowAll(context.Context, string) error { return nil }

// checkURL runs validate under the fetch deadline. A cancelled parent wins;
// a lookup that outlives the deadline is unreachable.
func checkURL(parent, ctx context.Context, validate URLValidator, rawURL string) error {
	err := validate(ctx, rawURL)
	switch {
	case err == nil:
		return nil
	case parent.Err() != nil:
		return parent.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return &UnreachableError{URL: rawURL, Err: err}
	}
	return err
}

func isInternal(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, n := range privateNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func mustCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}
