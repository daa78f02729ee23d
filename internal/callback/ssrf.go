package callback

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
)

// privateRanges are the address ranges a callback URL must not resolve to
// unless private callbacks are explicitly allowed.
var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// SSRFError reports a callback URL rejected by the validator.
type SSRFError struct {
	Reason string
}

func (e *SSRFError) Error() string {
	return e.Reason
}

// LookupHostFunc resolves a hostname to its address records. It matches the
// signature of net.Resolver.LookupHost so the default resolver can be used
// directly and tests can substitute a fake.
type LookupHostFunc func(ctx context.Context, host string) ([]string, error)

// Validator checks callback URLs for SSRF vectors: bad schemes, missing
// hostnames, and resolution to private or otherwise disallowed addresses.
type Validator struct {
	allowPrivate bool
	lookupHost   LookupHostFunc
}

// NewValidator creates a Validator. If lookup is nil the default resolver is
// used.
func NewValidator(allowPrivate bool, lookup LookupHostFunc) *Validator {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}
	return &Validator{allowPrivate: allowPrivate, lookupHost: lookup}
}

// Validate parses rawURL, resolves its hostname, and returns an *SSRFError
// if the URL must not be called. Resolution is performed on every call; the
// deliverer relies on that for DNS-rebinding defence, so results must never
// be cached here.
func (v *Validator) Validate(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return &SSRFError{Reason: fmt.Sprintf("unparseable URL: %v", err)}
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return &SSRFError{Reason: fmt.Sprintf("invalid scheme %q: only http/https allowed", parsed.Scheme)}
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return &SSRFError{Reason: "no hostname in callback URL"}
	}

	addrs, err := v.lookupHost(ctx, hostname)
	if err != nil {
		return &SSRFError{Reason: fmt.Sprintf("DNS resolution failed for %s: %v", hostname, err)}
	}

	if v.allowPrivate {
		return nil
	}

	for _, a := range addrs {
		if isPrivateAddr(a) {
			return &SSRFError{Reason: fmt.Sprintf("callback URL resolves to private IP %s", a)}
		}
	}
	return nil
}

// isPrivateAddr reports whether the address lies in a disallowed range.
// Unparseable addresses are treated as private.
func isPrivateAddr(s string) bool {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return true
	}
	addr = addr.Unmap()
	for _, p := range privateRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
