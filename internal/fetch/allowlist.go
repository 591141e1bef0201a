package fetch

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/samber/lo"
)

// Allowlist decides which remote hosts the renderer may download from.
// A host is allowed when it equals a listed domain or is a subdomain of one.
// Checks are purely lexical so they run before any DNS lookup.
type Allowlist struct {
	domains []string
}

func NewAllowlist(domains []string) *Allowlist {
	cleaned := lo.Uniq(lo.FilterMap(domains, func(d string, _ int) (string, bool) {
		d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
		return d, d != ""
	}))
	return &Allowlist{domains: cleaned}
}

// Domains returns a copy of the configured domains.
func (a *Allowlist) Domains() []string {
	return append([]string(nil), a.domains...)
}

// AllowsHost reports whether host matches the allowlist.
func (a *Allowlist) AllowsHost(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return false
	}
	return lo.ContainsBy(a.domains, func(d string) bool {
		return host == d || strings.HasSuffix(host, "."+d)
	})
}

// Check parses rawURL and returns it when the scheme is http(s) and the
// host is allowed. The returned error wraps ErrDisallowed.
func (a *Allowlist) Check(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable url: %v", ErrDisallowed, err)
	}
	if err := a.checkURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (a *Allowlist) checkURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrDisallowed, u.Scheme)
	}
	if !a.AllowsHost(u.Hostname()) {
		return fmt.Errorf("%w: host %q", ErrDisallowed, u.Hostname())
	}
	return nil
}
