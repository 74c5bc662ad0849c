package parse

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// Options selects the optional normalization steps
type Options struct {
	StripWWW             bool // Treat www.example.com and example.com as the same host
	CaseInsensitivePaths bool // Fold path case when building dedup keys and local paths
	NormalizeQuery       bool // Sort key=value query parameters
}

// SupportedScheme reports whether the crawler can fetch the scheme
func SupportedScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "http", "https", "ftp":
		return true
	}
	return false
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ftp":   "21",
}

// NormalizeHost lowercases a host[:port] authority, drops the scheme's default port and,
// when stripWWW is set, a single leading "www.". Applying it twice yields the same result.
func NormalizeHost(scheme, hostport string, stripWWW bool) string {
	hostport = strings.ToLower(hostport)
	host, port, err := net.SplitHostPort(hostport)
	if err != nil { // No port
		host, port = hostport, ""
	}
	if port != "" && defaultPorts[strings.ToLower(scheme)] == port {
		port = ""
	}
	if stripWWW && strings.HasPrefix(host, "www.") && len(host) > len("www.") {
		host = host[len("www."):]
	}
	if port == "" {
		if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") { // IPv6 literal
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), port)
}

// ServiceKey returns the scheme://authority key identifying the Service owning u
func ServiceKey(u *url.URL, stripWWW bool) string {
	if u == nil {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme + "://" + NormalizeHost(scheme, u.Host, stripWWW)
}

// CollapseSlashes replaces every run of '/' in a path with a single '/'
func CollapseSlashes(p string) string {
	if !strings.Contains(p, "//") {
		return p
	}
	var b strings.Builder
	b.Grow(len(p))
	prevSlash := false
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	return b.String()
}

// CanonicalQuery sorts a raw query by parameter name when every part is key=value.
// The sort is stable and ordinal, so repeated keys keep their relative order.
// Queries with a bare part (e.g. "?print&a=1") are returned unchanged.
func CanonicalQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	for _, part := range parts {
		if !strings.Contains(part, "=") {
			return rawQuery
		}
	}
	sort.SliceStable(parts, func(i, j int) bool {
		ki, _, _ := strings.Cut(parts[i], "=")
		kj, _, _ := strings.Cut(parts[j], "=")
		return ki < kj
	})
	return strings.Join(parts, "&")
}

// NormalizeURL returns a normalized copy of u suitable for fetching:
// lowercased scheme and host, default port removed, empty path made "/", repeated
// slashes collapsed, fragment removed and, if requested, the query canonicalized.
// The www prefix is kept; stripping it only affects keys, never what is fetched.
// Does not modify the input *url.URL
func NormalizeURL(u *url.URL, opts Options) *url.URL {
	if u == nil {
		return nil
	}
	normalized := *u // Work on a copy
	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = NormalizeHost(normalized.Scheme, normalized.Host, false)

	if normalized.Path == "" {
		normalized.Path = "/"
	}
	normalized.Path = CollapseSlashes(normalized.Path)
	if normalized.RawPath != "" {
		normalized.RawPath = CollapseSlashes(normalized.RawPath)
		if !strings.HasPrefix(normalized.RawPath, "/") {
			normalized.RawPath = ""
		}
	}

	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.ForceQuery = false
	if opts.NormalizeQuery {
		normalized.RawQuery = CanonicalQuery(normalized.RawQuery)
	}
	return &normalized
}

// DedupKey returns the per-Service key of u: the (optionally case-folded) path plus the
// canonical query. Two URLs of one Service with the same key are the same resource.
func DedupKey(u *url.URL, opts Options) string {
	if u == nil {
		return ""
	}
	path := CollapseSlashes(u.EscapedPath())
	if path == "" {
		path = "/"
	}
	if opts.CaseInsensitivePaths {
		path = strings.ToLower(path)
	}
	query := u.RawQuery
	if opts.NormalizeQuery {
		query = CanonicalQuery(query)
	}
	if query == "" {
		return path
	}
	return path + "?" + query
}

// ResolveLink resolves a raw attribute value against base. Leading/trailing whitespace
// is trimmed, the fragment dropped. Non-fetchable schemes return ErrScopeRejected.
func ResolveLink(base *url.URL, raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return nil, fmt.Errorf("%w: empty or fragment-only link", utils.ErrScopeRejected)
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: URL '%s': %w", utils.ErrParsing, raw, err)
	}
	resolved := ref
	if base != nil {
		resolved = base.ResolveReference(ref)
	}
	if !resolved.IsAbs() || !SupportedScheme(resolved.Scheme) {
		return nil, fmt.Errorf("%w: scheme '%s'", utils.ErrScopeRejected, resolved.Scheme)
	}
	resolved.Fragment = ""
	resolved.RawFragment = ""
	return resolved, nil
}

// ParseAndNormalize parses an absolute URL string (e.g. a seed) and normalizes it.
// Returns the normalized URL or an ErrParsing/ErrScopeRejected error
func ParseAndNormalize(urlStr string, opts Options) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(urlStr))
	if err != nil {
		return nil, fmt.Errorf("%w: URL '%s': %w", utils.ErrParsing, urlStr, err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return nil, fmt.Errorf("%w: URL '%s' is not absolute", utils.ErrParsing, urlStr)
	}
	if !SupportedScheme(parsed.Scheme) {
		return nil, fmt.Errorf("%w: scheme '%s'", utils.ErrScopeRejected, parsed.Scheme)
	}
	return NormalizeURL(parsed, opts), nil
}
