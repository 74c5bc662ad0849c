package parse

import (
	"errors"
	"net/url"
	"testing"

	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		name     string
		scheme   string
		host     string
		stripWWW bool
		expected string
	}{
		{"Lowercase", "http", "EXAMPLE.COM", false, "example.com"},
		{"HTTPPort80Removed", "http", "example.com:80", false, "example.com"},
		{"HTTPSPort443Removed", "https", "example.com:443", false, "example.com"},
		{"FTPPort21Removed", "ftp", "example.com:21", false, "example.com"},
		{"HTTPPort443Kept", "http", "example.com:443", false, "example.com:443"},
		{"CustomPortKept", "https", "example.com:8443", false, "example.com:8443"},
		{"StripWWW", "http", "WWW.Example.com", true, "example.com"},
		{"KeepWWW", "http", "www.example.com", false, "www.example.com"},
		{"StripWWWWithPort", "http", "www.example.com:8080", true, "example.com:8080"},
		{"OnlyWWW", "http", "www.", true, "www."},
		{"IPv6DefaultPort", "http", "[::1]:80", false, "[::1]"},
		{"IPv6CustomPort", "http", "[::1]:8080", false, "[::1]:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NormalizeHost(tt.scheme, tt.host, tt.stripWWW)
			if result != tt.expected {
				t.Errorf("NormalizeHost(%q, %q, %v) = %q, want %q", tt.scheme, tt.host, tt.stripWWW, result, tt.expected)
			}
			// Idempotence
			if again := NormalizeHost(tt.scheme, result, tt.stripWWW); again != result {
				t.Errorf("NormalizeHost not idempotent: %q -> %q", result, again)
			}
		})
	}
}

func TestServiceKey(t *testing.T) {
	tests := []struct {
		input    string
		stripWWW bool
		expected string
	}{
		{"HTTP://WWW.Example.com:80/a/b", true, "http://example.com"},
		{"https://www.example.com/", false, "https://www.example.com"},
		{"ftp://files.example.com:2121/pub/", false, "ftp://files.example.com:2121"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := ServiceKey(mustParse(t, tt.input), tt.stripWWW)
			if result != tt.expected {
				t.Errorf("ServiceKey(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
	if ServiceKey(nil, true) != "" {
		t.Error("ServiceKey(nil) should be empty")
	}
}

func TestCollapseSlashes(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/a/b", "/a/b"},
		{"//a///b//", "/a/b/"},
		{"", ""},
		{"////", "/"},
	}
	for _, tt := range tests {
		if result := CollapseSlashes(tt.input); result != tt.expected {
			t.Errorf("CollapseSlashes(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestCanonicalQuery(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Empty", "", ""},
		{"Sorted", "b=2&a=1", "a=1&b=2"},
		{"AlreadySorted", "a=1&b=2", "a=1&b=2"},
		{"StableForRepeatedKeys", "b=1&a=2&b=0", "a=2&b=1&b=0"},
		{"Ordinal", "a=1&B=2", "B=2&a=1"},
		{"BarePartUnchanged", "print&b=2&a=1", "print&b=2&a=1"},
		{"EmptyValue", "z=&a=", "a=&z="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := CanonicalQuery(tt.input); result != tt.expected {
				t.Errorf("CanonicalQuery(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestDedupKey(t *testing.T) {
	opts := Options{NormalizeQuery: true}
	a := DedupKey(mustParse(t, "http://a.com/p?b=2&a=1"), opts)
	b := DedupKey(mustParse(t, "http://a.com/p?a=1&b=2"), opts)
	if a != b {
		t.Errorf("DedupKey mismatch for equivalent queries: %q vs %q", a, b)
	}
	if a != "/p?a=1&b=2" {
		t.Errorf("DedupKey = %q, want %q", a, "/p?a=1&b=2")
	}

	if k := DedupKey(mustParse(t, "http://a.com"), opts); k != "/" {
		t.Errorf("DedupKey(empty path) = %q, want /", k)
	}
	if k := DedupKey(mustParse(t, "http://a.com//x//y"), opts); k != "/x/y" {
		t.Errorf("DedupKey(double slashes) = %q, want /x/y", k)
	}

	caseOpts := Options{CaseInsensitivePaths: true}
	if DedupKey(mustParse(t, "http://a.com/Docs/A.html"), caseOpts) != DedupKey(mustParse(t, "http://a.com/docs/a.html"), caseOpts) {
		t.Error("DedupKey should fold case when CaseInsensitivePaths is set")
	}
	if DedupKey(mustParse(t, "http://a.com/Docs"), Options{}) == DedupKey(mustParse(t, "http://a.com/docs"), Options{}) {
		t.Error("DedupKey should keep case by default")
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		opts     Options
		expected string
	}{
		{"SchemeAndHost", "HTTP://EXAMPLE.COM/Path", Options{}, "http://example.com/Path"},
		{"DefaultPort", "https://example.com:443/x", Options{}, "https://example.com/x"},
		{"EmptyPath", "http://example.com", Options{}, "http://example.com/"},
		{"Fragment", "http://example.com/a#frag", Options{}, "http://example.com/a"},
		{"Slashes", "http://example.com//a///b", Options{}, "http://example.com/a/b"},
		{"WWWKept", "http://www.example.com/", Options{StripWWW: true}, "http://www.example.com/"},
		{"QuerySorted", "http://example.com/?b=2&a=1", Options{NormalizeQuery: true}, "http://example.com/?a=1&b=2"},
		{"QueryKept", "http://example.com/?b=2&a=1", Options{}, "http://example.com/?b=2&a=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NormalizeURL(mustParse(t, tt.input), tt.opts).String()
			if result != tt.expected {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNormalizeURL_DoesNotModifyInput(t *testing.T) {
	u := mustParse(t, "HTTP://Example.COM:80//a#f")
	original := u.String()
	_ = NormalizeURL(u, Options{NormalizeQuery: true})
	if u.String() != original {
		t.Errorf("NormalizeURL modified input: %q -> %q", original, u.String())
	}
	if NormalizeURL(nil, Options{}) != nil {
		t.Error("NormalizeURL(nil) should return nil")
	}
}

func TestResolveLink(t *testing.T) {
	base := mustParse(t, "http://a.com/x/page.html")
	tests := []struct {
		raw      string
		expected string
		wantErr  error
	}{
		{"other.html", "http://a.com/x/other.html", nil},
		{"  ../up.css  ", "http://a.com/up.css", nil},
		{"/abs#frag", "http://a.com/abs", nil},
		{"//cdn.com/lib.js", "http://cdn.com/lib.js", nil},
		{"ftp://files.a.com/f.zip", "ftp://files.a.com/f.zip", nil},
		{"javascript:void(0)", "", utils.ErrScopeRejected},
		{"mailto:me@a.com", "", utils.ErrScopeRejected},
		{"#top", "", utils.ErrScopeRejected},
		{"", "", utils.ErrScopeRejected},
		{"http://[::1", "", utils.ErrParsing},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			result, err := ResolveLink(base, tt.raw)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ResolveLink(%q) error = %v, want %v", tt.raw, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveLink(%q) unexpected error: %v", tt.raw, err)
			}
			if result.String() != tt.expected {
				t.Errorf("ResolveLink(%q) = %q, want %q", tt.raw, result.String(), tt.expected)
			}
		})
	}
}

func TestParseAndNormalize(t *testing.T) {
	u, err := ParseAndNormalize(" https://Example.com:443/docs/ ", Options{})
	if err != nil {
		t.Fatalf("ParseAndNormalize unexpected error: %v", err)
	}
	if u.String() != "https://example.com/docs/" {
		t.Errorf("ParseAndNormalize = %q", u.String())
	}

	if _, err := ParseAndNormalize("/relative/path", Options{}); !errors.Is(err, utils.ErrParsing) {
		t.Errorf("ParseAndNormalize(relative) error = %v, want ErrParsing", err)
	}
	if _, err := ParseAndNormalize("gopher://old.net/", Options{}); !errors.Is(err, utils.ErrScopeRejected) {
		t.Errorf("ParseAndNormalize(gopher) error = %v, want ErrScopeRejected", err)
	}
}
