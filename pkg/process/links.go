package process

import (
	"strings"

	"github.com/Sriram-PR/site-mirror/pkg/config"
)

// LinkContext tells how a replacement for a link must be escaped
type LinkContext int

const (
	ContextAttribute      LinkContext = iota // Value of a tag attribute, HTML-escaped and quoted if needed
	ContextStyleAttribute                    // CSS url() inside a style attribute, HTML-escaped
	ContextStyleBlock                        // Inside a <style> element, written raw
)

// Link is one reference found in an HTML document
type Link struct {
	Value    string // Entity-decoded, trimmed URL text as written in the document
	Tag      string // Lowercase tag name, "style" for CSS references
	Attr     string // Attribute holding the link, "" inside a <style> block
	Embedded bool   // Loaded by the page itself rather than navigated to
	Base     bool   // Document-level <base href>
	Context  LinkContext

	// Byte range of the raw value in the scanned document, Start = -1 when unknown.
	// Quote is the quote character around an attribute value, 0 when unquoted.
	Start, End int
	Quote      byte
}

// LinkScanner discovers links in HTML and optionally rewrites them
type LinkScanner interface {
	// Scan returns every link in doc, in document order
	Scan(doc []byte) ([]Link, error)

	// Rewrite returns doc with links replaced. replace is called once per link (except
	// <base>, which always becomes "."); returning false keeps the original text.
	// The links found are returned as well, so a single pass serves discovery too.
	Rewrite(doc []byte, replace func(Link) (string, bool)) ([]byte, []Link, error)
}

// NewLinkScanner returns the scanner selected by crawl.link_scanner
func NewLinkScanner(kind string) LinkScanner {
	if strings.EqualFold(kind, config.ScannerDOM) {
		return NewDOMScanner()
	}
	return NewPatternScanner()
}

type attrRule struct {
	attr     string
	embedded bool
}

// linkAttributes lists, per tag, the attributes holding a URL. "background" is checked on every tag.
var linkAttributes = map[string][]attrRule{
	"a":      {{"href", false}},
	"area":   {{"href", false}},
	"frame":  {{"src", false}},
	"iframe": {{"src", false}},
	"img":    {{"src", true}, {"lowsrc", true}},
	"input":  {{"src", true}},
	"script": {{"src", true}},
	"embed":  {{"src", true}},
	"link":   {{"href", true}},
	"object": {{"data", true}},
	"applet": {{"code", true}},
	"param":  {{"value", true}},
	"source": {{"src", true}},
	"video":  {{"src", true}, {"poster", true}},
	"audio":  {{"src", true}},
	"track":  {{"src", true}},
	"base":   {{"href", false}},
}

// paramURLNames are <param name=...> values whose value attribute is a URL
var paramURLNames = map[string]bool{
	"movie": true, "src": true, "url": true, "filename": true, "href": true,
}

// discardable reports link values that never name a fetchable resource
func discardable(value string) bool {
	if value == "" || strings.HasPrefix(value, "#") {
		return true
	}
	lower := strings.ToLower(value)
	for _, prefix := range []string{"javascript:", "mailto:", "data:", "tel:", "about:"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
