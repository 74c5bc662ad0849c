package process

import (
	"html"
	"regexp"
	"sort"
	"strings"
)

var (
	commentPattern    = regexp.MustCompile(`(?s)<!--.*?-->`)
	tagPattern        = regexp.MustCompile(`<([a-zA-Z][a-zA-Z0-9]*)((?:"[^"]*"|'[^']*'|[^'">])*)>`)
	attrPattern       = regexp.MustCompile(`([a-zA-Z_:][-a-zA-Z0-9_:.]*)\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s"'>]+))`)
	styleBlockPattern = regexp.MustCompile(`(?is)<style\b[^>]*>(.*?)</style\s*>`)
	cssURLPattern     = regexp.MustCompile(`(?i)url\(\s*(?:"([^"]*)"|'([^']*)'|([^)"'\s]+))\s*\)`)
	cssImportPattern  = regexp.MustCompile(`(?i)@import\s+(?:"([^"]*)"|'([^']*)')`)
)

// PatternScanner finds links with regular expressions over the raw bytes, so rewriting
// leaves every other byte of the document untouched
type PatternScanner struct{}

// NewPatternScanner creates a PatternScanner
func NewPatternScanner() *PatternScanner {
	return &PatternScanner{}
}

// Scan implements LinkScanner
func (s *PatternScanner) Scan(doc []byte) ([]Link, error) {
	comments := commentPattern.FindAllIndex(doc, -1)

	var links []Link
	for _, m := range tagPattern.FindAllSubmatchIndex(doc, -1) {
		if insideAny(comments, m[0]) {
			continue
		}
		tag := strings.ToLower(string(doc[m[2]:m[3]]))
		links = appendTagLinks(links, doc, tag, m[4], m[5])
	}
	for _, m := range styleBlockPattern.FindAllSubmatchIndex(doc, -1) {
		if insideAny(comments, m[0]) {
			continue
		}
		links = appendCSSLinks(links, doc, m[2], m[3], "style", ContextStyleBlock)
	}

	sort.SliceStable(links, func(i, j int) bool { return links[i].Start < links[j].Start })
	return links, nil
}

// Rewrite implements LinkScanner
func (s *PatternScanner) Rewrite(doc []byte, replace func(Link) (string, bool)) ([]byte, []Link, error) {
	links, err := s.Scan(doc)
	if err != nil {
		return nil, nil, err
	}
	return ApplyRewrites(doc, links, replace), links, nil
}

func insideAny(ranges [][]int, pos int) bool {
	for _, r := range ranges {
		if pos >= r[0] && pos < r[1] {
			return true
		}
	}
	return false
}

type rawAttr struct {
	name       string
	start, end int // Absolute offsets of the value
	quote      byte
}

// appendTagLinks scans the attribute text doc[start:end] of one tag
func appendTagLinks(links []Link, doc []byte, tag string, start, end int) []Link {
	var attrs []rawAttr
	for _, m := range attrPattern.FindAllSubmatchIndex(doc[start:end], -1) {
		a := rawAttr{name: strings.ToLower(string(doc[start+m[2] : start+m[3]]))}
		switch {
		case m[4] >= 0:
			a.start, a.end, a.quote = start+m[4], start+m[5], '"'
		case m[6] >= 0:
			a.start, a.end, a.quote = start+m[6], start+m[7], '\''
		default:
			a.start, a.end = start+m[8], start+m[9]
		}
		attrs = append(attrs, a)
	}

	if tag == "param" && !paramURLNames[strings.ToLower(attrValue(doc, attrs, "name"))] {
		attrs = filterAttrs(attrs, "value")
	}

	rules := linkAttributes[tag]
	for _, a := range attrs {
		if a.name == "style" {
			links = appendCSSLinks(links, doc, a.start, a.end, tag, ContextStyleAttribute)
			continue
		}
		embedded, ok := ruleFor(rules, a.name)
		if !ok {
			continue
		}
		value := strings.TrimSpace(html.UnescapeString(string(doc[a.start:a.end])))
		if discardable(value) {
			continue
		}
		links = append(links, Link{
			Value:    value,
			Tag:      tag,
			Attr:     a.name,
			Embedded: embedded,
			Base:     tag == "base",
			Context:  ContextAttribute,
			Start:    a.start,
			End:      a.end,
			Quote:    a.quote,
		})
	}
	return links
}

func ruleFor(rules []attrRule, attr string) (embedded bool, ok bool) {
	for _, r := range rules {
		if r.attr == attr {
			return r.embedded, true
		}
	}
	if attr == "background" {
		return true, true
	}
	return false, false
}

func attrValue(doc []byte, attrs []rawAttr, name string) string {
	for _, a := range attrs {
		if a.name == name {
			return html.UnescapeString(string(doc[a.start:a.end]))
		}
	}
	return ""
}

func filterAttrs(attrs []rawAttr, drop string) []rawAttr {
	kept := attrs[:0]
	for _, a := range attrs {
		if a.name != drop {
			kept = append(kept, a)
		}
	}
	return kept
}

// appendCSSLinks finds url() and @import references in doc[start:end]
func appendCSSLinks(links []Link, doc []byte, start, end int, tag string, ctx LinkContext) []Link {
	attr := ""
	if ctx == ContextStyleAttribute {
		attr = "style"
	}
	for _, css := range cssReferences(doc[start:end]) {
		if ctx == ContextStyleAttribute {
			css[0], css[1] = trimEntityQuotes(doc[start:end], css[0], css[1])
		}
		value := strings.TrimSpace(string(doc[start+css[0] : start+css[1]]))
		if ctx == ContextStyleAttribute {
			value = html.UnescapeString(value)
		}
		if discardable(value) {
			continue
		}
		links = append(links, Link{
			Value:    value,
			Tag:      tag,
			Attr:     attr,
			Embedded: true,
			Context:  ctx,
			Start:    start + css[0],
			End:      start + css[1],
		})
	}
	return links
}

// cssReferences returns the [start, end) offsets of every URL inside a CSS fragment
func cssReferences(css []byte) [][2]int {
	var refs [][2]int
	for _, pattern := range []*regexp.Regexp{cssURLPattern, cssImportPattern} {
		for _, m := range pattern.FindAllSubmatchIndex(css, -1) {
			for g := 2; g+1 < len(m); g += 2 {
				if m[g] >= 0 {
					refs = append(refs, [2]int{m[g], m[g+1]})
					break
				}
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i][0] < refs[j][0] })
	return refs
}

var entityQuotes = []string{"&quot;", "&#34;", "&#39;", "&apos;"}

// trimEntityQuotes narrows region[from:to] past entity-encoded quotes,
// as in style="background: url(&quot;a.png&quot;)"
func trimEntityQuotes(region []byte, from, to int) (int, int) {
	raw := string(region[from:to])
	for _, q := range entityQuotes {
		if len(raw) >= 2*len(q) && strings.HasPrefix(raw, q) && strings.HasSuffix(raw, q) {
			return from + len(q), to - len(q)
		}
	}
	return from, to
}
