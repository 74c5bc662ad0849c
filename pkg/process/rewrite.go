package process

import (
	"bytes"
	"fmt"
	"html"
	"net/url"
	"path/filepath"
	"strings"
)

// ApplyRewrites splices replacements into doc at the offsets recorded by a scan.
// Links must be sorted by Start; overlapping or offset-less links are skipped.
func ApplyRewrites(doc []byte, links []Link, replace func(Link) (string, bool)) []byte {
	var out bytes.Buffer
	out.Grow(len(doc) + len(doc)/8)

	last := 0
	for _, l := range links {
		if l.Start < last || l.Start < 0 || l.End > len(doc) {
			continue
		}
		repl := "."
		if !l.Base {
			r, ok := replace(l)
			if !ok {
				continue
			}
			repl = r
		}
		out.Write(doc[last:l.Start])
		writeReplacement(&out, l, repl)
		last = l.End
	}
	out.Write(doc[last:])
	return out.Bytes()
}

func writeReplacement(out *bytes.Buffer, l Link, repl string) {
	switch l.Context {
	case ContextStyleBlock:
		out.WriteString(repl)
	case ContextStyleAttribute:
		out.WriteString(html.EscapeString(repl))
	default:
		if l.Quote == 0 {
			out.WriteByte('"')
			out.WriteString(html.EscapeString(repl))
			out.WriteByte('"')
			return
		}
		out.WriteString(html.EscapeString(repl))
	}
}

// RelativeLink returns the URL-escaped path from the directory of fromFile to toFile,
// with an optional fragment appended
func RelativeLink(fromFile, toFile, fragment string) (string, error) {
	rel, err := filepath.Rel(filepath.Dir(fromFile), toFile)
	if err != nil {
		return "", fmt.Errorf("relative path from '%s' to '%s': %w", fromFile, toFile, err)
	}
	segments := strings.Split(filepath.ToSlash(rel), "/")
	for i, seg := range segments {
		if seg != ".." && seg != "." {
			segments[i] = url.PathEscape(seg)
		}
	}
	link := strings.Join(segments, "/")
	if strings.Contains(segments[0], ":") {
		link = "./" + link // Would otherwise parse as a scheme
	}
	if fragment != "" {
		link += "#" + fragment
	}
	return link, nil
}
