package process

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<!DOCTYPE html>
<html><head>
<base href="http://example.com/docs/">
<link rel="stylesheet" href="css/site.css">
<style>
  body { background: url('img/bg.png'); }
  @import "print.css";
</style>
<script src="js/app.js"></script>
</head>
<body background="tile.gif">
<!-- <a href="commented.html">hidden</a> -->
<a href="page2.html?b=2&amp;a=1">Next</a>
<a href='mailto:me@example.com'>Mail</a>
<a href="javascript:void(0)">JS</a>
<a href=plain.html>Unquoted</a>
<img src="logo.png" alt="a > b">
<div style="background-image: url(&quot;img/hero.jpg&quot;)">hero</div>
<iframe src="frame.html"></iframe>
<object data="movie.swf"><param name="movie" value="movie.swf"><param name="quality" value="high"></object>
</body></html>`

func values(links []Link) []string {
	out := make([]string, 0, len(links))
	for _, l := range links {
		out = append(out, l.Value)
	}
	return out
}

func findLink(t *testing.T, links []Link, value string) Link {
	t.Helper()
	for _, l := range links {
		if l.Value == value {
			return l
		}
	}
	t.Fatalf("link %q not found in %v", value, values(links))
	return Link{}
}

func TestPatternScanner_Scan(t *testing.T) {
	links, err := NewPatternScanner().Scan([]byte(samplePage))
	require.NoError(t, err)

	got := values(links)
	assert.Equal(t, []string{
		"http://example.com/docs/",
		"css/site.css",
		"img/bg.png",
		"print.css",
		"js/app.js",
		"tile.gif",
		"page2.html?b=2&a=1",
		"plain.html",
		"logo.png",
		"img/hero.jpg",
		"frame.html",
		"movie.swf",
		"movie.swf",
	}, got)

	assert.True(t, findLink(t, links, "http://example.com/docs/").Base)
	assert.False(t, findLink(t, links, "page2.html?b=2&a=1").Embedded)
	assert.False(t, findLink(t, links, "frame.html").Embedded)
	assert.True(t, findLink(t, links, "logo.png").Embedded)
	assert.True(t, findLink(t, links, "tile.gif").Embedded)
	assert.Equal(t, ContextStyleBlock, findLink(t, links, "img/bg.png").Context)
	assert.Equal(t, ContextStyleAttribute, findLink(t, links, "img/hero.jpg").Context)
	assert.Equal(t, byte(0), findLink(t, links, "plain.html").Quote)

	assert.NotContains(t, got, "commented.html")
	assert.NotContains(t, got, "high")
	for _, v := range got {
		assert.False(t, strings.HasPrefix(v, "mailto:") || strings.HasPrefix(v, "javascript:"), v)
	}
}

func TestPatternScanner_OffsetsPointAtRawValue(t *testing.T) {
	doc := []byte(samplePage)
	links, err := NewPatternScanner().Scan(doc)
	require.NoError(t, err)

	for _, l := range links {
		raw := string(doc[l.Start:l.End])
		if l.Context == ContextStyleBlock {
			assert.Equal(t, l.Value, strings.TrimSpace(raw))
		} else {
			assert.Contains(t, []string{l.Value, strings.ReplaceAll(l.Value, "&", "&amp;"), strings.ReplaceAll(l.Value, `"`, "&quot;")}, raw)
		}
	}
}

func TestPatternScanner_Rewrite(t *testing.T) {
	local := map[string]string{
		"css/site.css":       "css/site.css",
		"page2.html?b=2&a=1": "page2_0a1b2c3d.html",
		"plain.html":         "plain file.html",
		"img/hero.jpg":       "img/hero.jpg",
		"img/bg.png":         "../img/bg.png",
		"logo.png":           "http://example.com/logo.png?x=1&y=2",
	}
	replace := func(l Link) (string, bool) {
		r, ok := local[l.Value]
		return r, ok
	}

	out, links, err := NewPatternScanner().Rewrite([]byte(samplePage), replace)
	require.NoError(t, err)
	assert.Len(t, links, 13)
	page := string(out)

	assert.Contains(t, page, `<base href=".">`)
	assert.Contains(t, page, `<a href="page2_0a1b2c3d.html">Next</a>`)
	assert.Contains(t, page, `<a href="plain file.html">Unquoted</a>`, "unquoted values get quoted")
	assert.Contains(t, page, `url('../img/bg.png')`)
	assert.Contains(t, page, `<img src="http://example.com/logo.png?x=1&amp;y=2" alt="a > b">`)
	assert.Contains(t, page, `<script src="js/app.js">`, "unreplaced links stay as written")
	assert.Contains(t, page, `<!-- <a href="commented.html">hidden</a> -->`)
	assert.Contains(t, page, `url(&quot;img/hero.jpg&quot;)`)
}

func TestApplyRewrites_SkipsOverlapsAndMissingOffsets(t *testing.T) {
	doc := []byte(`<a href="x">`)
	links := []Link{
		{Value: "x", Start: 9, End: 10, Quote: '"'},
		{Value: "x", Start: 9, End: 10, Quote: '"'},
		{Value: "y", Start: -1, End: -1},
	}
	out := ApplyRewrites(doc, links, func(Link) (string, bool) { return "z", true })
	assert.Equal(t, `<a href="z">`, string(out))
}

func TestRelativeLink(t *testing.T) {
	tests := []struct {
		from, to, fragment, want string
	}{
		{"/out/a.com/docs/index.html", "/out/a.com/docs/page.html", "", "page.html"},
		{"/out/a.com/docs/index.html", "/out/a.com/img/logo.png", "", "../img/logo.png"},
		{"/out/a.com/index.html", "/out/b.com/index.html", "top", "../b.com/index.html#top"},
		{"/out/a.com/index.html", "/out/a.com/my file.html", "", "my%20file.html"},
	}
	for _, tt := range tests {
		got, err := RelativeLink(tt.from, tt.to, tt.fragment)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestNewLinkScanner(t *testing.T) {
	assert.IsType(t, &PatternScanner{}, NewLinkScanner("pattern"))
	assert.IsType(t, &PatternScanner{}, NewLinkScanner(""))
	assert.IsType(t, &DOMScanner{}, NewLinkScanner("DOM"))
}
