package mimetype

import (
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Sriram-PR/site-mirror/pkg/models"
)

func TestTable_Lookup(t *testing.T) {
	table := NewTable(map[string]string{".MD": "text/markdown", "php": "application/x-httpd-php"})

	tests := []struct {
		ext  string
		want string
	}{
		{"md", "text/markdown"},             // user override
		{".md", "text/markdown"},            // leading dot accepted
		{"php", "application/x-httpd-php"},  // user override beats built-in
		{"aspx", "text/html"},               // built-in
		{"HTML", "text/html"},               // case-insensitive
		{"png", "image/png"},                // system database
		{"css", "text/css"},                 // system database, parameters stripped
		{"definitely-not-an-extension", ""}, // unknown
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.ext, func(t *testing.T) {
			assert.Equal(t, tt.want, table.Lookup(tt.ext))
		})
	}
}

func TestTable_GuessDataType(t *testing.T) {
	table := NewTable(nil)

	tests := []struct {
		raw  string
		want models.DataType
	}{
		{"http://a.com/", models.DataUnknown},
		{"http://a.com/docs/intro", models.DataUnknown},
		{"http://a.com/index.html", models.DataHTML},
		{"http://a.com/app.php?x=1", models.DataHTML},
		{"http://a.com/logo.png", models.DataNonHTML},
		{"http://a.com/v1.2/readme", models.DataUnknown},
		{"ftp://f.com/pub/archive.unknownext", models.DataNonHTML},
		{"ftp://f.com/pub/", models.DataUnknown},
		{"ftp://f.com/pub/page.html", models.DataHTML},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, table.GuessDataType(u))
		})
	}
	assert.Equal(t, models.DataUnknown, table.GuessDataType(nil))
}

func TestTable_SetRemoveSnapshot(t *testing.T) {
	table := NewTable(nil)
	table.Set(".XYZ", "application/x-xyz")
	table.Set("abc", "text/plain")
	assert.Equal(t, []Entry{{"abc", "text/plain"}, {"xyz", "application/x-xyz"}}, table.Snapshot())

	table.Remove("xyz")
	assert.Equal(t, "", table.Lookup("xyz"))

	table.Replace(map[string]string{"q": "text/q"})
	assert.Equal(t, []Entry{{"q", "text/q"}}, table.Snapshot())
}

func TestTable_ConcurrentAccess(t *testing.T) {
	table := NewTable(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				table.Set("foo", "text/foo")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = table.Lookup("foo")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, "text/foo", table.Lookup("foo"))
}

func TestClassifyMIME(t *testing.T) {
	assert.Equal(t, models.DataHTML, ClassifyMIME("text/html; charset=utf-8"))
	assert.Equal(t, models.DataHTML, ClassifyMIME("Application/XHTML+XML"))
	assert.Equal(t, models.DataNonHTML, ClassifyMIME("image/png"))
	assert.Equal(t, models.DataUnknown, ClassifyMIME(""))
}

func TestCharsetParam(t *testing.T) {
	assert.Equal(t, "iso-8859-1", CharsetParam(`text/html; charset="ISO-8859-1"`))
	assert.Equal(t, "", CharsetParam("text/html"))
	assert.Equal(t, "", CharsetParam(""))
}
