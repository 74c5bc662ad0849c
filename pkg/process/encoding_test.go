package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

func latin1(t *testing.T, s string) []byte {
	t.Helper()
	b, err := charmap.Windows1252.NewEncoder().Bytes([]byte(s))
	require.NoError(t, err)
	return b
}

func TestDecodeHTML(t *testing.T) {
	tests := []struct {
		name          string
		raw           []byte
		contentType   string
		wantText      string
		wantCharset   string
		wantCorrected bool
	}{
		{
			name:        "utf-8 declared and matching meta",
			raw:         []byte(`<meta charset="utf-8"><p>café</p>`),
			contentType: "text/html; charset=UTF-8",
			wantText:    `<meta charset="utf-8"><p>café</p>`,
			wantCharset: "utf-8",
		},
		{
			name:          "meta overrides wrong header",
			raw:           latin1(t, `<meta charset="windows-1252"><p>café</p>`),
			contentType:   "text/html; charset=utf-8",
			wantText:      `<meta charset="windows-1252"><p>café</p>`,
			wantCharset:   "windows-1252",
			wantCorrected: true,
		},
		{
			name:          "http-equiv form",
			raw:           latin1(t, `<meta http-equiv="Content-Type" content="text/html; charset=iso-8859-1"><p>é</p>`),
			contentType:   "text/html; charset=utf-8",
			wantText:      `<meta http-equiv="Content-Type" content="text/html; charset=iso-8859-1"><p>é</p>`,
			wantCharset:   "windows-1252",
			wantCorrected: true,
		},
		{
			name:        "us-ascii meta is not a disagreement",
			raw:         []byte(`<meta charset="us-ascii"><p>café</p>`),
			contentType: "text/html; charset=utf-8",
			wantText:    `<meta charset="us-ascii"><p>café</p>`,
			wantCharset: "utf-8",
		},
		{
			name:        "no header charset falls back to meta prescan",
			raw:         latin1(t, `<meta charset="windows-1252"><p>café</p>`),
			contentType: "text/html",
			wantText:    `<meta charset="windows-1252"><p>café</p>`,
			wantCharset: "windows-1252",
		},
		{
			name:        "unknown meta label is ignored",
			raw:         []byte(`<meta charset="klingon"><p>x</p>`),
			contentType: "text/html; charset=utf-8",
			wantText:    `<meta charset="klingon"><p>x</p>`,
			wantCharset: "utf-8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, cs, err := DecodeHTML(tt.raw, tt.contentType)
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, text)
			assert.Equal(t, tt.wantCharset, cs.Name)
			assert.Equal(t, tt.wantCorrected, cs.Corrected)
		})
	}
}

func TestEncodeHTML_RoundTrip(t *testing.T) {
	raw := latin1(t, `<meta charset="windows-1252"><p>café</p>`)
	text, cs, err := DecodeHTML(raw, "text/html")
	require.NoError(t, err)

	out, err := EncodeHTML(text+"<p>→</p>", cs)
	require.NoError(t, err)
	assert.Equal(t, append(raw, []byte("<p>&#8594;</p>")...), out, "unsupported runes become character references")

	utf8Out, err := EncodeHTML("café", Charset{Name: "utf-8"})
	require.NoError(t, err)
	assert.Equal(t, []byte("café"), utf8Out)
}

func TestMetaCharset(t *testing.T) {
	assert.Equal(t, "utf-8", MetaCharset(`<html><head><META CHARSET='UTF-8'>`))
	assert.Equal(t, "shift_jis", MetaCharset(`<meta content="text/html; charset=Shift_JIS" http-equiv="Content-Type">`))
	assert.Empty(t, MetaCharset(`<meta name="viewport" content="width=device-width">`))
}
