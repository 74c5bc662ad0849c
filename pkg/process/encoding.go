package process

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"

	"github.com/Sriram-PR/site-mirror/pkg/mimetype"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

var (
	metaCharsetPattern   = regexp.MustCompile(`(?is)<meta\s[^>]*?charset\s*=\s*["']?\s*([a-zA-Z0-9_.:-]+)`)
	asciiLabels          = map[string]bool{"us-ascii": true, "ascii": true, "ansi_x3.4-1968": true, "iso646-us": true, "us": true}
	printableASCIISample = func() []byte {
		b := make([]byte, 0, 95)
		for c := byte(0x20); c < 0x7f; c++ {
			b = append(b, c)
		}
		return b
	}()
)

// Charset is the encoding an HTML document was decoded with
type Charset struct {
	Name      string // Canonical WHATWG name
	Encoding  encoding.Encoding
	Corrected bool // The <meta> declaration overrode the transport-level one
}

// DecodeHTML decodes raw HTML to UTF-8. The charset from contentType wins unless an
// embedded <meta charset> names a different encoding; a plain us-ascii label on either
// side never counts as a disagreement with an ASCII-compatible encoding.
func DecodeHTML(raw []byte, contentType string) (string, Charset, error) {
	declared := mimetype.CharsetParam(contentType)
	cs, err := lookupCharset(declared)
	if err != nil {
		// Unknown or missing header charset: BOM, <meta> prescan, then windows-1252
		enc, name, _ := charset.DetermineEncoding(raw, contentType)
		cs = Charset{Name: name, Encoding: enc}
		declared = name
	}

	text, err := decodeWith(raw, cs.Encoding)
	if err != nil {
		return "", cs, err
	}

	metaLabel := MetaCharset(text)
	if metaLabel == "" || strings.EqualFold(metaLabel, declared) {
		return text, cs, nil
	}
	metaCS, err := lookupCharset(metaLabel)
	if err != nil || metaCS.Name == cs.Name {
		return text, cs, nil
	}
	if asciiLabels[strings.ToLower(metaLabel)] && asciiCompatible(cs.Encoding) ||
		asciiLabels[strings.ToLower(declared)] && asciiCompatible(metaCS.Encoding) {
		return text, cs, nil
	}

	corrected, err := decodeWith(raw, metaCS.Encoding)
	if err != nil {
		return text, cs, nil
	}
	metaCS.Corrected = true
	return corrected, metaCS, nil
}

// EncodeHTML encodes text back into cs, using numeric character references for runes
// the encoding cannot represent
func EncodeHTML(text string, cs Charset) ([]byte, error) {
	if cs.Encoding == nil || cs.Name == "utf-8" {
		return []byte(text), nil
	}
	out, err := encoding.HTMLEscapeUnsupported(cs.Encoding.NewEncoder()).String(text)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding HTML as %s: %w", utils.ErrParsing, cs.Name, err)
	}
	return []byte(out), nil
}

// MetaCharset returns the charset label of the first <meta charset> or
// <meta http-equiv="Content-Type" content="...; charset=..."> in text
func MetaCharset(text string) string {
	head := text
	if len(head) > 4096 {
		head = head[:4096]
	}
	m := metaCharsetPattern.FindStringSubmatch(head)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

func lookupCharset(label string) (Charset, error) {
	if label == "" {
		return Charset{}, fmt.Errorf("%w: empty charset label", utils.ErrParsing)
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return Charset{}, fmt.Errorf("%w: charset %q: %w", utils.ErrParsing, label, err)
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		name = strings.ToLower(label)
	}
	return Charset{Name: name, Encoding: enc}, nil
}

func decodeWith(raw []byte, enc encoding.Encoding) (string, error) {
	if enc == nil || enc == unicode.UTF8 {
		return string(bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))), nil
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("%w: decoding HTML: %w", utils.ErrParsing, err)
	}
	return string(out), nil
}

// asciiCompatible reports whether printable ASCII decodes to itself in enc
func asciiCompatible(enc encoding.Encoding) bool {
	if enc == nil {
		return false
	}
	out, err := enc.NewDecoder().Bytes(printableASCIISample)
	return err == nil && bytes.Equal(out, printableASCIISample)
}
