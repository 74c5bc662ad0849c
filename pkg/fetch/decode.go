package fetch

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// decodedBody stacks a decompressor over a response body; Close closes both
type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (d *decodedBody) Close() error {
	var first error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// decodeBody wraps body according to its Content-Encoding. Unknown encodings are passed through.
func decodeBody(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))
	switch encoding {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		return &decodedBody{Reader: gz, closers: []io.Closer{body, gz}}, nil
	case "br":
		return &decodedBody{Reader: brotli.NewReader(body), closers: []io.Closer{body}}, nil
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw; peek at the header
		br := bufio.NewReader(body)
		header, _ := br.Peek(2)
		if len(header) == 2 && header[0]&0x0f == 8 && (uint16(header[0])<<8|uint16(header[1]))%31 == 0 {
			zr, err := zlib.NewReader(br)
			if err != nil {
				return nil, fmt.Errorf("deflate decode: %w", err)
			}
			return &decodedBody{Reader: zr, closers: []io.Closer{body, zr}}, nil
		}
		fl := flate.NewReader(br)
		return &decodedBody{Reader: fl, closers: []io.Closer{body, fl}}, nil
	}
	return body, nil
}
