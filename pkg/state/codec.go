package state

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// maxStringLen guards against absurd allocations when reading a corrupt file
const maxStringLen = 64 << 20

// Writer writes little-endian primitives. The first error sticks and is returned by Flush.
type Writer struct {
	w   *bufio.Writer
	err error
}

// NewWriter creates a Writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) write(v any) {
	if w.err != nil {
		return
	}
	w.err = binary.Write(w.w, binary.LittleEndian, v)
}

// Int32 writes a 32-bit integer
func (w *Writer) Int32(v int32) { w.write(v) }

// Int writes v as int32, failing for values that do not fit
func (w *Writer) Int(v int) {
	if v > math.MaxInt32 || v < math.MinInt32 {
		if w.err == nil {
			w.err = fmt.Errorf("value %d does not fit in int32", v)
		}
		return
	}
	w.write(int32(v))
}

// Int64 writes a 64-bit integer
func (w *Writer) Int64(v int64) { w.write(v) }

// Bool writes a single byte, 0 or 1
func (w *Writer) Bool(v bool) {
	var b uint8
	if v {
		b = 1
	}
	w.write(b)
}

// String writes an int32 byte length followed by the UTF-8 bytes
func (w *Writer) String(s string) {
	w.Int(len(s))
	if w.err != nil {
		return
	}
	_, w.err = w.w.WriteString(s)
}

// NullableString writes nil as length -1
func (w *Writer) NullableString(s *string) {
	if s == nil {
		w.Int32(-1)
		return
	}
	w.String(*s)
}

// Bytes writes raw bytes without a length prefix
func (w *Writer) Bytes(b []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(b)
}

// Err returns the first error
func (w *Writer) Err() error { return w.err }

// Flush flushes buffered output and returns the first error
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	return w.w.Flush()
}

// Reader reads what Writer wrote. The first error sticks; later reads return zero values.
type Reader struct {
	r   io.Reader
	err error
}

// NewReader creates a Reader
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

func (r *Reader) read(v any) {
	if r.err != nil {
		return
	}
	if err := binary.Read(r.r, binary.LittleEndian, v); err != nil {
		r.err = fmt.Errorf("%w: %w", utils.ErrParsing, err)
	}
}

// Int32 reads a 32-bit integer
func (r *Reader) Int32() int32 {
	var v int32
	r.read(&v)
	return v
}

// Int reads an int32 as int
func (r *Reader) Int() int { return int(r.Int32()) }

// Count reads a non-negative element count
func (r *Reader) Count() int {
	n := r.Int32()
	if n < 0 && r.err == nil {
		r.err = fmt.Errorf("%w: negative count %d", utils.ErrParsing, n)
	}
	if r.err != nil {
		return 0
	}
	return int(n)
}

// Int64 reads a 64-bit integer
func (r *Reader) Int64() int64 {
	var v int64
	r.read(&v)
	return v
}

// Bool reads a single byte
func (r *Reader) Bool() bool {
	var b uint8
	r.read(&b)
	return b != 0
}

// NullableString reads a length-prefixed string, nil for length -1
func (r *Reader) NullableString() *string {
	n := r.Int32()
	if r.err != nil || n == -1 {
		return nil
	}
	if n < -1 || n > maxStringLen {
		r.err = fmt.Errorf("%w: invalid string length %d", utils.ErrParsing, n)
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		r.err = fmt.Errorf("%w: %w", utils.ErrParsing, err)
		return nil
	}
	s := string(buf)
	return &s
}

// String reads a length-prefixed string, "" for null
func (r *Reader) String() string {
	if s := r.NullableString(); s != nil {
		return *s
	}
	return ""
}

// Bytes reads exactly n raw bytes
func (r *Reader) Bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		r.err = fmt.Errorf("%w: %w", utils.ErrParsing, err)
		return nil
	}
	return buf
}

// Err returns the first error
func (r *Reader) Err() error { return r.err }
