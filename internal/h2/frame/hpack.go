package frame

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/http2/hpack"
)

// ErrCompression wraps every header block decoding failure. The connection
// must answer it with a COMPRESSION_ERROR.
var ErrCompression = errors.New("frame: header compression error")

// DefaultHeaderTableSize is the protocol's initial SETTINGS_HEADER_TABLE_SIZE.
const DefaultHeaderTableSize = 4096

// IsSensitive reports whether a field must never enter a compression table.
func IsSensitive(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "proxy-authorization", "cookie", "set-cookie":
		return true
	}
	return false
}

// Redact returns value, or a placeholder for sensitive fields. Use it
// whenever header values reach a log.
func Redact(name, value string) string {
	if IsSensitive(name) {
		return "[redacted]"
	}
	return value
}

// HeaderEncoder encodes header lists with HPACK. It is stateful: blocks
// must reach the peer in the order they were encoded.
type HeaderEncoder struct {
	encoder *hpack.Encoder
	buf     bytes.Buffer
}

// NewHeaderEncoder creates an encoder with the default dynamic table size.
func NewHeaderEncoder() *HeaderEncoder {
	e := &HeaderEncoder{}
	e.encoder = hpack.NewEncoder(&e.buf)
	return e
}

// SetMaxDynamicTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE. The
// next block starts with a table size update.
func (e *HeaderEncoder) SetMaxDynamicTableSize(v uint32) {
	e.encoder.SetMaxDynamicTableSizeLimit(v)
	e.encoder.SetMaxDynamicTableSize(v)
}

// Encode encodes fields and returns the block. The slice is only valid until
// the next call. Sensitive fields are emitted as never-indexed literals.
func (e *HeaderEncoder) Encode(fields []hpack.HeaderField) ([]byte, error) {
	e.buf.Reset()
	for _, f := range fields {
		if !f.Sensitive && IsSensitive(f.Name) {
			f.Sensitive = true
		}
		if err := e.encoder.WriteField(f); err != nil {
			return nil, err
		}
	}
	return e.buf.Bytes(), nil
}

// HeaderDecoder decodes header blocks with HPACK.
type HeaderDecoder struct {
	decoder *hpack.Decoder
	fields  []hpack.HeaderField
	size    uint32
	limit   uint32
	over    bool
}

// NewHeaderDecoder creates a decoder whose dynamic table may grow to
// tableSize octets. maxFieldSize bounds a single name or value; zero leaves
// it unbounded.
func NewHeaderDecoder(tableSize uint32, maxFieldSize int) *HeaderDecoder {
	d := &HeaderDecoder{}
	d.decoder = hpack.NewDecoder(tableSize, d.emit)
	if maxFieldSize > 0 {
		d.decoder.SetMaxStringLength(maxFieldSize)
	}
	return d
}

func (d *HeaderDecoder) emit(f hpack.HeaderField) {
	d.size += f.Size()
	if d.limit > 0 && d.size > d.limit {
		// Keep decoding so the dynamic table stays in sync, but stop
		// collecting.
		d.over = true
		return
	}
	d.fields = append(d.fields, f)
}

// Decode decodes one complete header block. When the decoded list exceeds
// maxListSize (if non-zero), tooLarge is set and the fields are dropped;
// the block is still fully consumed. The returned slice is reused by the
// next call.
func (d *HeaderDecoder) Decode(block []byte, maxListSize uint32) (fields []hpack.HeaderField, tooLarge bool, err error) {
	d.fields = d.fields[:0]
	d.size = 0
	d.limit = maxListSize
	d.over = false
	if _, err := d.decoder.Write(block); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	if err := d.decoder.Close(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	if d.over {
		return nil, true, nil
	}
	return d.fields, false, nil
}
