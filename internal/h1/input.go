package h1

import (
	"bytes"
	"io"

	"github.com/albertbausili/velox/internal/mempool"
)

var errLineTooLong = badRequest("line too long")

// input is the read side of a connection: pooled segments filled from the
// transport. Bytes beyond the current request stay queued for the next one.
type input struct {
	r       io.Reader
	buf     *mempool.Buffer
	scratch []byte
	line    []byte
}

func newInput(r io.Reader, pool *mempool.Pool) *input {
	return &input{r: r, buf: mempool.NewBuffer(pool)}
}

// fill reads once from the transport.
func (in *input) fill() (int, error) {
	n, err := in.buf.ReadOnce(in.r)
	if n > 0 {
		return n, nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return 0, err
}

// view returns up to max buffered bytes as one contiguous slice. It aliases
// pool memory when the data sits in a single segment.
func (in *input) view(max int) []byte {
	data := in.buf.Peek()
	if len(data) == in.buf.Len() {
		return data
	}
	in.scratch = in.buf.CopyPrefix(in.scratch[:0], max)
	return in.scratch
}

// readLine consumes one CRLF-terminated line of at most max content bytes
// and returns it without the terminator. The result is valid until the next
// readLine.
func (in *input) readLine(max int) ([]byte, error) {
	for {
		data := in.view(max + 2)
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			if i > max+1 {
				return nil, errLineTooLong
			}
			in.line = append(in.line[:0], data[:i+1]...)
			in.buf.Discard(i + 1)
			return trimCRLF(in.line)
		}
		if len(data) > max+2 || in.buf.Len() > max+2 {
			return nil, errLineTooLong
		}
		if _, err := in.fill(); err != nil {
			return nil, err
		}
	}
}

func (in *input) release() {
	in.buf.Reset()
	in.scratch = nil
	in.line = nil
}
