package h1

import (
	"bytes"
	"errors"
	"io"

	"github.com/albertbausili/velox/internal/features"
)

const maxChunkSizeLine = 4096

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailers
)

// body is the request body reader handed to the application. It decodes
// Content-Length and chunked framing straight from the connection input.
type body struct {
	c   *Connection
	req *Request

	mode      FramingMode
	remaining int64
	state     chunkState
	trailerN  int
	read      int64

	started  bool
	done     bool
	draining bool
	err      error
}

func (b *body) reset(c *Connection, req *Request) {
	*b = body{c: c, req: req, mode: req.Framing.Mode}
	switch b.mode {
	case FramingContentLength:
		b.remaining = req.Framing.Length
		if b.remaining == 0 {
			b.done = true
		}
	case FramingChunked:
	default:
		b.mode = FramingNone
		b.done = true
	}
}

// Read implements io.Reader.
func (b *body) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if b.done {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	if !b.started {
		if err := b.begin(); err != nil {
			return 0, b.fail(err)
		}
	}

	var (
		n   int
		err error
	)
	if b.mode == FramingChunked {
		n, err = b.readChunked(p)
	} else {
		n, err = b.readFixed(p)
	}
	if err != nil {
		return n, b.fail(err)
	}
	if n == 0 && b.done {
		return 0, io.EOF
	}
	return n, nil
}

// begin runs on the first read: it answers Expect: 100-continue and starts
// rate tracking.
func (b *body) begin() error {
	b.started = true
	if b.req.ExpectContinue && !b.draining && !b.c.rw.started {
		if err := b.c.writeContinue(); err != nil {
			return err
		}
	}
	rate := b.c.limits.MinRequestBodyDataRate
	if f := features.Get[features.MinRequestBodyDataRateFeature](b.c.features); f != nil {
		rate = f.MinDataRate()
	}
	b.c.cc.Timeouts.StartRequestBody(rate)
	return nil
}

func (b *body) finish() {
	b.done = true
	b.c.cc.Timeouts.StopRequestBody()
}

func (b *body) fail(err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	b.err = err
	b.c.cc.Timeouts.StopRequestBody()
	b.c.closeAfter = true
	return err
}

// take copies buffered input into p, waiting for the transport when the
// buffer is empty.
func (b *body) take(p []byte) (int, error) {
	in := b.c.in
	if in.buf.Len() == 0 {
		tc := b.c.cc.Timeouts
		tc.StartTimingRead()
		_, err := in.fill()
		tc.StopTimingRead()
		if err != nil {
			return 0, err
		}
	}
	n, _ := in.buf.Read(p)
	b.read += int64(n)
	if max := b.c.limits.MaxRequestBodySize; max > 0 && b.read > max {
		return n, &BadRequestError{Status: 413, Reason: "request body too large"}
	}
	b.c.cc.Timeouts.BytesRead(n)
	return n, nil
}

func (b *body) readFixed(p []byte) (int, error) {
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.take(p)
	b.remaining -= int64(n)
	if b.remaining == 0 && err == nil {
		b.finish()
	}
	return n, err
}

func (b *body) line(max int) ([]byte, error) {
	tc := b.c.cc.Timeouts
	tc.StartTimingRead()
	line, err := b.c.in.readLine(max)
	tc.StopTimingRead()
	return line, err
}

func (b *body) readChunked(p []byte) (int, error) {
	for {
		switch b.state {
		case chunkSize:
			line, err := b.line(maxChunkSizeLine)
			if err != nil {
				return 0, err
			}
			size, err := parseChunkSize(line)
			if err != nil {
				return 0, err
			}
			if size == 0 {
				b.state = chunkTrailers
				continue
			}
			b.remaining = size
			b.state = chunkData

		case chunkData:
			if int64(len(p)) > b.remaining {
				p = p[:b.remaining]
			}
			n, err := b.take(p)
			b.remaining -= int64(n)
			if b.remaining == 0 {
				b.state = chunkDataEnd
			}
			if n > 0 || err != nil {
				return n, err
			}

		case chunkDataEnd:
			line, err := b.line(0)
			if err != nil {
				return 0, err
			}
			if len(line) != 0 {
				return 0, badRequest("chunk data not followed by CRLF")
			}
			b.state = chunkSize

		case chunkTrailers:
			budget := b.c.limits.MaxRequestHeadersTotalSize - b.trailerN
			if budget < 0 {
				budget = 0
			}
			line, err := b.line(budget)
			if err != nil {
				if err == errLineTooLong {
					return 0, &BadRequestError{Status: 431, Reason: "request trailers too large"}
				}
				return 0, err
			}
			if len(line) == 0 {
				b.finish()
				return 0, nil
			}
			b.trailerN += len(line) + 2
			if len(b.req.Trailers) >= b.c.limits.MaxRequestHeaderCount {
				return 0, &BadRequestError{Status: 431, Reason: "too many request trailers"}
			}
			if err := parseTrailerLine(line, &b.req.Trailers); err != nil {
				return 0, err
			}
		}
	}
}

// drain discards the rest of the body so the connection can be reused. It
// gives up after limit bytes.
func (b *body) drain(limit int64) bool {
	if b.done {
		return true
	}
	if b.err != nil {
		return false
	}
	if !b.started && b.req.ExpectContinue {
		// The client is still waiting for permission to send.
		return false
	}
	b.draining = true
	var total int64
	for total <= limit {
		n, err := b.Read(b.c.drainBuf[:])
		total += int64(n)
		if err == io.EOF {
			return true
		}
		if err != nil {
			return false
		}
	}
	return false
}

// parseChunkSize parses a chunk-size line, discarding extensions.
func parseChunkSize(line []byte) (int64, error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimRight(line, " \t")
	if len(line) == 0 || len(line) > 15 {
		return 0, badRequest("invalid chunk size")
	}
	var n int64
	for _, c := range line {
		var v byte
		switch {
		case '0' <= c && c <= '9':
			v = c - '0'
		case 'a' <= c && c <= 'f':
			v = c - 'a' + 10
		case 'A' <= c && c <= 'F':
			v = c - 'A' + 10
		default:
			return 0, badRequest("invalid chunk size")
		}
		n = n<<4 | int64(v)
	}
	return n, nil
}
