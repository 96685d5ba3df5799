package velox

import (
	"bytes"
	"compress/gzip"
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
)

// CompressConfig holds configuration for the Compress middleware.
type CompressConfig struct {
	// Level specifies the compression level (1-9 for gzip, 0-11 for brotli)
	Level int
	// MinSize is the smallest body worth compressing (default: 1024 bytes).
	// Bodies are buffered up to MinSize before deciding.
	MinSize int
	// ExcludedTypes lists content type prefixes to skip compression
	ExcludedTypes []string
}

// DefaultCompressConfig returns a CompressConfig with sensible defaults.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		Level:   6,
		MinSize: 1024,
		ExcludedTypes: []string{
			"image/",
			"video/",
			"audio/",
			"application/zip",
			"application/gzip",
			"text/event-stream",
		},
	}
}

// Compress returns a middleware that compresses response bodies with
// brotli or gzip, whichever the client prefers in that order.
func Compress() Middleware {
	return CompressWithConfig(DefaultCompressConfig())
}

// CompressWithConfig returns a middleware that compresses response bodies with custom configuration.
func CompressWithConfig(config CompressConfig) Middleware {
	if config.MinSize <= 0 {
		config.MinSize = 1024
	}
	if config.Level == 0 {
		config.Level = 6
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if ctx.Method() == "HEAD" {
				return next.ServeHTTP(ctx)
			}
			encoding := negotiateEncoding(ctx.Header().Values("Accept-Encoding"))
			if encoding == "" {
				return next.ServeHTTP(ctx)
			}
			cw := &compressWriter{ctx: ctx, config: &config, encoding: encoding}
			ctx.WrapWriter(func(w io.Writer) io.Writer {
				cw.next = w
				return cw
			}, cw.finish)
			return next.ServeHTTP(ctx)
		})
	}
}

// negotiateEncoding picks "br" or "gzip" from Accept-Encoding, honouring
// q=0 exclusions.
func negotiateEncoding(values []string) string {
	var br, gz bool
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
			if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
				if f, err := strconv.ParseFloat(q, 64); err == nil && f == 0 {
					continue
				}
			}
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "br":
				br = true
			case "gzip":
				gz = true
			}
		}
	}
	switch {
	case br:
		return "br"
	case gz:
		return "gzip"
	}
	return ""
}

type flushWriteCloser interface {
	io.WriteCloser
	Flush() error
}

// compressWriter buffers the first MinSize bytes, then either streams them
// through an encoder or passes everything through untouched.
type compressWriter struct {
	ctx      *Context
	config   *CompressConfig
	encoding string
	next     io.Writer

	buf     bytes.Buffer
	decided bool
	enc     flushWriteCloser
}

func (w *compressWriter) Write(p []byte) (int, error) {
	if w.decided {
		if w.enc != nil {
			return w.enc.Write(p)
		}
		return w.next.Write(p)
	}
	w.buf.Write(p)
	if w.buf.Len() >= w.config.MinSize {
		if err := w.decide(true); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (w *compressWriter) excluded() bool {
	if w.ctx.HasStarted() {
		return true
	}
	h := w.ctx.ResponseHeader()
	if h.Get("Content-Encoding") != "" {
		return true
	}
	ct := h.Get("Content-Type")
	for _, prefix := range w.config.ExcludedTypes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

// decide commits to compressing (when allowed) or passing through, then
// drains the buffer.
func (w *compressWriter) decide(compress bool) error {
	w.decided = true
	if compress && !w.excluded() {
		h := w.ctx.ResponseHeader()
		h.Del("Content-Length")
		h.Set("Content-Encoding", w.encoding)
		h.Add("Vary", "Accept-Encoding")
		if w.encoding == "br" {
			w.enc = brotli.NewWriterLevel(w.next, min(w.config.Level, brotli.BestCompression))
		} else {
			gz, err := gzip.NewWriterLevel(w.next, min(w.config.Level, gzip.BestCompression))
			if err != nil {
				gz = gzip.NewWriter(w.next)
			}
			w.enc = gz
		}
	}
	if w.buf.Len() == 0 {
		return nil
	}
	var err error
	if w.enc != nil {
		_, err = w.enc.Write(w.buf.Bytes())
	} else {
		_, err = w.next.Write(w.buf.Bytes())
	}
	w.buf.Reset()
	return err
}

// Flush commits to compression and pushes the encoder's pending output.
func (w *compressWriter) Flush() error {
	if !w.decided {
		if err := w.decide(true); err != nil {
			return err
		}
	}
	if w.enc != nil {
		if err := w.enc.Flush(); err != nil {
			return err
		}
	}
	if f, ok := w.next.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return w.ctx.body.Flush()
}

func (w *compressWriter) finish() error {
	if !w.decided {
		if err := w.decide(w.buf.Len() >= w.config.MinSize); err != nil {
			return err
		}
	}
	if w.enc != nil {
		return w.enc.Close()
	}
	return nil
}
