package h1

import "github.com/albertbausili/velox/internal/features"

// FramingMode says how the request body is delimited on the wire.
type FramingMode int

const (
	// FramingNone means the request has no body.
	FramingNone FramingMode = iota
	// FramingContentLength is a fixed-length body.
	FramingContentLength
	// FramingChunked is a chunked transfer-coded body.
	FramingChunked
	// FramingUpgrade means the stream becomes opaque after the response.
	FramingUpgrade
	// FramingCloseDelimited ends at connection close. Only responses use it.
	FramingCloseDelimited
)

func (m FramingMode) String() string {
	switch m {
	case FramingContentLength:
		return "content-length"
	case FramingChunked:
		return "chunked"
	case FramingUpgrade:
		return "upgrade"
	case FramingCloseDelimited:
		return "close-delimited"
	default:
		return "none"
	}
}

// Framing is the body framing decision for one message.
type Framing struct {
	Mode   FramingMode
	Length int64 // valid for FramingContentLength
}

// Request is one parsed HTTP/1.x request head.
type Request struct {
	Method     string
	RawTarget  string
	Path       string
	RawQuery   string
	Proto      string // "HTTP/1.1" or "HTTP/1.0"
	ProtoMinor int
	// Headers preserves wire order and duplicates.
	Headers features.Headers
	Host    string

	Framing        Framing
	KeepAlive      bool
	ExpectContinue bool

	// Trailers are filled in once a chunked body has been fully read.
	Trailers features.Headers
}

// Reset clears the request for reuse, keeping header capacity.
func (r *Request) Reset() {
	headers := r.Headers
	trailers := r.Trailers
	headers.Reset()
	trailers.Reset()
	*r = Request{Headers: headers, Trailers: trailers}
}
