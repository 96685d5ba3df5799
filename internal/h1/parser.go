// Package h1 implements the HTTP/1.x connection state machine: a resumable
// request parser, body decoders, and a response writer that frames output.
package h1

import (
	"bytes"
	"strings"

	"github.com/albertbausili/velox/internal/features"
	"golang.org/x/net/http/httpguts"
)

// ParserLimits bound the request head.
type ParserLimits struct {
	MaxRequestLineSize  int
	MaxHeadersTotalSize int
	MaxHeaderCount      int
}

// Defaults for ParserLimits.
const (
	DefaultMaxRequestLineSize  = 8 << 10
	DefaultMaxHeadersTotalSize = 32 << 10
	DefaultMaxHeaderCount      = 100
)

func (l ParserLimits) normalize() ParserLimits {
	if l.MaxRequestLineSize <= 0 {
		l.MaxRequestLineSize = DefaultMaxRequestLineSize
	}
	if l.MaxHeadersTotalSize <= 0 {
		l.MaxHeadersTotalSize = DefaultMaxHeadersTotalSize
	}
	if l.MaxHeaderCount <= 0 {
		l.MaxHeaderCount = DefaultMaxHeaderCount
	}
	return l
}

type parseState int

const (
	stateRequestLine parseState = iota
	stateHeaders
	stateDone
)

// Parser reads a request head from arbitrarily split input. It only ever
// consumes complete lines; the caller keeps the unconsumed tail and presents
// it again, followed by new bytes, on the next call.
type Parser struct {
	limits      ParserLimits
	state       parseState
	headerBytes int
}

// NewParser returns a parser enforcing l.
func NewParser(l ParserLimits) *Parser {
	return &Parser{limits: l.normalize()}
}

// Reset prepares the parser for the next request.
func (p *Parser) Reset() {
	p.state = stateRequestLine
	p.headerBytes = 0
}

// Parse consumes as many complete lines of buf as possible. It reports the
// number of bytes consumed and whether the head is complete.
func (p *Parser) Parse(buf []byte, req *Request) (consumed int, done bool, err error) {
	for p.state != stateDone {
		idx := bytes.IndexByte(buf[consumed:], '\n')
		if idx < 0 {
			return consumed, false, p.checkPending(len(buf) - consumed)
		}
		line := buf[consumed : consumed+idx+1]

		switch p.state {
		case stateRequestLine:
			if len(line) > p.limits.MaxRequestLineSize+2 {
				return consumed, false, &BadRequestError{Status: 414, Reason: "request line too long"}
			}
			content, err := trimCRLF(line)
			if err != nil {
				return consumed, false, err
			}
			consumed += len(line)
			if len(content) == 0 {
				// Tolerate empty lines before the request line.
				continue
			}
			if err := parseRequestLine(content, req); err != nil {
				return consumed, false, err
			}
			p.state = stateHeaders

		case stateHeaders:
			p.headerBytes += len(line)
			if p.headerBytes > p.limits.MaxHeadersTotalSize {
				return consumed, false, &BadRequestError{Status: 431, Reason: "request headers too large"}
			}
			content, err := trimCRLF(line)
			if err != nil {
				return consumed, false, err
			}
			consumed += len(line)
			if len(content) == 0 {
				if err := finishRequest(req); err != nil {
					return consumed, false, err
				}
				p.state = stateDone
				return consumed, true, nil
			}
			if len(req.Headers) >= p.limits.MaxHeaderCount {
				return consumed, false, &BadRequestError{Status: 431, Reason: "too many request headers"}
			}
			name, value, err := parseHeaderLine(content)
			if err != nil {
				return consumed, false, err
			}
			req.Headers.Add(name, value)
		}
	}
	return consumed, true, nil
}

// checkPending rejects an incomplete line that can no longer fit the limits.
func (p *Parser) checkPending(n int) error {
	switch p.state {
	case stateRequestLine:
		if n > p.limits.MaxRequestLineSize+2 {
			return &BadRequestError{Status: 414, Reason: "request line too long"}
		}
	case stateHeaders:
		if p.headerBytes+n > p.limits.MaxHeadersTotalSize {
			return &BadRequestError{Status: 431, Reason: "request headers too large"}
		}
	}
	return nil
}

// MaxLine reports the longest line the parser can still accept, used by the
// connection to bound how much input it linearises.
func (p *Parser) MaxLine() int {
	if p.state == stateRequestLine {
		return p.limits.MaxRequestLineSize + 2
	}
	return p.limits.MaxHeadersTotalSize - p.headerBytes
}

func trimCRLF(line []byte) ([]byte, error) {
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, badRequest("line not terminated by CRLF")
	}
	return line[:len(line)-2], nil
}

var (
	sGET     = "GET"
	sPOST    = "POST"
	sPUT     = "PUT"
	sHEAD    = "HEAD"
	sDELETE  = "DELETE"
	sOPTIONS = "OPTIONS"
	sPATCH   = "PATCH"
	sCONNECT = "CONNECT"
	sHTTP11  = "HTTP/1.1"
	sHTTP10  = "HTTP/1.0"
	sRoot    = "/"
)

func internMethod(b []byte) string {
	switch string(b) {
	case sGET:
		return sGET
	case sPOST:
		return sPOST
	case sPUT:
		return sPUT
	case sHEAD:
		return sHEAD
	case sDELETE:
		return sDELETE
	case sOPTIONS:
		return sOPTIONS
	case sPATCH:
		return sPATCH
	case sCONNECT:
		return sCONNECT
	}
	return string(b)
}

// parseRequestLine parses METHOD SP TARGET SP VERSION.
func parseRequestLine(line []byte, req *Request) error {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return badRequest("malformed request line")
	}
	method := line[:sp1]
	for _, c := range method {
		if !httpguts.IsTokenRune(rune(c)) {
			return badRequest("invalid method token")
		}
	}
	rest := line[sp1+1:]
	sp2 := bytes.IndexByte(rest, ' ')
	if sp2 <= 0 {
		return badRequest("malformed request line")
	}
	target := rest[:sp2]
	version := rest[sp2+1:]

	for _, c := range target {
		if c <= ' ' || c == 0x7f {
			return badRequest("invalid character in request target")
		}
	}
	switch string(version) {
	case sHTTP11:
		req.Proto, req.ProtoMinor = sHTTP11, 1
	case sHTTP10:
		req.Proto, req.ProtoMinor = sHTTP10, 0
	default:
		if bytes.HasPrefix(version, []byte("HTTP/")) && len(version) == 8 {
			return &BadRequestError{Status: 505, Reason: "unsupported HTTP version"}
		}
		return badRequest("malformed HTTP version")
	}

	req.Method = internMethod(method)
	if len(target) == 1 && target[0] == '/' {
		req.RawTarget = sRoot
	} else {
		req.RawTarget = string(target)
	}

	switch {
	case req.RawTarget[0] == '/':
		path, query, _ := strings.Cut(req.RawTarget, "?")
		req.Path, req.RawQuery = path, query
	case req.RawTarget == "*":
		if req.Method != sOPTIONS {
			return badRequest("asterisk form only valid for OPTIONS")
		}
		req.Path = "*"
	case req.Method == sCONNECT:
		req.Path = ""
	default:
		// absolute-form: scheme "://" authority path
		i := strings.Index(req.RawTarget, "://")
		if i <= 0 {
			return badRequest("invalid request target")
		}
		rest := req.RawTarget[i+3:]
		slash := strings.IndexByte(rest, '/')
		authority := rest
		pathAndQuery := "/"
		if slash >= 0 {
			authority, pathAndQuery = rest[:slash], rest[slash:]
		} else if q := strings.IndexByte(rest, '?'); q >= 0 {
			authority, pathAndQuery = rest[:q], "/"+rest[q:]
		}
		path, query, _ := strings.Cut(pathAndQuery, "?")
		req.Path, req.RawQuery = path, query
		req.Host = authority
	}
	return nil
}

// parseHeaderLine splits "name: value" and validates both halves.
func parseHeaderLine(line []byte) (string, string, error) {
	if line[0] == ' ' || line[0] == '\t' {
		return "", "", badRequest("obsolete line folding")
	}
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return "", "", badRequest("header line without colon")
	}
	name := string(line[:colon])
	if !httpguts.ValidHeaderFieldName(name) {
		return "", "", badRequest("invalid header name")
	}
	value := string(bytes.Trim(line[colon+1:], " \t"))
	if !httpguts.ValidHeaderFieldValue(value) {
		return "", "", badRequest("invalid header value")
	}
	return name, value, nil
}

// finishRequest validates the complete head and decides body framing.
func finishRequest(req *Request) error {
	hosts := req.Headers.Count("Host")
	switch {
	case hosts > 1:
		return badRequest("multiple Host headers")
	case hosts == 1:
		host := req.Headers.Get("Host")
		if !httpguts.ValidHostHeader(host) {
			return badRequest("invalid Host header")
		}
		if req.Host == "" {
			req.Host = host
		}
	case req.ProtoMinor == 1:
		return badRequest("missing Host header")
	}

	connection := req.Headers.Values("Connection")
	closeTok := httpguts.HeaderValuesContainsToken(connection, "close")
	if req.ProtoMinor == 1 {
		req.KeepAlive = !closeTok
	} else {
		req.KeepAlive = !closeTok && httpguts.HeaderValuesContainsToken(connection, "keep-alive")
	}

	te := req.Headers.Values("Transfer-Encoding")
	cls := req.Headers.Values("Content-Length")

	switch {
	case len(te) > 0:
		if req.ProtoMinor == 0 {
			return badRequest("Transfer-Encoding not allowed in HTTP/1.0")
		}
		if len(cls) > 0 {
			return badRequest("both Transfer-Encoding and Content-Length present")
		}
		if !finalCodingIsChunked(te) {
			return badRequest("final transfer coding is not chunked")
		}
		req.Framing = Framing{Mode: FramingChunked}
	case len(cls) > 0:
		n, err := parseContentLength(cls)
		if err != nil {
			return err
		}
		req.Framing = Framing{Mode: FramingContentLength, Length: n}
	default:
		req.Framing = Framing{Mode: FramingNone}
	}

	if req.ProtoMinor == 1 &&
		httpguts.HeaderValuesContainsToken(connection, "upgrade") &&
		req.Headers.Get("Upgrade") != "" {
		if req.Framing.Mode == FramingChunked || (req.Framing.Mode == FramingContentLength && req.Framing.Length > 0) {
			return badRequest("upgrade request cannot carry a body")
		}
		req.Framing = Framing{Mode: FramingUpgrade}
	}

	if req.ProtoMinor == 1 {
		if expect, ok := req.Headers.Lookup("Expect"); ok && strings.EqualFold(expect, "100-continue") {
			req.ExpectContinue = true
		}
	}
	return nil
}

// finalCodingIsChunked reports whether chunked is the last coding and is not
// applied more than once.
func finalCodingIsChunked(values []string) bool {
	var codings []string
	for _, v := range values {
		for _, c := range strings.Split(v, ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				codings = append(codings, c)
			}
		}
	}
	if len(codings) == 0 {
		return false
	}
	for i, c := range codings {
		if strings.EqualFold(c, "chunked") && i != len(codings)-1 {
			return false
		}
	}
	return strings.EqualFold(codings[len(codings)-1], "chunked")
}

// parseContentLength requires every listed value to be the same valid
// non-negative integer.
func parseContentLength(values []string) (int64, error) {
	n := int64(-1)
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			cl, ok := parseInt64Bytes([]byte(part))
			if !ok {
				return 0, badRequest("invalid Content-Length")
			}
			if n >= 0 && cl != n {
				return 0, badRequest("conflicting Content-Length values")
			}
			n = cl
		}
	}
	return n, nil
}

// parseInt64Bytes parses a base-10 int64 from ASCII bytes, returning
// ok=false on error or overflow.
func parseInt64Bytes(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 18 {
		return 0, false
	}
	var n int64
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

// parseTrailerLine is parseHeaderLine for chunked trailers; fields that
// must not appear in trailers are dropped.
func parseTrailerLine(line []byte, dst *features.Headers) error {
	name, value, err := parseHeaderLine(line)
	if err != nil {
		return err
	}
	if forbiddenTrailer(name) {
		return nil
	}
	dst.Add(name, value)
	return nil
}

func forbiddenTrailer(name string) bool {
	for _, f := range [...]string{"Content-Length", "Transfer-Encoding", "Host", "Trailer", "Connection"} {
		if strings.EqualFold(name, f) {
			return true
		}
	}
	return false
}
