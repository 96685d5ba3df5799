package h1

import (
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

// parseInSteps feeds data to a fresh parser step bytes at a time, keeping
// the unconsumed tail the way the connection does.
func parseInSteps(data []byte, step int, limits ParserLimits) (Request, bool, error) {
	p := NewParser(limits)
	var req Request
	var pending []byte
	for off := 0; off < len(data); {
		end := off + step
		if end > len(data) {
			end = len(data)
		}
		pending = append(pending, data[off:end]...)
		off = end
		n, done, err := p.Parse(pending, &req)
		if err != nil {
			return req, false, err
		}
		pending = append([]byte(nil), pending[n:]...)
		if done {
			return req, true, nil
		}
	}
	return req, false, nil
}

func TestParser_IncrementalMatchesWhole(t *testing.T) {
	inputs := []string{
		"GET / HTTP/1.1\r\nHost: example.com\r\n\r\n",
		"POST /api/users?id=7&x=y HTTP/1.1\r\nHost: h\r\nContent-Length: 12\r\nX-A: 1\r\nX-A: 2\r\n\r\n",
		"PUT /up HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: gzip, chunked\r\n\r\n",
		"GET /old HTTP/1.0\r\nConnection: keep-alive\r\n\r\n",
		"\r\nOPTIONS * HTTP/1.1\r\nHost: h\r\n\r\n",
		"GET http://example.com:8080/p?q=1 HTTP/1.1\r\nHost: ignored\r\n\r\n",
	}
	for _, in := range inputs {
		whole, done, err := parseInSteps([]byte(in), len(in), ParserLimits{})
		if err != nil || !done {
			t.Fatalf("%q: expected complete parse, got done=%v err=%v", in, done, err)
		}
		for step := 1; step < len(in); step++ {
			got, done, err := parseInSteps([]byte(in), step, ParserLimits{})
			if err != nil || !done {
				t.Fatalf("%q step %d: expected complete parse, got done=%v err=%v", in, step, done, err)
			}
			if !reflect.DeepEqual(got, whole) {
				t.Fatalf("%q step %d: expected %+v, got %+v", in, step, whole, got)
			}
		}
	}
}

func TestParser_RequestFields(t *testing.T) {
	req, done, err := parseInSteps([]byte("POST /a/b?x=1&y=2 HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\nExpect: 100-continue\r\nCookie: a=1\r\nCookie: b=2\r\n\r\n"), 7, ParserLimits{})
	if err != nil || !done {
		t.Fatalf("Expected complete parse, got done=%v err=%v", done, err)
	}
	if req.Method != "POST" || req.Path != "/a/b" || req.RawQuery != "x=1&y=2" {
		t.Errorf("Expected POST /a/b x=1&y=2, got %s %s %s", req.Method, req.Path, req.RawQuery)
	}
	if req.Proto != "HTTP/1.1" || req.Host != "example.com" {
		t.Errorf("Expected HTTP/1.1 example.com, got %s %s", req.Proto, req.Host)
	}
	if req.Framing != (Framing{Mode: FramingContentLength, Length: 5}) {
		t.Errorf("Expected content-length 5, got %+v", req.Framing)
	}
	if !req.KeepAlive || !req.ExpectContinue {
		t.Errorf("Expected keep-alive and expect-continue, got %v %v", req.KeepAlive, req.ExpectContinue)
	}
	if got := req.Headers.Values("cookie"); len(got) != 2 || got[0] != "a=1" || got[1] != "b=2" {
		t.Errorf("Expected duplicate cookies in order, got %v", got)
	}
}

func TestParser_Framing(t *testing.T) {
	tests := []struct {
		name    string
		head    string
		framing Framing
		status  int // 0 means success
	}{
		{"none", "GET / HTTP/1.1\r\nHost: h\r\n\r\n", Framing{Mode: FramingNone}, 0},
		{"content-length", "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 10\r\n\r\n", Framing{Mode: FramingContentLength, Length: 10}, 0},
		{"repeated equal content-length", "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 5, 5\r\nContent-Length: 5\r\n\r\n", Framing{Mode: FramingContentLength, Length: 5}, 0},
		{"conflicting content-length", "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\nContent-Length: 6\r\n\r\n", Framing{}, 400},
		{"signed content-length", "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: +5\r\n\r\n", Framing{}, 400},
		{"overflowing content-length", "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 99999999999999999999\r\n\r\n", Framing{}, 400},
		{"chunked", "POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n", Framing{Mode: FramingChunked}, 0},
		{"both te and cl", "POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\nContent-Length: 3\r\n\r\n", Framing{}, 400},
		{"final coding not chunked", "POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked, gzip\r\n\r\n", Framing{}, 400},
		{"chunked twice", "POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\nTransfer-Encoding: chunked\r\n\r\n", Framing{}, 400},
		{"te on http/1.0", "POST / HTTP/1.0\r\nTransfer-Encoding: chunked\r\n\r\n", Framing{}, 400},
		{"upgrade", "GET /ws HTTP/1.1\r\nHost: h\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n", Framing{Mode: FramingUpgrade}, 0},
		{"upgrade with body", "POST /ws HTTP/1.1\r\nHost: h\r\nConnection: upgrade\r\nUpgrade: x\r\nContent-Length: 4\r\n\r\n", Framing{}, 400},
		{"missing host", "GET / HTTP/1.1\r\n\r\n", Framing{}, 400},
		{"duplicate host", "GET / HTTP/1.1\r\nHost: a\r\nHost: b\r\n\r\n", Framing{}, 400},
		{"http/1.0 without host", "GET / HTTP/1.0\r\n\r\n", Framing{Mode: FramingNone}, 0},
		{"unsupported version", "GET / HTTP/2.0\r\nHost: h\r\n\r\n", Framing{}, 505},
		{"garbage version", "GET / HTTQ\r\nHost: h\r\n\r\n", Framing{}, 400},
		{"obs-fold", "GET / HTTP/1.1\r\nHost: h\r\nX: a\r\n  b\r\n\r\n", Framing{}, 400},
		{"space before colon", "GET / HTTP/1.1\r\nHost : h\r\n\r\n", Framing{}, 400},
		{"bare lf", "GET / HTTP/1.1\nHost: h\n\n", Framing{}, 400},
		{"bad method", "G(T / HTTP/1.1\r\nHost: h\r\n\r\n", Framing{}, 400},
		{"asterisk on get", "GET * HTTP/1.1\r\nHost: h\r\n\r\n", Framing{}, 400},
		{"control char in value", "GET / HTTP/1.1\r\nHost: h\r\nX: a\x01b\r\n\r\n", Framing{}, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, done, err := parseInSteps([]byte(tt.head), len(tt.head), ParserLimits{})
			if tt.status == 0 {
				if err != nil || !done {
					t.Fatalf("Expected success, got done=%v err=%v", done, err)
				}
				if req.Framing != tt.framing {
					t.Errorf("Expected framing %+v, got %+v", tt.framing, req.Framing)
				}
				return
			}
			var bre *BadRequestError
			if !errors.As(err, &bre) {
				t.Fatalf("Expected BadRequestError, got %v", err)
			}
			if bre.Status != tt.status {
				t.Errorf("Expected status %d, got %d (%s)", tt.status, bre.Status, bre.Reason)
			}
		})
	}
}

func TestParser_KeepAlive(t *testing.T) {
	tests := []struct {
		head string
		want bool
	}{
		{"GET / HTTP/1.1\r\nHost: h\r\n\r\n", true},
		{"GET / HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n", false},
		{"GET / HTTP/1.1\r\nHost: h\r\nConnection: foo, Close\r\n\r\n", false},
		{"GET / HTTP/1.0\r\n\r\n", false},
		{"GET / HTTP/1.0\r\nConnection: Keep-Alive\r\n\r\n", true},
	}
	for _, tt := range tests {
		req, _, err := parseInSteps([]byte(tt.head), 3, ParserLimits{})
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tt.head, err)
		}
		if req.KeepAlive != tt.want {
			t.Errorf("%q: expected keep-alive %v, got %v", tt.head, tt.want, req.KeepAlive)
		}
	}
}

func TestParser_Limits(t *testing.T) {
	limits := ParserLimits{MaxRequestLineSize: 32, MaxHeadersTotalSize: 64, MaxHeaderCount: 2}
	tests := []struct {
		name   string
		head   string
		status int
	}{
		{"request line", "GET /" + strings.Repeat("a", 40) + " HTTP/1.1\r\nHost: h\r\n\r\n", 414},
		{"request line incomplete", "GET /" + strings.Repeat("a", 40), 414},
		{"header bytes", "GET / HTTP/1.1\r\nHost: h\r\nX: " + strings.Repeat("b", 70) + "\r\n\r\n", 431},
		{"header bytes incomplete", "GET / HTTP/1.1\r\nX: " + strings.Repeat("b", 70), 431},
		{"header count", "GET / HTTP/1.1\r\nHost: h\r\nA: 1\r\nB: 2\r\n\r\n", 431},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, step := range []int{1, 5, len(tt.head)} {
				_, _, err := parseInSteps([]byte(tt.head), step, limits)
				var bre *BadRequestError
				if !errors.As(err, &bre) || bre.Status != tt.status {
					t.Fatalf("step %d: expected status %d, got %v", step, tt.status, err)
				}
			}
		})
	}
}

func TestParser_Reset(t *testing.T) {
	p := NewParser(ParserLimits{})
	var req Request
	first := []byte("GET /one HTTP/1.1\r\nHost: h\r\nX-Only-First: 1\r\n\r\n")
	if _, done, err := p.Parse(first, &req); err != nil || !done {
		t.Fatalf("Expected first parse to finish, got %v %v", done, err)
	}
	p.Reset()
	req.Reset()
	second := []byte("GET /two HTTP/1.1\r\nHost: h\r\n\r\n")
	if _, done, err := p.Parse(second, &req); err != nil || !done {
		t.Fatalf("Expected second parse to finish, got %v %v", done, err)
	}
	if req.Path != "/two" {
		t.Errorf("Expected /two, got %s", req.Path)
	}
	if _, ok := req.Headers.Lookup("X-Only-First"); ok {
		t.Errorf("Expected headers from the first request to be gone")
	}
}

func TestParseChunkSize(t *testing.T) {
	tests := []struct {
		line string
		want int64
		ok   bool
	}{
		{"0", 0, true},
		{"a", 10, true},
		{"1F", 31, true},
		{"10;name=value", 16, true},
		{"5 ;ext", 5, true},
		{"", 0, false},
		{"g", 0, false},
		{"-1", 0, false},
		{"1234567890abcdef", 0, false},
	}
	for _, tt := range tests {
		got, err := parseChunkSize([]byte(tt.line))
		if (err == nil) != tt.ok {
			t.Errorf("%q: expected ok=%v, got err=%v", tt.line, tt.ok, err)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("%q: expected %d, got %d", tt.line, tt.want, got)
		}
	}
}

func FuzzParser(f *testing.F) {
	f.Add([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"), 1)
	f.Add([]byte("POST /api HTTP/1.1\r\nHost: localhost\r\nContent-Type: application/json\r\nContent-Length: 0\r\n\r\n"), 3)
	f.Add([]byte("PUT /data HTTP/1.1\r\nHost: api.example.com\r\nTransfer-Encoding: chunked\r\n\r\n"), 7)
	f.Add([]byte("GET / HTTP/1.1\r\nHost:example.com\r\n\r\n"), 2)
	f.Add([]byte("OPTIONS * HTTP/1.0\r\n\r\n"), 4)
	f.Add([]byte("GET"), 1)
	f.Add([]byte(""), 1)

	f.Fuzz(func(t *testing.T, data []byte, step int) {
		if step <= 0 || step > len(data) {
			step = len(data) + 1
		}
		whole, wholeDone, wholeErr := parseInSteps(data, len(data)+1, ParserLimits{})
		part, partDone, partErr := parseInSteps(data, step, ParserLimits{})

		if (wholeErr == nil) != (partErr == nil) || wholeDone != partDone {
			t.Fatalf("Expected same outcome, got whole=(%v,%v) step=(%v,%v)", wholeDone, wholeErr, partDone, partErr)
		}
		if wholeDone && !reflect.DeepEqual(whole, part) {
			t.Fatalf("Expected %+v, got %+v", whole, part)
		}
		if wholeDone && whole.Method == "" {
			t.Errorf("Expected a method on a complete request")
		}
		if wholeErr != nil {
			var bre *BadRequestError
			if !errors.As(wholeErr, &bre) && !errors.Is(wholeErr, io.ErrUnexpectedEOF) {
				t.Errorf("Expected BadRequestError, got %T", wholeErr)
			}
		}
	})
}
