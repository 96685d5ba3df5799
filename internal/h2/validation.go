package h2

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/albertbausili/velox/internal/features"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2/hpack"
)

// requestHead is a validated request header block.
type requestHead struct {
	method    string
	scheme    string
	authority string
	path      string
	rawQuery  string
	rawTarget string
	headers   features.Headers
	// contentLength is -1 when absent.
	contentLength int64
}

// validateRequestHeaders checks a decoded request block against the rules
// for HTTP/2 messages. Any error makes the request malformed, which is a
// stream error of type PROTOCOL_ERROR.
func validateRequestHeaders(fields []hpack.HeaderField) (*requestHead, error) {
	head := &requestHead{contentLength: -1}
	var (
		seenRegular bool
		seenPseudo  [4]bool
		hasPath     bool
		cookies     []string
	)

	for _, f := range fields {
		name, value := f.Name, f.Value

		if strings.HasPrefix(name, ":") {
			if seenRegular {
				return nil, fmt.Errorf("pseudo-header %s appears after regular header", name)
			}
			var idx int
			switch name {
			case ":method":
				idx = 0
				head.method = value
			case ":scheme":
				idx = 1
				head.scheme = value
			case ":path":
				idx = 2
				hasPath = true
				head.rawTarget = value
			case ":authority":
				idx = 3
				head.authority = value
			default:
				return nil, fmt.Errorf("unknown pseudo-header: %s", name)
			}
			if seenPseudo[idx] {
				return nil, fmt.Errorf("duplicate pseudo-header: %s", name)
			}
			seenPseudo[idx] = true
			continue
		}

		seenRegular = true
		if err := validateField(name, value); err != nil {
			return nil, err
		}
		switch name {
		case "cookie":
			cookies = append(cookies, value)
			continue
		case "content-length":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 || value[0] == '+' {
				return nil, fmt.Errorf("invalid content-length value: %q", value)
			}
			if head.contentLength >= 0 && head.contentLength != n {
				return nil, fmt.Errorf("conflicting content-length values")
			}
			head.contentLength = n
		}
		head.headers.Add(name, value)
	}
	if len(cookies) > 0 {
		head.headers.Add("cookie", strings.Join(cookies, "; "))
	}

	if head.method == "" {
		return nil, fmt.Errorf("missing required :method pseudo-header")
	}
	if !httpguts.ValidHeaderFieldName(head.method) {
		return nil, fmt.Errorf("invalid :method %q", head.method)
	}

	if head.method == "CONNECT" {
		if seenPseudo[1] || hasPath {
			return nil, fmt.Errorf("CONNECT must not carry :scheme or :path")
		}
		if head.authority == "" {
			return nil, fmt.Errorf("CONNECT requires :authority")
		}
		head.rawTarget = head.authority
		return head, nil
	}

	if !seenPseudo[1] || head.scheme == "" {
		return nil, fmt.Errorf("missing required :scheme pseudo-header")
	}
	if !hasPath || head.rawTarget == "" {
		return nil, fmt.Errorf("missing required :path pseudo-header")
	}
	switch {
	case head.rawTarget == "*":
		if head.method != "OPTIONS" {
			return nil, fmt.Errorf("asterisk :path is only valid for OPTIONS")
		}
		head.path = "*"
	case head.rawTarget[0] == '/':
		head.path, head.rawQuery, _ = strings.Cut(head.rawTarget, "?")
	default:
		return nil, fmt.Errorf("invalid :path %q", head.rawTarget)
	}

	if head.authority == "" {
		head.authority = head.headers.Get("host")
	}
	if head.authority != "" && !httpguts.ValidHostHeader(head.authority) {
		return nil, fmt.Errorf("invalid authority %q", head.authority)
	}
	return head, nil
}

// validateTrailerHeaders checks a trailing header block. Trailers must not
// contain pseudo-headers and follow the same field restrictions as headers.
func validateTrailerHeaders(fields []hpack.HeaderField) (features.Headers, error) {
	var out features.Headers
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			return nil, fmt.Errorf("pseudo-header not allowed in trailers: %s", f.Name)
		}
		if err := validateField(f.Name, f.Value); err != nil {
			return nil, err
		}
		out.Add(f.Name, f.Value)
	}
	return out, nil
}

func validateField(name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("invalid header field name %q", name)
	}
	if name != strings.ToLower(name) {
		return fmt.Errorf("header field name must be lowercase: %s", name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("invalid value for header %s", name)
	}
	if isConnectionSpecific(name) {
		return fmt.Errorf("connection-specific header not allowed: %s", name)
	}
	if name == "te" && value != "trailers" {
		return fmt.Errorf("TE header must be 'trailers', got: %s", value)
	}
	return nil
}

func isConnectionSpecific(name string) bool {
	switch name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return true
	}
	return false
}
