package velox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/albertbausili/velox/internal/features"
)

// Header is one request or response header field.
type Header = features.Header

// Headers is an ordered header list. Duplicates are kept.
type Headers = features.Headers

// ErrNotUpgradable is returned by Upgrade on requests that cannot switch
// protocols, including every HTTP/2 request.
var ErrNotUpgradable = errors.New("velox: request is not upgradable")

// Context is the per-request view handed to handlers. It is only valid
// until the handler returns.
type Context struct {
	ctx  context.Context
	refs features.References

	req  features.RequestFeature
	resp features.ResponseFeature
	body features.ResponseBodyFeature

	// w is where response bytes go; middleware may wrap it.
	w         io.Writer
	finishers []func() error
	query     url.Values
}

func (c *Context) reset(f *features.Collection) {
	c.refs.Initialize(f)
	c.req = features.Get[features.RequestFeature](f)
	c.resp = features.Get[features.ResponseFeature](f)
	c.body = features.Get[features.ResponseBodyFeature](f)
	c.w = c.body
	c.finishers = c.finishers[:0]
	c.query = nil
	c.ctx = nil
}

func (c *Context) release() {
	c.refs = features.References{}
	c.req, c.resp, c.body, c.w = nil, nil, nil, nil
	clear(c.finishers)
	c.finishers = c.finishers[:0]
	c.query = nil
	c.ctx = nil
}

// finish runs the finishers registered by wrapping writers, innermost last.
func (c *Context) finish() error {
	var err error
	for i := len(c.finishers) - 1; i >= 0; i-- {
		if ferr := c.finishers[i](); ferr != nil && err == nil {
			err = ferr
		}
	}
	c.finishers = c.finishers[:0]
	return err
}

// Context returns the request context. It is cancelled when the request is
// aborted or the connection goes away.
func (c *Context) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Protocol returns "HTTP/1.0", "HTTP/1.1" or "HTTP/2".
func (c *Context) Protocol() string { return c.req.Protocol() }

// Method returns the request method.
func (c *Context) Method() string { return c.req.Method() }

// Path returns the decoded request path.
func (c *Context) Path() string { return c.req.Path() }

// RawQuery returns the query string without the leading '?'.
func (c *Context) RawQuery() string { return c.req.RawQuery() }

// Scheme returns "http" or "https".
func (c *Context) Scheme() string { return c.req.Scheme() }

// Authority returns the Host header or :authority pseudo-header.
func (c *Context) Authority() string { return c.req.Authority() }

// Header returns the request headers.
func (c *Context) Header() Headers { return c.req.Headers() }

// Trailers returns the request trailers once the body is fully read.
func (c *Context) Trailers() Headers { return c.req.Trailers() }

// Body returns the request body stream.
func (c *Context) Body() io.Reader { return c.req.Body() }

// BodyBytes reads the whole request body.
func (c *Context) BodyBytes() ([]byte, error) {
	return io.ReadAll(c.req.Body())
}

// BindJSON decodes the request body into v.
func (c *Context) BindJSON(v any) error {
	if err := json.NewDecoder(c.req.Body()).Decode(v); err != nil {
		return fmt.Errorf("decode json body: %w", err)
	}
	return nil
}

// RequestID returns the request's trace identifier.
func (c *Context) RequestID() string {
	return c.refs.RequestIdentifier().TraceIdentifier()
}

// SetRequestID replaces the request's trace identifier.
func (c *Context) SetRequestID(id string) {
	c.refs.RequestIdentifier().SetTraceIdentifier(id)
}

// ConnectionID returns the id of the connection carrying the request.
func (c *Context) ConnectionID() string {
	if f := features.Get[features.ConnectionFeature](c.refs.Collection()); f != nil {
		return f.ConnectionID()
	}
	return ""
}

// RemoteAddr returns the peer address.
func (c *Context) RemoteAddr() net.Addr {
	if f := features.Get[features.ConnectionFeature](c.refs.Collection()); f != nil {
		return f.RemoteAddr()
	}
	return nil
}

// TLS returns the TLS session state, or nil on a cleartext connection.
func (c *Context) TLS() *tls.ConnectionState {
	if f := features.Get[features.TLSFeature](c.refs.Collection()); f != nil {
		state := f.ConnectionState()
		return &state
	}
	return nil
}

// Abort resets the request. On HTTP/1.x this closes the connection.
func (c *Context) Abort() {
	if l := c.refs.Lifetime(); l != nil {
		l.Abort()
	}
}

// Set stores a value for the rest of the request.
func (c *Context) Set(key string, value any) {
	c.refs.Items().Items()[key] = value
}

// Get returns a value stored with Set.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.refs.Items().Items()[key]
	return v, ok
}

// MustGet returns a value stored with Set and panics if it is missing.
func (c *Context) MustGet(key string) any {
	v, ok := c.Get(key)
	if !ok {
		panic("velox: key " + strconv.Quote(key) + " does not exist")
	}
	return v
}

// SetMinRequestBodyDataRate overrides the request body rate for this
// request; nil disables it. It reports false where the protocol has no
// per-request body rate (HTTP/2) or the body has already been read.
func (c *Context) SetMinRequestBodyDataRate(rate *MinDataRate) bool {
	f := features.Get[features.MinRequestBodyDataRateFeature](c.refs.Collection())
	if f == nil {
		return false
	}
	f.SetMinDataRate(toFeatureRate(rate))
	return true
}

// SetMinResponseDataRate overrides the response rate for this request.
func (c *Context) SetMinResponseDataRate(rate *MinDataRate) bool {
	f := features.Get[features.MinResponseDataRateFeature](c.refs.Collection())
	if f == nil {
		return false
	}
	f.SetMinDataRate(toFeatureRate(rate))
	return true
}

// IsUpgradable reports whether Upgrade may be called.
func (c *Context) IsUpgradable() bool {
	f := features.Get[features.UpgradeFeature](c.refs.Collection())
	return f != nil && f.IsUpgradable()
}

// Upgrade sends 101 Switching Protocols with the headers set so far and
// returns the raw connection.
func (c *Context) Upgrade() (io.ReadWriteCloser, error) {
	f := features.Get[features.UpgradeFeature](c.refs.Collection())
	if f == nil || !f.IsUpgradable() {
		return nil, ErrNotUpgradable
	}
	return f.Upgrade()
}

// SetStatus sets the response status code.
func (c *Context) SetStatus(code int) { c.resp.SetStatus(code) }

// Status returns the response status code.
func (c *Context) Status() int { return c.resp.Status() }

// ResponseHeader returns the mutable response headers.
func (c *Context) ResponseHeader() *Headers { return c.resp.Header() }

// SetHeader sets a response header, replacing existing values.
func (c *Context) SetHeader(key, value string) { c.resp.Header().Set(key, value) }

// AddHeader appends a response header.
func (c *Context) AddHeader(key, value string) { c.resp.Header().Add(key, value) }

// HasStarted reports whether the response headers have been sent.
func (c *Context) HasStarted() bool { return c.resp.HasStarted() }

// Write writes response body bytes.
func (c *Context) Write(data []byte) (int, error) { return c.w.Write(data) }

// WriteString writes a string to the response body.
func (c *Context) WriteString(s string) (int, error) { return io.WriteString(c.w, s) }

// Writer returns the response body writer for streaming use cases.
func (c *Context) Writer() io.Writer { return c.w }

// Flush sends the headers and any buffered body bytes.
func (c *Context) Flush() error {
	if f, ok := c.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return c.body.Flush()
}

// WrapWriter replaces the response writer with wrap(current). finish runs
// when the handler returns successfully, before the response completes.
func (c *Context) WrapWriter(wrap func(io.Writer) io.Writer, finish func() error) {
	c.w = wrap(c.w)
	if finish != nil {
		c.finishers = append(c.finishers, finish)
	}
}

func (c *Context) send(status int, contentType string, data []byte) error {
	if contentType != "" {
		c.SetHeader("Content-Type", contentType)
	}
	c.SetStatus(status)
	_, err := c.Write(data)
	return err
}

// JSON sends a JSON response with the given status code.
func (c *Context) JSON(status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode json response: %w", err)
	}
	return c.send(status, "application/json", data)
}

// String sends a formatted text response.
func (c *Context) String(status int, format string, values ...any) error {
	return c.send(status, "text/plain; charset=utf-8", []byte(fmt.Sprintf(format, values...)))
}

// HTML sends an HTML response.
func (c *Context) HTML(status int, html string) error {
	return c.send(status, "text/html; charset=utf-8", []byte(html))
}

// Data sends raw bytes with the given content type.
func (c *Context) Data(status int, contentType string, data []byte) error {
	return c.send(status, contentType, data)
}

// Plain sends a plain text response.
func (c *Context) Plain(status int, s string) error {
	return c.send(status, "text/plain; charset=utf-8", []byte(s))
}

// NoContent sends a response without a body.
func (c *Context) NoContent(status int) error {
	c.SetStatus(status)
	return nil
}

// Redirect sends a redirect to url.
func (c *Context) Redirect(status int, url string) error {
	c.SetHeader("Location", url)
	c.SetStatus(status)
	return nil
}

// Stream calls fn with the response writer, flushing after it returns.
func (c *Context) Stream(fn func(w io.Writer) error) error {
	if err := fn(c.w); err != nil {
		return err
	}
	return c.Flush()
}

// SSEEvent represents a Server-Sent Event.
type SSEEvent struct {
	ID    string
	Event string
	Data  string
	Retry int
}

// SSE writes one Server-Sent Event and flushes it.
func (c *Context) SSE(event SSEEvent) error {
	if !c.resp.HasStarted() && c.resp.Header().Get("Content-Type") == "" {
		c.SetHeader("Content-Type", "text/event-stream")
		c.SetHeader("Cache-Control", "no-cache")
	}
	var b strings.Builder
	if event.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", event.ID)
	}
	if event.Event != "" {
		fmt.Fprintf(&b, "event: %s\n", event.Event)
	}
	if event.Retry > 0 {
		fmt.Fprintf(&b, "retry: %d\n", event.Retry)
	}
	for _, line := range strings.Split(event.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteByte('\n')
	if _, err := io.WriteString(c.w, b.String()); err != nil {
		return err
	}
	return c.Flush()
}

func (c *Context) queryValues() url.Values {
	if c.query == nil {
		c.query, _ = url.ParseQuery(c.req.RawQuery())
	}
	return c.query
}

// Query returns the first value of the query parameter key.
func (c *Context) Query(key string) string {
	return c.queryValues().Get(key)
}

// QueryDefault returns the query parameter or defaultValue when absent.
func (c *Context) QueryDefault(key, defaultValue string) string {
	if v := c.queryValues(); v.Has(key) {
		return v.Get(key)
	}
	return defaultValue
}

// QueryInt parses the query parameter as an integer.
func (c *Context) QueryInt(key string) (int, error) {
	return strconv.Atoi(c.Query(key))
}

// QueryBool reports whether the query parameter is "true", "1" or "yes".
func (c *Context) QueryBool(key string) bool {
	switch strings.ToLower(c.Query(key)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// Cookie returns the value of the named request cookie.
func (c *Context) Cookie(name string) string {
	for _, line := range c.req.Headers().Values("Cookie") {
		cookies, err := http.ParseCookie(line)
		if err != nil {
			continue
		}
		for _, ck := range cookies {
			if ck.Name == name {
				return ck.Value
			}
		}
	}
	return ""
}

// SetCookie adds a Set-Cookie header to the response.
func (c *Context) SetCookie(cookie *http.Cookie) {
	if v := cookie.String(); v != "" {
		c.AddHeader("Set-Cookie", v)
	}
}
