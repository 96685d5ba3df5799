package velox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/albertbausili/velox/internal/features"
)

type fakeRequest struct {
	method, path, query string
	headers             features.Headers
	body                io.Reader
}

func (r *fakeRequest) Protocol() string           { return "HTTP/1.1" }
func (r *fakeRequest) Scheme() string             { return "http" }
func (r *fakeRequest) Method() string             { return r.method }
func (r *fakeRequest) Path() string               { return r.path }
func (r *fakeRequest) RawQuery() string           { return r.query }
func (r *fakeRequest) RawTarget() string          { return r.path + "?" + r.query }
func (r *fakeRequest) Authority() string          { return "test" }
func (r *fakeRequest) Headers() features.Headers  { return r.headers }
func (r *fakeRequest) Body() io.Reader            { return r.body }
func (r *fakeRequest) Trailers() features.Headers { return nil }

type fakeResponse struct {
	status   int
	header   features.Headers
	started  bool
	flushes  int
	body     bytes.Buffer
	complete bool
}

func (r *fakeResponse) Status() int {
	if r.status == 0 {
		return 200
	}
	return r.status
}
func (r *fakeResponse) SetStatus(code int)         { r.status = code }
func (r *fakeResponse) Header() *features.Headers  { return &r.header }
func (r *fakeResponse) HasStarted() bool           { return r.started }
func (r *fakeResponse) OnStarting(func())          {}
func (r *fakeResponse) Complete() error            { r.complete = true; return nil }
func (r *fakeResponse) Flush() error               { r.started = true; r.flushes++; return nil }
func (r *fakeResponse) Write(p []byte) (int, error) { r.started = true; return r.body.Write(p) }

type fakeConnection struct{}

func (fakeConnection) ConnectionID() string { return "0HTEST" }
func (fakeConnection) LocalAddr() net.Addr  { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080} }
func (fakeConnection) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 4321} }

type fakeLifetime struct {
	ctx     context.Context
	aborted bool
}

func (l *fakeLifetime) Context() context.Context { return l.ctx }
func (l *fakeLifetime) Abort()                   { l.aborted = true }

// newTestContext binds a Context to fake engine features, the way the
// engine does before calling the application.
func newTestContext(t *testing.T, method, target string, headers ...string) (*Context, *fakeResponse) {
	t.Helper()
	conn := features.NewCollection(nil)
	features.Set[features.ConnectionFeature](conn, fakeConnection{})

	path, query, _ := strings.Cut(target, "?")
	req := &fakeRequest{method: method, path: path, query: query, body: strings.NewReader("")}
	for i := 0; i+1 < len(headers); i += 2 {
		req.headers = append(req.headers, features.Header{Name: headers[i], Value: headers[i+1]})
	}
	resp := &fakeResponse{}
	f := features.NewCollection(conn)
	features.Set[features.RequestFeature](f, req)
	features.Set[features.ResponseFeature](f, resp)
	features.Set[features.ResponseBodyFeature](f, resp)
	features.Set[features.LifetimeFeature](f, &fakeLifetime{ctx: context.Background()})
	features.Set[features.RequestIdentifierFeature](f, &features.TraceID{ID: "0HTEST:00000001"})

	app := NewHandlerApp(HandlerFunc(func(*Context) error { return nil }))
	c := app.CreateContext(f).(*Context)
	c.ctx = context.Background()
	t.Cleanup(func() { app.DisposeContext(c, nil) })
	return c, resp
}

func TestContext_RequestAccessors(t *testing.T) {
	c, _ := newTestContext(t, "GET", "/items?id=42&debug=yes&name=a%20b",
		"Accept", "text/plain", "Cookie", "session=abc; theme=dark")

	if c.Method() != "GET" || c.Path() != "/items" {
		t.Errorf("Expected GET /items, got %s %s", c.Method(), c.Path())
	}
	if got := c.Query("name"); got != "a b" {
		t.Errorf("Expected query name 'a b', got %q", got)
	}
	if n, err := c.QueryInt("id"); err != nil || n != 42 {
		t.Errorf("Expected id 42, got %d (%v)", n, err)
	}
	if !c.QueryBool("debug") {
		t.Errorf("Expected debug to be true")
	}
	if got := c.QueryDefault("missing", "fallback"); got != "fallback" {
		t.Errorf("Expected fallback, got %q", got)
	}
	if got := c.Header().Get("accept"); got != "text/plain" {
		t.Errorf("Expected case-insensitive header lookup, got %q", got)
	}
	if got := c.Cookie("theme"); got != "dark" {
		t.Errorf("Expected cookie theme=dark, got %q", got)
	}
	if c.Cookie("missing") != "" {
		t.Errorf("Expected empty value for a missing cookie")
	}
	if c.RequestID() != "0HTEST:00000001" {
		t.Errorf("Expected the engine request id, got %q", c.RequestID())
	}
	if c.ConnectionID() != "0HTEST" {
		t.Errorf("Expected connection id from the connection features, got %q", c.ConnectionID())
	}
	if c.RemoteAddr().String() != "10.0.0.7:4321" {
		t.Errorf("Expected remote address, got %v", c.RemoteAddr())
	}
	if c.TLS() != nil {
		t.Errorf("Expected no TLS state on a cleartext request")
	}
	if c.IsUpgradable() {
		t.Errorf("Expected request without the upgrade feature not to be upgradable")
	}
	if _, err := c.Upgrade(); !errors.Is(err, ErrNotUpgradable) {
		t.Errorf("Expected ErrNotUpgradable, got %v", err)
	}
}

func TestContext_Items(t *testing.T) {
	c, _ := newTestContext(t, "GET", "/")
	c.Set("user", "alice")
	if v, ok := c.Get("user"); !ok || v != "alice" {
		t.Errorf("Expected alice, got %v", v)
	}
	if _, ok := c.Get("missing"); ok {
		t.Errorf("Expected missing key to be absent")
	}
	defer func() {
		if recover() == nil {
			t.Errorf("Expected MustGet to panic on a missing key")
		}
	}()
	c.MustGet("missing")
}

func TestContext_Responses(t *testing.T) {
	tests := []struct {
		name        string
		write       func(c *Context) error
		status      int
		contentType string
		body        string
	}{
		{"JSON", func(c *Context) error { return c.JSON(201, map[string]int{"n": 1}) }, 201, "application/json", `{"n":1}`},
		{"String", func(c *Context) error { return c.String(200, "hello %s", "world") }, 200, "text/plain; charset=utf-8", "hello world"},
		{"HTML", func(c *Context) error { return c.HTML(200, "<p>hi</p>") }, 200, "text/html; charset=utf-8", "<p>hi</p>"},
		{"Data", func(c *Context) error { return c.Data(200, "application/octet-stream", []byte{1, 2}) }, 200, "application/octet-stream", "\x01\x02"},
		{"NoContent", func(c *Context) error { return c.NoContent(204) }, 204, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, resp := newTestContext(t, "GET", "/")
			if err := tt.write(c); err != nil {
				t.Fatalf("write error = %v", err)
			}
			if resp.Status() != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.Status())
			}
			if got := resp.header.Get("Content-Type"); got != tt.contentType {
				t.Errorf("Expected content type %q, got %q", tt.contentType, got)
			}
			if resp.body.String() != tt.body {
				t.Errorf("Expected body %q, got %q", tt.body, resp.body.String())
			}
		})
	}
}

func TestContext_Redirect(t *testing.T) {
	c, resp := newTestContext(t, "GET", "/old")
	_ = c.Redirect(301, "/new")
	if resp.Status() != 301 || resp.header.Get("Location") != "/new" {
		t.Errorf("Expected 301 to /new, got %d %q", resp.Status(), resp.header.Get("Location"))
	}
}

func TestContext_SetCookie(t *testing.T) {
	c, resp := newTestContext(t, "GET", "/")
	c.SetCookie(&http.Cookie{Name: "a", Value: "1"})
	c.SetCookie(&http.Cookie{Name: "b", Value: "2"})
	if got := resp.header.Values("Set-Cookie"); len(got) != 2 || got[0] != "a=1" || got[1] != "b=2" {
		t.Errorf("Expected two Set-Cookie headers, got %v", got)
	}
}

func TestContext_SSE(t *testing.T) {
	c, resp := newTestContext(t, "GET", "/events")
	if err := c.SSE(SSEEvent{ID: "1", Event: "tick", Data: "a\nb"}); err != nil {
		t.Fatalf("SSE() error = %v", err)
	}
	want := "id: 1\nevent: tick\ndata: a\ndata: b\n\n"
	if resp.body.String() != want {
		t.Errorf("Expected %q, got %q", want, resp.body.String())
	}
	if resp.header.Get("Content-Type") != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %q", resp.header.Get("Content-Type"))
	}
	if resp.flushes != 1 {
		t.Errorf("Expected each event to be flushed, got %d flushes", resp.flushes)
	}
}

func TestContext_BindJSON(t *testing.T) {
	c, _ := newTestContext(t, "POST", "/")
	c.req.(*fakeRequest).body = strings.NewReader(`{"name":"velox"}`)
	var v struct{ Name string }
	if err := c.BindJSON(&v); err != nil {
		t.Fatalf("BindJSON() error = %v", err)
	}
	if v.Name != "velox" {
		t.Errorf("Expected velox, got %q", v.Name)
	}
	c.req.(*fakeRequest).body = strings.NewReader(`{`)
	if err := c.BindJSON(&v); err == nil {
		t.Errorf("Expected an error for truncated JSON")
	}
}

func TestContext_AbortUsesLifetime(t *testing.T) {
	c, _ := newTestContext(t, "GET", "/")
	c.Abort()
	l := features.Get[features.LifetimeFeature](c.refs.Collection()).(*fakeLifetime)
	if !l.aborted {
		t.Errorf("Expected Abort to reach the lifetime feature")
	}
}

func TestContext_MinDataRateOverride(t *testing.T) {
	c, _ := newTestContext(t, "POST", "/")
	if c.SetMinRequestBodyDataRate(nil) {
		t.Errorf("Expected false without the rate feature")
	}
	override := &features.RateOverride{}
	features.Set[features.MinRequestBodyDataRateFeature](c.refs.Collection(), override)
	if !c.SetMinRequestBodyDataRate(&MinDataRate{BytesPerSecond: 100}) {
		t.Fatalf("Expected the override to be accepted")
	}
	if override.Rate == nil || override.Rate.BytesPerSecond != 100 {
		t.Errorf("Expected rate 100, got %+v", override.Rate)
	}
}

func FuzzContext_Query(f *testing.F) {
	f.Add("q=test&page=1&enabled=true", "session=abc; theme=dark")
	f.Add("q=hello%20world", "")
	f.Add("page=-5&page=7", "bad cookie;;;")
	f.Add("%zz=%", "=")

	f.Fuzz(func(t *testing.T, query, cookie string) {
		c, _ := newTestContext(t, "GET", "/search?"+query, "Cookie", cookie)
		_ = c.Query("q")
		_, _ = c.QueryInt("page")
		_ = c.QueryBool("enabled")
		if got := c.QueryDefault("missing-key-never-sent", "10"); got != "10" && !strings.Contains(query, "missing-key-never-sent") {
			t.Errorf("Expected the default, got %q", got)
		}
		_ = c.Cookie("session")
	})
}
