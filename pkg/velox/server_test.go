package velox

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/net/http2"
)

func testConfig() Config {
	config := DefaultConfig()
	config.Listeners = []ListenOptions{{Addr: "127.0.0.1:0"}}
	return config
}

func startServer(t *testing.T, config Config, h Handler, mw ...Middleware) (*Server, string) {
	t.Helper()
	s, err := New(config)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.Handler(h).Use(mw...)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, s.Addrs()[0].String()
}

func h2cClient() (*http.Client, func()) {
	tr := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
	return &http.Client{Transport: tr, Timeout: 2 * time.Second}, tr.CloseIdleConnections
}

func echoHandler() Handler {
	return HandlerFunc(func(c *Context) error {
		body, err := c.BodyBytes()
		if err != nil {
			return err
		}
		return c.String(200, "%s %s %s q=%s body=%s", c.Protocol(), c.Method(), c.Path(), c.Query("q"), body)
	})
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Errorf("Expected an error for a config without listeners")
	}
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	config := testConfig()
	config.MetricsRegisterer = reg
	if _, err := New(config); err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := New(config); err == nil {
		t.Errorf("Expected registering the engine metrics twice to fail")
	}
}

func TestServer_StartWithoutHandler(t *testing.T) {
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Errorf("Expected an error without a handler")
	}
}

func TestServer_StopBeforeStart(t *testing.T) {
	s, err := NewWithDefaults()
	if err != nil {
		t.Fatalf("NewWithDefaults() error = %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestServer_ServesBothProtocols(t *testing.T) {
	_, addr := startServer(t, testConfig(), echoHandler())

	t.Run("HTTP/1.1", func(t *testing.T) {
		resp, err := http.Post("http://"+addr+"/echo?q=1", "text/plain", strings.NewReader("ping"))
		if err != nil {
			t.Fatalf("Post() error = %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if want := "HTTP/1.1 POST /echo q=1 body=ping"; string(body) != want {
			t.Errorf("Expected %q, got %q", want, body)
		}
		if resp.Header.Get("Server") != "velox" || resp.Header.Get("Date") == "" {
			t.Errorf("Expected Server and Date headers, got %v", resp.Header)
		}
	})

	t.Run("HTTP/2", func(t *testing.T) {
		client, done := h2cClient()
		defer done()
		resp, err := client.Post("http://"+addr+"/echo?q=2", "text/plain", strings.NewReader("pong"))
		if err != nil {
			t.Fatalf("Post() error = %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if want := "HTTP/2 POST /echo q=2 body=pong"; string(body) != want {
			t.Errorf("Expected %q, got %q", want, body)
		}
	})
}

func TestServer_HTTP1OnlyListener(t *testing.T) {
	config := testConfig()
	config.Listeners[0].Protocols = HTTP1
	_, addr := startServer(t, config, echoHandler())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	// Without HTTP/2 enabled the preface is parsed as an HTTP/2.0 request line.
	_, _ = io.WriteString(conn, http2.ClientPreface)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 505 {
		t.Errorf("Expected 505, got %d", resp.StatusCode)
	}
}

func TestServer_Middleware(t *testing.T) {
	_, addr := startServer(t, testConfig(),
		HandlerFunc(func(c *Context) error {
			if c.Path() == "/panic" {
				panic("boom")
			}
			return c.Plain(200, strings.Repeat("compressible ", 200))
		}),
		Recovery(), RequestID(), Compress())

	req, _ := http.NewRequest("GET", "http://"+addr+"/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := (&http.Transport{}).RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Errorf("Expected a gzip response, got %v", resp.Header)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Errorf("Expected an X-Request-ID header")
	}

	resp, err = http.Get("http://" + addr + "/panic")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 500 {
		t.Errorf("Expected 500 from a panicking handler, got %d", resp.StatusCode)
	}
}

func TestServer_MetricsAndTracing(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder := tracetest.NewSpanRecorder()
	config := testConfig()
	config.MetricsRegisterer = reg
	config.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	metrics := MetricsHandler(reg)
	_, addr := startServer(t, config, HandlerFunc(func(c *Context) error {
		if c.Path() == "/metrics" {
			return metrics.ServeHTTP(c)
		}
		return c.Plain(200, "ok")
	}))

	resp, err := http.Get("http://" + addr + "/hello")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(recorder.Ended()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	spans := recorder.Ended()
	if len(spans) == 0 {
		t.Fatalf("Expected a server span")
	}
	if spans[0].Name() != "GET /hello" {
		t.Errorf("Expected span 'GET /hello', got %q", spans[0].Name())
	}

	for time.Now().Before(deadline) {
		if n, _ := testutil.GatherAndCount(reg, "velox_http_requests_total"); n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n, err := testutil.GatherAndCount(reg, "velox_connections_total"); err != nil || n != 1 {
		t.Errorf("Expected the connection counter to be registered, got %d (%v)", n, err)
	}

	resp, err = http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{"velox_http_requests_total", "velox_mempool_segments_live"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Expected %s in the metrics output", want)
		}
	}
}

func TestServer_ListenAndServeReturnsAfterStop(t *testing.T) {
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(echoHandler()) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(s.Addrs()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	select {
	case err := <-done:
		if err != ErrServerClosed {
			t.Errorf("Expected ErrServerClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServe did not return")
	}
}

func TestServer_MaxConcurrentConnectionsConfig(t *testing.T) {
	config := testConfig()
	config.Limits.MaxConcurrentConnections = 1
	s, addr := startServer(t, config, echoHandler())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	resp.Body.Close()
	if s.Connections() != 1 {
		t.Errorf("Expected one open connection, got %d", s.Connections())
	}
}
