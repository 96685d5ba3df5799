package h1

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/albertbausili/velox/internal/connection"
	"github.com/albertbausili/velox/internal/date"
	"github.com/albertbausili/velox/internal/features"
	"github.com/albertbausili/velox/internal/heartbeat"
	"github.com/albertbausili/velox/internal/hosting"
	"github.com/albertbausili/velox/internal/mempool"
	"github.com/albertbausili/velox/internal/observe"
	"github.com/albertbausili/velox/internal/transport"
)

type appFunc func(ctx context.Context, f *features.Collection) error

func (fn appFunc) CreateContext(f *features.Collection) any { return f }
func (fn appFunc) ProcessRequest(ctx context.Context, state any) error {
	return fn(ctx, state.(*features.Collection))
}
func (fn appFunc) DisposeContext(any, error) {}

type harness struct {
	client net.Conn
	br     *bufio.Reader
	cc     *connection.Context
	done   chan error
}

// disposingApp records the error each request is disposed with.
type disposingApp struct {
	appFunc
	disposed chan error
}

func (a disposingApp) DisposeContext(_ any, err error) { a.disposed <- err }

func startConn(t *testing.T, app appFunc, limits Limits) *harness {
	t.Helper()
	return startApp(t, app, limits)
}

func startApp(t *testing.T, app hosting.Application, limits Limits) *harness {
	t.Helper()
	pool := mempool.New(0)
	srv, client := transport.Pipe(pool, transport.Options{})
	cc := connection.New("0HTEST", srv, pool, observe.Nop())
	conn := NewConnection(cc, app, date.NewCache(), limits)
	h := &harness{client: client, br: bufio.NewReader(client), cc: cc, done: make(chan error, 1)}
	go func() {
		err := conn.Serve(context.Background())
		_ = srv.Close()
		h.done <- err
	}()
	t.Cleanup(func() { _ = client.Close() })
	return h
}

func (h *harness) send(t *testing.T, s string) {
	t.Helper()
	if _, err := io.WriteString(h.client, s); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
}

func (h *harness) read(t *testing.T, method string) (*http.Response, string) {
	t.Helper()
	resp, err := http.ReadResponse(h.br, &http.Request{Method: method})
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body failed: %v", err)
	}
	return resp, string(b)
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func respond(f *features.Collection, status int, body string) error {
	rf := features.Get[features.ResponseFeature](f)
	rf.SetStatus(status)
	rf.Header().Set("Content-Type", "text/plain")
	_, err := features.Get[features.ResponseBodyFeature](f).Write([]byte(body))
	return err
}

func TestConnection_PipelinedKeepAlive(t *testing.T) {
	var ids []string
	h := startConn(t, func(_ context.Context, f *features.Collection) error {
		ids = append(ids, features.Get[features.RequestIdentifierFeature](f).TraceIdentifier())
		return respond(f, 200, features.Get[features.RequestFeature](f).Path())
	}, DefaultLimits())

	h.send(t, "GET /a HTTP/1.1\r\nHost: h\r\n\r\nGET /b HTTP/1.1\r\nHost: h\r\n\r\n")
	for _, want := range []string{"/a", "/b"} {
		resp, body := h.read(t, "GET")
		if resp.StatusCode != 200 || body != want {
			t.Errorf("Expected 200 %s, got %d %s", want, resp.StatusCode, body)
		}
		if len(resp.TransferEncoding) != 1 || resp.TransferEncoding[0] != "chunked" {
			t.Errorf("Expected chunked response, got %v", resp.TransferEncoding)
		}
		if resp.Close {
			t.Errorf("Expected keep-alive response")
		}
		if resp.Header.Get("Date") == "" || resp.Header.Get("Server") != "velox" {
			t.Errorf("Expected Date and Server headers, got %v", resp.Header)
		}
	}
	_ = h.client.Close()
	if err := h.wait(t); err != nil {
		t.Errorf("Expected clean close, got %v", err)
	}
	if len(ids) != 2 || ids[0] != "0HTEST:00000001" || ids[1] != "0HTEST:00000002" {
		t.Errorf("Expected sequential request ids, got %v", ids)
	}
}

func TestConnection_ChunkedRequestWithTrailers(t *testing.T) {
	var trailer string
	h := startConn(t, func(_ context.Context, f *features.Collection) error {
		rf := features.Get[features.RequestFeature](f)
		b, err := io.ReadAll(rf.Body())
		if err != nil {
			return err
		}
		trailer = rf.Trailers().Get("X-Checksum")
		resp := features.Get[features.ResponseFeature](f)
		resp.Header().Set("Content-Length", strconv.Itoa(len(b)))
		_, err = features.Get[features.ResponseBodyFeature](f).Write(b)
		return err
	}, DefaultLimits())

	h.send(t, "POST /echo HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"5\r\nhello\r\n6;ext=1\r\n world\r\n0\r\nX-Checksum: abc\r\nContent-Length: 99\r\n\r\n")
	resp, body := h.read(t, "POST")
	if body != "hello world" {
		t.Errorf("Expected hello world, got %q", body)
	}
	if resp.ContentLength != 11 {
		t.Errorf("Expected Content-Length 11, got %d", resp.ContentLength)
	}
	if trailer != "abc" {
		t.Errorf("Expected trailer abc, got %q", trailer)
	}
}

func TestConnection_MalformedChunk(t *testing.T) {
	h := startConn(t, func(_ context.Context, f *features.Collection) error {
		_, err := io.ReadAll(features.Get[features.RequestFeature](f).Body())
		return err
	}, DefaultLimits())

	h.send(t, "POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n")
	resp, _ := h.read(t, "POST")
	if resp.StatusCode != 400 || !resp.Close {
		t.Errorf("Expected 400 with close, got %d close=%v", resp.StatusCode, resp.Close)
	}
}

func TestConnection_RejectsBadRequests(t *testing.T) {
	small := DefaultLimits()
	small.MaxRequestLineSize = 32
	small.MaxRequestBodySize = 4

	tests := []struct {
		name   string
		input  string
		status int
	}{
		{"missing host", "GET / HTTP/1.1\r\n\r\n", 400},
		{"ambiguous framing", "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 1\r\nTransfer-Encoding: chunked\r\n\r\n", 400},
		{"version", "GET / HTTP/3.0\r\nHost: h\r\n\r\n", 505},
		{"uri too long", "GET /" + strings.Repeat("x", 64) + " HTTP/1.1\r\nHost: h\r\n\r\n", 414},
		{"body too large", "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 10\r\n\r\n", 413},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := startConn(t, func(context.Context, *features.Collection) error {
				called = true
				return nil
			}, small)
			h.send(t, tt.input)
			resp, _ := h.read(t, "GET")
			if resp.StatusCode != tt.status {
				t.Errorf("Expected %d, got %d", tt.status, resp.StatusCode)
			}
			if !resp.Close {
				t.Errorf("Expected Connection: close")
			}
			var bre *BadRequestError
			if err := h.wait(t); !errors.As(err, &bre) || bre.Status != tt.status {
				t.Errorf("Expected BadRequestError(%d), got %v", tt.status, err)
			}
			if called {
				t.Errorf("Expected handler not to run")
			}
		})
	}
}

func TestConnection_ExpectContinue(t *testing.T) {
	h := startConn(t, func(_ context.Context, f *features.Collection) error {
		b, err := io.ReadAll(features.Get[features.RequestFeature](f).Body())
		if err != nil {
			return err
		}
		return respond(f, 201, string(b))
	}, DefaultLimits())

	h.send(t, "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\nExpect: 100-continue\r\n\r\n")
	interim, err := http.ReadResponse(h.br, nil)
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	if interim.StatusCode != 100 {
		t.Fatalf("Expected 100 Continue, got %d", interim.StatusCode)
	}
	h.send(t, "hello")
	resp, body := h.read(t, "POST")
	if resp.StatusCode != 201 || body != "hello" {
		t.Errorf("Expected 201 hello, got %d %q", resp.StatusCode, body)
	}
}

func TestConnection_HandlerFailures(t *testing.T) {
	tests := []struct {
		name string
		app  appFunc
	}{
		{"error", func(context.Context, *features.Collection) error { return errors.New("boom") }},
		{"panic", func(context.Context, *features.Collection) error { panic("kaboom") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startConn(t, tt.app, DefaultLimits())
			h.send(t, "GET / HTTP/1.1\r\nHost: h\r\n\r\n")
			resp, _ := h.read(t, "GET")
			if resp.StatusCode != 500 {
				t.Errorf("Expected 500, got %d", resp.StatusCode)
			}
			if resp.ContentLength != 0 {
				t.Errorf("Expected empty body, got length %d", resp.ContentLength)
			}
			if err := h.wait(t); err != nil {
				t.Errorf("Expected nil from Serve, got %v", err)
			}
		})
	}
}

func TestConnection_ResponseFraming(t *testing.T) {
	t.Run("http/1.0 close delimited", func(t *testing.T) {
		h := startConn(t, func(_ context.Context, f *features.Collection) error {
			return respond(f, 200, "abc")
		}, DefaultLimits())
		h.send(t, "GET / HTTP/1.0\r\n\r\n")
		resp, body := h.read(t, "GET")
		if body != "abc" || resp.ContentLength != -1 || !resp.Close {
			t.Errorf("Expected close-delimited abc, got %q length=%d close=%v", body, resp.ContentLength, resp.Close)
		}
	})

	t.Run("head has no body", func(t *testing.T) {
		h := startConn(t, func(_ context.Context, f *features.Collection) error {
			features.Get[features.ResponseFeature](f).Header().Set("Content-Length", "5")
			return respond(f, 200, "hello")
		}, DefaultLimits())
		h.send(t, "HEAD / HTTP/1.1\r\nHost: h\r\n\r\nGET / HTTP/1.1\r\nHost: h\r\n\r\n")
		resp, body := h.read(t, "HEAD")
		if body != "" || resp.ContentLength != 5 {
			t.Errorf("Expected empty HEAD body with length 5, got %q %d", body, resp.ContentLength)
		}
		_, body = h.read(t, "GET")
		if body != "hello" {
			t.Errorf("Expected hello on the reused connection, got %q", body)
		}
	})

	t.Run("no content", func(t *testing.T) {
		h := startConn(t, func(_ context.Context, f *features.Collection) error {
			features.Get[features.ResponseFeature](f).SetStatus(204)
			return nil
		}, DefaultLimits())
		h.send(t, "GET / HTTP/1.1\r\nHost: h\r\n\r\n")
		resp, _ := h.read(t, "GET")
		if resp.StatusCode != 204 || resp.Header.Get("Content-Length") != "" || len(resp.TransferEncoding) != 0 {
			t.Errorf("Expected bare 204, got %d %v", resp.StatusCode, resp.Header)
		}
	})

	t.Run("empty completes with zero length", func(t *testing.T) {
		h := startConn(t, func(context.Context, *features.Collection) error { return nil }, DefaultLimits())
		h.send(t, "GET / HTTP/1.1\r\nHost: h\r\n\r\n")
		resp, _ := h.read(t, "GET")
		if resp.Header.Get("Content-Length") != "0" {
			t.Errorf("Expected Content-Length: 0, got %v", resp.Header)
		}
	})

	t.Run("content-length mismatch aborts", func(t *testing.T) {
		h := startConn(t, func(_ context.Context, f *features.Collection) error {
			features.Get[features.ResponseFeature](f).Header().Set("Content-Length", "10")
			return respond(f, 200, "abc")
		}, DefaultLimits())
		h.send(t, "GET / HTTP/1.1\r\nHost: h\r\n\r\n")
		go func() { _, _ = io.Copy(io.Discard, h.br) }()
		_ = h.wait(t)
		if !errors.Is(h.cc.Cause(), ErrFramingMismatch) {
			t.Errorf("Expected framing mismatch abort, got %v", h.cc.Cause())
		}
	})
}

func TestConnection_Upgrade(t *testing.T) {
	h := startConn(t, func(_ context.Context, f *features.Collection) error {
		uf := features.Get[features.UpgradeFeature](f)
		if uf == nil || !uf.IsUpgradable() {
			return errors.New("expected upgradable request")
		}
		stream, err := uf.Upgrade()
		if err != nil {
			return err
		}
		buf := make([]byte, 4)
		if _, err := io.ReadFull(stream, buf); err != nil {
			return err
		}
		_, err = stream.Write([]byte(strings.ToUpper(string(buf))))
		return err
	}, DefaultLimits())

	h.send(t, "GET /chat HTTP/1.1\r\nHost: h\r\nConnection: Upgrade\r\nUpgrade: echo\r\n\r\n")
	resp, err := http.ReadResponse(h.br, nil)
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	if resp.StatusCode != 101 || resp.Header.Get("Upgrade") != "echo" {
		t.Fatalf("Expected 101 with Upgrade: echo, got %d %v", resp.StatusCode, resp.Header)
	}
	h.send(t, "ping")
	buf := make([]byte, 4)
	if _, err := io.ReadFull(h.br, buf); err != nil {
		t.Fatalf("reading upgraded stream failed: %v", err)
	}
	if string(buf) != "PING" {
		t.Errorf("Expected PING, got %q", buf)
	}
}

func TestConnection_GracefulCloseWhileIdle(t *testing.T) {
	h := startConn(t, func(_ context.Context, f *features.Collection) error {
		return respond(f, 200, "ok")
	}, DefaultLimits())
	h.send(t, "GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	h.read(t, "GET")

	h.cc.RequestClose()
	if err := h.wait(t); err != nil {
		t.Errorf("Expected graceful close, got %v", err)
	}
	if h.cc.Cause() != nil {
		t.Errorf("Expected no abort, got %v", h.cc.Cause())
	}
}

func TestConnection_CloseRequestedDuringRequest(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := startConn(t, func(_ context.Context, f *features.Collection) error {
		close(entered)
		<-release
		return respond(f, 200, "done")
	}, DefaultLimits())
	h.send(t, "GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	<-entered
	h.cc.RequestClose()
	close(release)

	resp, body := h.read(t, "GET")
	if body != "done" || !resp.Close {
		t.Errorf("Expected in-flight response with close, got %q close=%v", body, resp.Close)
	}
	if err := h.wait(t); err != nil {
		t.Errorf("Expected clean close, got %v", err)
	}
}

func TestConnection_KeepAliveTimeout(t *testing.T) {
	h := startConn(t, func(context.Context, *features.Collection) error { return nil }, DefaultLimits())
	deadline := time.Now().Add(time.Second)
	for h.cc.Timeouts.TimerReason() != heartbeat.KeepAliveTimeout {
		if time.Now().After(deadline) {
			t.Fatal("connection never became idle")
		}
		time.Sleep(time.Millisecond)
	}
	h.cc.Timeouts.OnHeartbeat(time.Now().Add(DefaultLimits().KeepAliveTimeout + time.Second))
	if err := h.wait(t); err != nil {
		t.Errorf("Expected quiet close on keep-alive timeout, got %v", err)
	}
	var te *heartbeat.TimeoutError
	if !errors.As(h.cc.Cause(), &te) || te.Reason != heartbeat.KeepAliveTimeout {
		t.Errorf("Expected keep-alive timeout cause, got %v", h.cc.Cause())
	}
}

func TestConnection_MinRequestBodyDataRate(t *testing.T) {
	limits := DefaultLimits()
	limits.MinRequestBodyDataRate = &features.MinDataRate{BytesPerSecond: 1, GracePeriod: 5 * time.Second}
	bodyErr := make(chan error, 1)
	h := startConn(t, func(_ context.Context, f *features.Collection) error {
		_, err := io.ReadAll(features.Get[features.RequestFeature](f).Body())
		bodyErr <- err
		return err
	}, limits)

	h.send(t, "POST /upload HTTP/1.1\r\nHost: h\r\nContent-Length: 1000\r\n\r\nx")

	// Advance the heartbeat clock until the stalled read is charged.
	now := time.Now()
	deadline := time.Now().Add(2 * time.Second)
	var err error
wait:
	for {
		now = now.Add(time.Second)
		h.cc.Timeouts.OnHeartbeat(now)
		select {
		case err = <-bodyErr:
			break wait
		case <-time.After(5 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("body read never failed")
		}
	}
	if err == nil {
		t.Fatalf("Expected the body read to fail")
	}
	var te *heartbeat.TimeoutError
	if !errors.As(h.cc.Cause(), &te) || te.Reason != heartbeat.MinRequestBodyDataRate {
		t.Errorf("Expected MinRequestBodyDataRate cause, got %v", h.cc.Cause())
	}
	_ = h.wait(t)
}

func TestConnection_DisposeSeesCompletion(t *testing.T) {
	tests := []struct {
		name   string
		length string
		want   error
	}{
		{"complete response", "3", nil},
		{"short body", "10", ErrFramingMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := disposingApp{
				appFunc: func(_ context.Context, f *features.Collection) error {
					features.Get[features.ResponseFeature](f).Header().Set("Content-Length", tt.length)
					return respond(f, 200, "abc")
				},
				disposed: make(chan error, 1),
			}
			h := startApp(t, app, DefaultLimits())
			h.send(t, "GET / HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n")
			go func() { _, _ = io.Copy(io.Discard, h.br) }()
			select {
			case err := <-app.disposed:
				if !errors.Is(err, tt.want) {
					t.Errorf("Expected dispose error %v, got %v", tt.want, err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("DisposeContext was never called")
			}
			_ = h.wait(t)
		})
	}
}
