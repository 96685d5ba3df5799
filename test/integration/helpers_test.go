// Package integration runs end-to-end tests against a real velox server.
package integration

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/albertbausili/velox/pkg/velox"
	"golang.org/x/net/http2"
)

// getTestPort returns a free loopback address.
func getTestPort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve a port: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

// waitForServer polls addr until it accepts connections.
func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("server at %s did not start within %v", addr, timeout)
}

// startServer runs h on config and returns the first bound address.
func startServer(t *testing.T, config velox.Config, h velox.Handler, mw ...velox.Middleware) string {
	t.Helper()
	server, err := velox.New(config)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	server.Handler(h).Use(mw...)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })

	addr := server.Addrs()[0].String()
	if err := waitForServer(addr, 2*time.Second); err != nil {
		t.Fatalf("Server error: %v", err)
	}
	return addr
}

func loopbackConfig() velox.Config {
	config := velox.DefaultConfig()
	config.Listeners = []velox.ListenOptions{{Addr: "127.0.0.1:0"}}
	return config
}

// createHTTP2Client returns a prior-knowledge cleartext HTTP/2 client.
func createHTTP2Client() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
		Timeout: 5 * time.Second,
	}
}

func createHTTP1Client() *http.Client {
	return &http.Client{Timeout: 5 * time.Second}
}
