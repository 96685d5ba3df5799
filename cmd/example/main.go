// Package main provides a basic example of using the velox server.
package main

import (
	"crypto/tls"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/albertbausili/velox/pkg/velox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type route struct {
	method  string
	path    string
	handler velox.HandlerFunc
}

// routes dispatches on exact method and path.
type routes []route

func (rs routes) ServeHTTP(ctx *velox.Context) error {
	for _, r := range rs {
		if r.path == ctx.Path() && (r.method == ctx.Method() || r.method == "GET" && ctx.Method() == "HEAD") {
			return r.handler(ctx)
		}
	}
	return ctx.JSON(404, map[string]string{"error": "not found", "path": ctx.Path()})
}

func main() {
	// Check if minimal mode is enabled for benchmarking
	minimal := os.Getenv("EXAMPLE_MINIMAL") == "1"

	config := velox.DefaultConfig()
	addr := os.Getenv("EXAMPLE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	config.Listeners = []velox.ListenOptions{{Addr: addr, Protocols: velox.HTTP1AndHTTP2}}
	config.Logger = log.New(os.Stderr, "velox: ", log.LstdFlags)

	if certFile, keyFile := os.Getenv("EXAMPLE_TLS_CERT"), os.Getenv("EXAMPLE_TLS_KEY"); certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			log.Fatalf("Loading TLS certificate: %v", err)
		}
		config.Listeners[0].TLS = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if os.Getenv("EXAMPLE_TRACE_CONNECTIONS") == "1" {
		config.Listeners[0].ConnectionLogging = true
	}
	if os.Getenv("EXAMPLE_ENGINE") == "gnet" {
		config.Engine = velox.Gnet
		config.ReusePort = true
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	config.MetricsRegisterer = registry

	// Optimize configuration for minimal mode
	if minimal {
		config.Logger = log.New(io.Discard, "", 0)
		config.Limits.AddServerHeader = false
		cpus := runtime.GOMAXPROCS(0)
		switch {
		case cpus <= 2:
			config.NumEventLoop = cpus
		case cpus <= 8:
			config.NumEventLoop = cpus - 1
		default:
			config.NumEventLoop = cpus - 2
		}
	}

	server, err := velox.New(config)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	handler := routes{
		{"GET", "/", homeHandler},
		{"GET", "/json", jsonHandler},
		{"POST", "/api/data", dataHandler},
		{"GET", "/events", eventsHandler},
		{"GET", "/metrics", velox.MetricsHandler(registry).ServeHTTP},
	}
	if !minimal {
		server.Use(
			velox.Recovery(),
			velox.LoggerWithConfig(velox.LoggerConfig{Output: os.Stdout, SkipPaths: []string{"/metrics"}}),
			velox.RequestID(),
			velox.Health(),
			velox.RateLimiter(1000),
			velox.Compress(),
		)
	}

	go func() {
		log.Printf("Starting server on %s (%s engine)", addr, config.Engine)
		if err := server.ListenAndServe(handler); err != nil && err != velox.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	if err := server.Shutdown(); err != nil {
		log.Printf("Shutdown: %v", err)
	}
	log.Println("Server stopped")
}

func homeHandler(ctx *velox.Context) error {
	return ctx.String(200, "Welcome to velox over %s!\n", ctx.Protocol())
}

func jsonHandler(ctx *velox.Context) error {
	return ctx.JSON(200, map[string]any{
		"protocol":   ctx.Protocol(),
		"request_id": ctx.RequestID(),
		"tls":        ctx.TLS() != nil,
		"time":       time.Now().UTC().Format(time.RFC3339),
	})
}

func dataHandler(ctx *velox.Context) error {
	var payload map[string]any
	if err := ctx.BindJSON(&payload); err != nil {
		return ctx.JSON(400, map[string]string{"error": err.Error()})
	}
	return ctx.JSON(201, map[string]any{"received": payload})
}

func eventsHandler(ctx *velox.Context) error {
	n, err := ctx.QueryInt("n")
	if err != nil || n <= 0 {
		n = 3
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for i := 1; i <= n; i++ {
		select {
		case <-ctx.Context().Done():
			return ctx.Context().Err()
		case t := <-ticker.C:
			data := strings.Repeat(".", i) + " " + t.Format(time.TimeOnly)
			if err := ctx.SSE(velox.SSEEvent{ID: time.Now().Format("150405.000"), Event: "tick", Data: data}); err != nil {
				return err
			}
		}
	}
	return nil
}
