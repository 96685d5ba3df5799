package velox

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if err := config.Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got %v", err)
	}
	if len(config.Listeners) != 1 || config.Listeners[0].Addr != ":8080" {
		t.Errorf("Expected one listener on :8080, got %+v", config.Listeners)
	}
	if config.Listeners[0].Protocols != HTTP1AndHTTP2 {
		t.Errorf("Expected both protocols by default, got %v", config.Listeners[0].Protocols)
	}
	if config.Engine != Netpoll {
		t.Errorf("Expected netpoll engine, got %v", config.Engine)
	}
	if config.Limits.PauseWriterThreshold != 1<<20 || config.Limits.ResumeWriterThreshold != 512<<10 {
		t.Errorf("Expected 1 MiB / 512 KiB thresholds, got %d / %d",
			config.Limits.PauseWriterThreshold, config.Limits.ResumeWriterThreshold)
	}
	if r := config.Limits.MinRequestBodyDataRate; r == nil || r.BytesPerSecond != 240 || r.GracePeriod != 5*time.Second {
		t.Errorf("Expected 240 B/s with 5s grace, got %+v", r)
	}
}

func TestConfig_ValidateNormalizes(t *testing.T) {
	config := Config{
		Listeners: []ListenOptions{{Addr: "127.0.0.1:0"}},
		Limits: Limits{
			PauseWriterThreshold:  1000,
			ResumeWriterThreshold: 5000,
			HTTP2:                 HTTP2Limits{MaxFrameSize: 100},
		},
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	lo := config.Listeners[0]
	if lo.Protocols != HTTP1AndHTTP2 || lo.Network != "tcp" {
		t.Errorf("Expected tcp with both protocols, got %+v", lo)
	}
	if config.Limits.ResumeWriterThreshold != 500 {
		t.Errorf("Expected resume threshold below pause, got %d", config.Limits.ResumeWriterThreshold)
	}
	if config.Limits.HTTP2.MaxFrameSize != 16384 {
		t.Errorf("Expected max frame size clamped to 16384, got %d", config.Limits.HTTP2.MaxFrameSize)
	}
	if config.Logger == nil {
		t.Errorf("Expected a silent logger")
	}
	if config.Limits.MinRequestBodyDataRate != nil {
		t.Errorf("Expected a nil rate to stay disabled")
	}
}

func TestConfig_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"no listeners", func(c *Config) { c.Listeners = nil }},
		{"empty address", func(c *Config) { c.Listeners[0].Addr = "" }},
		{"unknown protocols", func(c *Config) { c.Listeners[0].Protocols = 8 }},
		{"unknown engine", func(c *Config) { c.Engine = 7 }},
		{"gnet over unix", func(c *Config) {
			c.Engine = Gnet
			c.Listeners[0].Network = "unix"
		}},
		{"gnet with throttle", func(c *Config) {
			c.Engine = Gnet
			c.Listeners[0].Throttle = &ThrottleRates{KBps: 10}
		}},
		{"negative body size", func(c *Config) { c.Limits.MaxRequestBodySize = -1 }},
		{"negative connection limit", func(c *Config) { c.Limits.MaxConcurrentConnections = -1 }},
		{"zero rate", func(c *Config) { c.Limits.MinResponseDataRate = &MinDataRate{GracePeriod: time.Minute} }},
		{"grace within heartbeat", func(c *Config) {
			c.Limits.MinRequestBodyDataRate = &MinDataRate{BytesPerSecond: 1, GracePeriod: time.Second}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			if err := config.Validate(); err == nil {
				t.Errorf("Expected an error")
			}
		})
	}
}

func TestEngine_String(t *testing.T) {
	if Netpoll.String() != "netpoll" || Gnet.String() != "gnet" {
		t.Errorf("Unexpected engine names %s, %s", Netpoll, Gnet)
	}
	if Engine(9).String() != "Engine(9)" {
		t.Errorf("Expected Engine(9), got %s", Engine(9))
	}
}
