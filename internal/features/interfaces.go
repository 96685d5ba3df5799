package features

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"
)

// RequestFeature exposes the parsed request message.
type RequestFeature interface {
	Protocol() string // "HTTP/1.0", "HTTP/1.1" or "HTTP/2"
	Scheme() string
	Method() string
	Path() string
	RawQuery() string
	RawTarget() string
	Authority() string
	Headers() Headers
	Body() io.Reader
	// Trailers returns request trailers once the body has been fully read.
	Trailers() Headers
}

// ResponseFeature exposes response status and headers. Headers may be mutated
// until HasStarted reports true.
type ResponseFeature interface {
	Status() int
	SetStatus(code int)
	Header() *Headers
	HasStarted() bool
	// OnStarting registers fn to run right before the headers are committed.
	OnStarting(fn func())
}

// ResponseBodyFeature is the response byte sink.
type ResponseBodyFeature interface {
	io.Writer
	Flush() error
	// Complete finishes the response; further writes fail.
	Complete() error
}

// ConnectionFeature describes the underlying connection.
type ConnectionFeature interface {
	ConnectionID() string
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// LifetimeFeature lets the application observe and force request aborts.
type LifetimeFeature interface {
	Context() context.Context
	Abort()
}

// RequestIdentifierFeature carries a per-request id derived from the
// connection id.
type RequestIdentifierFeature interface {
	TraceIdentifier() string
	SetTraceIdentifier(id string)
}

// TLSFeature exposes the negotiated TLS state.
type TLSFeature interface {
	ConnectionState() tls.ConnectionState
}

// UpgradeFeature is present on requests that may switch protocols.
type UpgradeFeature interface {
	IsUpgradable() bool
	// Upgrade sends 101 and returns the raw duplex stream.
	Upgrade() (io.ReadWriteCloser, error)
}

// MinDataRate is a minimum throughput requirement with a startup grace period.
// A nil *MinDataRate disables enforcement.
type MinDataRate struct {
	BytesPerSecond float64
	GracePeriod    time.Duration
}

// MinRequestBodyDataRateFeature overrides the request body rate for one
// request. It must be set before the body is first read.
type MinRequestBodyDataRateFeature interface {
	MinDataRate() *MinDataRate
	SetMinDataRate(r *MinDataRate)
}

// MinResponseDataRateFeature overrides the response rate for one request.
type MinResponseDataRateFeature interface {
	MinDataRate() *MinDataRate
	SetMinDataRate(r *MinDataRate)
}

// ItemsFeature is a free-form per-request bag.
type ItemsFeature interface {
	Items() map[any]any
}

// ServiceProvidersFeature exposes request-scoped services.
type ServiceProvidersFeature interface {
	Service(key any) any
}

// AuthenticationFeature carries the authenticated principal, if any.
type AuthenticationFeature interface {
	User() any
	SetUser(u any)
}

// SessionFeature exposes session storage.
type SessionFeature interface {
	Get(key string) (any, bool)
	Set(key string, v any)
}

// ItemsMap is the default ItemsFeature.
type ItemsMap map[any]any

// Items implements ItemsFeature.
func (m ItemsMap) Items() map[any]any { return m }

// RateOverride is the default implementation of both min-rate features.
type RateOverride struct{ Rate *MinDataRate }

// MinDataRate implements MinRequestBodyDataRateFeature.
func (r *RateOverride) MinDataRate() *MinDataRate { return r.Rate }

// SetMinDataRate implements MinRequestBodyDataRateFeature.
func (r *RateOverride) SetMinDataRate(v *MinDataRate) { r.Rate = v }

// TraceID is the default RequestIdentifierFeature.
type TraceID struct{ ID string }

// TraceIdentifier implements RequestIdentifierFeature.
func (t *TraceID) TraceIdentifier() string { return t.ID }

// SetTraceIdentifier implements RequestIdentifierFeature.
func (t *TraceID) SetTraceIdentifier(id string) { t.ID = id }
