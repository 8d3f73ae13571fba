package proxy

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/tecart/tecproxy/internal/dnscache"
)

// DefaultDialAttempts is how many dials a CONNECT request may burn through
// before the client gets a gateway error.
const DefaultDialAttempts = 5

type Config struct {
	// Cache is the shared per-process DNS cache all outbound dials go
	// through. Required.
	Cache *dnscache.Cache

	// ConnectTimeout bounds each individual outbound TCP connect.
	ConnectTimeout time.Duration

	// DialAttempts caps dials per request; zero means
	// DefaultDialAttempts.
	DialAttempts int

	// NegotiationTimeout bounds reading the request headers.
	NegotiationTimeout time.Duration

	// HTTPIdleTimeout applies to idle client connections and to idle
	// upstream connections of the non-CONNECT transport.
	HTTPIdleTimeout time.Duration

	// HTTPMaxIdleConns caps pooled upstream connections for the
	// non-CONNECT path.
	HTTPMaxIdleConns int

	KeepAlive net.KeepAliveConfig

	// DialContext overrides how outbound connections are opened. Nil
	// means a net.Dialer bounded by ConnectTimeout.
	DialContext func(ctx context.Context, network, address string) (net.Conn, error)

	Logger *zap.Logger
}
