package dnscache

import (
	"context"
	"net"
	"strconv"
	"time"
)

// DefaultProbeTimeout is deliberately shorter than the request-path connect
// timeout; a probe only needs to learn whether the port answers at all.
const DefaultProbeTimeout = 5 * time.Second

// Prober tests whether an IP accepts TCP connections on a port.
type Prober interface {
	Probe(ctx context.Context, ip string, port int) error
}

// NewTCPProber returns a Prober that connects and immediately disconnects,
// transferring no data. A timeout counts as a failure.
func NewTCPProber(timeout time.Duration) Prober {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &tcpProber{timeout: timeout}
}

type tcpProber struct {
	timeout time.Duration
}

func (p *tcpProber) Probe(ctx context.Context, ip string, port int) error {
	d := net.Dialer{Timeout: p.timeout}

	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return conn.Close()
}
