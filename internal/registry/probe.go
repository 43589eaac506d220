package registry

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPProbe is the default ReachabilityProbe: a bare TCP connect with a
// bounded timeout, matching the literal text of §4.2 (and the original
// source's _test_device_connection) rather than a full RTSP OPTIONS
// round trip.
type TCPProbe struct {
	Timeout time.Duration
}

// NewTCPProbe creates a probe with the spec's default 5s timeout.
func NewTCPProbe() *TCPProbe {
	return &TCPProbe{Timeout: 5 * time.Second}
}

func (p *TCPProbe) Probe(ctx context.Context, host string, port int) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return err
	}
	return conn.Close()
}
