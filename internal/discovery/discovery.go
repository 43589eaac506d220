// Package discovery finds AirPlay/RAOP/AirPort receivers via mDNS and
// advertises this server's own receiving service on the network.
package discovery

import (
	"context"
	"net"

	"github.com/airplay-multiroom/server/internal/logger"
	"github.com/airplay-multiroom/server/internal/registry"
)

// Service bundles the browse and advertise halves of discovery behind a
// single lifecycle. A Service is always returned, even in degraded mode
// (Active() == false), so callers never have to special-case a nil value.
type Service struct {
	browser    *Browser
	advertiser *Advertiser
	active     bool
}

// Active reports whether both halves of mDNS discovery actually came up.
// false means the server is running in the §4.1/§8 scenario-6 degraded
// mode: RAOP still accepts senders, but only manually configured
// receivers are usable, and get_stats() must report auto_discovery=false.
func (s *Service) Active() bool {
	return s.active
}

// Start creates a browser bound to reg and an advertiser for this
// server's own service name and port, then begins both. Binding follows
// §4.1's 3-tier cascade: an IPv4-only bind (handled inside NewBrowser),
// falling back to a default multi-interface bind, falling back to a
// degraded Service with Active() == false if neither bind succeeds or no
// usable network interface exists at all. Start itself never returns an
// error for a discovery failure — only manual receivers still working is
// not fatal to the process.
func Start(ctx context.Context, reg *registry.Registry, serviceName string, port int) (*Service, error) {
	if !hasUsableIPv4Interface() {
		logger.Warn("no usable IPv4 interface found, discovery disabled")
		return &Service{}, nil
	}

	browser, err := NewBrowser(reg)
	if err != nil {
		logger.Warn("mdns browser failed to bind on any interface, discovery disabled", "error", err)
		return &Service{}, nil
	}
	advertiser, err := NewAdvertiser(serviceName, port)
	if err != nil {
		logger.Warn("mdns advertiser failed to bind, discovery disabled", "error", err)
		return &Service{}, nil
	}

	svc := &Service{browser: browser, advertiser: advertiser, active: true}

	go browser.Run(ctx)
	go func() {
		if err := advertiser.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("advertiser stopped unexpectedly", "error", err)
		}
	}()

	return svc, nil
}

// hasUsableIPv4Interface reports whether at least one non-loopback IPv4
// address is bound to this host, the precondition for an mDNS socket
// (§4.1's bind cascade).
func hasUsableIPv4Interface() bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ipnet.IP.To4() != nil {
			return true
		}
	}
	return false
}
