package discovery

import (
	"context"
	"fmt"

	"github.com/grandcat/zeroconf"

	"github.com/airplay-multiroom/server/internal/logger"
	"github.com/airplay-multiroom/server/internal/metrics"
	"github.com/airplay-multiroom/server/internal/registry"
)

// Browser watches the local network for AirPlay/RAOP/AirPort receivers
// and feeds every sighting into a Registry.
type Browser struct {
	reg      *registry.Registry
	resolver *zeroconf.Resolver
}

// NewBrowser creates a browser backed by reg, following §4.1's bind
// cascade: try an IPv4-only resolver first (required inside restricted
// network namespaces where IPv6 multicast is unavailable), and fall back
// to a default multi-interface resolver if that bind fails. Only if both
// fail is an error returned.
func NewBrowser(reg *registry.Registry) (*Browser, error) {
	resolver, err := zeroconf.NewResolver(zeroconf.SelectIPTraffic(zeroconf.IPv4))
	if err != nil {
		resolver, err = zeroconf.NewResolver()
		if err != nil {
			return nil, fmt.Errorf("mdns resolver: %w", err)
		}
	}
	return &Browser{reg: reg, resolver: resolver}, nil
}

// Run browses all three receiver service types until ctx is cancelled.
// Each service type gets its own goroutine and result channel, matching
// the one-goroutine-per-browse pattern a zeroconf resolver expects.
func (b *Browser) Run(ctx context.Context) {
	for _, svc := range []string{ServiceAirPlay, ServiceRAOP, ServiceAirPort} {
		entries := make(chan *zeroconf.ServiceEntry, 16)
		go b.consume(svc, entries)
		go func(svc string) {
			if err := b.resolver.Browse(ctx, svc, "local.", entries); err != nil {
				logger.Warn("mdns browse failed", "service", svc, "error", err)
			}
		}(svc)
	}
	<-ctx.Done()
}

func (b *Browser) consume(svc string, entries <-chan *zeroconf.ServiceEntry) {
	for entry := range entries {
		b.handleEntry(svc, entry)
	}
}

func (b *Browser) handleEntry(svc string, entry *zeroconf.ServiceEntry) {
	if entry == nil || len(entry.AddrIPv4) == 0 {
		return
	}
	host := entry.AddrIPv4[0].String()
	name := displayName(entry.Instance)
	txt := parseTXT(entry.Text)
	rec := b.reg.AddDiscovered(name, host, entry.Port, classify(svc, txt))
	metrics.Get().DiscoveryEventsTotal.WithLabelValues(svc).Inc()

	logger.Debug("mdns entry observed",
		"receiver_id", rec.ID, "service", svc, "device_type", string(rec.DeviceType),
		"model", txt["am"], "firmware", txt["fv"])
}
