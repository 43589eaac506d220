package discovery

import (
	"context"
	"fmt"

	"github.com/brutella/dnssd"

	"github.com/airplay-multiroom/server/internal/logger"
)

// Advertiser publishes this server's own RAOP/AirPlay service so standard
// AirPlay senders (iOS, macOS, iTunes) can find it without any manual
// configuration.
type Advertiser struct {
	responder dnssd.Responder
	handle    dnssd.ServiceHandle
}

// NewAdvertiser registers a service named name on port, advertised under
// _raop._tcp only; no _airplay._tcp record is published.
func NewAdvertiser(name string, port int) (*Advertiser, error) {
	responder, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("dnssd responder: %w", err)
	}

	cfg := dnssd.Config{
		Name: name,
		Type: ServiceRAOP,
		Port: port,
		Text: map[string]string{
			"am": "AirPlayMultiroom",
			"ft": "0x4A7FFFF7,0x1E",
			"tp": "UDP",
			"vn": "65537",
		},
	}
	svc, err := dnssd.NewService(cfg)
	if err != nil {
		return nil, fmt.Errorf("dnssd service: %w", err)
	}
	handle, err := responder.Add(svc)
	if err != nil {
		return nil, fmt.Errorf("dnssd add: %w", err)
	}

	return &Advertiser{responder: responder, handle: handle}, nil
}

// Run blocks, answering mDNS queries until ctx is cancelled.
func (a *Advertiser) Run(ctx context.Context) error {
	logger.Info("advertising receiver service", "type", ServiceRAOP)
	return a.responder.Respond(ctx)
}
