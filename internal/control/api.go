// Package control implements the language-neutral contract (§6) that the
// outer HTTP/WebSocket shell calls into: list/add/remove receivers,
// join/leave the active playback group, start/stop playback, read stats,
// and subscribe to the event feed. The shell itself (HTTP routing,
// request parsing) is out of scope; this package is everything it calls.
package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/airplay-multiroom/server/internal/control/hooks"
	"github.com/airplay-multiroom/server/internal/logger"
	"github.com/airplay-multiroom/server/internal/metrics"
	"github.com/airplay-multiroom/server/internal/registry"
	"github.com/airplay-multiroom/server/internal/syncengine"
)

// ReceiverRecord is the JSON-shaped value returned by list_receivers and
// carried in device_* events.
type ReceiverRecord struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	DeviceType   string `json:"device_type"`
	Manual       bool   `json:"manual"`
	Status       string `json:"status"`
	ErrorReason  string `json:"error_reason,omitempty"`
	InActiveGroup bool  `json:"in_active_group"`
}

// AddManualReceiverRequest is the input to add_manual_receiver.
type AddManualReceiverRequest struct {
	Host string
	Port int
	Name string
}

// StatsResponse is get_stats()'s output, a superset of §6's minimum table
// per the EXPANDED breakdown (device_types, auto_discovery, and per-origin
// counts).
type StatsResponse struct {
	FramesSent              uint64         `json:"frames_sent"`
	SyncCorrections         uint64         `json:"sync_corrections"`
	BufferUnderruns         uint64         `json:"buffer_underruns"`
	DevicesConnected        int            `json:"devices_connected"`
	PlaybackState           string         `json:"playback_state"`
	UptimeSeconds           float64        `json:"uptime_s"`
	DeviceTypes             map[string]int `json:"device_types"`
	AutoDiscovery           bool           `json:"auto_discovery"`
	ManualReceiverCount     int            `json:"manual_receiver_count"`
	DiscoveredReceiverCount int            `json:"discovered_receiver_count"`
}

// API is the control surface's implementation, wiring the receiver
// registry, the synchronization engine, and the hook manager together.
type API struct {
	reg     *registry.Registry
	engine  *syncengine.Engine
	hookMgr *hooks.HookManager
	// autoDiscovery reflects whether mDNS discovery is actually running,
	// not merely whether it was configured on — the caller passes in
	// discovery.Service.Active()'s result (or false if discovery was
	// never started), so get_stats() can report the degraded-mode case
	// (§8 scenario 6) truthfully.
	autoDiscovery bool
	log           *slog.Logger
}

// New creates an API bound to the given registry and engine. autoDiscovery
// is the live outcome of starting discovery, not the configured intent.
func New(reg *registry.Registry, engine *syncengine.Engine, hookMgr *hooks.HookManager, autoDiscovery bool) *API {
	return &API{
		reg:           reg,
		engine:        engine,
		hookMgr:       hookMgr,
		autoDiscovery: autoDiscovery,
		log:           logger.Logger().With("component", "control_api"),
	}
}

func toRecord(r registry.Receiver, inGroup bool) ReceiverRecord {
	return ReceiverRecord{
		ID:            r.ID,
		Name:          r.Name,
		Host:          r.Host,
		Port:          r.Port,
		DeviceType:    string(r.DeviceType),
		Manual:        r.Manual,
		Status:        string(r.Status),
		ErrorReason:   r.ErrorReason,
		InActiveGroup: inGroup,
	}
}

// ListReceivers returns every known receiver. includeUnavailable=false
// filters out receivers currently in Error or Disconnected status.
func (a *API) ListReceivers(includeUnavailable bool) []ReceiverRecord {
	all := a.reg.List()
	out := make([]ReceiverRecord, 0, len(all))
	for _, r := range all {
		if !includeUnavailable && (r.Status == registry.StatusError || r.Status == registry.StatusDisconnected) {
			continue
		}
		out = append(out, toRecord(r, false))
	}
	return out
}

// AddManualReceiver registers a configured receiver (§4.2: never silently
// dropped, even if the reachability probe fails).
func (a *API) AddManualReceiver(ctx context.Context, req AddManualReceiverRequest) (string, error) {
	if req.Host == "" {
		return "", fmt.Errorf("host is required")
	}
	port := req.Port
	if port == 0 {
		port = 5000
	}
	name := req.Name
	if name == "" {
		name = req.Host
	}
	rec := a.reg.AddManual(ctx, name, req.Host, port)
	a.hookMgr.TriggerEvent(ctx, *hooks.NewEvent(hooks.EventDeviceAdded).WithReceiverID(rec.ID).
		WithData("host", rec.Host).WithData("manual", true))
	return rec.ID, nil
}

// RemoveReceiver deletes a receiver, first leaving the active group if
// it's a member.
func (a *API) RemoveReceiver(ctx context.Context, id string) error {
	_ = a.engine.LeaveGroup(ctx, id)
	if !a.reg.Remove(id) {
		return fmt.Errorf("receiver %s not found", id)
	}
	a.hookMgr.TriggerEvent(ctx, *hooks.NewEvent(hooks.EventDeviceRemoved).WithReceiverID(id))
	return nil
}

// JoinGroup adds a receiver to the active playback group.
func (a *API) JoinGroup(ctx context.Context, id string) error {
	if _, ok := a.reg.Get(id); !ok {
		return fmt.Errorf("receiver %s not found", id)
	}
	return a.engine.JoinGroup(ctx, id)
}

// LeaveGroup removes a receiver from the active playback group.
func (a *API) LeaveGroup(ctx context.Context, id string) error {
	return a.engine.LeaveGroup(ctx, id)
}

// StartPlayback is a placeholder hook for shells that want to explicitly
// (re)kick playback state rather than relying on the RAOP RECORD verb;
// the active session itself is driven by raop.Server/SessionSink.
func (a *API) StartPlayback(ctx context.Context) error {
	stats := a.engine.GetStats()
	if syncengine.PlaybackState(stats.PlaybackState) == syncengine.PlaybackIdle ||
		syncengine.PlaybackState(stats.PlaybackState) == syncengine.PlaybackStopped {
		return fmt.Errorf("no active stream")
	}
	return nil
}

// StopPlayback leaves every receiver currently in the active group.
func (a *API) StopPlayback(ctx context.Context) error {
	for _, r := range a.reg.List() {
		_ = a.engine.LeaveGroup(ctx, r.ID)
	}
	return nil
}

// GetStats assembles the full get_stats() response.
func (a *API) GetStats() StatsResponse {
	s := a.engine.GetStats()
	all := a.reg.List()

	deviceTypes := make(map[string]int)
	manualCount, discoveredCount := 0, 0
	for _, r := range all {
		deviceTypes[string(r.DeviceType)]++
		if r.Manual {
			manualCount++
		} else {
			discoveredCount++
		}
	}

	for dt, count := range deviceTypes {
		metrics.Get().ReceiversByType.WithLabelValues(dt).Set(float64(count))
	}
	metrics.Get().ReceiversByOrigin.WithLabelValues("manual").Set(float64(manualCount))
	metrics.Get().ReceiversByOrigin.WithLabelValues("discovered").Set(float64(discoveredCount))

	return StatsResponse{
		FramesSent:              s.FramesSent,
		SyncCorrections:         s.SyncCorrections,
		BufferUnderruns:         s.BufferUnderruns,
		DevicesConnected:        s.DevicesConnected,
		PlaybackState:           string(s.PlaybackState),
		UptimeSeconds:           s.UptimeSeconds,
		DeviceTypes:             deviceTypes,
		AutoDiscovery:           a.autoDiscovery,
		ManualReceiverCount:     manualCount,
		DiscoveredReceiverCount: discoveredCount,
	}
}

// SubscribeEvents returns a channel of engine-originated events
// (status_changed/playback_state_changed); device_added/device_removed/
// device_updated originate from this package's own mutation methods via
// the hook manager, which a websocket bridge (events.go) also relays.
func (a *API) SubscribeEvents() <-chan syncengine.Event {
	return a.engine.Subscribe()
}
