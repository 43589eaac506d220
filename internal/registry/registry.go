// Package registry tracks known AirPlay/RAOP receivers: discovered over
// mDNS, added manually by configuration, or added at runtime through the
// control API. It owns liveness probing and eviction so every other
// package can treat "list of receivers" as a simple, always-current read.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/airplay-multiroom/server/internal/logger"
)

// DeviceType classifies a receiver per the §4.1 classification rules, or
// Manual when the entry has no discovery record at all.
type DeviceType string

const (
	DeviceAudioReceiver      DeviceType = "audio_receiver"
	DeviceVideoCapable       DeviceType = "video_capable_receiver"
	DeviceAirPortExpress     DeviceType = "airport_express"
	DeviceUnknown            DeviceType = "unknown"
	DeviceManual             DeviceType = "manual"
)

// Status is a receiver's current lifecycle state.
type Status string

const (
	StatusDiscovered   Status = "discovered"   // reachable, not currently in the active group
	StatusConnecting   Status = "connecting"   // RTSP/RTP handshake with the receiver in progress
	StatusConnected    Status = "connected"    // actively receiving audio
	StatusDisconnected Status = "disconnected" // last liveness probe failed; still tracked, may recover
	StatusError        Status = "error"        // registration probe failed (manual) or transport gave up
)

// Liveness tuning, per the data model: receivers are probed on this
// cadence and evicted if unseen for the eviction window. Manual receivers
// are immune to eviction.
const (
	ProbeInterval   = 30 * time.Second
	EvictionWindow  = 300 * time.Second
)

// Receiver is one entry in the registry.
type Receiver struct {
	ID           string
	Name         string
	Host         string
	Port         int
	DeviceType   DeviceType
	Manual       bool
	Status       Status
	ErrorReason  string
	DiscoveredAt time.Time
	LastSeen     time.Time
}

// ReachabilityProbe checks whether a receiver can be reached. The default
// implementation dials a bare TCP connection, matching the literal text of
// the spec's manual-device check; it is swappable for tests and for a
// richer RAOP OPTIONS probe later.
type ReachabilityProbe interface {
	Probe(ctx context.Context, host string, port int) error
}

// Registry is the thread-safe map of all known receivers.
type Registry struct {
	mu        sync.RWMutex
	receivers map[string]*Receiver
	probe     ReachabilityProbe
	now       func() time.Time
}

// New creates an empty registry using probe for reachability checks.
func New(probe ReachabilityProbe) *Registry {
	return &Registry{
		receivers: make(map[string]*Receiver),
		probe:     probe,
		now:       time.Now,
	}
}

func newID() string {
	return uuid.NewString()
}

// AddDiscovered records (or refreshes) a receiver observed via mDNS. If a
// receiver with the same host:port already exists, its LastSeen and
// metadata are refreshed in place rather than creating a duplicate entry
// — mirroring the double-checked create-or-get pattern used elsewhere in
// the server for other shared maps.
func (r *Registry) AddDiscovered(name, host string, port int, dt DeviceType) *Receiver {
	key := fmt.Sprintf("%s:%d", host, port)

	r.mu.RLock()
	if rec, ok := r.findByKey(key); ok {
		r.mu.RUnlock()
		r.mu.Lock()
		rec.LastSeen = r.now()
		rec.Name = name
		if rec.Status == StatusDisconnected {
			rec.Status = StatusDiscovered
		}
		r.mu.Unlock()
		return rec
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.findByKey(key); ok { // double-check under write lock
		rec.LastSeen = r.now()
		return rec
	}

	now := r.now()
	rec := &Receiver{
		ID:           newID(),
		Name:         name,
		Host:         host,
		Port:         port,
		DeviceType:   dt,
		Status:       StatusDiscovered,
		DiscoveredAt: now,
		LastSeen:     now,
	}
	r.receivers[rec.ID] = rec
	return rec
}

// AddManual registers a configured receiver. Unlike AddDiscovered, it
// never refuses registration: if the reachability probe fails the entry
// is still committed with Status Error and ErrorReason populated, so an
// operator always sees what they configured instead of it silently
// disappearing.
func (r *Registry) AddManual(ctx context.Context, name, host string, port int) *Receiver {
	now := r.now()
	rec := &Receiver{
		ID:           newID(),
		Name:         name,
		Host:         host,
		Port:         port,
		DeviceType:   DeviceManual,
		Manual:       true,
		Status:       StatusDiscovered,
		DiscoveredAt: now,
		LastSeen:     now,
	}

	if r.probe != nil {
		if err := r.probe.Probe(ctx, host, port); err != nil {
			rec.Status = StatusError
			rec.ErrorReason = err.Error()
		}
	}

	r.mu.Lock()
	r.receivers[rec.ID] = rec
	r.mu.Unlock()

	logger.Info("receiver registered",
		"receiver_id", rec.ID, "manual", true, "status", string(rec.Status))
	return rec
}

// Remove deletes a receiver by id. Reports whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.receivers[id]; ok {
		delete(r.receivers, id)
		return true
	}
	return false
}

// Get returns a copy of the receiver with the given id.
func (r *Registry) Get(id string) (Receiver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.receivers[id]
	if !ok {
		return Receiver{}, false
	}
	return *rec, true
}

// SetStatus updates a receiver's status and, for Error, its reason. Used
// by the synchronization engine to reflect join/leave/skew-eviction
// transitions that originate outside the registry's own liveness sweep.
func (r *Registry) SetStatus(id string, status Status, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.receivers[id]
	if !ok {
		return false
	}
	rec.Status = status
	rec.ErrorReason = reason
	return true
}

// List returns a snapshot of every known receiver.
func (r *Registry) List() []Receiver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Receiver, 0, len(r.receivers))
	for _, rec := range r.receivers {
		out = append(out, *rec)
	}
	return out
}

// findByKey must be called with at least a read lock held.
func (r *Registry) findByKey(key string) (*Receiver, bool) {
	for _, rec := range r.receivers {
		if fmt.Sprintf("%s:%d", rec.Host, rec.Port) == key {
			return rec, true
		}
	}
	return nil, false
}

// RunLiveness probes every known receiver on ProbeInterval and evicts
// non-manual receivers unseen for longer than EvictionWindow. It blocks
// until ctx is cancelled.
func (r *Registry) RunLiveness(ctx context.Context) {
	ticker := time.NewTicker(ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Registry) sweep(ctx context.Context) {
	r.mu.RLock()
	snapshot := make([]*Receiver, 0, len(r.receivers))
	for _, rec := range r.receivers {
		snapshot = append(snapshot, rec)
	}
	r.mu.RUnlock()

	now := r.now()
	for _, rec := range snapshot {
		var err error
		if r.probe != nil {
			err = r.probe.Probe(ctx, rec.Host, rec.Port)
		}

		r.mu.Lock()
		if err != nil {
			// Periodic maintenance only ever toggles Disconnected <-> Discovered
			// (§4.2); Error is reserved for manual registration failure and
			// transport-level give-up, so an actively Connected receiver
			// riding out a single bad probe isn't yanked from the group here.
			if rec.Status != StatusConnected && rec.Status != StatusError {
				rec.Status = StatusDisconnected
				rec.ErrorReason = err.Error()
			}
		} else {
			rec.LastSeen = now
			if rec.Status == StatusDisconnected {
				rec.Status = StatusDiscovered
				rec.ErrorReason = ""
			}
		}

		if !rec.Manual && now.Sub(rec.LastSeen) > EvictionWindow {
			delete(r.receivers, rec.ID)
		}
		r.mu.Unlock()
	}
}
