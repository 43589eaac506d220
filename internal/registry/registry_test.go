package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	fail map[string]bool
}

func (f *fakeProbe) Probe(_ context.Context, host string, port int) error {
	key := host
	if f.fail[key] {
		return errors.New("connection refused")
	}
	return nil
}

func TestAddDiscoveredDeduplicatesByHostPort(t *testing.T) {
	r := New(&fakeProbe{})
	a := r.AddDiscovered("Kitchen", "10.0.0.5", 7000, DeviceAudioReceiver)
	b := r.AddDiscovered("Kitchen Speaker", "10.0.0.5", 7000, DeviceAudioReceiver)

	assert.Equal(t, a.ID, b.ID)
	assert.Len(t, r.List(), 1)
}

func TestAddManualNeverDroppedOnProbeFailure(t *testing.T) {
	r := New(&fakeProbe{fail: map[string]bool{"10.0.0.9": true}})
	rec := r.AddManual(context.Background(), "Unreachable Room", "10.0.0.9", 7000)

	require.NotNil(t, rec)
	got, ok := r.Get(rec.ID)
	require.True(t, ok, "manual receiver must still be registered despite probe failure")
	assert.Equal(t, StatusError, got.Status)
	assert.NotEmpty(t, got.ErrorReason)
	assert.True(t, got.Manual)
}

func TestAddManualSucceedsWhenReachable(t *testing.T) {
	r := New(&fakeProbe{})
	rec := r.AddManual(context.Background(), "Living Room", "10.0.0.2", 7000)
	assert.Equal(t, StatusDiscovered, rec.Status)
	assert.Empty(t, rec.ErrorReason)
}

func TestRemoveAndGet(t *testing.T) {
	r := New(&fakeProbe{})
	rec := r.AddDiscovered("Office", "10.0.0.3", 7000, DeviceAudioReceiver)

	_, ok := r.Get(rec.ID)
	assert.True(t, ok)

	assert.True(t, r.Remove(rec.ID))
	_, ok = r.Get(rec.ID)
	assert.False(t, ok)
	assert.False(t, r.Remove(rec.ID))
}

func TestSweepEvictsStaleDiscoveredReceiverButNotManual(t *testing.T) {
	r := New(&fakeProbe{fail: map[string]bool{"10.0.0.4": true, "10.0.0.7": true}})
	discovered := r.AddDiscovered("Garage", "10.0.0.4", 7000, DeviceAudioReceiver)
	manual := r.AddManual(context.Background(), "Basement", "10.0.0.7", 7000)

	// Simulate both receivers having gone stale beyond the eviction window.
	stale := time.Now().Add(-EvictionWindow - time.Second)
	r.mu.Lock()
	r.receivers[discovered.ID].LastSeen = stale
	r.receivers[manual.ID].LastSeen = stale
	r.mu.Unlock()

	r.sweep(context.Background())

	_, ok := r.Get(discovered.ID)
	assert.False(t, ok, "discovered receiver unseen past the eviction window must be removed")

	got, ok := r.Get(manual.ID)
	require.True(t, ok, "manual receivers are immune to eviction")
	assert.Equal(t, StatusError, got.Status)
}
