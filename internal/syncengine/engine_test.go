package syncengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airplay-multiroom/server/internal/audiobuf"
	"github.com/airplay-multiroom/server/internal/raop"
	"github.com/airplay-multiroom/server/internal/registry"
)

type fakeProbe struct{}

func (fakeProbe) Probe(ctx context.Context, host string, port int) error { return nil }

type fakeClient struct {
	mu        sync.Mutex
	connected bool
	frames    []*audiobuf.AudioFrame
	pingRTT   time.Duration
	pingErr   error
	closed    bool
}

func (f *fakeClient) Connect(ctx context.Context, a, b, c, sr, bd, ch int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}
func (f *fakeClient) SendFrame(frame *audiobuf.AudioFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}
func (f *fakeClient) SendSyncPacket(rtpTimestamp uint32, ntpLike int64) error { return nil }
func (f *fakeClient) Teardown(ctx context.Context) error                    { return nil }
func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
func (f *fakeClient) Ping(ctx context.Context) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingRTT, f.pingErr
}
func (f *fakeClient) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func newTestEngine(t *testing.T, factory func() *fakeClient) (*Engine, *registry.Registry, func() *fakeClient) {
	t.Helper()
	reg := registry.New(fakeProbe{})
	var last *fakeClient
	var mu sync.Mutex
	engineFactory := func(host string, port int) ReceiverClient {
		mu.Lock()
		defer mu.Unlock()
		last = factory()
		return last
	}
	cfg := Config{
		GlobalDelay:       20 * time.Millisecond,
		// Near-zero margin; 0 would be replaced by the 200ms default.
		JoinSafetyMargin:  time.Nanosecond,
		SyncCheckInterval: time.Hour, // disable ticking during frame-delivery tests
		LeaveDrainTimeout: time.Second,
	}
	e := New(reg, engineFactory, cfg, 44100, 16, 2)
	return e, reg, func() *fakeClient { mu.Lock(); defer mu.Unlock(); return last }
}

func TestJoinGroupBeforeSessionRecordsIntentAndAutoAttaches(t *testing.T) {
	e, reg, getClient := newTestEngine(t, func() *fakeClient { return &fakeClient{} })
	rec := reg.AddManual(context.Background(), "r1", "10.0.0.5", 5000)

	require.NoError(t, e.JoinGroup(context.Background(), rec.ID))
	assert.Equal(t, 1, e.GetStats().DevicesConnected)

	fanout := audiobuf.New(16)
	e.SessionStarted("s1", fanout, raop.SessionDescription{ClockRate: 44100})

	require.Eventually(t, func() bool { return getClient() != nil && getClient().connected }, time.Second, 10*time.Millisecond)
}

func TestGroupMembershipSurvivesSessionEnd(t *testing.T) {
	e, reg, getClient := newTestEngine(t, func() *fakeClient { return &fakeClient{} })
	rec := reg.AddManual(context.Background(), "r1", "10.0.0.5", 5000)

	fanout := audiobuf.New(16)
	e.SessionStarted("s1", fanout, raop.SessionDescription{ClockRate: 44100})
	require.NoError(t, e.JoinGroup(context.Background(), rec.ID))
	require.Eventually(t, func() bool { return getClient() != nil && getClient().connected }, time.Second, 10*time.Millisecond)

	before := e.GetStats().DevicesConnected
	e.SessionEnded("s1")
	require.Eventually(t, func() bool { return getClient().closed }, time.Second, 10*time.Millisecond)

	assert.Equal(t, before, e.GetStats().DevicesConnected)

	fanout2 := audiobuf.New(16)
	e.SessionStarted("s2", fanout2, raop.SessionDescription{ClockRate: 44100})
	require.Eventually(t, func() bool { return getClient() != nil && getClient().connected && !getClient().closed }, time.Second, 10*time.Millisecond)
}

func TestSessionStartedThenJoinDeliversFrames(t *testing.T) {
	e, reg, getClient := newTestEngine(t, func() *fakeClient { return &fakeClient{} })
	rec := reg.AddManual(context.Background(), "r1", "10.0.0.5", 5000)

	fanout := audiobuf.New(16)
	e.SessionStarted("s1", fanout, raop.SessionDescription{ClockRate: 44100})

	require.NoError(t, e.JoinGroup(context.Background(), rec.ID))
	require.Eventually(t, func() bool { return getClient() != nil && getClient().connected }, time.Second, 10*time.Millisecond)

	fanout.Push(&audiobuf.AudioFrame{Seq: 0, Payload: []byte{1, 2, 3, 4}, SampleCount: 1024})
	fanout.Push(&audiobuf.AudioFrame{Seq: 1, Payload: []byte{5, 6, 7, 8}, SampleCount: 1024})

	require.Eventually(t, func() bool { return getClient().sentCount() >= 2 }, 2*time.Second, 20*time.Millisecond)

	e.SessionEnded("s1")
	require.Eventually(t, func() bool { return getClient().closed }, time.Second, 10*time.Millisecond)
}

func TestLeaveGroupStopsDelivery(t *testing.T) {
	e, reg, getClient := newTestEngine(t, func() *fakeClient { return &fakeClient{} })
	rec := reg.AddManual(context.Background(), "r1", "10.0.0.5", 5000)

	fanout := audiobuf.New(16)
	e.SessionStarted("s1", fanout, raop.SessionDescription{ClockRate: 44100})
	require.NoError(t, e.JoinGroup(context.Background(), rec.ID))
	require.Eventually(t, func() bool { return getClient() != nil && getClient().connected }, time.Second, 10*time.Millisecond)

	require.NoError(t, e.LeaveGroup(context.Background(), rec.ID))
	sentAtLeave := getClient().sentCount()

	fanout.Push(&audiobuf.AudioFrame{Seq: 0, Payload: []byte{1, 2}, SampleCount: 1024})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, sentAtLeave, getClient().sentCount())
}

func TestEvictAfterThreeSkewViolations(t *testing.T) {
	e, reg, getClient := newTestEngine(t, func() *fakeClient {
		return &fakeClient{pingErr: assertErr}
	})
	rec := reg.AddManual(context.Background(), "r1", "10.0.0.5", 5000)

	fanout := audiobuf.New(16)
	e.SessionStarted("s1", fanout, raop.SessionDescription{ClockRate: 44100})
	require.NoError(t, e.JoinGroup(context.Background(), rec.ID))
	require.Eventually(t, func() bool { return getClient() != nil }, time.Second, 10*time.Millisecond)

	e.mu.Lock()
	eg := e.egresses[rec.ID]
	e.mu.Unlock()
	require.NotNil(t, eg)

	eg.checkOnce()
	eg.checkOnce()
	eg.checkOnce()

	require.Eventually(t, func() bool {
		updated, _ := reg.Get(rec.ID)
		return updated.Status == registry.StatusError
	}, time.Second, 10*time.Millisecond)
}

var assertErr = context.DeadlineExceeded
