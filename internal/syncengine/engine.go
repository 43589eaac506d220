// Package syncengine implements the multi-room synchronization engine
// (§4.5): it owns the single active PresentationSchedule, fans the RAOP
// terminator's decoded audio out to one egress task per joined receiver,
// and keeps every receiver's presentation clock within the configured
// skew tolerance of the shared master clock.
package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/airplay-multiroom/server/internal/audiobuf"
	apperrors "github.com/airplay-multiroom/server/internal/errors"
	"github.com/airplay-multiroom/server/internal/logger"
	"github.com/airplay-multiroom/server/internal/metrics"
	"github.com/airplay-multiroom/server/internal/raop"
	"github.com/airplay-multiroom/server/internal/registry"
)

// ReceiverClient is the outbound half of a receiver connection. It is
// satisfied by *receiverclient.Client; the interface exists so this
// package never imports receiverclient directly, the same way the
// teacher's relay package depends on an RTMPClient interface rather than
// its concrete client type.
type ReceiverClient interface {
	Connect(ctx context.Context, clientAudioPort, clientControlPort, clientTimingPort, sampleRate, bitDepth, channels int) error
	SendFrame(f *audiobuf.AudioFrame) error
	SendSyncPacket(rtpTimestamp uint32, ntpLike int64) error
	Teardown(ctx context.Context) error
	Close() error
}

// ReceiverClientFactory builds a ReceiverClient for a given receiver
// address. Swappable so tests can substitute a fake without opening real
// sockets.
type ReceiverClientFactory func(host string, port int) ReceiverClient

// Event is published on the engine's internal broadcast channel for the
// control surface and any other subscriber (§4.1/§6).
type Event struct {
	Type    string
	Payload any
}

// Event type names, matching the control surface's subscribe_events feed.
const (
	EventStatusChanged        = "status_changed"
	EventPlaybackStateChanged = "playback_state_changed"
	EventDeviceUpdated        = "device_updated"
)

// PlaybackState is the engine's overall transport state.
type PlaybackState string

const (
	PlaybackIdle    PlaybackState = "idle"
	PlaybackPlaying PlaybackState = "playing"
	PlaybackPaused  PlaybackState = "paused"
	PlaybackStopped PlaybackState = "stopped"
)

// Config tunes the engine's timing behavior (§4.5, with the Open Question
// on sync-check constants resolved per SPEC_FULL.md).
type Config struct {
	GlobalDelay       time.Duration // D_g, default 500ms
	SyncTolerance     time.Duration // default 50ms
	SyncCheckInterval time.Duration // default 5s
	JoinSafetyMargin  time.Duration // default 200ms
	LeaveDrainTimeout time.Duration // default 2s
	EMAAlpha          float64       // default 0.2
	SamplesPerFrame   int           // default 1024; the SDP fmtp is not consulted
	RTSPPort          int           // receiver-side RAOP RTSP port, default 5000
	DeviceDelays      map[string]time.Duration // per-receiver static delay override, keyed by receiver ID
}

func (c *Config) applyDefaults() {
	if c.GlobalDelay == 0 {
		c.GlobalDelay = 500 * time.Millisecond
	}
	if c.SyncTolerance == 0 {
		c.SyncTolerance = 50 * time.Millisecond
	}
	if c.SyncCheckInterval == 0 {
		c.SyncCheckInterval = 5 * time.Second
	}
	if c.JoinSafetyMargin == 0 {
		c.JoinSafetyMargin = 200 * time.Millisecond
	}
	if c.LeaveDrainTimeout == 0 {
		c.LeaveDrainTimeout = 2 * time.Second
	}
	if c.EMAAlpha == 0 {
		c.EMAAlpha = 0.2
	}
	if c.SamplesPerFrame == 0 {
		c.SamplesPerFrame = 1024
	}
	if c.RTSPPort == 0 {
		c.RTSPPort = 5000
	}
}

// PresentationSchedule is the per-active-playback master clock state
// (§4.5's "Starting playback").
type PresentationSchedule struct {
	T0            time.Time // reference moment, already shifted by D_g
	Seq0          uint64    // sequence number corresponding to T0
	FrameDuration time.Duration
	SampleRate    int
}

// baseTime computes P(f, r) without D_r, per §4.5.
func (p *PresentationSchedule) baseTime(seq uint64) time.Time {
	if seq < p.Seq0 {
		return p.T0
	}
	return p.T0.Add(time.Duration(seq-p.Seq0) * p.FrameDuration)
}

// Engine owns the active session's schedule and one egress task per
// joined receiver.
type Engine struct {
	reg           *registry.Registry
	clientFactory ReceiverClientFactory
	cfg           Config
	log           *slog.Logger

	mu            sync.Mutex
	sessionID     string
	fanout        *audiobuf.Buffer
	schedule      *PresentationSchedule
	sd            raop.SessionDescription
	sampleRate    int
	bitDepth      int
	channels      int
	playbackState PlaybackState
	egresses      map[string]*receiverEgress

	// desired is the set of receiver IDs currently selected to play,
	// independent of whether a session is active. JoinGroup/LeaveGroup are
	// its only mutators; SessionEnded never touches it, so membership (and
	// get_stats().devices_connected) survives a TEARDOWN/RECORD cycle.
	desired map[string]struct{}

	subMu       sync.Mutex
	subscribers []chan Event

	metrics metricsState
}

// rejoinConnectTimeout bounds how long a re-attach attempt (triggered by
// SessionStarted restoring prior group membership to the new session)
// waits for a receiver's RTSP handshake, mirroring the scale of the
// periodic liveness probe's per-receiver timeout.
const rejoinConnectTimeout = 5 * time.Second

type metricsState struct {
	mu              sync.Mutex
	framesSent      uint64
	syncCorrections uint64
	bufferUnderruns uint64
	startedAt       time.Time
}

// Stats is the engine's contribution to get_stats() (§6).
type Stats struct {
	FramesSent       uint64
	SyncCorrections  uint64
	BufferUnderruns  uint64
	DevicesConnected int
	PlaybackState    PlaybackState
	UptimeSeconds    float64
}

// New creates an idle Engine. sampleRate/bitDepth/channels are the
// terminator's configured audio format, always used to connect receivers;
// an ANNOUNCE'd SDP clock rate only replaces sampleRate in the
// presentation schedule's frame duration.
func New(reg *registry.Registry, clientFactory ReceiverClientFactory, cfg Config, sampleRate, bitDepth, channels int) *Engine {
	cfg.applyDefaults()
	return &Engine{
		reg:           reg,
		clientFactory: clientFactory,
		cfg:           cfg,
		log:           logger.Logger().With("component", "sync_engine"),
		egresses:      make(map[string]*receiverEgress),
		desired:       make(map[string]struct{}),
		playbackState: PlaybackIdle,
		sampleRate:    sampleRate,
		bitDepth:      bitDepth,
		channels:      channels,
	}
}

// --- raop.SessionSink implementation ---

var _ raop.SessionSink = (*Engine)(nil)

// SessionStarted establishes T0 = now + D_g and begins accepting egress
// joins for the new session.
func (e *Engine) SessionStarted(sessionID string, fanout *audiobuf.Buffer, sd raop.SessionDescription) {
	e.mu.Lock()

	sampleRate := sd.ClockRate
	if sampleRate == 0 {
		sampleRate = e.sampleRate
	}
	frameDuration := time.Duration(float64(e.cfg.SamplesPerFrame) / float64(sampleRate) * float64(time.Second))

	e.sessionID = sessionID
	e.fanout = fanout
	e.sd = sd
	e.schedule = &PresentationSchedule{
		T0:            time.Now().Add(e.cfg.GlobalDelay),
		Seq0:          0,
		FrameDuration: frameDuration,
		SampleRate:    sampleRate,
	}
	e.playbackState = PlaybackPlaying

	toRejoin := make([]string, 0, len(e.desired))
	for id := range e.desired {
		toRejoin = append(toRejoin, id)
	}
	e.mu.Unlock()

	e.metrics.mu.Lock()
	e.metrics.startedAt = time.Now()
	e.metrics.mu.Unlock()

	e.log.Info("session started", "session_id", sessionID, "sample_rate", sampleRate, "codec", sd.Codec)
	e.publish(Event{Type: EventPlaybackStateChanged, Payload: PlaybackPlaying})

	// Receivers previously joined to the group are reattached to this new
	// session's fan-out, so membership survives the RECORD/TEARDOWN cycle
	// rather than requiring the control API caller to rejoin manually.
	for _, id := range toRejoin {
		go e.rejoin(id)
	}
}

// rejoin re-attaches a receiver already present in e.desired to whatever
// session/fanout is current at call time. Used by SessionStarted to
// restore standing group membership across a session boundary.
func (e *Engine) rejoin(receiverID string) {
	ctx, cancel := context.WithTimeout(context.Background(), rejoinConnectTimeout)
	defer cancel()
	if err := e.attachEgress(ctx, receiverID); err != nil {
		e.log.Warn("failed to reattach receiver to new session", "receiver_id", receiverID, "error", err)
	}
}

// SessionFlushed resets the sequence origin so post-flush frames schedule
// correctly against the existing master clock.
func (e *Engine) SessionFlushed(sessionID string, nextSeq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionID != sessionID || e.schedule == nil {
		return
	}
	e.schedule.Seq0 = nextSeq
	e.schedule.T0 = time.Now().Add(e.cfg.GlobalDelay)
}

// SessionEnded tears down every egress task and clears session state.
// e.desired is deliberately left untouched: group membership is a
// session-independent concept (§3's GroupMembership), and SessionStarted
// reattaches these same receiver IDs once a new session begins.
func (e *Engine) SessionEnded(sessionID string) {
	e.mu.Lock()
	if e.sessionID != sessionID {
		e.mu.Unlock()
		return
	}
	egresses := e.egresses
	e.egresses = make(map[string]*receiverEgress)
	e.sessionID = ""
	e.fanout = nil
	e.schedule = nil
	e.playbackState = PlaybackStopped
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.LeaveDrainTimeout)
	defer cancel()
	var wg sync.WaitGroup
	for _, eg := range egresses {
		wg.Add(1)
		go func(eg *receiverEgress) {
			defer wg.Done()
			eg.stop(ctx)
		}(eg)
	}
	wg.Wait()

	e.log.Info("session ended", "session_id", sessionID)
	e.publish(Event{Type: EventPlaybackStateChanged, Payload: PlaybackStopped})
}

// --- group membership ---

// JoinGroup records receiverID as standing group membership and, if a
// session is currently active, connects to it and begins scheduling
// frames starting from the next frame whose presentation time clears the
// join safety margin (§4.5 "Join"). If no session is active yet, the
// intent is recorded and the receiver is attached automatically the next
// time SessionStarted fires.
func (e *Engine) JoinGroup(ctx context.Context, receiverID string) error {
	if _, ok := e.reg.Get(receiverID); !ok {
		return fmt.Errorf("receiver %s not known", receiverID)
	}

	e.mu.Lock()
	e.desired[receiverID] = struct{}{}
	noActiveSession := e.schedule == nil || e.fanout == nil
	_, alreadyAttached := e.egresses[receiverID]
	e.mu.Unlock()

	if noActiveSession || alreadyAttached {
		return nil
	}

	return e.attachEgress(ctx, receiverID)
}

// attachEgress connects to receiverID and starts its egress task against
// whatever session/fanout is current, assuming the caller has already
// confirmed one is active (or is racing to find out, which attachEgress
// handles by failing if the session ended in the meantime).
func (e *Engine) attachEgress(ctx context.Context, receiverID string) error {
	rec, ok := e.reg.Get(receiverID)
	if !ok {
		return fmt.Errorf("receiver %s not known", receiverID)
	}

	e.mu.Lock()
	if e.schedule == nil || e.fanout == nil {
		e.mu.Unlock()
		return fmt.Errorf("no active playback session")
	}
	if _, exists := e.egresses[receiverID]; exists {
		e.mu.Unlock()
		return nil
	}
	schedule := e.schedule
	sampleRate, bitDepth, channels := e.sampleRate, e.bitDepth, e.channels
	fanout := e.fanout
	e.mu.Unlock()

	client := e.clientFactory(rec.Host, e.cfg.RTSPPort)
	if err := client.Connect(ctx, 6000, 6001, 6002, sampleRate, bitDepth, channels); err != nil {
		_ = e.reg.SetStatus(receiverID, registry.StatusError, err.Error())
		e.publish(Event{Type: EventStatusChanged, Payload: receiverID})
		return apperrors.NewTransportError("syncengine.join", receiverID, err)
	}

	consumer := fanout.Subscribe(receiverID)
	eg := newReceiverEgress(receiverID, client, consumer, schedule, e.cfg, e.log, e)

	e.mu.Lock()
	e.egresses[receiverID] = eg
	e.mu.Unlock()

	if d, ok := e.cfg.DeviceDelays[receiverID]; ok {
		eg.setBaseDelay(d)
	}

	eg.start()
	_ = e.reg.SetStatus(receiverID, registry.StatusConnected, "")
	e.publish(Event{Type: EventStatusChanged, Payload: receiverID})
	e.log.Info("receiver joined group", "receiver_id", receiverID)
	return nil
}

// LeaveGroup removes receiverID from standing group membership and, if it
// has an active egress, stops scheduling new frames to it, sends a
// graceful stop, and closes its egress task within the configured drain
// timeout (§4.5 "Leave").
func (e *Engine) LeaveGroup(ctx context.Context, receiverID string) error {
	e.mu.Lock()
	delete(e.desired, receiverID)
	eg, ok := e.egresses[receiverID]
	if ok {
		delete(e.egresses, receiverID)
	}
	fanout := e.fanout
	e.mu.Unlock()
	if !ok {
		return nil
	}
	if fanout != nil {
		fanout.Unsubscribe(receiverID)
	}

	drainCtx, cancel := context.WithTimeout(ctx, e.cfg.LeaveDrainTimeout)
	defer cancel()
	eg.stop(drainCtx)

	_ = e.reg.SetStatus(receiverID, registry.StatusDiscovered, "")
	e.publish(Event{Type: EventStatusChanged, Payload: receiverID})
	e.log.Info("receiver left group", "receiver_id", receiverID)
	return nil
}

// evict is called by a receiverEgress's sync-check loop after three
// consecutive skew violations (§4.5 "Skew policy").
func (e *Engine) evict(receiverID string, reason string) {
	e.mu.Lock()
	delete(e.desired, receiverID)
	eg, ok := e.egresses[receiverID]
	if ok {
		delete(e.egresses, receiverID)
	}
	fanout := e.fanout
	e.mu.Unlock()
	if !ok {
		return
	}
	if fanout != nil {
		fanout.Unsubscribe(receiverID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.LeaveDrainTimeout)
	defer cancel()
	eg.stop(ctx)

	_ = e.reg.SetStatus(receiverID, registry.StatusError, reason)
	e.metrics.mu.Lock()
	e.metrics.syncCorrections++
	e.metrics.mu.Unlock()
	metrics.Get().ReceiverEvictions.WithLabelValues(reason).Inc()
	e.publish(Event{Type: EventStatusChanged, Payload: receiverID})
	e.log.Warn("receiver evicted for sustained skew", "receiver_id", receiverID, "reason", reason)
}

// Subscribe returns a buffered channel of future events. A slow or absent
// subscriber never blocks publication (matching the "events carry values,
// no blocking callbacks" redesign guidance).
func (e *Engine) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	e.subMu.Lock()
	e.subscribers = append(e.subscribers, ch)
	e.subMu.Unlock()
	return ch
}

func (e *Engine) publish(ev Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// GetStats returns a snapshot for get_stats() (§6). devices_connected
// reflects standing group membership (e.desired), not merely receivers
// with a currently-live egress, so it stays unchanged across a session
// end (§8 scenario 2).
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	devices := len(e.desired)
	state := e.playbackState
	e.mu.Unlock()

	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	uptime := 0.0
	if !e.metrics.startedAt.IsZero() {
		uptime = time.Since(e.metrics.startedAt).Seconds()
	}
	metrics.Get().DevicesConnected.Set(float64(devices))
	metrics.Get().PlaybackState.Set(metrics.PlaybackStateValue(string(state)))
	metrics.Get().Uptime.Set(uptime)

	return Stats{
		FramesSent:       e.metrics.framesSent,
		SyncCorrections:  e.metrics.syncCorrections,
		BufferUnderruns:  e.metrics.bufferUnderruns,
		DevicesConnected: devices,
		PlaybackState:    state,
		UptimeSeconds:    uptime,
	}
}

func (e *Engine) recordFrameSent() {
	e.metrics.mu.Lock()
	e.metrics.framesSent++
	e.metrics.mu.Unlock()
	metrics.Get().FramesSentTotal.Inc()
}

func (e *Engine) recordUnderruns(n uint64) {
	e.metrics.mu.Lock()
	e.metrics.bufferUnderruns += n
	e.metrics.mu.Unlock()
	metrics.Get().BufferUnderrunsTotal.Add(float64(n))
}
