package syncengine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/airplay-multiroom/server/internal/audiobuf"
)

// receiverEgress is one receiver's scheduling task: it drains its fan-out
// consumer, computes each frame's target presentation time, and transmits
// on schedule. It is the sync engine's counterpart to the relay package's
// per-destination send loop.
type receiverEgress struct {
	receiverID string
	client     ReceiverClient
	consumer   *audiobuf.Consumer
	schedule   *PresentationSchedule
	cfg        Config
	log        *slog.Logger
	engine     *Engine

	mu                sync.RWMutex
	baseDelay         time.Duration
	networkDelay      time.Duration // EMA of measured RTT/2, per §4.5's D_r composition
	calibrationOffset time.Duration
	violations        int

	joined        atomic.Bool
	lastUnderruns uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newReceiverEgress(receiverID string, client ReceiverClient, consumer *audiobuf.Consumer, schedule *PresentationSchedule, cfg Config, log *slog.Logger, engine *Engine) *receiverEgress {
	ctx, cancel := context.WithCancel(context.Background())
	return &receiverEgress{
		receiverID: receiverID,
		client:     client,
		consumer:   consumer,
		schedule:   schedule,
		cfg:        cfg,
		log:        log.With("receiver_id", receiverID),
		engine:     engine,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// offset returns the current D_r (§4.5).
func (eg *receiverEgress) offset() time.Duration {
	eg.mu.RLock()
	defer eg.mu.RUnlock()
	return eg.baseDelay + eg.networkDelay + eg.calibrationOffset
}

// setBaseDelay applies a configured per-receiver static delay.
func (eg *receiverEgress) setBaseDelay(d time.Duration) {
	eg.mu.Lock()
	eg.baseDelay = d
	eg.mu.Unlock()
}

// setCalibrationOffset applies a user-tunable calibration knob.
func (eg *receiverEgress) setCalibrationOffset(d time.Duration) {
	eg.mu.Lock()
	eg.calibrationOffset = d
	eg.mu.Unlock()
}

func (eg *receiverEgress) start() {
	eg.wg.Add(2)
	go eg.runFrames()
	go eg.runSyncCheck()
}

// stop sends a graceful TEARDOWN, then waits for the egress goroutines to
// exit — bounded by ctx's deadline, which the caller sets to the 2s leave
// drain timeout (§4.5 "Leave").
func (eg *receiverEgress) stop(ctx context.Context) {
	_ = eg.client.Teardown(ctx)
	eg.cancel()

	done := make(chan struct{})
	go func() {
		eg.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	_ = eg.client.Close()
}

func (eg *receiverEgress) runFrames() {
	defer eg.wg.Done()
	for {
		select {
		case <-eg.ctx.Done():
			return
		case f, ok := <-eg.consumer.Frames():
			if !ok {
				return
			}
			eg.handleFrame(f)
		}
	}
}

// handleFrame applies the join safety margin (first frame only), waits
// until the frame's presentation deadline, and transmits it. The engine
// never reorders or drops frames that have not yet missed their deadline
// (§4.5 "Skew policy"); the only frames dropped here are the handful
// preceding a fresh join, which is the documented exception.
func (eg *receiverEgress) handleFrame(f *audiobuf.AudioFrame) {
	defer f.Release()

	target := eg.schedule.baseTime(f.Seq).Add(eg.offset())
	now := time.Now()

	if !eg.joined.Load() {
		if target.Sub(now) < eg.cfg.JoinSafetyMargin {
			return
		}
		eg.joined.Store(true)
	}

	if wait := time.Until(target); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-eg.ctx.Done():
			timer.Stop()
			return
		}
	}

	if err := eg.client.SendFrame(f); err != nil {
		eg.log.Warn("send frame failed", "error", err)
		return
	}
	eg.engine.recordFrameSent()
	if cur := eg.consumer.Underruns(); cur > eg.lastUnderruns {
		eg.engine.recordUnderruns(cur - eg.lastUnderruns)
		eg.lastUnderruns = cur
	}
}
