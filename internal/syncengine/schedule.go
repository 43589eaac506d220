package syncengine

import (
	"context"
	"time"

	"github.com/airplay-multiroom/server/internal/metrics"
)

// rttPinger is implemented by receiver clients that can measure a
// control-channel round trip (receiverclient.Client does, via Ping). Not
// every test double needs to; a client that doesn't implement it simply
// contributes no network_delay measurement, and its egress relies on
// baseDelay/calibrationOffset alone.
type rttPinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// runSyncCheck is the 5 s-cadence loop (§4.5's "sync check") that
// refreshes this receiver's network_delay EMA and evaluates skew against
// the configured tolerance. Three consecutive violations evict the
// receiver from the active group.
func (eg *receiverEgress) runSyncCheck() {
	defer eg.wg.Done()

	interval := eg.cfg.SyncCheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-eg.ctx.Done():
			return
		case <-ticker.C:
			eg.checkOnce()
		}
	}
}

func (eg *receiverEgress) checkOnce() {
	pinger, ok := eg.client.(rttPinger)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(eg.ctx, eg.cfg.SyncCheckInterval)
	rtt, err := pinger.Ping(ctx)
	cancel()

	if err != nil {
		eg.recordViolation("probe failed: " + err.Error())
		return
	}

	measured := rtt / 2
	eg.mu.Lock()
	prev := eg.networkDelay
	if prev == 0 {
		eg.networkDelay = measured
	} else {
		eg.networkDelay = time.Duration(eg.cfg.EMAAlpha*float64(measured) + (1-eg.cfg.EMAAlpha)*float64(prev))
	}
	skew := eg.networkDelay - prev
	if skew < 0 {
		skew = -skew
	}
	eg.mu.Unlock()

	metrics.Get().ReceiverNetworkDelay.WithLabelValues(eg.receiverID).Set(eg.networkDelay.Seconds())
	metrics.Get().ReceiverOffset.WithLabelValues(eg.receiverID).Set(eg.offset().Seconds())

	if skew > eg.cfg.SyncTolerance {
		eg.recordViolation("measured skew exceeded tolerance")
	} else {
		eg.mu.Lock()
		eg.violations = 0
		eg.mu.Unlock()
	}
}

func (eg *receiverEgress) recordViolation(reason string) {
	eg.mu.Lock()
	eg.violations++
	count := eg.violations
	eg.mu.Unlock()

	if count >= 3 {
		eg.log.Warn("skew tolerance violated for 3 consecutive checks", "reason", reason)
		go eg.engine.evict(eg.receiverID, reason)
	}
}
