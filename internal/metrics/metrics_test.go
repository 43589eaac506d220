package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsSameRegistryEveryTime(t *testing.T) {
	a := Get()
	b := Get()
	assert.Same(t, a, b)
}

func TestPlaybackStateValue(t *testing.T) {
	assert.Equal(t, 0.0, PlaybackStateValue("idle"))
	assert.Equal(t, 1.0, PlaybackStateValue("playing"))
	assert.Equal(t, 2.0, PlaybackStateValue("paused"))
	assert.Equal(t, 3.0, PlaybackStateValue("stopped"))
	assert.Equal(t, 0.0, PlaybackStateValue("unknown"))
}

func TestCountersIncrementWithoutPanicking(t *testing.T) {
	r := Get()
	r.FramesSentTotal.Inc()
	r.BufferUnderrunsTotal.Add(2)
	r.DevicesConnected.Set(3)
	r.ReceiversByType.WithLabelValues("audio_receiver").Set(1)
	r.ReceiverEvictions.WithLabelValues("skew").Inc()
	r.DiscoveryEventsTotal.WithLabelValues("_raop._tcp").Inc()
}
