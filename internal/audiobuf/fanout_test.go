package audiobuf

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushDeliversToAllConsumers(t *testing.T) {
	b := New(4)
	a := b.Subscribe("a")
	c := b.Subscribe("c")

	b.Push(&AudioFrame{Seq: 1, SampleCount: 352})

	fa := <-a.Frames()
	fc := <-c.Frames()
	assert.Equal(t, uint64(1), fa.Seq)
	assert.Equal(t, uint64(1), fc.Seq)
}

func TestLaggingConsumerSkippedForwardWithDiscontinuity(t *testing.T) {
	b := New(2)
	slow := b.Subscribe("slow")

	for i := uint64(1); i <= 5; i++ {
		b.Push(&AudioFrame{Seq: i})
	}

	require.Greater(t, slow.Underruns(), uint64(0))

	var last *AudioFrame
	for {
		select {
		case f := <-slow.Frames():
			last = f
		default:
			goto done
		}
	}
done:
	require.NotNil(t, last)
	assert.Equal(t, uint64(5), last.Seq)
	assert.True(t, last.Discontinuity)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(2)
	c := b.Subscribe("x")
	b.Unsubscribe("x")

	_, open := <-c.Frames()
	assert.False(t, open)
	assert.Equal(t, 0, b.ConsumerCount())
}

func TestReleasableFrameFreedOnlyAfterEveryConsumerReleases(t *testing.T) {
	b := New(4)
	a := b.Subscribe("a")
	c := b.Subscribe("c")

	var freed int32
	f := &AudioFrame{Seq: 1, Payload: []byte{9, 9}}
	f.Releasable(func([]byte) { atomic.AddInt32(&freed, 1) })
	b.Push(f)

	fa := <-a.Frames()
	fc := <-c.Frames()

	fa.Release()
	assert.Equal(t, int32(0), atomic.LoadInt32(&freed), "must not free while c still holds a reference")

	fc.Release()
	assert.Equal(t, int32(1), atomic.LoadInt32(&freed))
}

func TestReleasableFrameFreedImmediatelyWithNoConsumers(t *testing.T) {
	b := New(4)

	var freed int32
	f := &AudioFrame{Seq: 1, Payload: []byte{9, 9}}
	f.Releasable(func([]byte) { atomic.AddInt32(&freed, 1) })
	b.Push(f)

	assert.Equal(t, int32(1), atomic.LoadInt32(&freed))
}

func TestReleasableFrameFreedWhenLaggingConsumerDrained(t *testing.T) {
	b := New(1)
	slow := b.Subscribe("slow")

	var freed int32
	release := func([]byte) { atomic.AddInt32(&freed, 1) }

	first := &AudioFrame{Seq: 1, Payload: []byte{1}}
	first.Releasable(release)
	b.Push(first) // fills slow's single-slot channel

	second := &AudioFrame{Seq: 2, Payload: []byte{2}}
	second.Releasable(release)
	b.Push(second) // drains and skips slow forward, releasing first on its behalf

	assert.Equal(t, int32(1), atomic.LoadInt32(&freed), "first's sole recipient drained it without consuming it")

	skipped := <-slow.Frames()
	skipped.Release()
	assert.Equal(t, int32(2), atomic.LoadInt32(&freed))
}

func TestPushNeverBlocksProducerUnderSustainedLag(t *testing.T) {
	b := New(1)
	_ = b.Subscribe("never-reads")

	done := make(chan struct{})
	go func() {
		for i := uint64(0); i < 10000; i++ {
			b.Push(&AudioFrame{Seq: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked on a lagging consumer")
	}
}
