// Package audiobuf implements the single-producer, multi-consumer audio
// fan-out buffer described in §4.4: the RAOP terminator is the sole
// producer, and one consumer per receiver egress task drains it
// independently. A lagging consumer is skipped forward to the newest frame
// rather than ever blocking the producer.
package audiobuf

import (
	"sync"
	"sync/atomic"
)

// AudioFrame is the unit flowing from the RAOP terminator to the fan-out
// buffer and onward to every receiver egress task (§3).
type AudioFrame struct {
	Seq             uint64
	OriginTimestamp uint64 // sender RTP timestamp, extended to 64 bits
	Payload         []byte // PCM samples, owned by the frame until Release
	SampleCount     int
	Discontinuity   bool // set on the first frame delivered after a consumer was skipped forward
	Silence         bool // set when this frame substitutes for a lost RTP packet

	refs   *int32       // outstanding recipients sharing Payload; nil if not pool-backed
	onFree func([]byte) // invoked once every recipient has called Release
}

// Releasable marks f's Payload as pool-backed: onFree runs exactly once,
// after every consumer the fan-out buffer ends up delivering this frame
// (or a copy sharing its reference count) to has called Release. The
// producer calls this before Push; frames built without it are plain
// heap slices and Release is a no-op on them.
func (f *AudioFrame) Releasable(onFree func([]byte)) {
	n := int32(0)
	f.refs = &n
	f.onFree = onFree
}

// Release must be called exactly once by each recipient of f once it no
// longer needs Payload. A no-op unless the frame was marked Releasable.
func (f *AudioFrame) Release() {
	if f.onFree == nil || f.refs == nil {
		return
	}
	if atomic.AddInt32(f.refs, -1) == 0 {
		f.onFree(f.Payload)
	}
}

// Buffer is a bounded fan-out point for one RAOP session's AudioFrame
// stream. Capacity is expressed in frames and should correspond to
// approximately 2s of audio at the session's frame rate (§4.4).
type Buffer struct {
	mu        sync.RWMutex
	consumers map[string]*Consumer
	capacity  int
}

// New creates a fan-out buffer with the given per-consumer capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 172
	}
	return &Buffer{consumers: make(map[string]*Consumer), capacity: capacity}
}

// Consumer is a single receiver egress task's view onto the buffer. It is
// never blocked by the producer and never blocks the producer.
type Consumer struct {
	id        string
	ch        chan *AudioFrame
	underruns uint64
	delivered uint64
}

// ID returns the consumer's identity (matches the receiver id it serves).
func (c *Consumer) ID() string { return c.id }

// Frames exposes the channel of delivered frames for range/select use.
func (c *Consumer) Frames() <-chan *AudioFrame { return c.ch }

// Underruns returns the number of times this consumer was skipped forward
// due to lag.
func (c *Consumer) Underruns() uint64 { return atomic.LoadUint64(&c.underruns) }

// Delivered returns the number of frames actually handed to this consumer
// (distinct from frames produced, since lag causes skips).
func (c *Consumer) Delivered() uint64 { return atomic.LoadUint64(&c.delivered) }

// Subscribe registers a new consumer identified by id (typically a
// receiver id) and returns it. Subscribing twice with the same id replaces
// the previous consumer.
func (b *Buffer) Subscribe(id string) *Consumer {
	c := &Consumer{id: id, ch: make(chan *AudioFrame, b.capacity)}
	b.mu.Lock()
	b.consumers[id] = c
	b.mu.Unlock()
	return c
}

// Unsubscribe removes a consumer; its channel is closed so any blocked
// range loop exits.
func (b *Buffer) Unsubscribe(id string) {
	b.mu.Lock()
	c, ok := b.consumers[id]
	delete(b.consumers, id)
	b.mu.Unlock()
	if ok {
		close(c.ch)
	}
}

// Push delivers a frame to every current consumer. It never blocks: a
// consumer whose channel is full is drained and skipped forward to this
// frame with a discontinuity marker, per §4.4's lagging-consumer policy.
func (b *Buffer) Push(f *AudioFrame) {
	if f == nil {
		return
	}

	b.mu.RLock()
	consumers := make([]*Consumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		consumers = append(consumers, c)
	}
	b.mu.RUnlock()

	if f.onFree != nil {
		if len(consumers) == 0 {
			// Nobody will ever receive this frame, so no Release call is
			// coming; reclaim it immediately.
			f.onFree(f.Payload)
		} else {
			*f.refs = int32(len(consumers))
		}
	}

	for _, c := range consumers {
		select {
		case c.ch <- f:
			atomic.AddUint64(&c.delivered, 1)
		default:
			drainAndSkip(c, f)
		}
	}
}

// drainAndSkip empties a lagging consumer's channel and delivers the
// newest frame with a discontinuity marker, so the consumer never sees a
// gap in sequence numbers that silence should have filled instead.
func drainAndSkip(c *Consumer, newest *AudioFrame) {
	atomic.AddUint64(&c.underruns, 1)
drain:
	for {
		select {
		case old := <-c.ch:
			// old was already counted as delivered to c when it was
			// pushed; since c never ran it through a consumer, release
			// c's share of it here instead.
			old.Release()
		default:
			break drain
		}
	}
	skipped := *newest
	skipped.Discontinuity = true
	select {
	case c.ch <- &skipped:
		atomic.AddUint64(&c.delivered, 1)
	default:
		// Capacity is at least 1; this branch is unreachable in practice
		// since we just drained, but never block the producer regardless.
		// c's share of newest's refcount must still be released since
		// nothing will ever deliver skipped to a consumer.
		skipped.Release()
	}
}

// ConsumerCount returns the number of currently subscribed consumers.
func (b *Buffer) ConsumerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.consumers)
}
