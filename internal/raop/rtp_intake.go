package raop

import (
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/airplay-multiroom/server/internal/audiobuf"
	"github.com/airplay-multiroom/server/internal/bufpool"
	apperrors "github.com/airplay-multiroom/server/internal/errors"
	"github.com/airplay-multiroom/server/internal/logger"
)

// reorderWindow is declared but not applied by handlePacket: a sequence
// gap is filled with silence as soon as the next later packet arrives, and
// a packet arriving after its slot was filled is dropped.
const reorderWindow = 100 * time.Millisecond

// Intake owns the UDP audio socket for one RAOP session: it parses RTP
// packets, extends the 32-bit wire timestamp to a monotonically
// increasing 64-bit one, fills sequence gaps with silence, and pushes the
// result into a fan-out buffer.
type Intake struct {
	conn     *net.UDPConn
	port     int
	fanout   *audiobuf.Buffer
	frameLen int // samples per packet, known once the session announces codec params
	runOnce  sync.Once // guards against a PAUSE/RECORD resume re-starting Run on the same socket

	mu          sync.Mutex
	haveFirst   bool
	lastSeq     uint16
	baseTS      uint32
	extendedTS  uint64
	tsWraps     uint32
	seqCounter  uint64
	pendingSeq  map[uint16]time.Time // allocated but never populated; out-of-order packets are not buffered
	decodeErrs  uint64
	silenceFills uint64
}

// NewIntake binds an ephemeral UDP port for RTP audio
// intake and wires its output into fanout.
func NewIntake(fanout *audiobuf.Buffer, frameLen int) (*Intake, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, apperrors.NewBindError("rtp_intake.listen", err)
	}
	return &Intake{
		conn:       conn,
		port:       conn.LocalAddr().(*net.UDPAddr).Port,
		fanout:     fanout,
		frameLen:   frameLen,
		pendingSeq: make(map[uint16]time.Time),
	}, nil
}

// Port returns the bound UDP port, reported back to the sender in
// SETUP's Transport header.
func (in *Intake) Port() int { return in.port }

// Close releases the UDP socket.
func (in *Intake) Close() error { return in.conn.Close() }

// Run reads packets until the socket is closed or ctx-like cancellation
// occurs via Close from another goroutine. A PAUSE/RECORD cycle calls
// OnRecord (and so Run) more than once per session without ever closing
// the socket in between; runOnce ensures the read loop only ever starts
// once, so a resume never races a second reader against the first on the
// same UDP connection.
func (in *Intake) Run() {
	in.runOnce.Do(in.run)
}

func (in *Intake) run() {
	buf := make([]byte, 2048)
	for {
		n, _, err := in.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		in.handlePacket(buf[:n])
	}
}

func (in *Intake) handlePacket(raw []byte) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		in.mu.Lock()
		in.decodeErrs++
		in.mu.Unlock()
		logger.Warn("rtp decode error", "error", err)
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.haveFirst {
		in.haveFirst = true
		in.lastSeq = pkt.SequenceNumber
		in.baseTS = pkt.Timestamp
		in.extendedTS = uint64(pkt.Timestamp)
		in.pushLocked(pkt.Payload, false)
		return
	}

	gap := seqDelta(in.lastSeq, pkt.SequenceNumber)
	switch {
	case gap == 1:
		in.advanceTimestamp(pkt.Timestamp)
		in.pushLocked(pkt.Payload, false)
		in.lastSeq = pkt.SequenceNumber
	case gap > 1 && gap < 0x8000:
		// One or more packets missing: fill each with silence of equal
		// sample count right away, then deliver this packet.
		missing := int(gap) - 1
		for i := 0; i < missing; i++ {
			in.fillSilenceLocked()
		}
		in.silenceFills += uint64(missing)
		in.advanceTimestamp(pkt.Timestamp)
		in.pushLocked(pkt.Payload, false)
		in.lastSeq = pkt.SequenceNumber
	default:
		// Old/duplicate packet arriving after its slot was already
		// filled with silence; drop it.
	}
}

// advanceTimestamp extends pkt.Timestamp (32-bit, wraps every ~27h at
// 44.1kHz) into the session's monotonically increasing 64-bit domain.
func (in *Intake) advanceTimestamp(wireTS uint32) {
	if wireTS < in.baseTS {
		in.tsWraps++
	}
	in.baseTS = wireTS
	in.extendedTS = uint64(in.tsWraps)<<32 | uint64(wireTS)
}

func (in *Intake) pushLocked(payload []byte, discontinuity bool) {
	buf := bufpool.Get(len(payload))
	copy(buf, payload)
	frame := &audiobuf.AudioFrame{
		Seq:             in.seqCounter,
		OriginTimestamp: in.extendedTS,
		Payload:         buf,
		SampleCount:     in.frameLen,
		Discontinuity:   discontinuity,
	}
	frame.Releasable(bufpool.Put)
	in.fanout.Push(frame)
	in.seqCounter++
}

func (in *Intake) fillSilenceLocked() {
	silence := bufpool.Get(in.frameLen * 2 * 2) // 16-bit stereo
	clearBuf(silence)
	frame := &audiobuf.AudioFrame{
		Seq:             in.seqCounter,
		OriginTimestamp: in.extendedTS,
		Payload:         silence,
		SampleCount:     in.frameLen,
		Silence:         true,
	}
	frame.Releasable(bufpool.Put)
	in.fanout.Push(frame)
	in.seqCounter++
}

func clearBuf(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// seqDelta computes (b - a) over a 16-bit sequence space, wrapping
// correctly across the 65535 -> 0 boundary.
func seqDelta(a, b uint16) int32 {
	return int32(int16(b - a))
}

// Stats reports counters surfaced through get_stats().
func (in *Intake) Stats() (decodeErrors, silenceFills uint64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.decodeErrs, in.silenceFills
}
