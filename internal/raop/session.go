package raop

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
)

// State is the RTSP session's lifecycle state, per §4.3/§3's data model.
type State uint8

const (
	StateIdle State = iota
	StateAnnounced
	StateSetUp
	StateRecording
	StateFlushing
	StatePaused
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAnnounced:
		return "Announced"
	case StateSetUp:
		return "SetUp"
	case StateRecording:
		return "Recording"
	case StateFlushing:
		return "Flushing"
	case StatePaused:
		return "Paused"
	case StateTornDown:
		return "TornDown"
	default:
		return "Unknown"
	}
}

// Session holds per-sender RTSP/RAOP state established across the
// ANNOUNCE/SETUP/RECORD sequence. Every method takes mu, so a Session may
// be read (for example via Snapshot) while its connection's
// request-handling goroutine mutates it.
type Session struct {
	mu sync.Mutex

	Token string // decimal session identifier returned in SETUP's Session header

	State State
	SDP   SessionDescription

	SampleRate int
	BitDepth   int
	Channels   int

	ClientAudioPort   int
	ClientControlPort int
	ClientTimingPort  int
	ServerAudioPort   int
	ServerControlPort int

	seqExpected uint64
	haveFirst   bool
}

// NewSession creates a session in Idle state with the server's configured
// default audio format, overridden once ANNOUNCE's SDP is parsed.
func NewSession(defaultSampleRate, defaultBitDepth, defaultChannels int) *Session {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return &Session{
		Token:      strconv.FormatUint(binary.BigEndian.Uint64(b[:]), 10),
		State:      StateIdle,
		SampleRate: defaultSampleRate,
		BitDepth:   defaultBitDepth,
		Channels:   defaultChannels,
	}
}

// transitionError reports a method that is valid in principle but not in
// the session's current state (RTSP 455).
type transitionError struct {
	method string
	state  State
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("method %s not valid in state %s", e.method, e.state)
}

// Announce validates and applies an ANNOUNCE request's SDP body, moving
// Idle -> Announced.
func (s *Session) Announce(sdp SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateIdle {
		return &transitionError{"ANNOUNCE", s.State}
	}
	s.SDP = sdp
	s.State = StateAnnounced
	return nil
}

// Setup records negotiated transport ports, moving Announced -> SetUp.
func (s *Session) Setup(clientAudio, clientControl, clientTiming, serverAudio, serverControl int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateAnnounced {
		return &transitionError{"SETUP", s.State}
	}
	s.ClientAudioPort = clientAudio
	s.ClientControlPort = clientControl
	s.ClientTimingPort = clientTiming
	s.ServerAudioPort = serverAudio
	s.ServerControlPort = serverControl
	s.State = StateSetUp
	return nil
}

// Record begins audio intake, moving SetUp -> Recording, or resumes it
// after a PAUSE, moving Paused -> Recording.
func (s *Session) Record() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateSetUp && s.State != StatePaused {
		return &transitionError{"RECORD", s.State}
	}
	s.State = StateRecording
	s.haveFirst = false
	return nil
}

// Pause suspends audio intake without tearing down the session, moving
// Recording -> Paused. The sender is expected to resume with RECORD or
// close the session with TEARDOWN.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateRecording {
		return &transitionError{"PAUSE", s.State}
	}
	s.State = StatePaused
	return nil
}

// Flush resets the expected sequence number to nextSeq; the session stays
// in Recording.
func (s *Session) Flush(nextSeq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateRecording {
		return &transitionError{"FLUSH", s.State}
	}
	s.seqExpected = nextSeq
	s.haveFirst = true
	return nil
}

// Teardown is valid from any active state and moves to TornDown.
func (s *Session) Teardown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateTornDown
	return nil
}

// Snapshot returns the current state under lock, for logging/dispatch
// decisions that don't mutate state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}
