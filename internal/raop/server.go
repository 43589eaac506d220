// Package raop implements the RTSP/RAOP session terminator: it accepts
// sender connections, runs the ANNOUNCE/SETUP/RECORD state machine, and
// feeds decoded audio into a fan-out buffer for the synchronization
// engine to re-stream.
package raop

import (
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/airplay-multiroom/server/internal/audiobuf"
	apperrors "github.com/airplay-multiroom/server/internal/errors"
	"github.com/airplay-multiroom/server/internal/logger"
)

// Config holds the terminator's startup knobs.
type Config struct {
	ListenAddr string
	SampleRate int
	BitDepth   int
	Channels   int
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":5001"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 44100
	}
	if c.BitDepth == 0 {
		c.BitDepth = 16
	}
	if c.Channels == 0 {
		c.Channels = 2
	}
}

// SessionSink is implemented by whatever owns per-session fan-out and
// synchronization state (syncengine.Engine in practice). It is the
// other half of the Hooks contract this package defines.
type SessionSink interface {
	SessionStarted(sessionID string, fanout *audiobuf.Buffer, sd SessionDescription)
	SessionFlushed(sessionID string, nextSeq uint64)
	SessionEnded(sessionID string)
}

// Server owns the RAOP TCP listener and every live Conn/Intake pair.
type Server struct {
	cfg  Config
	l    net.Listener
	log  *slog.Logger
	sink SessionSink

	mu          sync.RWMutex
	conns       map[string]*Conn
	intakes     map[string]*Intake
	fanouts     map[string]*audiobuf.Buffer
	acceptingWg sync.WaitGroup
	closing     bool

	bufferFrames int
}

// New creates an unstarted Server.
func New(cfg Config, sink SessionSink, bufferFrames int) *Server {
	cfg.applyDefaults()
	if bufferFrames <= 0 {
		bufferFrames = 172
	}
	return &Server{
		cfg:          cfg,
		log:          logger.Logger().With("component", "raop_server"),
		sink:         sink,
		conns:        make(map[string]*Conn),
		intakes:      make(map[string]*Intake),
		fanouts:      make(map[string]*audiobuf.Buffer),
		bufferFrames: bufferFrames,
	}
}

// Start binds the listener and launches the accept loop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.l != nil {
		s.mu.Unlock()
		return errors.New("raop server already started")
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.mu.Unlock()
		return apperrors.NewBindError("raop.listen", err)
	}
	s.l = ln
	s.mu.Unlock()

	s.log.Info("raop terminator listening", "addr", ln.Addr().String())
	s.acceptingWg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.acceptingWg.Done()
	for {
		s.mu.RLock()
		l := s.l
		closing := s.closing
		s.mu.RUnlock()
		if l == nil || closing {
			return
		}

		c, err := Accept(l, s, s.cfg.SampleRate, s.cfg.BitDepth, s.cfg.Channels)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		s.mu.Lock()
		s.conns[c.ID()] = c
		s.mu.Unlock()
		s.log.Info("sender connected", "conn_id", c.ID())

		go c.Serve()
	}
}

// Stop closes the listener and every live connection/intake.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.l == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	l := s.l
	s.l = nil
	conns := s.conns
	s.conns = make(map[string]*Conn)
	intakes := s.intakes
	s.intakes = make(map[string]*Intake)
	s.mu.Unlock()

	_ = l.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	for _, in := range intakes {
		_ = in.Close()
	}

	s.acceptingWg.Wait()
	s.log.Info("raop terminator stopped")
	return nil
}

// --- Hooks implementation, bridging conn/dispatch to SessionSink ---

// AllocatePorts implements Hooks: it binds this session's UDP audio
// intake and stores it for routing once RECORD arrives.
func (s *Server) AllocatePorts(sessionID string) (audioPort, controlPort int, err error) {
	fanout := audiobuf.New(s.bufferFrames)
	frameLen := 1024 // standard RAOP ALAC frames-per-packet default

	intake, err := NewIntake(fanout, frameLen)
	if err != nil {
		return 0, 0, err
	}

	s.mu.Lock()
	s.intakes[sessionID] = intake
	s.fanouts[sessionID] = fanout
	s.mu.Unlock()

	// The control (timing) port reuses the same mechanism; RAOP servers
	// frequently share one socket for control acks, which is sufficient
	// for this terminator's scope (no RTCP feedback loop is implemented).
	return intake.Port(), intake.Port(), nil
}

// OnRecord implements Hooks: starts audio intake and informs the sink so
// the synchronization engine can attach a per-receiver fan-out consumer.
func (s *Server) OnRecord(sessionID string, sd SessionDescription, sampleRate, bitDepth, channels int) {
	s.mu.RLock()
	intake := s.intakes[sessionID]
	fanout := s.fanouts[sessionID]
	s.mu.RUnlock()

	if intake == nil || fanout == nil {
		s.log.Error("record without prior setup", "session_id", sessionID)
		return
	}
	go intake.Run()

	if s.sink != nil {
		s.sink.SessionStarted(sessionID, fanout, sd)
	}
}

// OnFlush implements Hooks.
func (s *Server) OnFlush(sessionID string, nextSeq uint64) {
	if s.sink != nil {
		s.sink.SessionFlushed(sessionID, nextSeq)
	}
}

// OnTeardown implements Hooks: releases the session's UDP socket and
// notifies the sink so it can drain and remove the receiver's egress
// tasks.
func (s *Server) OnTeardown(sessionID string) {
	s.mu.Lock()
	intake := s.intakes[sessionID]
	delete(s.intakes, sessionID)
	delete(s.fanouts, sessionID)
	delete(s.conns, sessionID)
	s.mu.Unlock()

	if intake != nil {
		_ = intake.Close()
	}
	if s.sink != nil {
		s.sink.SessionEnded(sessionID)
	}
}

// Addr returns the bound listener address, or nil if not started.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.l == nil {
		return nil
	}
	return s.l.Addr()
}
