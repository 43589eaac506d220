package raop

import (
	"fmt"
	"strconv"
	"strings"
)

// Hooks lets the RAOP terminator notify the rest of the server about
// session lifecycle events without importing the synchronization engine
// or registry directly, keeping this package a leaf in the dependency
// graph.
type Hooks interface {
	// AllocatePorts binds the UDP audio and control sockets for sessionID
	// and returns the server-side ports chosen.
	AllocatePorts(sessionID string) (audioPort, controlPort int, err error)
	OnRecord(sessionID string, sd SessionDescription, sampleRate, bitDepth, channels int)
	OnFlush(sessionID string, nextSeq uint64)
	OnTeardown(sessionID string)
}

// dispatch handles one RTSP request against sess and returns the
// response to write back, applying the state machine in §4.3.
func dispatch(sessionID string, sess *Session, req *Request, hooks Hooks) *Response {
	switch strings.ToUpper(req.Method) {
	case "OPTIONS":
		return NewResponse(200, req.CSeq).WithHeader("Public", strings.Join(SupportedMethods, ", "))

	case "ANNOUNCE":
		sdp := ParseSDP(string(req.Body))
		if sdp.MediaPort == 0 && sdp.Codec == "" {
			return NewResponse(400, req.CSeq)
		}
		if sdp.HasEncryption {
			return NewResponse(401, req.CSeq).
				WithHeader("WWW-Authenticate", `Basic realm="encrypted senders are not supported"`)
		}
		if err := sess.Announce(sdp); err != nil {
			return errorResponse(err, req.CSeq)
		}
		return NewResponse(200, req.CSeq)

	case "SETUP":
		transport := req.Header("Transport")
		clientAudio, clientControl, clientTiming := parseClientPorts(transport)
		if hooks == nil {
			return NewResponse(500, req.CSeq)
		}
		serverAudio, serverControl, err := hooks.AllocatePorts(sessionID)
		if err != nil {
			return NewResponse(500, req.CSeq)
		}
		if err := sess.Setup(clientAudio, clientControl, clientTiming, serverAudio, serverControl); err != nil {
			return errorResponse(err, req.CSeq)
		}
		transportHeader := fmt.Sprintf(
			"RTP/AVP/UDP;unicast;mode=record;server_port=%d-%d", serverAudio, serverControl)
		return NewResponse(200, req.CSeq).
			WithHeader("Transport", transportHeader).
			WithHeader("Session", sess.Token)

	case "RECORD":
		if err := sess.Record(); err != nil {
			return errorResponse(err, req.CSeq)
		}
		if hooks != nil {
			hooks.OnRecord(sessionID, sess.SDP, sess.SampleRate, sess.BitDepth, sess.Channels)
		}
		return NewResponse(200, req.CSeq).WithHeader("Audio-Latency", "11025")

	case "PAUSE":
		if err := sess.Pause(); err != nil {
			return errorResponse(err, req.CSeq)
		}
		return NewResponse(200, req.CSeq)

	case "FLUSH":
		nextSeq := parseFlushSeq(req.Header("RTP-Info"))
		if err := sess.Flush(nextSeq); err != nil {
			return errorResponse(err, req.CSeq)
		}
		if hooks != nil {
			hooks.OnFlush(sessionID, nextSeq)
		}
		return NewResponse(200, req.CSeq)

	case "TEARDOWN":
		_ = sess.Teardown()
		if hooks != nil {
			hooks.OnTeardown(sessionID)
		}
		return NewResponse(200, req.CSeq)

	case "GET_PARAMETER":
		return NewResponse(200, req.CSeq).WithBody([]byte("volume: 0.0\r\n"), "text/parameters")

	case "SET_PARAMETER":
		return NewResponse(200, req.CSeq)

	default:
		return NewResponse(501, req.CSeq)
	}
}

func errorResponse(err error, cseq string) *Response {
	if _, ok := err.(*transitionError); ok {
		return NewResponse(455, cseq)
	}
	return NewResponse(400, cseq)
}

// parseClientPorts extracts client_port=A-B-C (audio-control-timing) or
// client_port=A-B (audio-control) from a Transport header, per RAOP's
// convention layered on top of the generic RTSP Transport grammar.
func parseClientPorts(transport string) (audio, control, timing int) {
	for _, field := range strings.Split(transport, ";") {
		if !strings.HasPrefix(field, "client_port=") {
			continue
		}
		ports := strings.Split(strings.TrimPrefix(field, "client_port="), "-")
		if len(ports) >= 1 {
			audio, _ = strconv.Atoi(ports[0])
		}
		if len(ports) >= 2 {
			control, _ = strconv.Atoi(ports[1])
		}
		if len(ports) >= 3 {
			timing, _ = strconv.Atoi(ports[2])
		}
	}
	return
}

// parseFlushSeq extracts the seq= field from an RTP-Info header, the
// sequence number the sender will resume at after the flush.
func parseFlushSeq(rtpInfo string) uint64 {
	for _, field := range strings.Split(rtpInfo, ";") {
		if strings.HasPrefix(field, "seq=") {
			n, err := strconv.ParseUint(strings.TrimPrefix(field, "seq="), 10, 64)
			if err == nil {
				return n
			}
		}
	}
	return 0
}

