// Package receiverclient is the synchronization engine's outbound half: a
// minimal RAOP/RTSP client that drives one receiver through ANNOUNCE/SETUP/
// RECORD and then forwards PCM frames to it as RTP over UDP. It mirrors the
// shape of the server's own RTSP client-side test helper, scoped to exactly
// the verbs a sender needs to exercise.
package receiverclient

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/airplay-multiroom/server/internal/audiobuf"
	apperrors "github.com/airplay-multiroom/server/internal/errors"
)

// DialTimeout bounds the initial TCP connect to a receiver's RTSP port.
const DialTimeout = 5 * time.Second

// Client is a single egress task's connection to one receiver. It is not
// safe for concurrent use by multiple goroutines; the synchronization
// engine owns exactly one Client per connected receiver.
type Client struct {
	host     string
	rtspPort int

	conn   net.Conn
	reader *bufio.Reader

	cseq    int
	session string

	serverAudioPort   int
	serverControlPort int
	audioConn         *net.UDPConn

	ssrc    uint32
	seqNum  uint32 // atomic; wraps to uint16 on send
	started bool

	mu sync.Mutex
}

// New returns an unconnected Client targeting host:rtspPort (the receiver's
// RAOP RTSP control port, conventionally 5000).
func New(host string, rtspPort int) *Client {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return &Client{
		host:     host,
		rtspPort: rtspPort,
		ssrc:     uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]),
	}
}

func (c *Client) nextCSeq() int {
	c.cseq++
	return c.cseq
}

// Connect dials the receiver, announces the session with a generated SDP
// body, negotiates UDP ports via SETUP, and starts playback with RECORD.
// clientAudioPort/clientControlPort/clientTimingPort are the local UDP
// ports the synchronization engine is prepared to receive acks on.
func (c *Client) Connect(ctx context.Context, clientAudioPort, clientControlPort, clientTimingPort, sampleRate, bitDepth, channels int) error {
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.host, strconv.Itoa(c.rtspPort)))
	if err != nil {
		return apperrors.NewTransportError("receiverclient.dial", c.host, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)

	sdp := c.buildSDP(sampleRate, bitDepth, channels)
	if _, _, err := c.sendRequest("ANNOUNCE", "rtsp://"+c.host+"/stream", map[string]string{
		"Content-Type": "application/sdp",
	}, []byte(sdp)); err != nil {
		c.closeConnOnly()
		return err
	}

	transport := fmt.Sprintf("RTP/AVP/UDP;unicast;client_port=%d-%d", clientAudioPort, clientControlPort)
	_, setupHeaders, err := c.sendRequest("SETUP", "rtsp://"+c.host+"/stream", map[string]string{
		"Transport": transport,
	}, nil)
	if err != nil {
		c.closeConnOnly()
		return err
	}
	c.session = setupHeaders["Session"]
	c.serverAudioPort, c.serverControlPort = parseServerPorts(setupHeaders["Transport"])
	if c.serverAudioPort == 0 {
		c.closeConnOnly()
		return apperrors.NewTransportError("receiverclient.setup", c.host, fmt.Errorf("receiver did not return a server_port"))
	}

	if _, _, err := c.sendRequest("RECORD", "rtsp://"+c.host+"/stream", nil, nil); err != nil {
		c.closeConnOnly()
		return err
	}

	audioConn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP(c.host), Port: c.serverAudioPort})
	if err != nil {
		c.closeConnOnly()
		return apperrors.NewTransportError("receiverclient.audio_dial", c.host, err)
	}
	c.audioConn = audioConn
	c.started = true
	return nil
}

// buildSDP produces a minimal SDP body describing raw PCM audio — the
// synchronization engine re-streams already-decoded frames, so downstream
// receivers are told to expect L16 rather than the original ALAC payload.
func (c *Client) buildSDP(sampleRate, bitDepth, channels int) string {
	return strings.Join([]string{
		"v=0",
		"o=airplay-multiroom 0 0 IN IP4 0.0.0.0",
		"s=airplay-multiroom",
		"c=IN IP4 " + c.host,
		"t=0 0",
		"m=audio 0 RTP/AVP 97",
		fmt.Sprintf("a=rtpmap:97 L%d/%d", bitDepth, sampleRate),
		fmt.Sprintf("a=fmtp:97 channels=%d", channels),
		"",
	}, "\r\n")
}

// SendFrame transmits one fan-out frame as RTP audio. It is the hot path
// invoked once per frame by an egress task and must never block for longer
// than a single UDP write.
func (c *Client) SendFrame(f *audiobuf.AudioFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.audioConn == nil {
		return apperrors.NewTransportError("receiverclient.send", c.host, fmt.Errorf("not connected"))
	}

	seq := uint16(atomic.AddUint32(&c.seqNum, 1))
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    97,
			SequenceNumber: seq,
			Timestamp:      uint32(f.OriginTimestamp),
			SSRC:           c.ssrc,
		},
		Payload: f.Payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return apperrors.NewDecodeError("receiverclient.marshal", err)
	}
	if _, err := c.audioConn.Write(raw); err != nil {
		return apperrors.NewTransportError("receiverclient.write", c.host, err)
	}
	return nil
}

// SendSyncPacket reasserts the mapping between sender RTP timestamp and
// receiver wall clock on the control channel, per §4.5. Transmission is
// best-effort: a failure here does not tear down the session, since
// periodic sync checks will detect and report persistent skew separately.
func (c *Client) SendSyncPacket(rtpTimestamp uint32, ntpLike int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	// A bare best-effort datagram on the negotiated control port; the exact
	// receiver-side NTP-style timing packet format is out of scope here
	// (§4.3/§7 treat full crypto and Apple-specific timing sync as optional
	// extensions). This keeps the control channel warm and observable.
	addr := &net.UDPAddr{IP: net.ParseIP(c.host), Port: c.serverControlPort}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return apperrors.NewTransportError("receiverclient.sync_dial", c.host, err)
	}
	defer conn.Close()
	payload := fmt.Sprintf("rtp=%d;ntp=%d", rtpTimestamp, ntpLike)
	_, err = conn.Write([]byte(payload))
	return err
}

// Teardown sends a graceful TEARDOWN and releases local resources. It is
// tolerant of a receiver that is already gone.
func (c *Client) Teardown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_, _, _ = c.sendRequestLocked("TEARDOWN", "rtsp://"+c.host+"/stream", nil, nil)
	}
	return c.closeLocked()
}

// Ping measures a control-channel round trip by sending GET_PARAMETER and
// timing the response, giving the synchronization engine's sync-check
// loop its network_delay sample (§4.5's D_r composition).
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return 0, apperrors.NewTransportError("receiverclient.ping", c.host, fmt.Errorf("not connected"))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	start := time.Now()
	if _, _, err := c.sendRequestLocked("GET_PARAMETER", "rtsp://"+c.host+"/stream", nil, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Close releases resources without attempting a graceful TEARDOWN; used
// when the connection is already known bad.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	var err error
	if c.audioConn != nil {
		err = c.audioConn.Close()
		c.audioConn = nil
	}
	if c.conn != nil {
		if cerr := c.conn.Close(); err == nil {
			err = cerr
		}
		c.conn = nil
	}
	c.started = false
	return err
}

func (c *Client) closeConnOnly() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) sendRequest(method, uri string, headers map[string]string, body []byte) (int, map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendRequestLocked(method, uri, headers, body)
}

func (c *Client) sendRequestLocked(method, uri string, headers map[string]string, body []byte) (int, map[string]string, error) {
	cseq := c.nextCSeq()
	var sb strings.Builder
	sb.WriteString(method + " " + uri + " RTSP/1.0\r\n")
	sb.WriteString("CSeq: " + strconv.Itoa(cseq) + "\r\n")
	if c.session != "" {
		sb.WriteString("Session: " + c.session + "\r\n")
	}
	for k, v := range headers {
		sb.WriteString(k + ": " + v + "\r\n")
	}
	if len(body) > 0 {
		sb.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	}
	sb.WriteString("\r\n")
	if len(body) > 0 {
		sb.Write([]byte(body))
	}

	if _, err := c.conn.Write([]byte(sb.String())); err != nil {
		return 0, nil, apperrors.NewTransportError("receiverclient.write_request", c.host, err)
	}
	return c.readResponse()
}

func (c *Client) readResponse() (int, map[string]string, error) {
	statusLine, err := c.reader.ReadString('\n')
	if err != nil {
		return 0, nil, apperrors.NewTransportError("receiverclient.read_status", c.host, err)
	}
	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	status := 0
	if len(parts) >= 2 {
		status, _ = strconv.Atoi(parts[1])
	}

	headers := make(map[string]string)
	contentLength := 0
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return status, headers, apperrors.NewTransportError("receiverclient.read_headers", c.host, err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		headers[key] = val
		if strings.EqualFold(key, "Content-Length") {
			contentLength, _ = strconv.Atoi(val)
		}
	}

	if contentLength > 0 {
		buf := make([]byte, contentLength)
		if _, err := readFull(c.reader, buf); err != nil {
			return status, headers, apperrors.NewTransportError("receiverclient.read_body", c.host, err)
		}
	}

	if status >= 400 {
		return status, headers, apperrors.NewRTSPError("receiverclient.response", status, fmt.Errorf("receiver returned %d", status))
	}
	return status, headers, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// parseServerPorts extracts "server_port=A-B" from a Transport header.
func parseServerPorts(transport string) (audio, control int) {
	for _, field := range strings.Split(transport, ";") {
		field = strings.TrimSpace(field)
		if !strings.HasPrefix(field, "server_port=") {
			continue
		}
		val := strings.TrimPrefix(field, "server_port=")
		ports := strings.SplitN(val, "-", 2)
		if len(ports) == 2 {
			audio, _ = strconv.Atoi(ports[0])
			control, _ = strconv.Atoi(ports[1])
		}
	}
	return audio, control
}

// Host returns the receiver's address, for logging.
func (c *Client) Host() string { return c.host }
