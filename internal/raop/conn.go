package raop

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/airplay-multiroom/server/internal/logger"
)

// Conn wraps one accepted RAOP/RTSP TCP connection: a request/response
// loop feeding a single Session through dispatch.
type Conn struct {
	id      string
	netConn net.Conn
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	session *Session
	hooks   Hooks
}

var connCounter uint64

func nextConnID() string { return fmt.Sprintf("r%06d", atomic.AddUint64(&connCounter, 1)) }

// Accept performs a blocking Accept on l and wraps the result in a Conn
// bound to a fresh Idle session.
func Accept(l net.Listener, hooks Hooks, sampleRate, bitDepth, channels int) (*Conn, error) {
	raw, err := l.Accept()
	if err != nil {
		return nil, err
	}

	id := nextConnID()
	lgr := logger.WithConn(logger.Logger(), id, raw.RemoteAddr().String())
	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{
		id:      id,
		netConn: raw,
		log:     lgr,
		ctx:     ctx,
		cancel:  cancel,
		session: NewSession(sampleRate, bitDepth, channels),
		hooks:   hooks,
	}
	return c, nil
}

// ID returns the connection's logical identity, reused as the session id
// handed to Hooks.
func (c *Conn) ID() string { return c.id }

// Close cancels the connection's context and closes the underlying
// socket, unblocking the read loop.
func (c *Conn) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	_ = c.netConn.Close()
	c.wg.Wait()
	return nil
}

// Serve runs the request/response loop until the connection closes or an
// unrecoverable RTSP parse error occurs (400, then close).
func (c *Conn) Serve() {
	c.wg.Add(1)
	defer c.wg.Done()

	r := bufio.NewReader(c.netConn)
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		req, err := ReadRequest(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.log.Debug("connection closed by sender")
			} else {
				c.log.Warn("malformed rtsp request", "error", err)
				_ = NewResponse(400, "").WriteTo(c.netConn)
			}
			if c.session.Snapshot() == StateRecording {
				if c.hooks != nil {
					c.hooks.OnTeardown(c.id)
				}
			}
			return
		}

		c.log.Debug("rtsp request", "method", req.Method, "uri", req.URI, "cseq", req.CSeq)
		resp := dispatch(c.id, c.session, req, c.hooks)
		if err := resp.WriteTo(c.netConn); err != nil {
			c.log.Warn("failed to write rtsp response", "error", err)
			return
		}

		if c.session.Snapshot() == StateTornDown {
			return
		}
	}
}
