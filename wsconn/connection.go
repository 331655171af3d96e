package wsconn

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chris/termgate/authz"
	"github.com/chris/termgate/errkind"
	"github.com/chris/termgate/session"
	"github.com/chris/termgate/token"
)

const (
	authDeadline   = 30 * time.Second
	heartbeatEvery = 5 * time.Second
	pongTimeout    = 30 * time.Second
	connIdleLimit  = 10 * time.Minute
	maxFrameSize   = 1024 * 1024 // 1 MB
	outboxSize     = 64 // bounded outbound queue; full queue is the backpressure signal

	// maxFramesPerSecond caps the inbound message rate on one established
	// socket. The per-IP limiter only counts upgrades and API calls, so a
	// client flooding a single long-lived connection needs its own guard;
	// interactive typing and pastes sit far below this.
	maxFramesPerSecond = 200
)

// Connection states.
const (
	stateAwaitingAuth int32 = iota
	stateReady
	stateClosing
	stateClosed
)

// signalByName is the closed set of signals a client may request.
var signalByName = map[string]syscall.Signal{
	"SIGINT":  syscall.SIGINT,
	"SIGTERM": syscall.SIGTERM,
	"SIGKILL": syscall.SIGKILL,
}

// Sessions is the subset of *session.Manager a Connection needs, narrowed so
// tests can fake it.
type Sessions interface {
	Create(userID string, opts session.CreateOpts) (*session.Session, error)
	Attach(id string, conn session.AttachedConn) (*session.Session, error)
	Detach(id string, conn session.AttachedConn)
	OwnedBy(id, userID string) bool
}

// Config wires a Connection to its collaborators. The rate check for the
// upgrade itself already happened in the Router before this is built.
type Config struct {
	Conn       *websocket.Conn
	Verifier   *token.Verifier
	Authorizer *authz.Authorizer
	Sessions   Sessions
	RemoteAddr string
}

// Connection is the per-socket actor: wire protocol, state machine, and the
// WS-facing halves of the two pumps. The PTY-read half of the PTY→WS pump
// lives in *session.Session instead, so it survives a detach; Connection
// implements session.AttachedConn to receive its output.
type Connection struct {
	conn       *websocket.Conn
	verifier   *token.Verifier
	authorizer *authz.Authorizer
	sessions   Sessions
	remoteAddr string

	state atomic.Int32

	// Frame-rate window; touched only from the reader goroutine.
	frameWindow    time.Time
	framesInWindow int

	mu     sync.Mutex
	sess   *session.Session
	userID string

	out       chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	writeMu sync.Mutex // serializes writes to conn: gorilla allows only one writer at a time

	lastActivity atomic.Int64 // unix nanos of last inbound frame, PTY output, or connect
	lastPong     atomic.Int64 // unix nanos of last received pong
}

// New builds a Connection ready to Serve.
func New(cfg Config) *Connection {
	return &Connection{
		conn:       cfg.Conn,
		verifier:   cfg.Verifier,
		authorizer: cfg.Authorizer,
		sessions:   cfg.Sessions,
		remoteAddr: cfg.RemoteAddr,
		out:        make(chan []byte, outboxSize),
		closed:     make(chan struct{}),
	}
}

// Serve runs the connection to completion: authentication, then the Ready
// read loop, until the socket closes or the connection is force-closed. It
// blocks until the connection is fully torn down.
func (c *Connection) Serve(ctx context.Context) {
	defer c.teardown()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})
	go c.writeLoop()
	go c.heartbeatLoop()

	if !c.runAuth(ctx) {
		return
	}
	c.readLoop()
}

// runAuth blocks AwaitingAuth until a valid Authenticate arrives or the
// handshake deadline expires. Returns true iff the connection transitioned
// to Ready.
func (c *Connection) runAuth(ctx context.Context) bool {
	c.conn.SetReadDeadline(time.Now().Add(authDeadline))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		c.closeNow(4000, "no authenticate frame received")
		return false
	}

	msg, err := decodeClientMessage(raw)
	if err != nil || msg.kind != typeAuthenticate {
		c.sendError(errkind.InvalidMessage, "first frame must be authenticate")
		c.closeNow(4000, "expected authenticate")
		return false
	}

	claims, err := c.verifier.Verify(ctx, msg.authenticate.Token)
	if err != nil {
		c.sendError(verifyErrorKind(err), err.Error())
		c.closeNow(4000, "token verification failed")
		return false
	}
	if err := c.authorizer.Authorize(claims); err != nil {
		c.sendError(errkind.Forbidden, err.Error())
		c.closeNow(4000, "not authorized")
		return false
	}

	sess, err := c.bindSession(claims.Subject, msg.authenticate.SessionID)
	if err != nil {
		kind, code := classifyBindError(err)
		c.sendError(kind, err.Error())
		c.closeNow(code, "session bind failed")
		return false
	}

	c.mu.Lock()
	c.sess = sess
	c.userID = claims.Subject
	c.mu.Unlock()

	c.state.Store(stateReady)
	c.enqueue(serverAuthenticated(claims.Subject, sess.ID, claims.Groups))
	c.enqueue(serverConnectionStatus("connected", sess.ID))
	c.enqueue(serverProcessStarted(sess.PTY.Pid(), sess.Command))
	if buffered := sess.DrainBuffered(); len(buffered) > 0 {
		c.enqueue(serverOutput("stdout", base64Encode(buffered)))
	}
	// The auth deadline is done; from here idleness is enforced by
	// heartbeatLoop, which also sees PTY output as activity.
	c.conn.SetReadDeadline(time.Time{})
	return true
}

// bindSession creates a fresh session, or attaches to an existing one if the
// client requested a specific id for reconnection within the grace window.
// requestedID is a termgate extension to the authenticate frame.
func (c *Connection) bindSession(userID, requestedID string) (*session.Session, error) {
	if requestedID != "" && c.sessions.OwnedBy(requestedID, userID) {
		return c.sessions.Attach(requestedID, c)
	}
	return c.sessions.Create(userID, session.CreateOpts{})
}

// readLoop is the WS→PTY pump's decode-and-dispatch half. It returns once
// the socket errors, the frame cap is exceeded, or the connection is asked
// to close.
func (c *Connection) readLoop() {
	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if isFrameTooLarge(err) {
				c.closeNow(1009, "frame exceeds 1 MB")
				return
			}
			c.onSocketClosed()
			return
		}
		if msgType == websocket.BinaryMessage {
			// Binary frames are server→client only in this protocol; a
			// client sending one is a protocol violation.
			c.sendError(errkind.InvalidMessage, "binary frames are not accepted from clients")
			continue
		}

		c.markActivity()
		msg, err := decodeClientMessage(raw)
		if err != nil {
			c.sendError(errkind.InvalidMessage, err.Error())
			continue
		}
		if !c.dispatch(msg) {
			return
		}
	}
}

// dispatch applies one decoded client message and reports whether the read
// loop should continue.
func (c *Connection) dispatch(msg *clientMessage) bool {
	if !c.allowFrame() {
		log.Printf("[WSCONN] %s: frame rate limit exceeded, closing", c.remoteAddr)
		c.closeNow(4002, "rate limit exceeded")
		return false
	}

	sess := c.session()
	switch msg.kind {
	case typeAuthenticate:
		// A second Authenticate while already Ready is rejected outright
		// (documented Open Question resolution: reject, don't re-auth).
		c.sendError(errkind.InvalidMessage, "already authenticated")
		return true

	case typeCommand:
		if sess == nil {
			return true
		}
		sess.State.FeedInput(msg.command.Data)
		if err := sess.PTY.Write([]byte(msg.command.Data)); err != nil {
			c.failPty(sess, err)
			return false
		}
		return true

	case typeResize:
		if sess == nil {
			return true
		}
		if msg.resize.Cols < 1 || msg.resize.Cols > 1000 || msg.resize.Rows < 1 || msg.resize.Rows > 1000 {
			c.sendError(errkind.InvalidMessage, "cols and rows must be in [1, 1000]")
			return true
		}
		if err := sess.PTY.Resize(msg.resize.Cols, msg.resize.Rows); err != nil {
			c.sendError(errkind.Internal, "resize failed")
		}
		return true

	case typeSignal:
		if sess == nil {
			return true
		}
		sig, ok := signalByName[msg.signal.Signal]
		if !ok {
			c.sendError(errkind.InvalidMessage, fmt.Sprintf("unknown signal %q", msg.signal.Signal))
			return true
		}
		if err := sess.PTY.Signal(sig); err != nil {
			c.sendError(errkind.Internal, "signal delivery failed")
		}
		return true

	case typePing:
		now := time.Now().UnixMilli()
		latency := now - msg.ping.Timestamp
		if latency < 0 {
			latency = 0
		}
		c.enqueue(serverPong(msg.ping.Timestamp, latency))
		return true

	default:
		c.sendError(errkind.InvalidMessage, fmt.Sprintf("unknown message type %q", msg.kind))
		return true
	}
}

// allowFrame counts one inbound frame against the connection's rolling
// one-second window. Called only from the reader goroutine.
func (c *Connection) allowFrame() bool {
	now := time.Now()
	if now.Sub(c.frameWindow) >= time.Second {
		c.frameWindow = now
		c.framesInWindow = 0
	}
	c.framesInWindow++
	return c.framesInWindow <= maxFramesPerSecond
}

// onSocketClosed handles the underlying socket closing out from under the
// connection: detach, but do not destroy the session — it survives for the
// grace window.
func (c *Connection) onSocketClosed() {
	c.state.Store(stateClosed)
	if sess := c.session(); sess != nil {
		c.sessions.Detach(sess.ID, c)
	}
}

func (c *Connection) failPty(sess *session.Session, err error) {
	log.Printf("[WSCONN] session %s: pty write failed: %v", sess.ID, err)
	c.sendError(errkind.PtyIoError, "writing to pty failed")
	c.closeNow(1000, "pty io error")
}

// heartbeatLoop sends a protocol-level ping every 5s of idle time; if no
// pong arrives within 30s it transitions the connection to Closing with
// code 1001. It also enforces the overall 10-minute idle limit, where both
// inbound frames and PTY output count as activity. It rides the WebSocket
// control-frame ping/pong, not the application-level {"type":"ping"}
// message (which is a client-initiated latency probe answered inline by
// dispatch).
func (c *Connection) heartbeatLoop() {
	const tick = time.Second
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	now := time.Now()
	c.lastActivity.Store(now.UnixNano())
	c.lastPong.Store(now.UnixNano())

	pinging := false
	var lastPing time.Time
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if c.state.Load() >= stateClosing {
				return
			}
			now := time.Now()
			lastPong := time.Unix(0, c.lastPong.Load())
			if pinging && now.Sub(lastPong) > pongTimeout {
				c.closeNow(1001, "heartbeat missed")
				return
			}
			lastActivity := time.Unix(0, c.lastActivity.Load())
			if now.Sub(lastActivity) > connIdleLimit {
				c.closeNow(1001, "connection idle")
				return
			}
			if now.Sub(lastActivity) >= heartbeatEvery {
				if now.Sub(lastPing) >= heartbeatEvery {
					deadline := now.Add(pongTimeout)
					if err := c.writeControl(websocket.PingMessage, nil, deadline); err != nil {
						c.closeNow(1001, "heartbeat ping failed")
						return
					}
					lastPing = now
					pinging = true
				}
			} else {
				pinging = false
			}
		}
	}
}

// markActivity records traffic in either direction (an inbound client frame
// or outbound PTY output), resetting both the heartbeat idle clock and the
// overall connection idle clock.
func (c *Connection) markActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// writeLoop drains the outbound queue onto the socket. It is not the only
// writer: sendError's synchronous frames and the heartbeat and close control
// frames are written from other goroutines, and writeMu serializes them all.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case frame, ok := <-c.out:
			if !ok {
				return
			}
			if err := c.writeFrame(frame); err != nil {
				c.closeNow(1000, "write failed")
				return
			}
		}
	}
}

// writeFrame sends frame as a text frame. Every server→client message this
// package constructs is a JSON object; output could be sent as a raw binary
// frame too, but this implementation always wraps PTY bytes in a base64
// Output frame instead, trading a little bandwidth for one uniform framing
// path.
func (c *Connection) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Connection) writeControl(messageType int, data []byte, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(messageType, data, deadline)
}

// enqueue hands frame to the writer goroutine, blocking if the outbound
// queue is full. This block is the backpressure point: DeliverOutput calls
// enqueue from the session's PTY-read pump, so a full queue stalls that pump
// and, transitively, the next PTY read.
func (c *Connection) enqueue(frame []byte) {
	select {
	case c.out <- frame:
	case <-c.closed:
	}
}

// sendError writes the Error frame synchronously rather than through the
// outbound queue, so a frame sent immediately before closeNow is on the
// wire before the socket goes away.
func (c *Connection) sendError(kind errkind.Kind, message string) {
	_ = c.writeFrame(serverError(string(kind), message))
}

// session returns the currently bound session, or nil before authentication.
func (c *Connection) session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// closeNow transitions to Closing, sends a WebSocket close frame with code,
// and unblocks every goroutine waiting on c.closed. Closing the underlying
// socket here also unblocks a reader parked in ReadMessage, so a close
// decided by the heartbeat or the session pump doesn't wait on a peer that
// never answers.
func (c *Connection) closeNow(code int, reason string) {
	c.state.Store(stateClosing)
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		deadline := time.Now().Add(2 * time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		c.writeMu.Unlock()
		close(c.closed)
		c.conn.Close()
	})
}

// teardown runs once Serve is returning for any reason: detaches from the
// session (never destroys it — onSocketClosed / explicit close already
// decided that) and closes the underlying socket.
func (c *Connection) teardown() {
	c.state.Store(stateClosed)
	c.mu.Lock()
	sess, user := c.sess, c.userID
	c.mu.Unlock()
	if sess != nil {
		c.sessions.Detach(sess.ID, c)
		log.Printf("[WSCONN] %s: user %q detached from session %s", c.remoteAddr, user, sess.ID)
	}
	c.closeOnce.Do(func() { close(c.closed) })
	c.conn.Close()
}

// ForceClose implements session.AttachedConn: the session has been
// destroyed out from under this connection (idle sweep, explicit delete),
// so it must close itself with the given code.
func (c *Connection) ForceClose(code int) {
	c.closeNow(code, "session destroyed")
}

// DeliverOutput implements session.AttachedConn. Called from the session's
// PTY-read pump; blocks (via enqueue) when this connection can't keep up.
func (c *Connection) DeliverOutput(data []byte) {
	c.markActivity()
	frame := serverOutput("stdout", base64Encode(data))
	c.enqueue(frame)
}

// NotifyExit implements session.AttachedConn: the PTY child exited, so send
// ProcessExited and close normally.
func (c *Connection) NotifyExit(exitCode int) {
	sess := c.session()
	pid := 0
	if sess != nil {
		pid = sess.PTY.Pid()
	}
	c.enqueue(serverProcessExited(pid, exitCode, nil))
	c.closeNow(1000, "process exited")
}

func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// isFrameTooLarge reports whether err means the peer sent a frame past the
// read limit: gorilla surfaces this as its own ErrReadLimit sentinel (after
// having already written a 1009 close), or as a 1009 CloseError echoed by
// the peer.
func isFrameTooLarge(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		return true
	}
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == websocket.CloseMessageTooBig
}

// classifyBindError maps a session-bind failure to its client-facing Kind
// and close code.
func classifyBindError(err error) (errkind.Kind, int) {
	var e *errkind.Error
	if !errors.As(err, &e) {
		return errkind.Internal, 4000
	}
	switch e.Kind {
	case errkind.RateLimited:
		return e.Kind, 4002
	default:
		return e.Kind, 4000
	}
}

// verifyErrorKind extracts the client-facing Kind from a token verification
// failure. The verifier propagates JWKS-layer errors (KeyNotFound,
// JwksUnreachable) as-is, and those codes are part of the interface
// contract, so they must not be collapsed into InvalidToken.
func verifyErrorKind(err error) errkind.Kind {
	var e *errkind.Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return errkind.InvalidToken
}
