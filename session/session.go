package session

import (
	"log"
	"sync"
	"time"

	"github.com/chris/termgate/ptyproc"
)

// pumpReadSize is how much the PTY→WS pump reads per iteration from the PTY
// master.
const pumpReadSize = 64 * 1024

// exitPollInterval is how long the PTY-read pump waits between EOF and
// checking whether the child has actually been reaped, avoiding a busy loop
// in the narrow window between the slave side closing and cmd.Wait()
// returning.
const exitPollInterval = 50 * time.Millisecond

// AttachedConn is the weak back-reference a Session holds to its current
// WsConnection: the session owns its PTY and outlives any one connection,
// so this is a reference, not co-ownership. wsconn.Connection implements
// this.
type AttachedConn interface {
	// ForceClose tells the connection its Session is gone and it must close
	// itself with the given WebSocket close code.
	ForceClose(code int)
	// DeliverOutput hands the connection a chunk of PTY output to frame and
	// send. Called from the session's own PTY-read pump, so a slow or
	// backpressured connection stalls that pump, not the caller.
	DeliverOutput(data []byte)
	// NotifyExit tells the attached connection the PTY child has exited.
	NotifyExit(exitCode int)
}

// Session is one user's PTY-backed terminal, owned by Manager.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	Command   string // shell path, for process_started frames

	PTY   *ptyproc.Process
	State *State

	ring *ringBuffer // buffers PTY output while detached, for replay on reattach

	mu         sync.Mutex
	attached   AttachedConn
	detachedAt time.Time // zero while attached
}

func newSession(id, userID string, proc *ptyproc.Process, cwd, command string, ringSize int) *Session {
	s := &Session{
		ID:        id,
		UserID:    userID,
		CreatedAt: time.Now(),
		Command:   command,
		PTY:       proc,
		State:     newState(cwd),
		ring:      newRingBuffer(ringSize),
	}
	go s.pumpOutput()
	return s
}

// pumpOutput is the PTY→WS pump's session-owned half: it runs for the life
// of the session, independent of any one WsConnection, so output produced
// while nothing is attached is still captured (into ring) rather than
// lost. It hands off to whichever connection is currently attached instead
// of holding a single fixed *websocket.Conn.
func (s *Session) pumpOutput() {
	buf := make([]byte, pumpReadSize)
	for {
		n, err := s.PTY.Read(buf)
		if err != nil {
			log.Printf("[SESSION] %s: pty read error, pump exiting: %v", s.ID, err)
			return
		}
		if n == 0 {
			select {
			case <-s.PTY.Done():
				exit := s.PTY.ExitStatus()
				code := 0
				if exit != nil {
					code = *exit
				}
				s.mu.Lock()
				conn := s.attached
				s.mu.Unlock()
				if conn != nil {
					conn.NotifyExit(code)
				}
				return
			case <-time.After(exitPollInterval):
				continue
			}
		}
		chunk := append([]byte(nil), buf[:n]...)
		s.mu.Lock()
		conn := s.attached
		s.mu.Unlock()
		if conn != nil {
			conn.DeliverOutput(chunk)
		} else {
			s.BufferOutput(chunk)
		}
	}
}

// TryAttach succeeds only if no connection is currently attached, a
// compare-and-swap that keeps attach and destroy from racing onto the same
// session.
func (s *Session) TryAttach(conn AttachedConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached != nil {
		return false
	}
	s.attached = conn
	s.detachedAt = time.Time{}
	return true
}

// Detach clears the attachment if conn is still the current one, and starts
// the reconnection grace window.
func (s *Session) Detach(conn AttachedConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached == conn {
		s.attached = nil
		s.detachedAt = time.Now()
	}
}

// Attached reports whether a connection currently holds this session.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached != nil
}

// DetachedFor reports how long the session has been unattached, or 0 if it
// is currently attached.
func (s *Session) DetachedFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached != nil || s.detachedAt.IsZero() {
		return 0
	}
	return time.Since(s.detachedAt)
}

// BufferOutput stashes PTY output produced while detached, for replay on
// reattach. It does not check the attachment itself; pumpOutput calls it only
// when no connection is attached and hands output to DeliverOutput otherwise.
func (s *Session) BufferOutput(data []byte) {
	s.ring.Write(data)
}

// DrainBuffered returns and clears output buffered during the disconnect
// window, oldest first.
func (s *Session) DrainBuffered() []byte {
	return s.ring.Drain()
}

// forceDetach clears any attachment unconditionally, used by destroy to
// ensure no task can read or write the session's PTY once it is gone.
func (s *Session) forceDetach() AttachedConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.attached
	s.attached = nil
	return prev
}
