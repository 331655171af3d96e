// Package session implements the lifecycle of PTY-backed terminal sessions,
// keyed by an opaque session id, with a secondary per-user index and an
// idle-timeout sweep.
package session

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chris/termgate/errkind"
	"github.com/chris/termgate/ptymanager"
	"github.com/chris/termgate/ptyproc"
)

// Manager owns every live Session, indexed both by session id and by owning
// user id: a Session is in the primary map if and only if it is also in the
// user's secondary index.
type Manager struct {
	pty *ptymanager.Manager

	maxPerUser   int
	idleTimeout  time.Duration
	graceWindow  time.Duration
	defaultShell string
	ringSize     int

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}

	stop chan struct{}
	once sync.Once
}

// Config configures Manager's policy knobs. Zero values fall back to
// built-in defaults.
type Config struct {
	PTYManager   *ptymanager.Manager
	MaxPerUser   int
	IdleTimeout  time.Duration
	GraceWindow  time.Duration
	DefaultShell string
	RingSize     int
}

// New constructs a Manager and starts its background sweep goroutine.
func New(cfg Config) *Manager {
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = 10
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 5 * time.Minute
	}
	if cfg.DefaultShell == "" {
		cfg.DefaultShell = "/bin/sh"
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = 1024 * 1024
	}
	m := &Manager{
		pty:          cfg.PTYManager,
		maxPerUser:   cfg.MaxPerUser,
		idleTimeout:  cfg.IdleTimeout,
		graceWindow:  cfg.GraceWindow,
		defaultShell: cfg.DefaultShell,
		ringSize:     cfg.RingSize,
		sessions:     make(map[string]*Session),
		byUser:       make(map[string]map[string]struct{}),
		stop:         make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// CreateOpts allows a caller to set the cwd/env/size the new session's PTY
// spawns with; zero values fall back to Manager defaults. The shell is always
// the Manager's default shell.
type CreateOpts struct {
	Cwd         string
	Env         map[string]string
	InitialCols int
	InitialRows int
}

// Create allocates a new SessionId, spawns its PTY, and registers it under
// userID, failing with errkind.QuotaExceeded once the user is already at
// MaxPerUser live sessions.
func (m *Manager) Create(userID string, opts CreateOpts) (*Session, error) {
	m.mu.Lock()
	if len(m.byUser[userID]) >= m.maxPerUser {
		m.mu.Unlock()
		return nil, errkind.New(errkind.QuotaExceeded, "session quota exceeded for user")
	}
	m.mu.Unlock()

	id := uuid.NewString()
	proc, err := m.pty.Spawn(id, ptyproc.Config{
		Shell:       m.defaultShell,
		Env:         opts.Env,
		Cwd:         opts.Cwd,
		InitialCols: opts.InitialCols,
		InitialRows: opts.InitialRows,
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.SpawnFailed, "spawning pty", err)
	}

	sess := newSession(id, userID, proc, opts.Cwd, m.defaultShell, m.ringSize)

	m.mu.Lock()
	// Re-check the quota under the write lock in case of a concurrent Create
	// race, to keep the invariant len(byUser[u]) <= maxPerUser exact.
	if len(m.byUser[userID]) >= m.maxPerUser {
		m.mu.Unlock()
		m.pty.Kill(id)
		return nil, errkind.New(errkind.QuotaExceeded, "session quota exceeded for user")
	}
	m.sessions[id] = sess
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]struct{})
	}
	m.byUser[userID][id] = struct{}{}
	m.mu.Unlock()

	log.Printf("[SESSION] created %s for user %q (pid=%d)", id, userID, proc.Pid())
	return sess, nil
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Attach binds conn to the session, failing if another connection already
// holds it or the session does not exist.
func (m *Manager) Attach(id string, conn AttachedConn) (*Session, error) {
	sess, ok := m.Get(id)
	if !ok {
		return nil, errkind.New(errkind.SessionNotFound, "no such session")
	}
	if !sess.TryAttach(conn) {
		return nil, errkind.New(errkind.AlreadyAttached, "session already has an active connection")
	}
	// A Destroy that removed the session between the lookup and TryAttach
	// may already have run forceDetach; undo the attachment and report the
	// session gone so no attachment outlives the session.
	if _, still := m.Get(id); !still {
		sess.Detach(conn)
		return nil, errkind.New(errkind.SessionNotFound, "no such session")
	}
	return sess, nil
}

// Detach releases conn's hold on the session and starts its grace-window
// clock. It is a no-op if conn is not the session's current attachment.
func (m *Manager) Detach(id string, conn AttachedConn) {
	if sess, ok := m.Get(id); ok {
		sess.Detach(conn)
	}
}

// Destroy removes the session from both maps, kills its PTY, and forces any
// attached connection closed. Idempotent.
func (m *Manager) Destroy(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	if users, ok := m.byUser[sess.UserID]; ok {
		delete(users, id)
		if len(users) == 0 {
			delete(m.byUser, sess.UserID)
		}
	}
	m.mu.Unlock()

	if conn := sess.forceDetach(); conn != nil {
		conn.ForceClose(4001) // session expired
	}
	m.pty.Kill(id)
	log.Printf("[SESSION] destroyed %s", id)
}

// ListForUser returns the ids of every live session owned by userID.
func (m *Manager) ListForUser(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byUser[userID]
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

// OwnedBy reports whether session id exists and belongs to userID.
func (m *Manager) OwnedBy(id, userID string) bool {
	sess, ok := m.Get(id)
	return ok && sess.UserID == userID
}

// Count returns the number of currently live sessions, for the health
// endpoint's operator-facing pressure detail.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown stops the background sweep and destroys every live session, the
// last step of a graceful server shutdown.
func (m *Manager) Shutdown() {
	m.once.Do(func() { close(m.stop) })
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Destroy(id)
	}
}

const sweepInterval = 60 * time.Second

// sweepLoop runs every sweepInterval, destroying sessions that have been
// unattached past their idle timeout or grace window, and reaping sessions
// whose PTY has already exited.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	m.mu.RLock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	for _, s := range candidates {
		if exit := s.PTY.ExitStatus(); exit != nil {
			log.Printf("[SESSION] %s: pty exited (code=%d), reaping", s.ID, *exit)
			m.Destroy(s.ID)
			continue
		}
		if s.Attached() {
			continue
		}
		idleFor := time.Since(s.State.LastActivity())
		detachedFor := s.DetachedFor()
		if idleFor > m.idleTimeout || (detachedFor > 0 && detachedFor > m.graceWindow) {
			log.Printf("[SESSION] %s: idle=%s detached=%s, sweeping", s.ID, idleFor, detachedFor)
			m.Destroy(s.ID)
		}
	}
}
