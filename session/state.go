package session

import (
	"strings"
	"sync"
	"time"
)

const maxHistory = 1000

// State is the mutable per-session shell state. Writers take the single
// exclusive lock; readers may proceed concurrently with other readers via
// RLock.
type State struct {
	mu sync.RWMutex

	workingDir   string
	env          map[string]string
	history      []string // FIFO, capped at maxHistory
	childPIDs    map[int]struct{}
	lastActivity time.Time
	pendingLine  string // bytes typed since the last newline, not yet a history entry
}

func newState(cwd string) *State {
	return &State{
		workingDir:   cwd,
		env:          make(map[string]string),
		childPIDs:    make(map[int]struct{}),
		lastActivity: time.Now(),
	}
}

// Touch records activity without otherwise mutating state.
func (s *State) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last recorded activity time.
func (s *State) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// AddToHistory appends cmd, evicting the oldest entry once the cap is hit.
func (s *State) AddToHistory(cmd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	s.appendHistoryLocked(cmd)
}

// appendHistoryLocked appends cmd to history under an already-held lock,
// evicting the oldest entry past maxHistory.
func (s *State) appendHistoryLocked(cmd string) {
	s.history = append(s.history, cmd)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
}

// History returns a copy of the recorded command history.
func (s *State) History() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.history))
	copy(out, s.history)
	return out
}

// FeedInput accumulates raw bytes written to the PTY by the client and
// commits each newline-terminated line to history. Partial lines are held
// in pendingLine until their terminating newline arrives.
func (s *State) FeedInput(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	s.pendingLine += data
	for {
		i := strings.IndexByte(s.pendingLine, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(s.pendingLine[:i], "\r")
		s.pendingLine = s.pendingLine[i+1:]
		if line == "" {
			continue
		}
		s.appendHistoryLocked(line)
	}
}

// SetEnv records an environment variable. No policy is applied here — that
// is the Authorizer's and the PTY child's job.
func (s *State) SetEnv(k, v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env[k] = v
	s.lastActivity = time.Now()
}

// SetCwd records the session's working directory.
func (s *State) SetCwd(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workingDir = path
	s.lastActivity = time.Now()
}

// Cwd returns the current working directory.
func (s *State) Cwd() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workingDir
}

// AddChildPID records a descendant pid spawned within the session's PTY.
func (s *State) AddChildPID(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.childPIDs[pid] = struct{}{}
}

// ChildPIDs returns a snapshot of tracked descendant pids.
func (s *State) ChildPIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.childPIDs))
	for pid := range s.childPIDs {
		out = append(out, pid)
	}
	return out
}
