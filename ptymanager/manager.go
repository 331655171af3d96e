// Package ptymanager is the concurrent registry of live PTY processes keyed
// by opaque string id.
package ptymanager

import (
	"sync"

	"github.com/chris/termgate/ptyproc"
)

// Manager looks up and reaps PtyProcesses. Values are shared handles to the
// underlying *ptyproc.Process; there is no global lock held across
// operations, only around the map itself.
type Manager struct {
	mu    sync.RWMutex
	procs map[string]*ptyproc.Process
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{procs: make(map[string]*ptyproc.Process)}
}

// Spawn starts a new PTY process under cfg, registers it under id, and
// returns the shared handle.
func (m *Manager) Spawn(id string, cfg ptyproc.Config) (*ptyproc.Process, error) {
	proc, err := ptyproc.Spawn(cfg)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.procs[id] = proc
	m.mu.Unlock()
	return proc, nil
}

// Get returns the process registered under id, if any.
func (m *Manager) Get(id string) (*ptyproc.Process, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.procs[id]
	return p, ok
}

// Kill removes id from the registry and kills its process.
func (m *Manager) Kill(id string) {
	m.mu.Lock()
	p, ok := m.procs[id]
	if ok {
		delete(m.procs, id)
	}
	m.mu.Unlock()
	if ok {
		_ = p.Kill()
	}
}

// ReapDead scans all registered processes and removes those that have
// already exited, returning how many were removed.
func (m *Manager) ReapDead() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, p := range m.procs {
		if p.ExitStatus() != nil {
			delete(m.procs, id)
			removed++
		}
	}
	return removed
}

// Len reports how many processes are currently registered.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.procs)
}
