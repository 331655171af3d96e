// Package ptyproc owns a single PTY master file descriptor and the child
// process attached to its slave end.
package ptyproc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// ErrSpawnFailed wraps failures from PTY allocation or exec.
var ErrSpawnFailed = errors.New("spawn failed")

// killGrace is how long Kill waits for a graceful exit before escalating to
// SIGKILL.
const killGrace = 5 * time.Second

// Config describes how to spawn the child behind a PTY.
type Config struct {
	Shell       string
	Args        []string
	Env         map[string]string
	Cwd         string
	InitialCols int
	InitialRows int
}

// Process wraps one master PTY endpoint and the child process behind it. It
// is the exclusive owner of both; nothing else may read, write, or signal
// the child directly.
type Process struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu       sync.Mutex
	exitCode *int // nil while alive
	waitOnce sync.Once
	waitCh   chan struct{}
}

// Spawn opens a PTY pair and forks the configured command on its slave end.
func Spawn(cfg Config) (*Process, error) {
	if cfg.Shell == "" {
		return nil, fmt.Errorf("%w: shell is required", ErrSpawnFailed)
	}
	cmd := exec.Command(cfg.Shell, cfg.Args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = buildEnv(cfg.Env)

	cols, rows := cfg.InitialCols, cfg.InitialRows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	p := &Process{
		cmd:    cmd,
		ptmx:   ptmx,
		waitCh: make(chan struct{}),
	}
	go p.reap()
	return p, nil
}

// buildEnv renders explicit env vars over a clean slate (nothing is inherited
// from this process), adding TERM=xterm-256color only when env does not set
// TERM itself.
func buildEnv(env map[string]string) []string {
	out := make([]string, 0, len(env)+2)
	termSet := false
	for k, v := range env {
		out = append(out, k+"="+v)
		if k == "TERM" {
			termSet = true
		}
	}
	if !termSet {
		out = append(out, "TERM=xterm-256color")
	}
	return out
}

// reap waits for the child to exit and records its status. It runs once per
// Process and keeps no zombie alive past its return.
func (p *Process) reap() {
	state, _ := p.cmd.Process.Wait()
	code := 0
	if state != nil {
		code = state.ExitCode()
	}
	p.mu.Lock()
	p.exitCode = &code
	p.mu.Unlock()
	close(p.waitCh)
}

// Read reads up to len(buf) bytes from the PTY master. It blocks until data
// is available, and returns (0, nil) on EOF.
func (p *Process) Read(buf []byte) (int, error) {
	n, err := p.ptmx.Read(buf)
	if err != nil {
		if isEOF(err) {
			return 0, nil
		}
		return n, fmt.Errorf("pty read: %w", err)
	}
	return n, nil
}

func isEOF(err error) bool {
	if err == nil {
		return false
	}
	// PTY masters report a closed slave as EIO, not io.EOF, on Linux.
	return errors.Is(err, os.ErrClosed) || strings.Contains(err.Error(), "input/output error") || strings.Contains(err.Error(), "EOF")
}

// Write writes all of b to the PTY master, retrying short writes internally.
func (p *Process) Write(b []byte) error {
	for len(b) > 0 {
		n, err := p.ptmx.Write(b)
		if err != nil {
			return fmt.Errorf("pty write: %w", err)
		}
		b = b[n:]
	}
	return nil
}

// Resize updates the PTY window size and delivers SIGWINCH to the child.
func (p *Process) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Signal delivers sig to the child's entire process group. pty.Start puts the
// child in its own session (Setsid), so its pid doubles as its pgid and
// -pid reaches every process it has forked.
func (p *Process) Signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return unix.Kill(-p.cmd.Process.Pid, sig)
}

// Kill sends SIGTERM to the process group, waits up to killGrace for a
// graceful exit, then escalates to SIGKILL. Idempotent: a second call after
// exit is a no-op. Kill does not return until the child has been reaped.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if p.alreadyExited() {
		return nil
	}

	_ = unix.Kill(-p.cmd.Process.Pid, unix.SIGTERM)

	select {
	case <-p.waitCh:
		p.ptmx.Close()
		return nil
	case <-time.After(killGrace):
	}

	_ = unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
	<-p.waitCh
	p.ptmx.Close()
	return nil
}

func (p *Process) alreadyExited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode != nil
}

// ExitStatus returns the child's exit code, or nil while it is still alive.
func (p *Process) ExitStatus() *int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exitCode == nil {
		return nil
	}
	code := *p.exitCode
	return &code
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done returns a channel closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.waitCh
}
