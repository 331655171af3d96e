package ptyproc

import (
	"strings"
	"testing"
	"time"
)

func TestSpawn_RequiresShell(t *testing.T) {
	if _, err := Spawn(Config{}); err == nil {
		t.Fatal("expected spawn with no shell to fail")
	}
}

func TestProcess_WriteReadEcho(t *testing.T) {
	p, err := Spawn(Config{Shell: "/bin/sh", InitialCols: 80, InitialRows: 24})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer p.Kill()

	if err := p.Write([]byte("echo hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var got strings.Builder
	buf := make([]byte, 4096)
	for time.Now().Before(deadline) {
		if !strings.Contains(got.String(), "hello") {
			n, err := p.Read(buf)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			got.Write(buf[:n])
			continue
		}
		break
	}
	if !strings.Contains(got.String(), "hello") {
		t.Fatalf("expected echoed output to contain %q, got %q", "hello", got.String())
	}
}

func TestProcess_ResizeValidDimensions(t *testing.T) {
	p, err := Spawn(Config{Shell: "/bin/sh"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer p.Kill()

	if err := p.Resize(120, 40); err != nil {
		t.Fatalf("resize: %v", err)
	}
}

func TestProcess_ResizeRejectsNonPositive(t *testing.T) {
	p, err := Spawn(Config{Shell: "/bin/sh"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer p.Kill()

	if err := p.Resize(0, 40); err == nil {
		t.Fatal("expected resize with non-positive cols to fail")
	}
}

func TestProcess_ExitStatusAfterExit(t *testing.T) {
	p, err := Spawn(Config{Shell: "/bin/sh", Args: []string{"-c", "exit 3"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if status := p.ExitStatus(); status != nil {
		t.Fatalf("expected nil exit status while alive, got %v", *status)
	}

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for process to exit")
	}

	status := p.ExitStatus()
	if status == nil {
		t.Fatal("expected non-nil exit status after exit")
	}
	if *status != 3 {
		t.Fatalf("exit status = %d, want 3", *status)
	}
}

func TestProcess_KillIsIdempotent(t *testing.T) {
	p, err := Spawn(Config{Shell: "/bin/sh", Args: []string{"-c", "sleep 30"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if err := p.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("second kill should be a no-op, got: %v", err)
	}

	select {
	case <-p.Done():
	default:
		t.Fatal("expected process to be reaped after kill")
	}
}

func TestProcess_EnvIsHonored(t *testing.T) {
	p, err := Spawn(Config{
		Shell: "/bin/sh",
		Args:  []string{"-c", "echo $TESTVAR"},
		Env:   map[string]string{"TESTVAR": "marker123"},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer p.Kill()

	deadline := time.Now().Add(5 * time.Second)
	var got strings.Builder
	buf := make([]byte, 4096)
	for time.Now().Before(deadline) {
		if strings.Contains(got.String(), "marker123") {
			break
		}
		n, err := p.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got.Write(buf[:n])
		if n == 0 {
			break
		}
	}
	if !strings.Contains(got.String(), "marker123") {
		t.Fatalf("expected output to contain injected env var, got %q", got.String())
	}
}
