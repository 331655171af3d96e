package session

import (
	"testing"
	"time"

	"github.com/chris/termgate/errkind"
	"github.com/chris/termgate/ptymanager"
)

type fakeConn struct {
	forceClosed  chan int
	delivered    chan []byte
	exitNotified chan int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		forceClosed:  make(chan int, 1),
		delivered:    make(chan []byte, 16),
		exitNotified: make(chan int, 1),
	}
}

func (f *fakeConn) ForceClose(code int)       { f.forceClosed <- code }
func (f *fakeConn) DeliverOutput(data []byte) { f.delivered <- data }
func (f *fakeConn) NotifyExit(exitCode int)   { f.exitNotified <- exitCode }

func newTestManager(t *testing.T, maxPerUser int) *Manager {
	t.Helper()
	m := New(Config{
		PTYManager:   ptymanager.New(),
		MaxPerUser:   maxPerUser,
		DefaultShell: "/bin/sh",
	})
	t.Cleanup(m.Shutdown)
	return m
}

func TestManager_CreateEnforcesQuota(t *testing.T) {
	m := newTestManager(t, 2)

	if _, err := m.Create("u1", CreateOpts{}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := m.Create("u1", CreateOpts{}); err != nil {
		t.Fatalf("second create: %v", err)
	}
	_, err := m.Create("u1", CreateOpts{})
	e, ok := err.(*errkind.Error)
	if !ok || e.Kind != errkind.QuotaExceeded {
		t.Fatalf("expected QuotaExceeded on 3rd create, got %v", err)
	}
	if got := m.ListForUser("u1"); len(got) != 2 {
		t.Fatalf("expected exactly 2 live sessions for u1, got %d", len(got))
	}
}

func TestManager_AttachThenDetach(t *testing.T) {
	m := newTestManager(t, 5)
	sess, err := m.Create("u1", CreateOpts{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	conn := newFakeConn()
	if _, err := m.Attach(sess.ID, conn); err != nil {
		t.Fatalf("attach: %v", err)
	}

	other := newFakeConn()
	if _, err := m.Attach(sess.ID, other); err == nil {
		t.Fatal("expected a second concurrent attach to fail")
	} else if e, ok := err.(*errkind.Error); !ok || e.Kind != errkind.AlreadyAttached {
		t.Fatalf("expected AlreadyAttached, got %v", err)
	}

	m.Detach(sess.ID, conn)
	if _, err := m.Attach(sess.ID, other); err != nil {
		t.Fatalf("expected reattach after detach to succeed: %v", err)
	}
}

func TestManager_AttachUnknownSession(t *testing.T) {
	m := newTestManager(t, 5)
	_, err := m.Attach("nonexistent", newFakeConn())
	e, ok := err.(*errkind.Error)
	if !ok || e.Kind != errkind.SessionNotFound {
		t.Fatalf("expected SessionNotFound, got %v", err)
	}
}

func TestManager_DestroyForceClosesAttachedConn(t *testing.T) {
	m := newTestManager(t, 5)
	sess, err := m.Create("u1", CreateOpts{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	conn := newFakeConn()
	if _, err := m.Attach(sess.ID, conn); err != nil {
		t.Fatalf("attach: %v", err)
	}

	m.Destroy(sess.ID)

	select {
	case code := <-conn.forceClosed:
		if code != 4001 {
			t.Fatalf("expected close code 4001, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected ForceClose to be called on destroy")
	}

	if _, ok := m.Get(sess.ID); ok {
		t.Fatal("expected session to be gone after Destroy")
	}
	if got := m.ListForUser("u1"); len(got) != 0 {
		t.Fatalf("expected user index cleared, got %v", got)
	}
}

func TestManager_DestroyIsIdempotent(t *testing.T) {
	m := newTestManager(t, 5)
	sess, err := m.Create("u1", CreateOpts{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m.Destroy(sess.ID)
	m.Destroy(sess.ID) // must not panic or double-count
}

func TestManager_OwnedBy(t *testing.T) {
	m := newTestManager(t, 5)
	sess, err := m.Create("u1", CreateOpts{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !m.OwnedBy(sess.ID, "u1") {
		t.Fatal("expected session owned by its creating user")
	}
	if m.OwnedBy(sess.ID, "u2") {
		t.Fatal("expected session not owned by a different user")
	}
}
