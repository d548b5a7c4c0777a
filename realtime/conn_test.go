package realtime

import (
	"testing"
)

func TestConnSendJSON(t *testing.T) {
	conn := newTestConn("conn1", "user1")

	if err := conn.SendJSON(newFrame(string(EventPong), nil, SystemUserID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frame := receiveFrame(t, conn)
	if frame.Type != string(EventPong) {
		t.Errorf("expected pong frame, got %s", frame.Type)
	}

	t.Run("fails once closing", func(t *testing.T) {
		conn.Close()

		if err := conn.SendJSON(newFrame(string(EventPong), nil, SystemUserID)); err == nil {
			t.Error("expected error sending on closed connection")
		}
	})
}

func TestConnCloseIdempotent(t *testing.T) {
	conn := newTestConn("conn1", "user1")

	calls := 0

	conn.OnClose(func(*Conn) { calls++ })

	conn.Close()

	conn.Close()

	if calls != 1 {
		t.Errorf("expected close handlers to run exactly once, got %d", calls)
	}
	if conn.IsActive() {
		t.Error("expected connection inactive after close")
	}
}

func TestConnAliveFlag(t *testing.T) {
	conn := newTestConn("conn1", "user1")

	// Initial state is alive; swapAlive returns the previous value while
	// resetting the flag, which is exactly the heartbeat cycle's read.
	if !conn.swapAlive(false) {
		t.Error("expected connection initially alive")
	}
	if conn.swapAlive(false) {
		t.Error("expected flag false until a pong arrives")
	}

	conn.markAlive()

	if !conn.swapAlive(false) {
		t.Error("expected flag true after pong")
	}
}

func TestConnProjectID(t *testing.T) {
	conn := newTestConn("conn1", "user1")

	if conn.ProjectID() != "" {
		t.Errorf("expected no initial project, got %s", conn.ProjectID())
	}

	conn.setProjectID("proj-1")

	if conn.ProjectID() != "proj-1" {
		t.Errorf("expected proj-1, got %s", conn.ProjectID())
	}
}

func TestConnIdentity(t *testing.T) {
	authed := newTestConn("conn1", "user1")
	anon := newTestConn("conn2", "")

	if !authed.Authenticated() {
		t.Error("expected authenticated connection")
	}
	if anon.Authenticated() {
		t.Error("expected anonymous connection")
	}
	if authed.UserID() != "user1" {
		t.Errorf("expected user1, got %s", authed.UserID())
	}
}
