package ws

import (
	"net"
	"testing"
	"time"
)

func pipeConn(t *testing.T, userID string) *Connection {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return &Connection{ID: userID + "-conn", UserID: userID, Conn: a}
}

func TestConnectionManager_OnePerUser(t *testing.T) {
	cm := NewConnectionManager()
	first := pipeConn(t, "alice")
	second := pipeConn(t, "alice")

	if !cm.Add(first) {
		t.Fatal("first connection should register")
	}
	if cm.Add(second) {
		t.Fatal("second connection for the same user should be refused")
	}
	if got := cm.Get("alice"); got != first {
		t.Errorf("Get returned %v, want the first connection", got)
	}
	if got := cm.GetByConn(first.Conn); got != first {
		t.Errorf("GetByConn returned %v, want the first connection", got)
	}
	if cm.Count() != 1 {
		t.Errorf("Count = %d, want 1", cm.Count())
	}
}

func TestConnectionManager_RemoveOnce(t *testing.T) {
	cm := NewConnectionManager()
	c := pipeConn(t, "bob")
	cm.Add(c)

	if !cm.Remove(c) {
		t.Fatal("first Remove should report removal")
	}
	if cm.Remove(c) {
		t.Error("second Remove should be a no-op")
	}
	if cm.GetByConn(c.Conn) != nil || cm.Count() != 0 {
		t.Error("connection still indexed after Remove")
	}
}

func TestConnectionManager_RemoveStale(t *testing.T) {
	cm := NewConnectionManager()
	old := pipeConn(t, "carol")
	cm.Add(old)
	cm.Remove(old)

	fresh := pipeConn(t, "carol")
	cm.Add(fresh)

	// Removing the stale connection must not evict its replacement.
	if cm.Remove(old) {
		t.Error("stale Remove should not succeed")
	}
	if cm.Get("carol") != fresh {
		t.Error("replacement connection was evicted")
	}
}

func TestConnection_Touch(t *testing.T) {
	c := pipeConn(t, "dave")
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	c.Touch(at)
	if !c.LastSeen().Equal(at) {
		t.Errorf("LastSeen = %v, want %v", c.LastSeen(), at)
	}
}
