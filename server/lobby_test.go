package server

import "testing"

func newTestLobby(max int) *Lobby {
	return NewLobby("den's lobby", "den", "192.168.1.10", 35555, max)
}

func TestNewLobby_HostPreSeeded(t *testing.T) {
	l := newTestLobby(4)
	info := l.Snapshot()
	if len(info.Players) != 1 {
		t.Fatalf("players = %d, want 1", len(info.Players))
	}
	host := info.Players[0]
	if host.ID != 0 || host.Name != "den" || !host.Ready {
		t.Errorf("host player = %+v, want id 0, name den, ready", host)
	}
}

func TestLobby_AddAssignsMonotonicIDs(t *testing.T) {
	l := newTestLobby(8)
	a, err := l.Add("alice", "192.168.1.20:1")
	if err != nil {
		t.Fatalf("Add alice: %v", err)
	}
	b, _ := l.Add("bob", "192.168.1.21:1")
	l.Remove(a.ID)
	c, _ := l.Add("carol", "192.168.1.22:1")

	if a.ID != 1 || b.ID != 2 {
		t.Errorf("ids = %d, %d, want 1, 2", a.ID, b.ID)
	}
	// 已离开玩家的 id 不复用
	if c.ID != 3 {
		t.Errorf("id after remove = %d, want 3", c.ID)
	}
	if a.Ready || b.Ready {
		t.Error("joined players must start not ready")
	}
}

func TestLobby_CapacityRejection(t *testing.T) {
	l := newTestLobby(2)
	if _, err := l.Add("alice", "a"); err != nil {
		t.Fatalf("Add below capacity: %v", err)
	}
	before := l.Snapshot()

	if _, err := l.Add("bob", "b"); err != ErrLobbyFull {
		t.Fatalf("Add at capacity: err = %v, want ErrLobbyFull", err)
	}
	after := l.Snapshot()
	if len(after.Players) != len(before.Players) {
		t.Error("rejected join mutated the roster")
	}
}

func TestLobby_SetReadyAndAllReady(t *testing.T) {
	l := newTestLobby(4)
	if l.AllReady() {
		t.Error("AllReady with a single player must be false")
	}
	a, _ := l.Add("alice", "a")
	if l.AllReady() {
		t.Error("AllReady with a not-ready player must be false")
	}
	if !l.SetReady(a.ID, true) {
		t.Fatal("SetReady returned false for existing player")
	}
	if !l.AllReady() {
		t.Error("AllReady must be true with 2 players all ready")
	}
	if l.SetReady(99, true) {
		t.Error("SetReady should return false for unknown id")
	}
}

func TestLobby_Remove(t *testing.T) {
	l := newTestLobby(4)
	a, _ := l.Add("alice", "a")
	if !l.Remove(a.ID) {
		t.Fatal("Remove returned false for existing player")
	}
	if l.Remove(a.ID) {
		t.Error("second Remove should return false")
	}
	if l.Count() != 1 {
		t.Errorf("count = %d, want 1", l.Count())
	}
}

func TestLobby_SnapshotIsACopy(t *testing.T) {
	l := newTestLobby(4)
	l.Add("alice", "a")
	info := l.Snapshot()
	info.Players[0].Name = "mutated"
	if l.Snapshot().Players[0].Name != "den" {
		t.Error("snapshot shares storage with the lobby")
	}
}

func TestLobby_Names(t *testing.T) {
	l := newTestLobby(4)
	l.Add("alice", "a")
	names := l.Names()
	if names[0] != "den" || names[1] != "alice" {
		t.Errorf("names = %v", names)
	}
}
