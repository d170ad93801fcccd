package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"snakelan/game"
)

func startTestHost(t *testing.T, maxPlayers int) *Host {
	t.Helper()
	h := NewHost(HostConfig{
		LobbyName:  "test lobby",
		PlayerName: "host",
		Port:       0,
		MaxPlayers: maxPlayers,
		Game: game.Config{
			Cols:         20,
			Rows:         15,
			FoodCount:    2,
			TickInterval: 50 * time.Millisecond,
		},
		DisableBeacon: true,
	})
	if err := h.Start(); err != nil {
		t.Fatalf("host start: %v", err)
	}
	t.Cleanup(h.Stop)
	return h
}

func dialAddr(h *Host) string {
	addr := h.ln.Addr().(*net.TCPAddr)
	if addr.IP == nil || addr.IP.IsUnspecified() {
		return fmt.Sprintf("127.0.0.1:%d", addr.Port)
	}
	return addr.String()
}

func connectTestClient(t *testing.T, h *Host, name string) *Client {
	t.Helper()
	c := NewClient(name)
	if err := c.Connect(dialAddr(h), DefaultDialTimeout); err != nil {
		t.Fatalf("client %s connect: %v", name, err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestHostClient_JoinHandshake(t *testing.T) {
	h := startTestHost(t, 4)
	c := connectTestClient(t, h, "alice")

	if c.PlayerID() != 1 {
		t.Errorf("client player id = %d, want 1", c.PlayerID())
	}
	lobby := c.Lobby()
	if len(lobby.Players) != 2 {
		t.Fatalf("lobby players = %d, want 2", len(lobby.Players))
	}
	if lobby.Players[0].ID != 0 || !lobby.Players[0].Ready {
		t.Errorf("host entry = %+v, want id 0 pre-ready", lobby.Players[0])
	}
	if lobby.Players[1].Name != "alice" || lobby.Players[1].Ready {
		t.Errorf("joined entry = %+v, want alice not ready", lobby.Players[1])
	}
	if got := h.Lobby(); len(got.Players) != 2 {
		t.Errorf("host-side roster = %d players, want 2", len(got.Players))
	}
}

func TestHostClient_LobbyFullRejection(t *testing.T) {
	h := startTestHost(t, 2)
	connectTestClient(t, h, "alice")

	bob := NewClient("bob")
	err := bob.Connect(dialAddr(h), DefaultDialTimeout)
	var rejected *JoinRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("err = %v, want JoinRejectedError", err)
	}
	if got := h.Lobby(); len(got.Players) != 2 {
		t.Errorf("rejected join mutated the roster: %d players", len(got.Players))
	}
}

func TestHostClient_ReadyStartsGameAndReplicates(t *testing.T) {
	h := startTestHost(t, 2)

	started := make(chan struct{}, 1)
	states := make(chan game.GameState, 256)
	alice := NewClient("alice")
	alice.OnStart = func() { started <- struct{}{} }
	alice.OnState = func(st game.GameState) {
		select {
		case states <- st:
		default:
		}
	}
	if err := alice.Connect(dialAddr(h), DefaultDialTimeout); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(alice.Close)

	alice.SetReady(true)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("game_start never arrived")
	}

	// 开局（或全灭重置）后必然出现一份 2 蛇快照
	deadline := time.After(10 * time.Second)
	for {
		var st game.GameState
		select {
		case st = <-states:
		case <-deadline:
			t.Fatal("no 2-snake snapshot after start")
		}
		if len(st.Snakes) == 2 {
			if len(st.Foods) != 2 {
				t.Errorf("snapshot has %d foods, want 2", len(st.Foods))
			}
			return
		}
	}
}

func TestHostClient_DisconnectCleanup(t *testing.T) {
	h := startTestHost(t, 3)

	gone := make(chan int, 8)
	states := make(chan game.GameState, 256)
	alice := NewClient("alice")
	alice.OnPlayerGone = func(id int) { gone <- id }
	alice.OnState = func(st game.GameState) {
		select {
		case states <- st:
		default:
		}
	}
	if err := alice.Connect(dialAddr(h), DefaultDialTimeout); err != nil {
		t.Fatalf("alice connect: %v", err)
	}
	t.Cleanup(alice.Close)

	bob := connectTestClient(t, h, "bob")

	alice.SetReady(true)
	bob.SetReady(true)

	// 等开局（或全灭重置）后的 3 蛇快照
	deadline := time.After(10 * time.Second)
	for {
		var st game.GameState
		select {
		case st = <-states:
		case <-deadline:
			t.Fatal("no 3-snake snapshot after start")
		}
		if len(st.Snakes) == 3 {
			break
		}
	}

	bobID := bob.PlayerID()
	bob.Close()

	select {
	case id := <-gone:
		if id != bobID {
			t.Fatalf("player_disconnected id = %d, want %d", id, bobID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("player_disconnected never arrived")
	}

	// 下一个 Tick 内蛇被移出快照
	deadline = time.After(5 * time.Second)
	for {
		var st game.GameState
		select {
		case st = <-states:
		case <-deadline:
			t.Fatal("bob's snake still in snapshots")
		}
		found := false
		for _, s := range st.Snakes {
			if s.OwnerID == bobID {
				found = true
			}
		}
		if !found {
			break
		}
	}

	// 清理只广播一次
	time.Sleep(300 * time.Millisecond)
	select {
	case id := <-gone:
		t.Fatalf("second player_disconnected with id %d", id)
	default:
	}

	if got := h.Lobby(); len(got.Players) != 2 {
		t.Errorf("roster after disconnect = %d players, want 2", len(got.Players))
	}
}

func TestHostClient_LastUnreadyPlayerLeavingStartsGame(t *testing.T) {
	h := startTestHost(t, 3)

	started := make(chan struct{}, 1)
	alice := NewClient("alice")
	alice.OnStart = func() { started <- struct{}{} }
	if err := alice.Connect(dialAddr(h), DefaultDialTimeout); err != nil {
		t.Fatalf("alice connect: %v", err)
	}
	t.Cleanup(alice.Close)

	// bob 先入局且始终不就绪，是唯一拦住开局的人
	bob := connectTestClient(t, h, "bob")
	alice.SetReady(true)

	select {
	case <-started:
		t.Fatal("game started while bob was not ready")
	case <-time.After(500 * time.Millisecond):
	}

	bob.Close()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("remaining players all ready after disconnect, but game never started")
	}
}

func TestHostClient_DisconnectRemovesSnakeUnderIntentBacklog(t *testing.T) {
	h := startTestHost(t, 3)

	states := make(chan game.GameState, 256)
	alice := NewClient("alice")
	alice.OnState = func(st game.GameState) {
		select {
		case states <- st:
		default:
		}
	}
	if err := alice.Connect(dialAddr(h), DefaultDialTimeout); err != nil {
		t.Fatalf("alice connect: %v", err)
	}
	t.Cleanup(alice.Close)
	bob := connectTestClient(t, h, "bob")

	alice.SetReady(true)
	bob.SetReady(true)

	deadline := time.After(10 * time.Second)
	for {
		var st game.GameState
		select {
		case st = <-states:
		case <-deadline:
			t.Fatal("no 3-snake snapshot after start")
		}
		if len(st.Snakes) == 3 {
			break
		}
	}

	// 把离开队列灌满无关 id（引擎移除不存在的蛇是空操作），
	// 断线的移除意图也必须送达而不是被丢弃
	for i := 0; i < cap(h.leaveCh); i++ {
		select {
		case h.leaveCh <- 1000 + i:
		default:
		}
	}
	bobID := bob.PlayerID()
	bob.Close()

	deadline = time.After(5 * time.Second)
	for {
		var st game.GameState
		select {
		case st = <-states:
		case <-deadline:
			t.Fatal("bob's snake still in snapshots after disconnect")
		}
		found := false
		for _, s := range st.Snakes {
			if s.OwnerID == bobID {
				found = true
			}
		}
		if !found {
			return
		}
	}
}

func TestHost_AdminEndpoints(t *testing.T) {
	h := startTestHost(t, 4)
	base := "http://" + dialAddr(h)

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("metrics decode: %v", err)
	}
	if _, ok := payload["metrics"]; !ok {
		t.Error("metrics payload missing metrics section")
	}
}

func TestHost_AdminConfigTickUpdate(t *testing.T) {
	h := startTestHost(t, 4)
	base := "http://" + dialAddr(h)

	resp, err := http.Post(base+"/admin/config", "application/json", strings.NewReader(`{"tickMs":120}`))
	if err != nil {
		t.Fatalf("post config: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post config status = %d", resp.StatusCode)
	}
	if got := h.tickMs.Load(); got != 120 {
		t.Errorf("tickMs = %d, want 120", got)
	}

	resp, err = http.Get(base + "/admin/config")
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	defer resp.Body.Close()
	var cfg map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		t.Fatalf("config decode: %v", err)
	}
	if ms, _ := cfg["tickMs"].(float64); ms != 120 {
		t.Errorf("reported tickMs = %v, want 120", cfg["tickMs"])
	}

	resp, err = http.Post(base+"/admin/config", "application/json", strings.NewReader(`{"tickMs":10}`))
	if err != nil {
		t.Fatalf("post bad config: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("too-small tickMs status = %d, want 400", resp.StatusCode)
	}
	if got := h.tickMs.Load(); got != 120 {
		t.Errorf("tickMs after rejected update = %d, want 120", got)
	}
}
