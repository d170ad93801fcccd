package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"snakelan/game"
	"snakelan/server"
)

// snakelan 入口：主持对局（host）、加入对局（join）或搜索局域网大厅（discover）
func main() {
	var (
		mode      string
		name      string
		lobbyName string
		port      int
		addr      string
		maxPlayer int
		probe     string
	)
	flag.StringVar(&mode, "mode", "host", "host | join | discover")
	flag.StringVar(&name, "name", "player", "display name")
	flag.StringVar(&lobbyName, "lobby", "snakelan", "lobby name when hosting")
	flag.IntVar(&port, "port", server.DefaultGamePort, "game port when hosting")
	flag.StringVar(&addr, "addr", "", "host address (ip:port) when joining; empty = discover first")
	flag.IntVar(&maxPlayer, "max", server.DefaultMaxPlayers, "max players when hosting")
	flag.StringVar(&probe, "probe", "", "comma-separated IPs to probe when broadcast finds nothing")
	flag.Parse()

	// 使用第三方 zap 日志库写入 snakelan.log（带滚动）
	if err := server.InitLogger("snakelan.log"); err != nil {
		panic(err)
	}
	defer server.SyncLogger()

	switch mode {
	case "host":
		runHost(lobbyName, name, port, maxPlayer)
	case "join":
		runJoin(name, addr)
	case "discover":
		runDiscover(probe)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", mode)
		os.Exit(2)
	}
}

func runHost(lobbyName, playerName string, port, maxPlayers int) {
	h := server.NewHost(server.HostConfig{
		LobbyName:  lobbyName,
		PlayerName: playerName,
		Port:       port,
		MaxPlayers: maxPlayers,
	})
	h.OnState = func(st game.GameState) {
		server.Log.Debugf("tick: %d snakes, %d foods", len(st.Snakes), len(st.Foods))
	}
	h.OnChat = func(c server.ChatMsg) {
		server.Log.Infof("[chat] %s: %s", c.PlayerName, c.Text)
	}
	if err := h.Start(); err != nil {
		if errors.Is(err, server.ErrBindFailed) {
			// 绑定全线失败：退回本地单人模拟
			server.Log.Warnf("hosting unavailable (%v), falling back to local game", err)
			runLocal()
			return
		}
		server.Log.Fatalf("host: %v", err)
	}
	fmt.Printf("hosting %q on %s\n", lobbyName, h.Addr())
	waitForSignal()
	h.Stop()
}

func runJoin(playerName, addr string) {
	if addr == "" {
		lobbies, err := server.Discover(server.DefaultDiscoveryPort, server.DefaultSearchWindow)
		if err != nil {
			server.Log.Fatalf("discover: %v", err)
		}
		if len(lobbies) == 0 {
			fmt.Println("no lobbies found")
			return
		}
		addr = fmt.Sprintf("%s:%d", lobbies[0].HostIP, lobbies[0].Port)
		fmt.Printf("joining %q at %s\n", lobbies[0].HostName, addr)
	}

	c := server.NewClient(playerName)
	c.OnState = func(st game.GameState) {
		server.Log.Debugf("state: %d snakes, %d foods", len(st.Snakes), len(st.Foods))
	}
	c.OnLobby = func(info server.LobbyInfo) {
		fmt.Printf("lobby: %d/%d players\n", len(info.Players), info.MaxPlayers)
	}
	c.OnStart = func() { fmt.Println("game started") }
	c.OnChat = func(m server.ChatMsg) { fmt.Printf("[chat] %s: %s\n", m.PlayerName, m.Text) }
	c.OnPlayerGone = func(id int) { fmt.Printf("player %d left\n", id) }
	c.OnDisconnect = func(err error) {
		fmt.Printf("disconnected: %v\n", err)
		os.Exit(0)
	}
	if err := c.Connect(addr, server.DefaultDialTimeout); err != nil {
		server.Log.Fatalf("join: %v", err)
	}
	c.SetReady(true)
	waitForSignal()
	c.Close()
}

func runDiscover(probe string) {
	lobbies, err := server.Discover(server.DefaultDiscoveryPort, server.DefaultSearchWindow)
	if err != nil {
		server.Log.Fatalf("discover: %v", err)
	}
	for _, l := range lobbies {
		fmt.Printf("%-20s %s:%d  %d/%d players\n", l.HostName, l.HostIP, l.Port, l.PlayerCount, l.MaxPlayers)
	}
	if len(lobbies) == 0 {
		fmt.Println("no lobbies found")
		// 广播不可用时退化为指定地址逐一探测
		if probe != "" {
			for _, addr := range server.ProbeSubnet(strings.Split(probe, ","), server.DefaultGamePort) {
				fmt.Printf("reachable: %s\n", addr)
			}
		}
	}
}

// runLocal 本地单人模拟：无网络，仅引擎按 Tick 推进
func runLocal() {
	e := game.NewEngine(game.DefaultConfig())
	if err := e.Reset([]int{0}); err != nil {
		server.Log.Fatalf("local game: %v", err)
	}
	ticker := time.NewTicker(game.DefaultTickInterval)
	defer ticker.Stop()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			if e.Tick() == 0 {
				_ = e.Reset([]int{0})
			}
		}
	}
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	server.Log.Info("shutting down...")
}
