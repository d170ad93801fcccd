package server

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"snakelan/game"
)

// ErrBindFailed 所有端口/地址组合都绑定失败，主持对局不可行；
// 调用方可以退回本地单人模拟
var ErrBindFailed = errors.New("server: no bindable address for hosting")

const (
	// HeartbeatInterval 心跳周期（双向）
	HeartbeatInterval = 5 * time.Second
	// DefaultResetDelay 全员死亡后整体重置的延迟
	DefaultResetDelay = 2 * time.Second
	// DefaultMaxPlayers 默认大厅容量
	DefaultMaxPlayers = 4

	shutdownFlush = 100 * time.Millisecond
)

// HostConfig 主机配置，由开局界面提供
type HostConfig struct {
	LobbyName     string
	PlayerName    string
	Port          int
	DiscoveryPort int
	MaxPlayers    int
	Game          game.Config
	ResetDelay    time.Duration
	Heartbeat     time.Duration
	DisableBeacon bool // 测试环境不发广播
}

func (c *HostConfig) withDefaults() {
	if c.MaxPlayers <= 0 {
		c.MaxPlayers = DefaultMaxPlayers
	}
	if c.Game.Cols <= 0 || c.Game.Rows <= 0 {
		c.Game = game.DefaultConfig()
	}
	if c.Game.TickInterval <= 0 {
		c.Game.TickInterval = game.DefaultTickInterval
	}
	if c.ResetDelay <= 0 {
		c.ResetDelay = DefaultResetDelay
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = HeartbeatInterval
	}
	if c.DiscoveryPort <= 0 {
		c.DiscoveryPort = DefaultDiscoveryPort
	}
}

type moveIntent struct {
	playerID int
	dir      game.Direction
}

// Host 权威主机：接收连接、维护大厅、推进模拟并逐 Tick 复制状态。
// 引擎只在 run 协程里被触碰；网络回调通过通道递交意图。
type Host struct {
	cfg     HostConfig
	lobby   *Lobby
	engine  *game.Engine
	metrics *Metrics

	ln      net.Listener
	httpSrv *http.Server
	beacon  *Beacon

	mu      sync.Mutex
	peers   map[int]*peerConn     // 完成加入握手的连接
	pending map[*peerConn]struct{} // 已接入但未识别的连接

	moveCh  chan moveIntent
	leaveCh chan int
	startCh chan struct{}

	tickMs  atomic.Int64 // 管理接口可热更新
	started atomic.Bool

	// 主机自己的展示层回调（可选，开局前设置）
	OnState func(game.GameState)
	OnLobby func(LobbyInfo)
	OnStart func()
	OnChat  func(ChatMsg)

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup // Tick 循环
	serveWg  sync.WaitGroup // HTTP 接入循环
}

// NewHost 创建未启动的主机
func NewHost(cfg HostConfig) *Host {
	cfg.withDefaults()
	return &Host{
		cfg:     cfg,
		metrics: &Metrics{},
		peers:   make(map[int]*peerConn),
		pending: make(map[*peerConn]struct{}),
		moveCh:  make(chan moveIntent, 256),
		leaveCh: make(chan int, 64),
		startCh: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// Start 绑定端口、启动接入服务与发现广播，随后进入 Tick 循环
func (h *Host) Start() error {
	ln, err := bindListener(h.cfg.Port)
	if err != nil {
		return err
	}
	h.ln = ln
	port := ln.Addr().(*net.TCPAddr).Port

	hostIP := LocalIPv4()
	if hostIP == "" {
		hostIP = "127.0.0.1"
	}
	h.lobby = NewLobby(h.cfg.LobbyName, h.cfg.PlayerName, hostIP, port, h.cfg.MaxPlayers)
	h.engine = game.NewEngine(h.cfg.Game)
	h.tickMs.Store(h.cfg.Game.TickInterval.Milliseconds())

	router := chi.NewRouter()
	router.HandleFunc("/ws", h.handleWS)
	h.mountAdmin(router)
	h.httpSrv = &http.Server{Handler: router}

	h.serveWg.Add(1)
	go func() {
		defer h.serveWg.Done()
		if err := h.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			Log.Errorf("host: serve: %v", err)
		}
	}()

	if !h.cfg.DisableBeacon {
		beacon, err := StartBeacon(h.beaconInfo, h.cfg.DiscoveryPort, h.metrics)
		if err != nil {
			// 广播失败不致命：局域网内仍可手动直连
			Log.Warnf("host: discovery beacon unavailable: %v", err)
		} else {
			h.beacon = beacon
		}
	}

	h.wg.Add(1)
	go h.run()

	Log.Infof("host: lobby %q listening on %s", h.cfg.LobbyName, ln.Addr())
	return nil
}

// bindListener 绑定策略：先探主网卡 IP，失败换通配地址，
// 再失败在高位区间随机挑端口，全部失败才放弃，绝不无限重试
func bindListener(port int) (net.Listener, error) {
	if ip := LocalIPv4(); ip != "" {
		if ln, err := net.Listen("tcp", net.JoinHostPort(ip, strconv.Itoa(port))); err == nil {
			return ln, nil
		}
	}
	if ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port)); err == nil {
		return ln, nil
	}
	for attempt := 0; attempt < 10; attempt++ {
		p := 40000 + rand.Intn(20000)
		if ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p)); err == nil {
			Log.Warnf("host: fell back to random port %d", p)
			return ln, nil
		}
	}
	return nil, ErrBindFailed
}

// Addr 实际监听地址
func (h *Host) Addr() string {
	if h.ln == nil {
		return ""
	}
	return h.ln.Addr().String()
}

// Port 实际监听端口
func (h *Host) Port() int {
	if h.ln == nil {
		return 0
	}
	return h.ln.Addr().(*net.TCPAddr).Port
}

// Lobby 当前大厅快照
func (h *Host) Lobby() LobbyInfo { return h.lobby.Snapshot() }

// Metrics 运行指标
func (h *Host) Metrics() *Metrics { return h.metrics }

func (h *Host) beaconInfo() LobbyBeacon {
	info := h.lobby.Snapshot()
	return LobbyBeacon{
		HostName:    info.HostName,
		HostIP:      info.HostIP,
		Port:        info.Port,
		PlayerCount: len(info.Players),
		MaxPlayers:  info.MaxPlayers,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 局域网对局，不做跨域限制
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS 接入一条连接；在加入握手完成前保持未识别状态
func (h *Host) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		Log.Warnf("host: upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	conn := newPeerConn(ws, h.metrics)
	h.mu.Lock()
	h.pending[conn] = struct{}{}
	h.mu.Unlock()
	go h.readPump(conn)
}

// readPump 单连接读循环：解析、分发；读失败走统一的断线清理路径
func (h *Host) readPump(conn *peerConn) {
	playerID := -1
	defer func() { h.cleanupPeer(conn, playerID) }()

	conn.ws.SetReadLimit(readLimit)
	for {
		_, payload, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := Decode(payload)
		if err != nil {
			// 解析失败：丢该条消息，连接保持打开
			h.metrics.IncParseErrors()
			Log.Warnf("host: drop unparseable message from %s: %v", conn.RemoteAddr(), err)
			continue
		}
		h.metrics.IncMessagesIn()
		if !msg.Known() {
			h.metrics.IncUnknownKinds()
			Log.Infof("host: ignore unknown message kind %q from %s", msg.Kind, conn.RemoteAddr())
			continue
		}
		id, done := h.dispatch(conn, playerID, msg)
		if done {
			return
		}
		playerID = id
	}
}

// dispatch 处理一条入站消息，返回（可能更新的）玩家 id 与是否结束读循环
func (h *Host) dispatch(conn *peerConn, playerID int, msg *Message) (int, bool) {
	switch msg.Kind {
	case KindJoinRequest:
		if playerID >= 0 {
			Log.Warnf("host: duplicate join_request from player %d", playerID)
			return playerID, false
		}
		if msg.JoinRequest == nil {
			return playerID, false
		}
		return h.handleJoin(conn, msg.JoinRequest), false

	case KindHeartbeat:
		if b, err := Encode(&Message{Kind: KindHeartbeatAck, Heartbeat: &HeartbeatMsg{Timestamp: time.Now().UnixMilli()}}); err == nil {
			conn.Enqueue(b)
		}
		return playerID, false

	case KindHeartbeatAck:
		return playerID, false

	case KindPlayerReady:
		if playerID < 0 || msg.PlayerReady == nil {
			return playerID, false
		}
		if h.lobby.SetReady(playerID, msg.PlayerReady.IsReady) {
			h.broadcastLobby()
			if h.lobby.AllReady() {
				select {
				case h.startCh <- struct{}{}:
				default:
				}
			}
		}
		return playerID, false

	case KindPlayerMove:
		if playerID < 0 || msg.PlayerMove == nil {
			return playerID, false
		}
		h.enqueueMove(playerID, msg.PlayerMove.Direction)
		return playerID, false

	case KindChat:
		if playerID < 0 || msg.Chat == nil {
			return playerID, false
		}
		h.relayChat(playerID, msg.Chat.Text)
		return playerID, false

	case KindServerShutdown:
		// 客户端主动告别，走正常清理
		return playerID, true

	default:
		Log.Debugf("host: unexpected kind %q from %s", msg.Kind, conn.RemoteAddr())
		return playerID, false
	}
}

// handleJoin 加入握手：满员或已开局时回执拒绝且名单不变，
// 否则入册、回执接受（含大厅快照与名字映射）并向其余人广播新名单
func (h *Host) handleJoin(conn *peerConn, req *JoinRequestMsg) int {
	if req.ClientVersion != ClientVersion {
		Log.Warnf("host: join %q with client version %q (host %q)", req.Name, req.ClientVersion, ClientVersion)
	}
	if h.gameStarted() {
		h.reject(conn, "game already in progress")
		return -1
	}
	p, err := h.lobby.Add(req.Name, conn.RemoteAddr())
	if err != nil {
		h.reject(conn, "lobby is full")
		return -1
	}

	h.mu.Lock()
	delete(h.pending, conn)
	h.peers[p.ID] = conn
	h.mu.Unlock()

	h.metrics.IncJoinsAccepted()
	Log.Infof("host: player %d %q joined (request %s)", p.ID, p.Name, req.RequestID)

	accepted := &Message{Kind: KindJoinAccepted, JoinAccepted: &JoinAcceptedMsg{
		PlayerID:    p.ID,
		Lobby:       h.lobby.Snapshot(),
		PlayerNames: h.lobby.Names(),
	}}
	if b, err := Encode(accepted); err == nil {
		conn.Enqueue(b)
	}
	h.broadcastLobbyExcept(p.ID)
	return p.ID
}

func (h *Host) reject(conn *peerConn, reason string) {
	h.metrics.IncJoinsRejected()
	Log.Infof("host: join rejected: %s", reason)
	if b, err := Encode(&Message{Kind: KindJoinRejected, JoinRejected: &JoinRejectedMsg{Reason: reason}}); err == nil {
		conn.Enqueue(b)
	}
}

// cleanupPeer 断线清理：恰好执行一次——摘除连接、移出名单、
// 让引擎在下一个 Tick 移除蛇，并向剩余客户端广播一次 player_disconnected
func (h *Host) cleanupPeer(conn *peerConn, playerID int) {
	h.mu.Lock()
	if playerID < 0 {
		_, present := h.pending[conn]
		delete(h.pending, conn)
		h.mu.Unlock()
		if present {
			conn.Close()
		}
		return
	}
	cur, present := h.peers[playerID]
	if !present || cur != conn {
		h.mu.Unlock()
		conn.Close()
		return
	}
	delete(h.peers, playerID)
	h.mu.Unlock()

	conn.Close()
	h.metrics.IncDisconnects()
	h.lobby.Remove(playerID)
	// 阻塞式写入保证移除一定抵达 Tick 协程；leaveCh 每个 Tick 都会被清空，
	// 只需兼顾关停时 Tick 协程已退出的情形
	select {
	case h.leaveCh <- playerID:
	case <-h.stop:
	}
	Log.Infof("host: player %d disconnected", playerID)

	if b, err := Encode(&Message{Kind: KindPlayerDisconnected, PlayerGone: &PlayerGoneMsg{PlayerID: playerID}}); err == nil {
		h.broadcast(b)
	}
	h.broadcastLobby()

	// 唯一不就绪的人离开也可能让剩下的人满足开局条件
	if !h.gameStarted() && h.lobby.AllReady() {
		select {
		case h.startCh <- struct{}{}:
		default:
		}
	}
}

func (h *Host) enqueueMove(playerID int, dir game.Direction) {
	select {
	case h.moveCh <- moveIntent{playerID: playerID, dir: dir}:
	default:
		// 输入拥塞时丢弃，保证 Tick 准时
	}
	// 把移动意图转发给其余客户端（朴素本地回显用）
	if b, err := Encode(&Message{Kind: KindPlayerMove, PlayerMove: &PlayerMoveMsg{PlayerID: playerID, Direction: dir}}); err == nil {
		h.broadcastExcept(playerID, b)
	}
}

func (h *Host) relayChat(playerID int, text string) {
	name := h.lobby.Names()[playerID]
	chat := ChatMsg{PlayerID: playerID, PlayerName: name, Text: text}
	if b, err := Encode(&Message{Kind: KindChat, Chat: &chat}); err == nil {
		h.broadcast(b)
	}
	if h.OnChat != nil {
		h.OnChat(chat)
	}
}

// SetDirection 主机本地玩家（0 号）的移动意图
func (h *Host) SetDirection(dir game.Direction) {
	h.enqueueMove(0, dir)
}

// SendChat 主机本地玩家发言
func (h *Host) SendChat(text string) {
	h.relayChat(0, text)
}

// --- Tick 循环 ---

// run 单协程推进世界：开局信号、移动/离开意图、模拟 Tick、
// 心跳与全量状态复制都在这里串行处理
func (h *Host) run() {
	defer h.wg.Done()

	curTickMs := h.tickMs.Load()
	ticker := time.NewTicker(time.Duration(curTickMs) * time.Millisecond)
	defer ticker.Stop()
	hb := time.NewTicker(h.cfg.Heartbeat)
	defer hb.Stop()

	running := false
	prevAlive := 0
	var resetAt time.Time

	for {
		select {
		case <-h.stop:
			return

		case <-h.startCh:
			if running {
				continue
			}
			ids := h.lobby.IDs()
			if err := h.engine.Reset(ids); err != nil {
				Log.Errorf("host: start game: %v", err)
				continue
			}
			running = true
			h.started.Store(true)
			prevAlive = len(ids)
			Log.Infof("host: game started with %d players", len(ids))
			if b, err := Encode(&Message{Kind: KindGameStart}); err == nil {
				h.broadcast(b)
			}
			if h.OnStart != nil {
				h.OnStart()
			}
			h.replicate()

		case <-hb.C:
			h.metrics.IncHeartbeats()
			if b, err := Encode(&Message{Kind: KindHeartbeat, Heartbeat: &HeartbeatMsg{Timestamp: time.Now().UnixMilli()}}); err == nil {
				h.broadcast(b)
			}

		case <-ticker.C:
			if ms := h.tickMs.Load(); ms != curTickMs && ms > 0 {
				curTickMs = ms
				ticker.Reset(time.Duration(ms) * time.Millisecond)
			}
			h.drainIntents()
			if !running {
				continue
			}
			if !resetAt.IsZero() {
				if time.Now().After(resetAt) {
					resetAt = time.Time{}
					if err := h.engine.Reset(h.lobby.IDs()); err != nil {
						Log.Errorf("host: reset: %v", err)
						continue
					}
					prevAlive = h.engine.AliveCount()
					h.replicate()
				}
				continue
			}
			start := time.Now()
			alive := h.engine.Tick()
			h.metrics.AddTick(time.Since(start).Nanoseconds())
			h.replicate()
			if alive == 0 && prevAlive > 0 {
				// 全员死亡：固定延迟后整体重置，仅主机执行
				resetAt = time.Now().Add(h.cfg.ResetDelay)
				Log.Infof("host: all snakes dead, reset in %s", h.cfg.ResetDelay)
			}
			prevAlive = alive
		}
	}
}

// drainIntents 非阻塞排空意图通道；所有共享状态改动收敛到本协程
func (h *Host) drainIntents() {
	for {
		select {
		case in := <-h.moveCh:
			h.engine.SetDirection(in.playerID, in.dir)
		case id := <-h.leaveCh:
			h.engine.RemoveSnake(id)
		default:
			return
		}
	}
}

// replicate 序列化整个 GameState 并发给每个已连接客户端；
// 单个客户端的写失败只影响它自己（写协程就地关连接，读协程接手清理）
func (h *Host) replicate() {
	st := h.engine.Snapshot()
	b, err := Encode(&Message{Kind: KindGameState, GameState: &GameStateMsg{Snakes: st.Snakes, Foods: st.Foods}})
	if err != nil {
		Log.Errorf("host: encode state: %v", err)
		return
	}
	h.broadcast(b)
	if h.OnState != nil {
		h.OnState(st)
	}
}

func (h *Host) broadcast(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.peers {
		conn.Enqueue(b)
	}
}

func (h *Host) broadcastExcept(playerID int, b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.peers {
		if id == playerID {
			continue
		}
		conn.Enqueue(b)
	}
}

func (h *Host) broadcastLobby() {
	info := h.lobby.Snapshot()
	if b, err := Encode(&Message{Kind: KindLobbyUpdate, LobbyUpdate: &LobbyUpdateMsg{Lobby: info}}); err == nil {
		h.broadcast(b)
	}
	if h.OnLobby != nil {
		h.OnLobby(info)
	}
}

func (h *Host) broadcastLobbyExcept(playerID int) {
	info := h.lobby.Snapshot()
	if b, err := Encode(&Message{Kind: KindLobbyUpdate, LobbyUpdate: &LobbyUpdateMsg{Lobby: info}}); err == nil {
		h.broadcastExcept(playerID, b)
	}
	if h.OnLobby != nil {
		h.OnLobby(info)
	}
}

func (h *Host) gameStarted() bool {
	return h.started.Load()
}

// Stop 关停顺序：先停所有定时器，再尽力通知对端，最后幂等关闭全部套接字
func (h *Host) Stop() {
	h.stopOnce.Do(func() {
		if h.beacon != nil {
			h.beacon.Stop()
		}
		close(h.stop)
		h.wg.Wait()

		if b, err := Encode(&Message{Kind: KindServerShutdown}); err == nil {
			h.broadcast(b)
		}
		time.Sleep(shutdownFlush)

		h.mu.Lock()
		for _, conn := range h.peers {
			conn.Close()
		}
		for conn := range h.pending {
			conn.Close()
		}
		h.peers = make(map[int]*peerConn)
		h.pending = make(map[*peerConn]struct{})
		h.mu.Unlock()

		if h.httpSrv != nil {
			_ = h.httpSrv.Close()
		}
		h.serveWg.Wait()
		Log.Info("host: stopped")
	})
}
