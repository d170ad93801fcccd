package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"snakelan/game"
)

// DefaultDialTimeout 连接主机的默认超时；超时/拒绝立即上抛，不自动重试
const DefaultDialTimeout = 5 * time.Second

// ErrServerShutdown 主机发来关停通知后连接结束
var ErrServerShutdown = errors.New("server: host shut down")

// JoinRejectedError 加入请求被主机明确拒绝
type JoinRejectedError struct {
	Reason string
}

func (e *JoinRejectedError) Error() string {
	return fmt.Sprintf("server: join rejected: %s", e.Reason)
}

// Client 客户端同步核心：转发本地意图，整体替换收到的快照。
// 回调在 Connect 之前设置；快照回调之间不做任何合并或回滚。
type Client struct {
	name string

	conn     *peerConn
	playerID int

	mu      sync.RWMutex
	state   game.GameState
	lobby   LobbyInfo
	lastDir game.Direction // 本地最后一次输入的朴素回显

	OnState      func(game.GameState)
	OnLobby      func(LobbyInfo)
	OnStart      func()
	OnChat       func(ChatMsg)
	OnPeerMove   func(playerID int, dir game.Direction)
	OnPlayerGone func(playerID int)
	OnDisconnect func(err error)

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient 创建未连接的客户端
func NewClient(playerName string) *Client {
	return &Client{
		name:     playerName,
		playerID: -1,
		stop:     make(chan struct{}),
	}
}

// Connect 限时拨号并完成加入握手。
// 超时或被拒绝都立即返回错误，由调用方决定是否重试。
func (c *Client) Connect(addr string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, _, err := dialer.Dial(fmt.Sprintf("ws://%s/ws", addr), nil)
	if err != nil {
		return fmt.Errorf("client: connect %s: %w", addr, err)
	}

	join := &Message{Kind: KindJoinRequest, JoinRequest: &JoinRequestMsg{
		Name:          c.name,
		RequestID:     uuid.NewString(),
		ClientVersion: ClientVersion,
	}}
	b, err := Encode(join)
	if err != nil {
		_ = ws.Close()
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(timeout))
	if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
		_ = ws.Close()
		return fmt.Errorf("client: send join: %w", err)
	}

	// 同步等待接受或拒绝回执，其余消息先跳过
	if err := c.awaitJoinReply(ws, timeout); err != nil {
		_ = ws.Close()
		return err
	}
	_ = ws.SetReadDeadline(time.Time{})
	_ = ws.SetWriteDeadline(time.Time{})
	ws.SetReadLimit(readLimit)

	c.conn = newPeerConn(ws, nil)
	c.wg.Add(2)
	go c.readLoop()
	go c.heartbeatLoop()
	Log.Infof("client: joined as player %d", c.playerID)
	return nil
}

func (c *Client) awaitJoinReply(ws *websocket.Conn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		_ = ws.SetReadDeadline(deadline)
		_, payload, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("client: wait for join reply: %w", err)
		}
		msg, err := Decode(payload)
		if err != nil {
			continue
		}
		switch msg.Kind {
		case KindJoinAccepted:
			if msg.JoinAccepted == nil {
				return errors.New("client: empty join_accepted payload")
			}
			c.mu.Lock()
			c.playerID = msg.JoinAccepted.PlayerID
			c.lobby = msg.JoinAccepted.Lobby
			c.mu.Unlock()
			return nil
		case KindJoinRejected:
			reason := "unknown"
			if msg.JoinRejected != nil {
				reason = msg.JoinRejected.Reason
			}
			return &JoinRejectedError{Reason: reason}
		default:
			// 握手完成前到达的其他消息（心跳等）直接跳过
		}
	}
}

// PlayerID 主机分配的玩家 id
func (c *Client) PlayerID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playerID
}

// State 最近一次收到的完整快照副本
func (c *Client) State() game.GameState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := game.GameState{
		Snakes: make([]game.Snake, len(c.state.Snakes)),
		Foods:  append([]game.Coord(nil), c.state.Foods...),
	}
	for i, s := range c.state.Snakes {
		cp := s
		cp.Cells = append([]game.Coord(nil), s.Cells...)
		st.Snakes[i] = cp
	}
	return st
}

// Lobby 最近一次收到的大厅快照
func (c *Client) Lobby() LobbyInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info := c.lobby
	info.Players = append([]Player(nil), c.lobby.Players...)
	return info
}

// LastDirection 自己最后一次发出的方向（朴素本地回显，下一个快照覆盖一切）
func (c *Client) LastDirection() game.Direction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastDir
}

// SetReady 切换就绪状态
func (c *Client) SetReady(ready bool) {
	c.sendMsg(&Message{Kind: KindPlayerReady, PlayerReady: &PlayerReadyMsg{
		PlayerID: c.PlayerID(),
		IsReady:  ready,
	}})
}

// SendMove 发送方向意图并记录本地回显
func (c *Client) SendMove(dir game.Direction) {
	c.mu.Lock()
	c.lastDir = dir
	c.mu.Unlock()
	c.sendMsg(&Message{Kind: KindPlayerMove, PlayerMove: &PlayerMoveMsg{
		PlayerID:  c.PlayerID(),
		Direction: dir,
	}})
}

// SendChat 发送聊天消息（主机负责补全名字并转发）
func (c *Client) SendChat(text string) {
	c.sendMsg(&Message{Kind: KindChat, Chat: &ChatMsg{
		PlayerID: c.PlayerID(),
		Text:     text,
	}})
}

func (c *Client) sendMsg(m *Message) {
	if c.conn == nil {
		return
	}
	b, err := Encode(m)
	if err != nil {
		Log.Errorf("client: encode %s: %v", m.Kind, err)
		return
	}
	c.conn.Enqueue(b)
}

// readLoop 接收主机消息；快照到达即整体替换本地状态并回调
func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		_, payload, err := c.conn.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.stop:
				return // 本地主动关闭
			default:
			}
			c.Close()
			if c.OnDisconnect != nil {
				c.OnDisconnect(err)
			}
			return
		}
		msg, err := Decode(payload)
		if err != nil {
			Log.Warnf("client: drop unparseable message: %v", err)
			continue
		}
		if !msg.Known() {
			Log.Infof("client: ignore unknown message kind %q", msg.Kind)
			continue
		}
		if shutdown := c.handleMessage(msg); shutdown {
			c.Close()
			if c.OnDisconnect != nil {
				c.OnDisconnect(ErrServerShutdown)
			}
			return
		}
	}
}

func (c *Client) handleMessage(msg *Message) (shutdown bool) {
	switch msg.Kind {
	case KindGameState:
		if msg.GameState == nil {
			return false
		}
		c.mu.Lock()
		c.state = game.GameState{Snakes: msg.GameState.Snakes, Foods: msg.GameState.Foods}
		c.mu.Unlock()
		if c.OnState != nil {
			c.OnState(c.State())
		}

	case KindLobbyUpdate:
		if msg.LobbyUpdate == nil {
			return false
		}
		c.mu.Lock()
		c.lobby = msg.LobbyUpdate.Lobby
		c.mu.Unlock()
		if c.OnLobby != nil {
			c.OnLobby(c.Lobby())
		}

	case KindGameStart:
		if c.OnStart != nil {
			c.OnStart()
		}

	case KindHeartbeat:
		c.sendMsg(&Message{Kind: KindHeartbeatAck, Heartbeat: &HeartbeatMsg{Timestamp: time.Now().UnixMilli()}})

	case KindHeartbeatAck:
		// 心跳缺失目前不强制断开（已知缺口）

	case KindPlayerMove:
		if msg.PlayerMove != nil && c.OnPeerMove != nil {
			c.OnPeerMove(msg.PlayerMove.PlayerID, msg.PlayerMove.Direction)
		}

	case KindPlayerDisconnected:
		if msg.PlayerGone != nil && c.OnPlayerGone != nil {
			c.OnPlayerGone(msg.PlayerGone.PlayerID)
		}

	case KindChat:
		if msg.Chat != nil && c.OnChat != nil {
			c.OnChat(*msg.Chat)
		}

	case KindServerShutdown:
		return true

	default:
		Log.Debugf("client: unexpected kind %q", msg.Kind)
	}
	return false
}

// heartbeatLoop 周期心跳（纯周期行为，不做失败驱动的重试）
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sendMsg(&Message{Kind: KindHeartbeat, Heartbeat: &HeartbeatMsg{Timestamp: time.Now().UnixMilli()}})
		}
	}
}

// Close 幂等断开：停定时器并关闭套接字
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
