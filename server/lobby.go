package server

import (
	"errors"
	"sync"
)

// ErrLobbyFull 大厅满员，加入请求被拒绝且名单不变
var ErrLobbyFull = errors.New("server: lobby is full")

// Player 大厅名单里的一名玩家
type Player struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Addr  string `json:"addr"`
	Ready bool   `json:"ready"`
}

// LobbyInfo 大厅快照（线上格式，整体复制）
type LobbyInfo struct {
	HostName   string   `json:"hostName"`
	HostIP     string   `json:"hostIp"`
	Port       int      `json:"port"`
	MaxPlayers int      `json:"maxPlayers"`
	Players    []Player `json:"players"`
}

// Lobby 开局前的玩家名单与就绪状态。
// 会被读协程、广播定时器和管理接口并发访问，内部加锁。
type Lobby struct {
	mu         sync.RWMutex
	hostName   string
	hostIP     string
	port       int
	maxPlayers int
	players    []Player // 加入顺序即 id 升序
	nextID     int
}

// NewLobby 创建大厅，主机固定为 0 号玩家且预置就绪
func NewLobby(hostName, hostPlayerName, hostIP string, port, maxPlayers int) *Lobby {
	return &Lobby{
		hostName:   hostName,
		hostIP:     hostIP,
		port:       port,
		maxPlayers: maxPlayers,
		players: []Player{
			{ID: 0, Name: hostPlayerName, Addr: hostIP, Ready: true},
		},
		nextID: 1,
	}
}

// Add 接受一名玩家：满员时返回 ErrLobbyFull 且名单不变，
// 否则分配单调递增的 id，初始未就绪
func (l *Lobby) Add(name, addr string) (Player, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.players) >= l.maxPlayers {
		return Player{}, ErrLobbyFull
	}
	p := Player{ID: l.nextID, Name: name, Addr: addr}
	l.nextID++
	l.players = append(l.players, p)
	return p, nil
}

// Remove 按 id 移除玩家；不存在时返回 false
func (l *Lobby) Remove(id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, p := range l.players {
		if p.ID == id {
			l.players = append(l.players[:i], l.players[i+1:]...)
			return true
		}
	}
	return false
}

// SetReady 更新匹配 id 玩家的就绪标记
func (l *Lobby) SetReady(id int, ready bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.players {
		if l.players[i].ID == id {
			l.players[i].Ready = ready
			return true
		}
	}
	return false
}

// AllReady 名单内所有人就绪且至少 2 人时为真，此时可以开局
func (l *Lobby) AllReady() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.players) < 2 {
		return false
	}
	for _, p := range l.players {
		if !p.Ready {
			return false
		}
	}
	return true
}

// Snapshot 返回整体复制的大厅快照
func (l *Lobby) Snapshot() LobbyInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LobbyInfo{
		HostName:   l.hostName,
		HostIP:     l.hostIP,
		Port:       l.port,
		MaxPlayers: l.maxPlayers,
		Players:    append([]Player(nil), l.players...),
	}
}

// Names 返回 id 到展示名的映射，随接受回执下发
func (l *Lobby) Names() map[int]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make(map[int]string, len(l.players))
	for _, p := range l.players {
		names[p.ID] = p.Name
	}
	return names
}

// IDs 返回当前名单的玩家 id 列表
func (l *Lobby) IDs() []int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]int, 0, len(l.players))
	for _, p := range l.players {
		ids = append(ids, p.ID)
	}
	return ids
}

// Count 当前名单人数
func (l *Lobby) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.players)
}
