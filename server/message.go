package server

import (
	"encoding/json"
	"fmt"

	"snakelan/game"
)

// ClientVersion 握手时上报的协议版本
const ClientVersion = "1.0"

// Kind 消息类型判别字段
type Kind string

const (
	KindJoinRequest        Kind = "join_request"
	KindJoinAccepted       Kind = "join_accepted"
	KindJoinRejected       Kind = "join_rejected"
	KindLobbyUpdate        Kind = "lobby_update"
	KindPlayerReady        Kind = "player_ready"
	KindPlayerMove         Kind = "player_move"
	KindGameState          Kind = "game_state"
	KindGameStart          Kind = "game_start"
	KindHeartbeat          Kind = "heartbeat"
	KindHeartbeatAck       Kind = "heartbeat_ack"
	KindPlayerDisconnected Kind = "player_disconnected"
	KindChat               Kind = "chat_message"
	KindServerShutdown     Kind = "server_shutdown"
)

// Message 线上传输的带标签联合体：每条 WebSocket 消息恰好一个对象。
// WebSocket 自带逐消息分帧，两条连续写入不会被接收端拼接误解析。
type Message struct {
	Kind Kind `json:"kind"`

	JoinRequest  *JoinRequestMsg  `json:"joinRequest,omitempty"`
	JoinAccepted *JoinAcceptedMsg `json:"joinAccepted,omitempty"`
	JoinRejected *JoinRejectedMsg `json:"joinRejected,omitempty"`
	LobbyUpdate  *LobbyUpdateMsg  `json:"lobbyUpdate,omitempty"`
	PlayerReady  *PlayerReadyMsg  `json:"playerReady,omitempty"`
	PlayerMove   *PlayerMoveMsg   `json:"playerMove,omitempty"`
	GameState    *GameStateMsg    `json:"gameState,omitempty"`
	Heartbeat    *HeartbeatMsg    `json:"heartbeat,omitempty"`
	PlayerGone   *PlayerGoneMsg   `json:"playerGone,omitempty"`
	Chat         *ChatMsg         `json:"chat,omitempty"`
}

type JoinRequestMsg struct {
	Name          string `json:"name"`
	RequestID     string `json:"requestId"`
	ClientVersion string `json:"clientVersion"`
}

type JoinAcceptedMsg struct {
	PlayerID    int            `json:"playerId"`
	Lobby       LobbyInfo      `json:"lobby"`
	PlayerNames map[int]string `json:"playerNames"`
}

type JoinRejectedMsg struct {
	Reason string `json:"reason"`
}

type LobbyUpdateMsg struct {
	Lobby LobbyInfo `json:"lobby"`
}

type PlayerReadyMsg struct {
	PlayerID int  `json:"playerId"`
	IsReady  bool `json:"isReady"`
}

type PlayerMoveMsg struct {
	PlayerID  int            `json:"playerId"`
	Direction game.Direction `json:"direction"`
}

type GameStateMsg struct {
	Snakes []game.Snake `json:"snakes"`
	Foods  []game.Coord `json:"foods"`
}

type HeartbeatMsg struct {
	Timestamp int64 `json:"timestamp"`
}

type PlayerGoneMsg struct {
	PlayerID int `json:"playerId"`
}

type ChatMsg struct {
	PlayerID   int    `json:"playerId"`
	PlayerName string `json:"playerName"`
	Text       string `json:"message"`
}

// Encode 序列化一条消息
func Encode(m *Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind, err)
	}
	return b, nil
}

// Decode 反序列化一条消息；格式错误返回 error，由调用方记日志后丢弃
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.Kind == "" {
		return nil, fmt.Errorf("decode message: missing kind")
	}
	return &m, nil
}

// Known 返回消息类型是否在当前协议版本内；
// 未知类型由处理方记日志后忽略，从不关闭连接
func (m *Message) Known() bool {
	switch m.Kind {
	case KindJoinRequest, KindJoinAccepted, KindJoinRejected, KindLobbyUpdate,
		KindPlayerReady, KindPlayerMove, KindGameState, KindGameStart,
		KindHeartbeat, KindHeartbeatAck, KindPlayerDisconnected, KindChat,
		KindServerShutdown:
		return true
	}
	return false
}
