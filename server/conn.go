package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendQueueSize = 64
	writeTimeout  = 5 * time.Second
	readLimit     = 1 << 20 // 1MB
)

// peerConn 对单条 WebSocket 连接的轻量包装：
// 独立写协程 + 有界发送队列，慢客户端永远不会阻塞 Tick。
type peerConn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	metrics *Metrics
}

func newPeerConn(ws *websocket.Conn, m *Metrics) *peerConn {
	c := &peerConn{
		ws:      ws,
		send:    make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
		metrics: m,
	}
	go c.writePump()
	return c
}

// Enqueue 将消息压入发送队列（非阻塞，满则丢弃最新一条）
func (c *peerConn) Enqueue(b []byte) {
	select {
	case c.send <- b:
		if c.metrics != nil {
			c.metrics.IncMessagesOut()
		}
	case <-c.done:
	default:
		// 为了实时性丢弃，不做背压
		if c.metrics != nil {
			c.metrics.IncSendDropped()
		}
	}
}

// Close 幂等关闭：重复调用不报错，底层资源确定性释放
func (c *peerConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// RemoteAddr 对端地址字符串
func (c *peerConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// writePump 独立协程，从队列写出到 WS；
// 写失败即关闭连接，由读协程统一走断线清理路径
func (c *peerConn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		}
	}
}
