package server

import "sync/atomic"

// Metrics 记录主机运行期的关键协议指标（用于监控与调试）
type Metrics struct {
	TickCount         int64 // 已推进的 Tick 次数
	MessagesIn        int64 // 收到的有效消息数
	MessagesOut       int64 // 发出的消息数（按连接计）
	ParseErrors       int64 // 解析失败被丢弃的消息数
	UnknownKinds      int64 // 未知类型被忽略的消息数
	SendDropped       int64 // 因发送队列满被丢弃的消息数
	JoinsAccepted     int64 // 接受的加入请求数
	JoinsRejected     int64 // 拒绝的加入请求数
	Disconnects       int64 // 触发清理的断线次数
	HeartbeatsSent    int64 // 发出的心跳数
	BeaconsSent       int64 // 发出的发现广播数
	TotalTickNs       int64 // Tick 累计耗时（纳秒）
}

func (m *Metrics) IncMessagesIn()    { atomic.AddInt64(&m.MessagesIn, 1) }
func (m *Metrics) IncMessagesOut()   { atomic.AddInt64(&m.MessagesOut, 1) }
func (m *Metrics) IncParseErrors()   { atomic.AddInt64(&m.ParseErrors, 1) }
func (m *Metrics) IncUnknownKinds()  { atomic.AddInt64(&m.UnknownKinds, 1) }
func (m *Metrics) IncSendDropped()   { atomic.AddInt64(&m.SendDropped, 1) }
func (m *Metrics) IncJoinsAccepted() { atomic.AddInt64(&m.JoinsAccepted, 1) }
func (m *Metrics) IncJoinsRejected() { atomic.AddInt64(&m.JoinsRejected, 1) }
func (m *Metrics) IncDisconnects()   { atomic.AddInt64(&m.Disconnects, 1) }
func (m *Metrics) IncHeartbeats()    { atomic.AddInt64(&m.HeartbeatsSent, 1) }
func (m *Metrics) IncBeacons()       { atomic.AddInt64(&m.BeaconsSent, 1) }

func (m *Metrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"tick_count":      tick,
		"messages_in":     atomic.LoadInt64(&m.MessagesIn),
		"messages_out":    atomic.LoadInt64(&m.MessagesOut),
		"parse_errors":    atomic.LoadInt64(&m.ParseErrors),
		"unknown_kinds":   atomic.LoadInt64(&m.UnknownKinds),
		"send_dropped":    atomic.LoadInt64(&m.SendDropped),
		"joins_accepted":  atomic.LoadInt64(&m.JoinsAccepted),
		"joins_rejected":  atomic.LoadInt64(&m.JoinsRejected),
		"disconnects":     atomic.LoadInt64(&m.Disconnects),
		"heartbeats_sent": atomic.LoadInt64(&m.HeartbeatsSent),
		"beacons_sent":    atomic.LoadInt64(&m.BeaconsSent),
		"avg_tick_ms":     avgMs,
	}
}
