package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// mountAdmin 挂载管理与监控接口（与 /ws 同一个监听端口）
// GET  /admin/config  返回当前可调配置
// POST /admin/config  以 JSON 载荷热更新部分字段
// GET  /metrics       输出运行指标
// GET  /healthz       存活探针
func (h *Host) mountAdmin(r *chi.Mux) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		payload := map[string]any{
			"lobby":   h.lobby.Snapshot(),
			"started": h.gameStarted(),
			"metrics": h.metrics.Snapshot(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	})

	r.Get("/admin/config", func(w http.ResponseWriter, _ *http.Request) {
		cur := map[string]any{
			"tickMs":      h.tickMs.Load(),
			"heartbeatMs": h.cfg.Heartbeat.Milliseconds(),
			"maxPlayers":  h.cfg.MaxPlayers,
			"cols":        h.cfg.Game.Cols,
			"rows":        h.cfg.Game.Rows,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(cur)
	})

	// POST 只接受运行中可安全热更的字段；其余尺寸类配置开局即定
	r.Post("/admin/config", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			TickMs *int64 `json:"tickMs"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if body.TickMs != nil {
			if *body.TickMs < 50 {
				http.Error(w, "tickMs too small", http.StatusBadRequest)
				return
			}
			h.tickMs.Store(*body.TickMs)
			Log.Infof("admin: tick interval updated to %dms", *body.TickMs)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
}
