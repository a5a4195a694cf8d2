package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/splax/modpulse/internal/ws"
)

type envelope struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

func (r *Router) statusSnapshot() ([]byte, error) {
	return json.Marshal(envelope{Topic: ws.TopicStatus, Data: r.monitor.ConnectionStatus()})
}

func (r *Router) handleStatusWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil || r.monitor == nil {
		r.unavailable(w, "status stream")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	if snapshot, err := r.statusSnapshot(); err == nil {
		if err := client.Send(snapshot); err != nil {
			return
		}
	}
	r.hub.Register(ws.TopicStatus, client)
	go func() {
		defer func() {
			r.hub.Unregister(ws.TopicStatus, client)
			client.Close()
		}()
		client.Wait()
	}()
}

func (r *Router) handleStatusStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.hub == nil || r.monitor == nil {
		r.unavailable(w, "status stream")
		return
	}
	client, err := ws.OpenSSE(w, ws.TopicStatus, ws.DefaultSSERetry, r.logger)
	if errors.Is(err, ws.ErrStreamingUnsupported) {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if err != nil {
		return
	}
	if snapshot, err := r.statusSnapshot(); err == nil {
		if err := client.Send(snapshot); err != nil {
			return
		}
	}
	r.hub.Register(ws.TopicStatus, client)
	defer func() {
		r.hub.Unregister(ws.TopicStatus, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
