package handler

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"teleconsulta/internal/call"
	"teleconsulta/internal/meeting"
	"teleconsulta/internal/ws"
)

const (
	uiWriteWait  = 10 * time.Second
	uiPongWait   = 60 * time.Second
	uiPingPeriod = (uiPongWait * 9) / 10
)

var uiUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// uiFrame is what the operator UI sends back over its socket. Today that is
// only meeting widget events; the payload mirrors the widget callbacks.
type uiFrame struct {
	Type    string `json:"type"`
	Payload struct {
		Name  string `json:"name"`
		Muted bool   `json:"muted"`
		Error string `json:"error"`
	} `json:"payload"`
}

// UIHandler owns the operator-UI WebSocket: state fan-out through the hub
// on the way down, meeting widget events on the way up.
type UIHandler struct {
	hub    *ws.Hub
	bridge *meeting.BridgeProvider
	engine *call.Engine
}

func NewUIHandler(hub *ws.Hub, bridge *meeting.BridgeProvider, engine *call.Engine) *UIHandler {
	return &UIHandler{hub: hub, bridge: bridge, engine: engine}
}

// Upgrade attaches one UI connection to the hub and pumps it until it
// drops. A fresh connection gets the current call snapshot immediately so
// the UI never renders from a stale default.
func (h *UIHandler) Upgrade(c *gin.Context) {
	conn, err := uiUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	client := &ws.Client{Send: make(chan []byte, 256)}
	h.hub.Register(client)
	defer client.Close()
	log.Printf("[UI] operator connected (%d total)", h.hub.ClientCount())

	if data, err := json.Marshal(map[string]any{"type": "call_state", "payload": h.engine.Snapshot()}); err == nil {
		client.Send <- data
	}

	go h.writePump(client, conn)

	conn.SetReadDeadline(time.Now().Add(uiPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(uiPongWait))
		return nil
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var frame uiFrame
		if json.Unmarshal(raw, &frame) != nil {
			continue
		}
		if frame.Type == "meeting_event" {
			h.bridge.HandleEvent(frame.Payload.Name, frame.Payload.Muted, frame.Payload.Error)
		}
	}
	log.Printf("[UI] operator disconnected")
}

func (h *UIHandler) writePump(client *ws.Client, conn *websocket.Conn) {
	ticker := time.NewTicker(uiPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-client.Send:
			conn.SetWriteDeadline(time.Now().Add(uiWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(uiWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
