package relay

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"teleconsulta/config"
	"teleconsulta/internal/auth"
	"teleconsulta/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// UpgradeStoreWS serves one store session per station connection. When the
// socket drops, closing the session applies the connection's registered
// disconnect writes — this is the store's disconnect hook.
func UpgradeStoreWS(cfg *config.JWTConfig, st *store.MemoryStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}
		claims, err := auth.ParseStationToken(cfg, token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		log.Printf("[RELAY] station %s connected", claims.StationID)

		sess := st.NewSession()
		sc := &storeConn{
			session: sess,
			send:    make(chan []byte, 256),
			subs:    make(map[uint64]func()),
		}
		defer func() {
			sc.close()
			log.Printf("[RELAY] station %s disconnected", claims.StationID)
		}()

		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		go writePump(sc, conn)

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var op store.OpFrame
			if json.Unmarshal(raw, &op) != nil {
				continue
			}
			sc.apply(op)
		}
	}
}

type storeConn struct {
	session *store.Session
	send    chan []byte

	mu     sync.Mutex
	subs   map[uint64]func()
	closed bool
}

func writePump(sc *storeConn, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-sc.send:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (sc *storeConn) push(ev store.EventFrame) {
	data, _ := json.Marshal(ev)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return
	}
	select {
	case sc.send <- data:
	default:
		log.Printf("[RELAY] slow consumer, frame dropped")
	}
}

func (sc *storeConn) apply(op store.OpFrame) {
	ack := store.EventFrame{Type: store.FrameAck, ID: op.ID}
	var err error
	switch op.Op {
	case store.OpWrite:
		var v any
		if len(op.Value) > 0 {
			err = json.Unmarshal(op.Value, &v)
		}
		if err == nil {
			err = sc.session.Write(op.Path, v)
		}
	case store.OpPatch:
		var v map[string]any
		if len(op.Value) > 0 {
			err = json.Unmarshal(op.Value, &v)
		}
		if err == nil {
			err = sc.session.Patch(op.Path, v)
		}
	case store.OpRemove:
		err = sc.session.Remove(op.Path)
	case store.OpPush:
		ack.Key, err = sc.session.PushChild(op.Path)
	case store.OpSubscribe:
		err = sc.subscribe(op)
	case store.OpUnsubscribe:
		sc.mu.Lock()
		if unsub, ok := sc.subs[op.Sub]; ok {
			delete(sc.subs, op.Sub)
			sc.mu.Unlock()
			unsub()
		} else {
			sc.mu.Unlock()
		}
	case store.OpOnDisconnect:
		var v any
		if len(op.Value) > 0 {
			err = json.Unmarshal(op.Value, &v)
		}
		if err == nil {
			err = sc.session.RegisterDisconnectWrite(op.Path, v)
		}
	case store.OpCancelDisconnect:
		err = sc.session.CancelDisconnectWrite(op.Path)
	}
	if err != nil {
		ack.Error = err.Error()
	}
	sc.push(ack)
}

func (sc *storeConn) subscribe(op store.OpFrame) error {
	subID := op.Sub
	unsub, err := sc.session.Subscribe(op.Path, func(snap store.Snapshot) {
		raw, merr := json.Marshal(snap)
		if merr != nil {
			log.Printf("[RELAY] snapshot marshal: %v", merr)
			return
		}
		sc.push(store.EventFrame{Type: store.FrameValue, Sub: subID, Value: raw})
	}, nil)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		unsub()
		return store.ErrClosed
	}
	sc.subs[subID] = unsub
	sc.mu.Unlock()
	return nil
}

func (sc *storeConn) close() {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.closed = true
	subs := sc.subs
	sc.subs = nil
	sc.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
	// Applies the connection's disconnect writes.
	_ = sc.session.Close()
	close(sc.send)
}
