package adminapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/talkincode/toughwa/internal/fanout"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamEvents upgrades to a websocket and forwards the instance events.
// The current status and QR are replayed on attach.
func (a *InstanceApi) streamEvents(c echo.Context) error {
	id := c.Param("id")
	sub, err := a.hub.Subscribe(id)
	if err != nil {
		return failErr(c, err)
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		a.hub.Unsubscribe(sub)
		zap.L().Warn("adminapi: websocket upgrade failed", zap.String("instance_id", id), zap.Error(err))
		return nil
	}
	zap.L().Info("adminapi: event subscriber attached",
		zap.String("instance_id", id), zap.String("remote", c.RealIP()))

	done := make(chan struct{})
	go readPump(conn, done)
	writePump(conn, sub, done)
	a.hub.Unsubscribe(sub)
	zap.L().Info("adminapi: event subscriber detached", zap.String("instance_id", id))
	return nil
}

// readPump only watches for the peer going away.
func readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zap.L().Debug("adminapi: websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, sub *fanout.Subscriber, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case <-done:
			return
		case data, open := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				// instance deleted or subscriber pruned
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
