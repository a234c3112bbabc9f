package api

import (
	"net/http"
	"time"

	"github.com/NikitaDmitryuk/mediadash/internal/app"
	"github.com/NikitaDmitryuk/mediadash/internal/logutils"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsPongWait   = wsPingPeriod + 10*time.Second
	wsReadLimit  = 512
)

// Access is already checked by chain, so any origin may connect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Push streams hub messages as JSON text frames. The first frame is always the snapshot.
func Push(w http.ResponseWriter, r *http.Request, a *app.App) {
	requestID := requestIDFrom(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logutils.Log.WithError(err).WithField("request_id", requestID).Debug("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := a.Hub.Subscribe()
	defer a.Hub.Unsubscribe(sub)
	logutils.Log.WithField("request_id", requestID).Debug("Websocket subscriber connected")

	// The read side only services control frames and notices the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(wsReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case msg, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed"))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				logutils.Log.WithError(err).WithField("request_id", requestID).Debug("Websocket write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
