package adminapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	logx "wafleet/pkg/logx"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
	streamBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Served on a local address behind a token.
	CheckOrigin: func(*http.Request) bool { return true },
}

// events streams every event bus event to the client as one JSON text frame.
// Inbound frames are read only to track liveness and close.
func (s *Server) events(c echo.Context) error {
	if s.deps.Bus == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event bus unavailable")
	}
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return nil
	}
	evs, unsubscribe := s.deps.Bus.Subscribe(streamBuffer)
	defer unsubscribe()

	closed := make(chan struct{})
	go readPump(ws, closed)

	ctx := c.Request().Context()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer ws.Close()

	for {
		select {
		case <-closed:
			return nil
		case <-ctx.Done():
			return nil
		case <-s.deps.Runtime.Context().Done():
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			return nil
		case ev, ok := <-evs:
			if !ok {
				return nil
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				s.log.Debug("websocket write failed", logx.Err(err))
				return nil
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}

func readPump(ws *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	_ = ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
