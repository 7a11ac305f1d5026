package httpserver

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/isdmx/codegrader/progress"
)

// ProgressEvent is the SSE event name and the WebSocket message type.
const ProgressEvent = "progress"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// wsMessage frames one progress push on the WebSocket.
type wsMessage struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

func (s *Server) handleProgressSSE(c *gin.Context) {
	token := c.Param("token")
	sub, err := s.svc.Subscribe(c.Request.Context(), token, requester(c))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	defer s.svc.Unsubscribe(sub)

	encode := queryBool(c, "base64_encoded")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		var e progress.Event
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-sub.Events():
			if !ok {
				return false
			}
			e = ev
		}
		payload, err := e.Payload(encode)
		if err != nil {
			s.logger.Warn("failed to render progress", zap.String("token", token), zap.Error(err))
			return false
		}
		c.SSEvent(ProgressEvent, payload)
		return true
	})
}

func (s *Server) handleProgressWS(c *gin.Context) {
	token := c.Param("token")
	sub, err := s.svc.Subscribe(c.Request.Context(), token, requester(c))
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.svc.Unsubscribe(sub)
		_ = c.Error(err)
		return
	}
	go s.streamWS(conn, sub, queryBool(c, "base64_encoded"))
}

// streamWS pushes events until the subscription closes or the peer goes
// away. The read side only tracks pongs and close frames.
func (s *Server) streamWS(conn *websocket.Conn, sub *progress.Subscription, encode bool) {
	defer conn.Close()
	defer s.svc.Unsubscribe(sub)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case e, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "grading finished"))
				return
			}
			payload, err := e.Payload(encode)
			if err != nil {
				s.logger.Warn("failed to render progress", zap.String("token", sub.Token()), zap.Error(err))
				return
			}
			if err := conn.WriteJSON(wsMessage{Event: ProgressEvent, Data: payload}); err != nil {
				s.logger.Debug("progress websocket write failed", zap.String("token", sub.Token()), zap.Error(err))
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
