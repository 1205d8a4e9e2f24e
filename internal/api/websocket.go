package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"spot-core/internal/events"
	"spot-core/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams telemetry envelopes. ?topics=a,b narrows the feed;
// price ticks are only sent when requested explicitly.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	stream, unsub := s.Bus.Subscribe(256, wsTopics(c.Query("topics"))...)
	defer unsub()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case env, ok := <-stream:
			if !ok {
				return
			}
			data, err := telemetry.Marshal(env)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug("ws write error", zap.Error(err))
				return
			}
		}
	}
}

func wsTopics(raw string) []events.Event {
	if raw == "" {
		return []events.Event{
			events.EventSignal,
			events.EventTradeExecuted,
			events.EventTradeFailed,
			events.EventSignalDropped,
			events.EventPositionOpened,
			events.EventPositionClosed,
			events.EventStreamState,
			events.EventSettingsUpdated,
			events.EventError,
		}
	}
	var out []events.Event
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, events.Event(t))
		}
	}
	return out
}
