package control

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/core-tools/hsu-orchestrator/pkg/events"
)

const streamBuffer = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventStream streams bus events to websocket clients as JSON text frames.
// The optional "type" query parameter restricts the stream to one event type.
type EventStream struct {
	bus    *events.Bus
	logger *zap.Logger
}

func NewEventStream(bus *events.Bus, logger *zap.Logger) *EventStream {
	return &EventStream{
		bus:    bus,
		logger: logger,
	}
}

func (s *EventStream) Handle(c *gin.Context) {
	eventType := c.DefaultQuery("type", events.All)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	s.logger.Info("event stream connected",
		zap.String("type", eventType),
		zap.String("client", c.ClientIP()))

	stream := make(chan events.Event, streamBuffer)
	unsubscribe := s.bus.Subscribe(eventType, func(event events.Event) {
		select {
		case stream <- event:
		default:
			s.logger.Warn("event stream full, dropping event",
				zap.String("event_id", event.ID),
				zap.String("type", event.Type))
		}
	})
	defer unsubscribe()

	// Reading is required to observe the client closing the connection
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := c.Request.Context()
	for {
		select {
		case <-closed:
			s.logger.Info("event stream disconnected", zap.String("client", c.ClientIP()))
			return
		case <-ctx.Done():
			return
		case event := <-stream:
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Error("failed to marshal event", zap.String("event_id", event.ID), zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("failed to write message", zap.Error(err))
				return
			}
		}
	}
}
