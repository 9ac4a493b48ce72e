package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/noctispro6-cloud/NoctisPro-sub001/internal/models"
)

// WebSocket message types for the progress feed
const (
	// Client -> Server messages
	MsgTypePing = "ping"

	// Server -> Client messages
	MsgTypeConnected = "connected"
	MsgTypeEvent     = "event"
	MsgTypePong      = "pong"
	MsgTypeError     = "error"
)

const wsWriteTimeout = 10 * time.Second

// WSMessage is the envelope for every frame on the progress socket.
type WSMessage struct {
	Type      string        `json:"type"`
	Event     *models.Event `json:"event,omitempty"`
	Message   string        `json:"message,omitempty"`
	Code      string        `json:"code,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// ProgressSocketHandler upgrades clients to websockets and forwards every
// published event to them until they disconnect.
type ProgressSocketHandler struct {
	hub      Subscriber
	upgrader websocket.Upgrader
}

// NewProgressSocketHandler creates a new websocket progress handler
func NewProgressSocketHandler(hub Subscriber) ProgressHandler {
	return &ProgressSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			// the API binds to loopback by default
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
		},
	}
}

// HandleProgressSocket attaches the connection as an observer. Events
// published before the client connected are not replayed.
func (p *ProgressSocketHandler) HandleProgressSocket(c echo.Context) error {
	ws, err := p.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	conn := &wsObserver{conn: ws}
	unsubscribe := p.hub.Subscribe(conn)
	defer unsubscribe()

	log.Debug("progress client connected", "remote", c.RealIP())
	conn.send(WSMessage{Type: MsgTypeConnected})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("progress connection error", "err", err)
			}
			break
		}

		var msg WSMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			conn.send(WSMessage{Type: MsgTypeError, Message: "invalid message", Code: "INVALID_PAYLOAD"})
			continue
		}
		switch msg.Type {
		case MsgTypePing:
			conn.send(WSMessage{Type: MsgTypePong})
		default:
			conn.send(WSMessage{Type: MsgTypeError, Message: "Unknown message type: " + msg.Type, Code: "INVALID_TYPE"})
		}
	}

	log.Debug("progress client disconnected", "remote", c.RealIP())
	return nil
}

// wsObserver serializes writes from the read loop and the publishing
// goroutine onto one connection.
type wsObserver struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (o *wsObserver) Notify(ev models.Event) error {
	return o.send(WSMessage{Type: MsgTypeEvent, Event: &ev})
}

func (o *wsObserver) send(msg WSMessage) error {
	msg.Timestamp = time.Now().UnixMilli()
	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return o.conn.WriteMessage(websocket.TextMessage, data)
}
