package comfy

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/logger"
)

// EventHandler receives decoded events from the socket read loop. Handlers
// must be short and non-blocking; slow work belongs in a goroutine.
type EventHandler interface {
	OnEvent(ev Event)
	// OnClosed fires once when the read loop ends, with a non-nil error if
	// the connection died rather than being closed locally.
	OnClosed(err error)
}

// Socket is a live subscription to ComfyUI's event channel for one client
// session id. It must be opened before the corresponding prompt is
// submitted so no events are missed.
type Socket struct {
	conn    *websocket.Conn
	handler EventHandler
	closed  *atomic.Bool
	log     *slog.Logger
	mu      sync.Mutex
}

// Dial opens the event channel for clientID and starts the read loop.
func Dial(c *Client, clientID string, handler EventHandler) (*Socket, error) {
	conn, _, err := websocket.DefaultDialer.Dial(c.WebSocketURL(clientID), nil)
	if err != nil {
		return nil, err
	}

	s := &Socket{
		conn:    conn,
		handler: handler,
		closed:  atomic.NewBool(false),
		log:     logger.Service("comfy"),
	}
	go s.readLoop()
	return s, nil
}

func (s *Socket) readLoop() {
	for {
		msgType, message, err := s.conn.ReadMessage()
		if err != nil {
			s.conn.Close()
			if s.closed.Load() {
				// Local close, not a transport failure
				s.handler.OnClosed(nil)
			} else {
				s.handler.OnClosed(err)
			}
			return
		}

		// Binary frames are live preview images; this server ignores them.
		if msgType != websocket.TextMessage {
			continue
		}

		var ev Event
		if err := json.Unmarshal(message, &ev); err != nil {
			s.log.Warn("Failed to decode comfyui event", "error", err)
			continue
		}
		if ev.Data == nil {
			// Event kind this server does not track
			continue
		}

		s.handler.OnEvent(ev)
	}
}

// Close tears down the subscription. Safe to call more than once; events
// already in flight after Close are not delivered.
func (s *Socket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Swap(true) {
		return
	}
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.conn.Close()
}
