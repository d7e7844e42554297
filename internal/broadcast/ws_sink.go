package broadcast

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/parking-match/internal/models"
)

const writeWait = 10 * time.Second

// WSSink writes frames to a websocket connection. gorilla connections allow
// one concurrent writer, so every frame goes through the same mutex.
type WSSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSSink(conn *websocket.Conn) *WSSink { return &WSSink{conn: conn} }

// Send implements Sink.
func (s *WSSink) Send(ev models.Event) error { return s.WriteJSON(ev) }

// WriteJSON writes any frame, including protocol errors and acks.
func (s *WSSink) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// Ping keeps idle connections open through proxies.
func (s *WSSink) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}
