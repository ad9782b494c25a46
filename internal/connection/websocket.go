package connection

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebsocketSession adapts a gorilla websocket connection to the Session
// interface.
type WebsocketSession struct {
	conn    *websocket.Conn
	headers http.Header
}

// Upgrade performs the websocket handshake and wraps the resulting
// connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WebsocketSession, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return &WebsocketSession{conn: conn, headers: r.Header}, nil
}

func (s *WebsocketSession) ReceiveText() (string, error) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if messageType == websocket.TextMessage {
			return string(data), nil
		}
	}
}

func (s *WebsocketSession) SendText(text string) error {
	return s.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (s *WebsocketSession) Close() error {
	return s.conn.Close()
}

func (s *WebsocketSession) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *WebsocketSession) Header(name string) string {
	return s.headers.Get(name)
}
