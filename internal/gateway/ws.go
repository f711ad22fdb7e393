package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/BoozeLee/conduit/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Peers only send control frames; anything larger is a protocol error.
	maxMessageSize = 4 * 1024

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsClient is one server-to-peer stream. Messages queued with enqueue are
// written in order; the peer is only read to notice it going away.
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	gone   chan struct{}
	logger *logger.Logger
}

func newWSClient(conn *websocket.Conn, log *logger.Logger) *wsClient {
	return &wsClient{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		gone:   make(chan struct{}),
		logger: log,
	}
}

// enqueue blocks until msg is queued or the peer is gone.
func (c *wsClient) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.gone:
		return false
	}
}

// tryEnqueue queues msg unless the buffer is full.
func (c *wsClient) tryEnqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.gone:
		return false
	default:
		c.logger.Warn("websocket send buffer full, dropping message")
		return false
	}
}

// readPump discards peer messages and closes gone when the peer
// disconnects.
func (c *wsClient) readPump() {
	defer close(c.gone)
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump writes queued messages until send is closed, the peer goes
// away or ctx ends. A closed send channel ends the stream with a normal
// close frame.
func (c *wsClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.gone:
			return

		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
