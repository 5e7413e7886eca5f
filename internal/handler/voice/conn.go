package voice

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
)

var errConnClosed = errors.New("voice connection closed")

type inboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// sender 向浏览器发送一条信封消息。
type sender interface {
	send(msgType string, data any) error
}

// wsConn 串行化对同一连接的写操作；gorilla/websocket 不允许并发写。
type wsConn struct {
	conn      *websocket.Conn
	sessionID string

	mu     sync.Mutex
	closed bool
}

func newWSConn(conn *websocket.Conn, sessionID string) *wsConn {
	return &wsConn{conn: conn, sessionID: sessionID}
}

func (c *wsConn) send(msgType string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(outgoingMessage{
		Type:      msgType,
		SessionID: c.sessionID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *wsConn) sendError(message string) {
	if err := c.send("error", map[string]any{"message": message, "fatal": false}); err != nil {
		log.Printf("[voice] failed to send error session=%s: %v", c.sessionID, err)
	}
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// close 关闭底层连接，阻塞中的读会随之返回。
func (c *wsConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.conn.Close()
}

func (c *wsConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				log.Printf("[voice] ping failed session=%s: %v", c.sessionID, err)
				return
			}
		}
	}
}
