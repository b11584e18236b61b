package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

var (
	// ErrClientClosed is returned when sending to a closed client.
	ErrClientClosed = errors.New("websocket client closed")
	// ErrSlowClient is returned when a client's send queue is full.
	ErrSlowClient = errors.New("websocket client send queue full")
)

// Message is the envelope for every frame in both directions.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client is one websocket connection. All writes go through writePump;
// Send only enqueues.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	id   string
	kind string

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(conn *websocket.Conn, kind string, bufferSize int) *Client {
	if bufferSize <= 0 {
		bufferSize = sendBufferSize
	}
	return &Client{
		conn:   conn,
		send:   make(chan []byte, bufferSize),
		id:     uuid.NewString(),
		kind:   kind,
		closed: make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Send queues a message without blocking.
func (c *Client) Send(msgType string, data any) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}

	payload, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		return err
	}

	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSlowClient
	}
}

// Close flushes queued messages, sends a close frame and drops the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// readPump dispatches inbound messages until the connection fails, then
// runs onClose.
func (c *Client) readPump(handle func(inboundMessage), onClose func()) {
	defer func() {
		log.Debug().Str("client", c.id).Str("kind", c.kind).Msg("ReadPump exiting")
		if onClose != nil {
			onClose()
		}
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("WebSocket read error")
			} else {
				log.Debug().Err(err).Str("client", c.id).Msg("WebSocket closed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn().Err(err).Str("client", c.id).Msg("Failed to unmarshal WebSocket message")
			continue
		}
		if msg.Type == "ping" {
			_ = c.Send("pong", map[string]int64{"timestamp": time.Now().Unix()})
			continue
		}
		handle(msg)
	}
}

// writePump owns the connection's write side.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		log.Debug().Str("client", c.id).Str("kind", c.kind).Msg("WritePump exiting")
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("client", c.id).Msg("Failed to write message")
				c.Close()
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.closed:
			// Deliver whatever was queued before Close, typically the end event.
		drain:
			for {
				select {
				case message := <-c.send:
					if err := c.write(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					break drain
				}
			}
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}
