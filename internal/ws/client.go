package ws

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheaf-ai/sheaf/server/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20 // 1 MB

	// Send buffer size
	sendBufSize = 256
)

// Client represents a single WebSocket connection from an AI worker.
type Client struct {
	WorkerID string
	conn     *websocket.Conn
	hub      *Hub
	send     chan []byte
}

// NewClient wraps a WebSocket connection.
func NewClient(workerID string, conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		WorkerID: workerID,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, sendBufSize),
	}
}

// Run starts read and write pumps. Blocks until the connection closes.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	go c.writePump()
	c.readPump(ctx) // blocks
	c.hub.Unregister(c)
}

// ─────────────────────────────────────────────
// Read pump: Worker → Server
// ─────────────────────────────────────────────

func (c *Client) readPump(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws] worker %s read error: %v", c.WorkerID, err)
			}
			return
		}
		c.handleMessage(ctx, message)
	}
}

func (c *Client) handleMessage(ctx context.Context, raw []byte) {
	var env struct {
		Type    model.MsgType   `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("[ws] worker %s: invalid message: %v", c.WorkerID, err)
		return
	}

	switch env.Type {
	case model.MsgTypeFetchJob:
		var req model.FetchJobRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			log.Printf("[ws] worker %s: bad FETCH_JOB payload: %v", c.WorkerID, err)
			return
		}
		req.WorkerID = c.WorkerID // enforce server-side worker identity
		c.hub.HandleFetchJob(ctx, c, &req)

	case model.MsgTypeJobResult:
		var res model.JobResult
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			log.Printf("[ws] worker %s: bad JOB_RESULT payload: %v", c.WorkerID, err)
			return
		}
		res.WorkerID = c.WorkerID
		c.hub.HandleJobResult(ctx, c, &res)

	default:
		log.Printf("[ws] worker %s: unknown message type: %s", c.WorkerID, env.Type)
	}
}

// ─────────────────────────────────────────────
// Write pump: Server → Worker
// ─────────────────────────────────────────────

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch queued messages into a single write if possible
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte("\n"))
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
