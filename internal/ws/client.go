package ws

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pliu/devfusion/internal/auth"
	"github.com/pliu/devfusion/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// Client is one authorized connection bound to a single project room for its
// whole lifetime.
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	identity  *auth.Identity
	projectID string

	// project is the record resolved at handshake, used for routing only.
	project   *models.Project
	sessionID string
}

func newClient(id string, conn *websocket.Conn, identity *auth.Identity, project *models.Project) *Client {
	return &Client{
		id:        id,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		identity:  identity,
		projectID: project.ID,
		project:   project,
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Identity() *auth.Identity { return c.identity }

func (c *Client) ProjectID() string { return c.projectID }

// readPump decodes inbound envelopes and hands them to handle until the
// connection fails or is closed.
func (c *Client) readPump(maxPayload int64, handle func(*Client, Envelope)) {
	c.conn.SetReadLimit(maxPayload)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("WebSocket read error", "conn_id", c.id, "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			slog.Warn("Malformed websocket envelope", "conn_id", c.id, "project_id", c.projectID)
			continue
		}
		handle(c, env)
	}
}

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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

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
