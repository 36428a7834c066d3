package ws

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// Client is one connected subscriber: its identity, its connection, and a
// buffered delivery channel drained by its own write pump.
type Client struct {
	hub           *Hub
	id            string
	conn          *websocket.Conn
	send          chan Envelope
	whenConnected time.Time
	remoteAddr    string
}

// deliver queues an envelope for this client. A full buffer means the client
// has stalled badly; it is dropped so the broadcast path stays unblocked.
func (c *Client) deliver(env Envelope) {
	defer func() {
		// Send channel may have been closed by a concurrent unregister.
		recover()
	}()

	select {
	case c.send <- env:
	default:
		log.Warn().Str("id", c.id).Msg("Subscriber buffer full; dropping connection")
		go c.hub.unregister(c)
	}
}

// writePump serializes and writes queued envelopes, stamping each with this
// client's id. A write failure unregisters the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}

			data, err := marshalEnvelope(env, c.id)
			if err != nil {
				log.Error().Err(err).Str("type", env.Type).Msg("Could not marshal update message")
				continue
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.unregister(c)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.unregister(c)
				return
			}
		}
	}
}

// readPump discards anything the client sends (nothing inbound is expected)
// and detects disconnects.
func (c *Client) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("id", c.id).Msg("WebSocket read error")
			}
			return
		}
		log.Warn().Str("id", c.id).Bytes("data", data).Msg("Ignoring unexpected client message")
	}
}
