// Package ws implements the subscriber hub: it manages connected WebSocket
// clients and fans every hub update out to all of them, in emission order,
// wrapped in the client message envelope.
package ws

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/vibinhq/vibin/internal/hub"
	"github.com/vibinhq/vibin/internal/version"
)

// MessageTypeVibinStatus is the process-level status message sent alongside
// the device-derived change kinds.
const MessageTypeVibinStatus = "VibinStatus"

// BroadcastMarker is the client_id placed on an envelope before it is
// addressed to a specific recipient.
const BroadcastMarker = "*"

// sendBufferSize is the per-client outbound buffer. A client that falls this
// far behind is dropped rather than allowed to stall the broadcast path.
const sendBufferSize = 256

// Envelope is the outbound message shape delivered to every subscriber.
type Envelope struct {
	ID       string `json:"id"`
	ClientID string `json:"client_id"`
	Time     int64  `json:"time"` // epoch milliseconds
	Type     string `json:"type"`
	Payload  any    `json:"payload"`
}

// ClientDetail describes one connected subscriber in VibinStatus payloads.
type ClientDetail struct {
	ID            string  `json:"id"`
	WhenConnected float64 `json:"when_connected"`
	IP            string  `json:"ip"`
	Port          string  `json:"port"`
}

// Status is the VibinStatus payload: process start time, connected-client
// details, and build info.
type Status struct {
	StartTime float64        `json:"start_time"`
	Version   version.Info   `json:"version"`
	Clients   []ClientDetail `json:"clients"`
}

// StateSource provides the full current state for newly connected clients.
type StateSource interface {
	CurrentStateUpdates() []hub.Update
}

// Hub manages the set of connected real-time clients. Message ids are
// assigned once per message, globally monotonically increasing, before any
// per-subscriber delivery, so a client can detect gaps via the last id it
// received.
type Hub struct {
	state StateSource

	mu      sync.RWMutex
	clients map[*Client]struct{}

	// emitMu serializes stamp-and-queue: an envelope's id is assigned and the
	// envelope handed to every recipient's buffer as one step, so no subscriber
	// can observe a higher id queued ahead of a lower one.
	emitMu sync.Mutex
	seq    uint64

	startedAt time.Time
}

// NewHub creates a subscriber hub backed by the given state source.
func NewHub(state StateSource) *Hub {
	return &Hub{
		state:     state,
		clients:   make(map[*Client]struct{}),
		startedAt: time.Now(),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeHTTP upgrades the connection and registers the new subscriber. The
// new client immediately receives the complete current state followed by a
// VibinStatus; every other client receives the refreshed VibinStatus too.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		hub:           h,
		id:            uuid.NewString(),
		conn:          conn,
		send:          make(chan Envelope, sendBufferSize),
		whenConnected: time.Now(),
		remoteAddr:    conn.RemoteAddr().String(),
	}

	h.register(client)

	go client.writePump()
	go client.readPump()

	// Bring the new client fully up to date before any diff arrives.
	for _, update := range h.state.CurrentStateUpdates() {
		h.emitTo(client, string(update.Type), update.Payload)
	}

	h.broadcastStatus()
}

// Broadcast implements hub.Broadcaster: wrap the update in an envelope and
// deliver it to every registered subscriber. Delivery to one subscriber never
// blocks or fails delivery to the others.
func (h *Hub) Broadcast(update hub.Update) {
	h.emit(string(update.Type), update.Payload)
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Status reports the current process-level status.
func (h *Hub) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()

	details := make([]ClientDetail, 0, len(h.clients))
	for client := range h.clients {
		ip, port := splitAddr(client.remoteAddr)
		details = append(details, ClientDetail{
			ID:            client.id,
			WhenConnected: float64(client.whenConnected.UnixMilli()) / 1000.0,
			IP:            ip,
			Port:          port,
		})
	}

	return Status{
		StartTime: float64(h.startedAt.UnixMilli()) / 1000.0,
		Version:   version.GetInfo(),
		Clients:   details,
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		client.conn.Close()
		delete(h.clients, client)
	}
}

// emit stamps a new message and queues it to every registered subscriber.
func (h *Hub) emit(msgType string, payload any) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	h.send(h.envelope(msgType, payload))
}

// emitTo stamps a new message addressed to a single subscriber.
func (h *Hub) emitTo(client *Client, msgType string, payload any) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	client.deliver(h.envelope(msgType, payload))
}

// envelope stamps a new message: the id is taken from the global sequence
// exactly once, before any per-subscriber delivery. Callers hold emitMu.
func (h *Hub) envelope(msgType string, payload any) Envelope {
	h.seq++
	return Envelope{
		ID:       strconv.FormatUint(h.seq, 10),
		ClientID: BroadcastMarker,
		Time:     time.Now().UnixMilli(),
		Type:     msgType,
		Payload:  payload,
	}
}

func (h *Hub) send(env Envelope) {
	// Snapshot the client set, then deliver outside the lock so one slow
	// client cannot hold up registration or the other deliveries.
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.deliver(env)
	}
}

func (h *Hub) broadcastStatus() {
	h.emit(MessageTypeVibinStatus, h.Status())
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	log.Info().Str("id", client.id).Str("addr", client.remoteAddr).Int("clients", count).Msg("Client connected")
}

// unregister removes a client. Only the goroutine that removes the client
// from the map closes its send channel, preventing double-close on shutdown.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	count := len(h.clients)
	h.mu.Unlock()

	if !existed {
		return
	}

	close(client.send)
	client.conn.Close()
	log.Info().Str("id", client.id).Int("clients", count).Msg("Client disconnected")

	h.broadcastStatus()
}

func splitAddr(addr string) (ip, port string) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:]
		}
	}
	return addr, ""
}

// marshalEnvelope renders one envelope addressed to a specific recipient.
func marshalEnvelope(env Envelope, clientID string) ([]byte, error) {
	env.ClientID = clientID
	return json.Marshal(env)
}
