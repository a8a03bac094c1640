// Package live fans downstream events out to websocket subscribers.
// Subscribers attach with a tenant id and only receive events tagged
// for that tenant (or untagged broadcast events).
package live

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event kinds emitted by the pipeline and the device manager.
const (
	EventSensorReading   = "sensor_reading_received"
	EventSensorStale     = "sensor_stale"
	EventDeviceHeartbeat = "device_heartbeat"
	EventDeviceOffline   = "device_offline"
	EventCommandResponse = "command_response"
)

// Event is the downstream emission shape, tagged with the tenant id
// for fan-out filtering.
type Event struct {
	Type     string                 `json:"type"`
	TenantID string                 `json:"tenant_id,omitempty"`
	SensorID string                 `json:"sensor_id,omitempty"`
	Time     time.Time              `json:"time"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

type client struct {
	conn     *websocket.Conn
	tenantID string
	send     chan []byte
}

// Hub owns the subscriber set and serializes access to it through its
// run loop.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan Event
	clients    map[*client]struct{}
	log        *zap.Logger
	done       chan struct{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Event, 256),
		clients:    make(map[*client]struct{}),
		log:        log,
		done:       make(chan struct{}),
	}
}

// Run processes subscriber churn and event fan-out until Stop.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Warn("event marshal failed", zap.Error(err))
				continue
			}
			for c := range h.clients {
				if c.tenantID != "" && event.TenantID != "" && c.tenantID != event.TenantID {
					continue
				}
				select {
				case c.send <- data:
				default:
					// slow consumer, drop it
					delete(h.clients, c)
					close(c.send)
				}
			}
		case <-h.done:
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return
		}
	}
}

// Broadcast queues an event for fan-out. Non-blocking; events are
// dropped when the hub is saturated.
func (h *Hub) Broadcast(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("event dropped, hub saturated", zap.String("type", event.Type))
	}
}

// Stop terminates the run loop and closes all subscriber channels.
func (h *Hub) Stop() {
	close(h.done)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request to a websocket subscription. The
// tenant filter comes from the `tenant` query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		conn:     conn,
		tenantID: r.URL.Query().Get("tenant"),
		send:     make(chan []byte, 64),
	}
	h.register <- c
	go c.writeLoop()
	go c.readLoop(h)
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// readLoop discards inbound frames; it exists to notice the close.
func (c *client) readLoop(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
