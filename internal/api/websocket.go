package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/dorfbus/internal/executor"
	"github.com/nerrad567/dorfbus/internal/infrastructure/config"
	"github.com/nerrad567/dorfbus/internal/infrastructure/logging"
	"github.com/nerrad567/dorfbus/internal/livestate"
)

// WebSocket constants.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// Event channels a client can subscribe to.
const (
	ChannelCoilChanged   = "coil.changed"
	ChannelDeviceChanged = "device.changed"
)

// CoilEvent is the payload of a coil.changed event.
type CoilEvent struct {
	Coil     livestate.CoilSnapshot `json:"coil"`
	Previous livestate.CoilValue    `json:"previous"`
	Source   string                 `json:"source"`
	Error    string                 `json:"error,omitempty"`
}

// DeviceEvent is the payload of a device.changed event.
type DeviceEvent struct {
	Device  livestate.DeviceSnapshot `json:"device"`
	WasSeen bool                     `json:"was_seen"`
	Source  string                   `json:"source"`
	Error   string                   `json:"error,omitempty"`
}

// WSMessage is the envelope of every message sent to a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsRequest is an inbound client message. The payload is decoded per type.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// channelSet is a bitmask of subscribed event channels.
type channelSet uint32

const (
	coilChannel channelSet = 1 << iota
	deviceChannel
)

func channelBit(name string) (channelSet, bool) {
	switch name {
	case ChannelCoilChanged:
		return coilChannel, true
	case ChannelDeviceChanged:
		return deviceChannel, true
	}
	return 0, false
}

// Hub fans executor state changes out to WebSocket clients. It is an
// executor.Listener; a slow client drops events rather than stalling the bus.
type Hub struct {
	logger *logging.Logger

	readLimit int64
	pingEvery time.Duration
	readWait  time.Duration
	writeWait time.Duration

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// WSClient is one connected WebSocket client.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs atomic.Uint32
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a hub. Zero config values fall back to 8 KiB messages, a 30s
// ping interval and a 10s pong timeout.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	maxSize, ping, pong := cfg.MaxMessageSize, cfg.PingInterval, cfg.PongTimeout
	if maxSize <= 0 {
		maxSize = 8192
	}
	if ping <= 0 {
		ping = 30
	}
	if pong <= 0 {
		pong = 10
	}
	pingEvery := time.Duration(ping) * time.Second
	writeWait := time.Duration(pong) * time.Second
	return &Hub{
		logger:    logger,
		readLimit: int64(maxSize),
		pingEvery: pingEvery,
		readWait:  pingEvery + writeWait,
		writeWait: writeWait,
		clients:   make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
}

func (h *Hub) register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// unregister removes c. Whoever removes it from the map closes its send
// channel, so Run and a dying readPump never both close it.
func (h *Hub) unregister(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		close(c.send)
		h.logger.Debug("websocket client disconnected", "clients", n)
	}
}

// Broadcast sends an event to every client subscribed to channel.
func (h *Hub) Broadcast(channel string, payload any) {
	bit, ok := channelBit(channel)
	if !ok {
		return
	}

	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	// The read lock also keeps Run and unregister from closing a send channel
	// mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if channelSet(c.subs.Load())&bit == 0 {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Debug("websocket client too slow, event dropped", "channel", channel)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CoilChanged implements executor.Listener.
func (h *Hub) CoilChanged(c executor.CoilChange) {
	ev := CoilEvent{Coil: c.Coil, Previous: c.Previous, Source: c.Source}
	if c.Err != nil {
		ev.Error = c.Err.Error()
	}
	h.Broadcast(ChannelCoilChanged, ev)
}

// DeviceChanged implements executor.Listener.
func (h *Hub) DeviceChanged(d executor.DeviceChange) {
	ev := DeviceEvent{Device: d.Device, WasSeen: d.WasSeen, Source: d.Source}
	if d.Err != nil {
		ev.Error = d.Err.Error()
	}
	h.Broadcast(ChannelDeviceChanged, ev)
}

// handleWebSocket upgrades the connection. Clients start with no
// subscriptions.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &WSClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
	}
	s.hub.register(c)

	go c.writePump()
	go c.readPump()
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.readWait))
	}
	c.conn.SetReadLimit(c.hub.readLimit)
	//nolint:errcheck // Best-effort deadline on connection setup
	extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Browsers may not answer protocol pings; any message keeps the
		// connection alive.
		//nolint:errcheck // Best-effort deadline reset
		extend()
		c.handle(data)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(c.hub.pingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		//nolint:errcheck // Best-effort deadline; write error caught by caller
		c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				write(websocket.CloseMessage, nil)
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handle(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply("", WSTypeError, errorPayload("invalid JSON message"))
		return
	}

	switch req.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		c.updateSubscriptions(req)
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	default:
		c.reply(req.ID, WSTypeError, errorPayload("unknown message type: "+req.Type))
	}
}

// updateSubscriptions applies a subscribe or unsubscribe request. A request
// naming an unknown channel changes nothing.
func (c *WSClient) updateSubscriptions(req wsRequest) {
	var p WSSubscribePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		c.reply(req.ID, WSTypeError, errorPayload("invalid "+req.Type+" payload"))
		return
	}

	var mask channelSet
	for _, name := range p.Channels {
		bit, ok := channelBit(name)
		if !ok {
			c.reply(req.ID, WSTypeError, errorPayload("unknown channel: "+name))
			return
		}
		mask |= bit
	}

	key := "subscribed"
	if req.Type == WSTypeSubscribe {
		c.subs.Or(uint32(mask))
	} else {
		c.subs.And(^uint32(mask))
		key = "unsubscribed"
	}
	c.hub.logger.Debug("websocket subscriptions changed", key, p.Channels)
	c.reply(req.ID, WSTypeResponse, map[string]any{key: p.Channels})
}

// reply queues a direct response. A full buffer drops it like an event.
func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func errorPayload(message string) map[string]string {
	return map[string]string{"message": message}
}
