// Package websocket carries the appointment room channel. The server side is
// a hub where clients join doctor+date rooms and receive slot-taken frames
// broadcast to those rooms; the client side (ClientConn) dials a hub and
// exposes an event-listener API with connection lifecycle events.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	defaultSendBuffer = 256
)

// ErrInvalidRoom is returned for join/leave frames without a doctor or date.
var ErrInvalidRoom = errors.New("room requires doctor_uuid and date")

// HubMetrics receives hub gauges. A nil HubMetrics is allowed.
type HubMetrics interface {
	SetConnectedClients(n int)
	SetActiveRooms(n int)
	ObserveBroadcast(event string, delivered, dropped int)
}

// Client is a single connection registered with the hub.
type Client struct {
	ID   string
	Send chan []byte

	rooms map[string]struct{}
}

// NewClient creates a client with a buffered send channel.
func NewClient(id string, buffer int) *Client {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Client{
		ID:    id,
		Send:  make(chan []byte, buffer),
		rooms: make(map[string]struct{}),
	}
}

// Hub tracks connected clients and their room memberships. All operations are
// safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{} // room -> set of clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
	metrics HubMetrics
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger, metrics HubMetrics) *Hub {
	return &Hub{
		rooms:   make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "ws-hub").Logger(),
		metrics: metrics,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
	h.reportLocked()
}

// Unregister removes a client from every room it joined and closes its Send
// channel. Unregistering twice is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for room := range client.rooms {
		h.removeLocked(client, room)
	}
	delete(h.all, client)
	close(client.Send)
	h.reportLocked()
}

// Join subscribes a registered client to a room.
func (h *Hub) Join(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][client] = struct{}{}
	client.rooms[room] = struct{}{}
	h.reportLocked()
}

// Leave removes a client from a room.
func (h *Hub) Leave(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client, room)
	h.reportLocked()
}

func (h *Hub) removeLocked(client *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(client.rooms, room)
}

func (h *Hub) reportLocked() {
	if h.metrics == nil {
		return
	}
	h.metrics.SetConnectedClients(len(h.all))
	h.metrics.SetActiveRooms(len(h.rooms))
}

// ProcessFrame handles an inbound frame from a client. Unknown events are
// ignored.
func (h *Hub) ProcessFrame(client *Client, frame Frame) error {
	switch frame.Event {
	case EventJoinRoom, EventLeaveRoom:
		var p RoomPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return fmt.Errorf("decode %s: %w", frame.Event, err)
		}
		if p.DoctorUUID == "" || p.Date == "" {
			return ErrInvalidRoom
		}
		room := RoomName(p.DoctorUUID, p.Date)
		if frame.Event == EventJoinRoom {
			h.Join(client, room)
		} else {
			h.Leave(client, room)
		}
	}
	return nil
}

// Broadcast sends a raw frame to every member of room and returns the number
// of clients it was delivered to. Clients with a full buffer are skipped.
func (h *Hub) Broadcast(room string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered, dropped := 0, 0
	for client := range h.rooms[room] {
		select {
		case client.Send <- data:
			delivered++
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn().Str("room", room).Int("dropped", dropped).Msg("client buffers full")
	}
	if h.metrics != nil {
		h.metrics.ObserveBroadcast(EventSlotTaken, delivered, dropped)
	}
	return delivered
}

// PublishSlotTaken broadcasts a slot-taken frame to the doctor+date room.
func (h *Hub) PublishSlotTaken(_ context.Context, p SlotTakenPayload) error {
	data, err := EncodeFrame(EventSlotTaken, p)
	if err != nil {
		return err
	}
	n := h.Broadcast(RoomName(p.DoctorUUID, p.Date), data)
	h.logger.Debug().
		Str("doctor_uuid", p.DoctorUUID).
		Str("date", p.Date).
		Str("time", p.Time).
		Int("delivered", n).
		Msg("slot taken broadcast")
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// RoomCount returns the number of clients in room.
func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ClientRooms returns the sorted rooms a client is a member of.
func (h *Hub) ClientRooms(client *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(client.rooms))
	for r := range client.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// WebSocketHandler — Echo HTTP handler for WebSocket connections
// ---------------------------------------------------------------------------

// WebSocketHandler upgrades HTTP requests and pumps frames between the
// connection and the hub.
type WebSocketHandler struct {
	hub        *Hub
	upgrader   gorillawebsocket.Upgrader
	sendBuffer int
}

// NewWebSocketHandler creates a handler bound to hub. allowedOrigins empty
// means any origin is accepted.
func NewWebSocketHandler(hub *Hub, sendBuffer int, allowedOrigins []string) *WebSocketHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &WebSocketHandler{
		hub:        hub,
		sendBuffer: sendBuffer,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin] || allowed["*"]
			},
		},
	}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client and starts the
// read and write pumps.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(uuid.New().String(), wsh.sendBuffer)
	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)

	return nil
}

func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			continue
		}
		if err := wsh.hub.ProcessFrame(client, frame); err != nil {
			wsh.hub.logger.Debug().Err(err).Str("client_id", client.ID).Msg("frame rejected")
		}
	}
}

func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
