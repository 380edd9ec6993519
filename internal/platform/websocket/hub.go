// Package websocket streams appointment events to connected front-desk
// clients. Every connection is bound to the clinic of the caller that opened
// it and only ever receives that clinic's events, optionally narrowed to a
// set of event types.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicflow/scheduler/internal/platform/auth"
)

// ErrUnscopedEvent is returned by Publish for payloads that do not name a clinic.
var ErrUnscopedEvent = errors.New("websocket: event payload is not clinic scoped")

// Event is the frame sent to clients.
type Event struct {
	Type      string          `json:"type"`
	ClinicID  string          `json:"clinic_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClinicScoped is implemented by event payloads that belong to one clinic.
type ClinicScoped interface {
	ClinicKey() string
}

// ClientMessage is an inbound control frame.
type ClientMessage struct {
	Action string   `json:"action"`
	Types  []string `json:"types"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is a single connection. An empty type set receives every event
// of the clinic.
type Client struct {
	ID       string
	ClinicID string
	Send     chan []byte

	types map[string]struct{}
	conn  Conn
}

// NewClient creates a client of clinicID interested in types.
func NewClient(clinicID string, types []string, conn Conn) *Client {
	c := &Client{
		ID:       uuid.New().String(),
		ClinicID: clinicID,
		Send:     make(chan []byte, 256),
		types:    make(map[string]struct{}, len(types)),
		conn:     conn,
	}
	for _, t := range types {
		c.types[t] = struct{}{}
	}
	return c
}

func (c *Client) wants(eventType string) bool {
	if len(c.types) == 0 {
		return true
	}
	_, ok := c.types[eventType]
	return ok
}

// Hub tracks connected clients per clinic. All operations are safe for
// concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clinics map[string]map[*Client]struct{}
	logger  zerolog.Logger
	now     func() time.Time
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clinics: make(map[string]map[*Client]struct{}),
		logger:  logger,
		now:     time.Now,
	}
}

// Register adds a client to its clinic.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clinics[client.ClinicID] == nil {
		h.clinics[client.ClinicID] = make(map[*Client]struct{})
	}
	h.clinics[client.ClinicID][client] = struct{}{}
}

// Unregister removes a client and closes its Send channel. Unregistering
// twice is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subscribers, ok := h.clinics[client.ClinicID]
	if !ok {
		return
	}
	if _, ok := subscribers[client]; !ok {
		return
	}
	delete(subscribers, client)
	if len(subscribers) == 0 {
		delete(h.clinics, client.ClinicID)
	}
	close(client.Send)
}

// ProcessMessage applies a subscribe or unsubscribe control frame.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, t := range msg.Types {
			client.types[t] = struct{}{}
		}
	case "unsubscribe":
		for _, t := range msg.Types {
			delete(client.types, t)
		}
	}
}

// Broadcast sends event to the clients of its clinic that want its type.
// Clients with a full buffer miss the event rather than block the sender.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", event.Type).Msg("marshal websocket event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clinics[event.ClinicID] {
		if !client.wants(event.Type) {
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("type", event.Type).Msg("websocket client too slow, event dropped")
		}
	}
}

// Publish wraps a clinic-scoped payload in an Event and broadcasts it, so
// the hub can sit behind the same publisher interface as the broker.
func (h *Hub) Publish(_ context.Context, routingKey string, payload interface{}) error {
	scoped, ok := payload.(ClinicScoped)
	if !ok {
		return ErrUnscopedEvent
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h.Broadcast(Event{
		Type:      routingKey,
		ClinicID:  scoped.ClinicKey(),
		Timestamp: h.now().UTC(),
		Data:      data,
	})
	return nil
}

// ClientCount returns the number of connected clients across clinics.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subscribers := range h.clinics {
		n += len(subscribers)
	}
	return n
}

// ClinicCount returns the number of clients connected for clinicID.
func (h *Hub) ClinicCount(clinicID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clinics[clinicID])
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler upgrades authenticated requests to event streams.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler creates a handler bound to hub. allowedOrigins restricts the
// Origin header of browser clients; empty or "*" allows any origin.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	_, anyOrigin := allowed["*"]

	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || anyOrigin || len(allowed) == 0 {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the connection and streams the caller's clinic
// events. ?types=a,b narrows the stream.
func (h *Handler) HandleConnect(c echo.Context) error {
	clinicID := auth.ClinicIDFromContext(c.Request().Context())
	if clinicID == uuid.Nil {
		return echo.NewHTTPError(http.StatusForbidden, "request is not bound to a clinic")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(clinicID.String(), splitTypes(c.QueryParam("types")), &gorillaConnAdapter{ws})
	h.hub.Register(client)

	go h.writePump(client)
	go h.readPump(client)

	return nil
}

// readPump applies control frames until the connection closes.
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.hub.Unregister(client)
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

// writePump drains the Send channel into the connection.
func (h *Handler) writePump(client *Client) {
	defer client.conn.Close()

	for message := range client.Send {
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}

func splitTypes(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
