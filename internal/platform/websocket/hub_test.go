package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicflow/scheduler/internal/platform/auth"
)

type testPayload struct {
	Clinic string `json:"clinic"`
	Note   string `json:"note"`
}

func (p testPayload) ClinicKey() string { return p.Clinic }

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.Send:
		var evt Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatalf("client %s did not receive event", c.ID)
	}
	return Event{}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.Send:
		t.Fatalf("client %s should not have received %s", c.ID, msg)
	default:
	}
}

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := NewClient("clinic-a", nil, nil)

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.ClinicCount("clinic-a") != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}

	hub.Unregister(client)
	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.ClinicCount("clinic-a") != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}
}

func TestHub_PublishIsClinicScoped(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a1 := NewClient("clinic-a", nil, nil)
	a2 := NewClient("clinic-a", nil, nil)
	b := NewClient("clinic-b", nil, nil)
	hub.Register(a1)
	hub.Register(a2)
	hub.Register(b)

	err := hub.Publish(context.Background(), "appointment.created", testPayload{Clinic: "clinic-a", Note: "hi"})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for _, c := range []*Client{a1, a2} {
		evt := receive(t, c)
		if evt.Type != "appointment.created" || evt.ClinicID != "clinic-a" {
			t.Errorf("unexpected event %+v", evt)
		}
		var p testPayload
		if err := json.Unmarshal(evt.Data, &p); err != nil || p.Note != "hi" {
			t.Errorf("expected payload to be carried, got %s (%v)", evt.Data, err)
		}
	}
	expectNothing(t, b)
}

func TestHub_PublishRejectsUnscopedPayload(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	err := hub.Publish(context.Background(), "appointment.created", map[string]string{"a": "b"})
	if !errors.Is(err, ErrUnscopedEvent) {
		t.Errorf("expected ErrUnscopedEvent, got %v", err)
	}
}

func TestHub_TypeFilter(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	created := NewClient("clinic-a", []string{"appointment.created"}, nil)
	all := NewClient("clinic-a", nil, nil)
	hub.Register(created)
	hub.Register(all)

	hub.Broadcast(Event{Type: "appointment.auto_completed", ClinicID: "clinic-a"})

	expectNothing(t, created)
	if evt := receive(t, all); evt.Type != "appointment.auto_completed" {
		t.Errorf("unexpected event %+v", evt)
	}

	hub.ProcessMessage(created, ClientMessage{Action: "subscribe", Types: []string{"appointment.auto_completed"}})
	hub.Broadcast(Event{Type: "appointment.auto_completed", ClinicID: "clinic-a"})
	receive(t, created)
	receive(t, all)

	hub.ProcessMessage(created, ClientMessage{Action: "unsubscribe", Types: []string{"appointment.auto_completed"}})
	hub.Broadcast(Event{Type: "appointment.auto_completed", ClinicID: "clinic-a"})
	expectNothing(t, created)
}

func TestHub_SlowClientDoesNotBlock(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := &Client{ID: "slow", ClinicID: "clinic-a", Send: make(chan []byte, 1), types: map[string]struct{}{}}
	hub.Register(client)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			hub.Broadcast(Event{Type: "appointment.created", ClinicID: "clinic-a"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full client buffer")
	}
	if len(client.Send) != 1 {
		t.Errorf("expected 1 buffered event, got %d", len(client.Send))
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewClient("clinic-a", nil, nil)
			hub.Register(c)
			hub.Broadcast(Event{Type: "appointment.created", ClinicID: "clinic-a"})
			hub.Unregister(c)
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestSplitTypes(t *testing.T) {
	got := splitTypes(" appointment.created, ,appointment.status_changed")
	if len(got) != 2 || got[0] != "appointment.created" || got[1] != "appointment.status_changed" {
		t.Errorf("unexpected types %v", got)
	}
	if splitTypes("") != nil {
		t.Error("expected no types for empty input")
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler(NewHub(zerolog.Nop()), nil).RegisterRoutes(e.Group("/api/v1/events"))

	found := false
	for _, r := range e.Routes() {
		if r.Path == "/api/v1/events/ws" && r.Method == http.MethodGet {
			found = true
		}
	}
	if !found {
		t.Fatal("expected GET /api/v1/events/ws to be registered")
	}
}

func TestHandler_HandleConnectRequiresClinic(t *testing.T) {
	handler := NewHandler(NewHub(zerolog.Nop()), nil)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), httptest.NewRecorder())

	err := handler.HandleConnect(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestHandler_CheckOrigin(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), []string{"https://desk.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://desk.example.com")
	if !h.upgrader.CheckOrigin(req) {
		t.Error("expected configured origin to be allowed")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if h.upgrader.CheckOrigin(req) {
		t.Error("expected unknown origin to be rejected")
	}

	open := NewHandler(NewHub(zerolog.Nop()), []string{"*"})
	if !open.upgrader.CheckOrigin(req) {
		t.Error("expected wildcard to allow any origin")
	}
}

func TestHandler_StreamsClinicEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	clinicID := uuid.New()

	e := echo.New()
	g := e.Group("/events", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithIdentity(c.Request().Context(), "user-1", clinicID, []string{"receptionist"})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(hub, nil).RegisterRoutes(g)

	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/ws?types=appointment.created"
	conn, _, err := gorillawebsocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for hub.ClinicCount(clinicID.String()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := hub.Publish(context.Background(), "appointment.created", testPayload{Clinic: clinicID.String()}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var evt Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if evt.Type != "appointment.created" || evt.ClinicID != clinicID.String() {
		t.Errorf("unexpected event %+v", evt)
	}
}
