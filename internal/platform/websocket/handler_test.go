package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func TestWebSocketHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewWebSocketHandler(NewHub(zerolog.Nop()), nil).RegisterRoutes(e.Group(""))

	found := false
	for _, r := range e.Routes() {
		if r.Path == "/ws" && r.Method == http.MethodGet {
			found = true
		}
	}
	if !found {
		t.Fatal("expected GET /ws route to be registered")
	}
}

func TestWebSocketHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := NewWebSocketHandler(NewHub(zerolog.Nop()), nil).HandleConnect(c)
	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}

func TestWebSocketHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewWebSocketHandler(hub, nil).RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL(server, "/ws"), nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"doctor:3"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount("doctor:3") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscription was not registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish(context.Background(), Event{Type: EventSlotReleased, Topic: "doctor:3", DoctorID: "3", Day: "Monday"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != EventSlotReleased || received.DoctorID != "3" {
		t.Fatalf("unexpected event: %+v", received)
	}
}

func TestStream_WritesFeedAndCloses(t *testing.T) {
	e := echo.New()
	e.GET("/feed", func(c echo.Context) error {
		return Stream(c, func(ctx context.Context) (<-chan []string, error) {
			ch := make(chan []string, 2)
			ch <- []string{"Monday"}
			ch <- []string{"Monday", "Tuesday"}
			close(ch)
			return ch, nil
		})
	})
	server := httptest.NewServer(e)
	defer server.Close()

	conn, _, err := gorillawebsocket.DefaultDialer.Dial(wsURL(server, "/feed"), nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first, second []string
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second frame: %v", err)
	}
	if len(first) != 1 || len(second) != 2 {
		t.Fatalf("unexpected frames: %v %v", first, second)
	}

	_, _, err = conn.ReadMessage()
	if !gorillawebsocket.IsCloseError(err, gorillawebsocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}
}

func TestStream_OpenErrorBeforeUpgrade(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/feed", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	want := echo.NewHTTPError(http.StatusNotFound, "doctor not found")
	err := Stream(c, func(ctx context.Context) (<-chan int, error) { return nil, want })
	if !errors.Is(err, want) {
		t.Fatalf("expected open error to be returned, got %v", err)
	}
}
