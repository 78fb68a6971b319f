package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(hub *Hub, id string, topics ...string) *Client {
	return &Client{
		ID:     id,
		Topics: append([]string{}, topics...),
		Send:   make(chan []byte, sendBuffer),
		hub:    hub,
	}
}

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "client-1", "doctor:3")

	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount("doctor:3") != 1 {
		t.Fatalf("expected 1 client on doctor:3, got %d", hub.TopicCount("doctor:3"))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.TopicCount("doctor:3") != 0 {
		t.Fatalf("expected 0 clients on doctor:3, got %d", hub.TopicCount("doctor:3"))
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}

	// second unregister is a no-op
	hub.Unregister(client)
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	doctor := newTestClient(hub, "doc", "doctor:3")
	patient := newTestClient(hub, "pat", "patient:7")
	hub.Register(doctor)
	hub.Register(patient)

	hub.Broadcast("doctor:3", Event{Type: EventSlotReleased, Topic: "doctor:3", DoctorID: "3", Day: "Monday"})

	select {
	case msg := <-doctor.Send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("failed to unmarshal: %v", err)
		}
		if ev.Type != EventSlotReleased || ev.Day != "Monday" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case <-patient.Send:
		t.Fatal("patient topic should not receive doctor events")
	default:
	}
}

func TestHub_BroadcastToEmptyTopic(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.Broadcast("doctor:404", Event{Type: EventSlotReleased})
}

func TestHub_BroadcastDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := &Client{ID: "slow", Topics: []string{"doctor:3"}, Send: make(chan []byte, 1), hub: hub}
	hub.Register(client)

	hub.Broadcast("doctor:3", Event{Type: "a"})
	hub.Broadcast("doctor:3", Event{Type: "b"})

	if len(client.Send) != 1 {
		t.Fatalf("expected exactly 1 buffered event, got %d", len(client.Send))
	}
}

func TestHub_PublishSetsTimestamp(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "c", "patient:7")
	hub.Register(client)

	var pub EventPublisher = hub
	if err := pub.Publish(context.Background(), Event{Type: EventAppointmentCancelled, Topic: "patient:7", AppointmentID: "42"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var ev Event
	if err := json.Unmarshal(<-client.Send, &ev); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if ev.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
	if ev.AppointmentID != "42" {
		t.Errorf("expected appointmentId 42, got %s", ev.AppointmentID)
	}
}

func TestHub_SubscribeValidatesTopics(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "c")
	hub.Register(client)

	rejected := hub.Subscribe(client, []string{"doctor:3", "patient:7", "Patient/123", "doctor:", "nurse:1"})

	if len(rejected) != 3 {
		t.Fatalf("expected 3 rejected topics, got %v", rejected)
	}
	if hub.TopicCount("doctor:3") != 1 || hub.TopicCount("patient:7") != 1 {
		t.Fatal("expected valid topics to be subscribed")
	}
	if len(client.Topics) != 2 {
		t.Fatalf("expected 2 topics on client, got %d", len(client.Topics))
	}

	// duplicate subscriptions are ignored
	hub.Subscribe(client, []string{"doctor:3"})
	if len(client.Topics) != 2 {
		t.Fatalf("expected duplicate to be ignored, got %v", client.Topics)
	}
}

func TestHub_SubscribeHonoursAuthorizer(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "c")
	client.allow = func(topic string) bool { return topic == "patient:7" }
	hub.Register(client)

	rejected := hub.Subscribe(client, []string{"patient:7", "patient:8"})
	if len(rejected) != 1 || rejected[0] != "patient:8" {
		t.Fatalf("expected patient:8 rejected, got %v", rejected)
	}
}

func TestHub_UnsubscribeRemovesTopics(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "c", "doctor:1", "doctor:2", "patient:3")
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"doctor:1", "patient:3"}})

	if hub.TopicCount("doctor:1") != 0 || hub.TopicCount("patient:3") != 0 {
		t.Fatal("expected topics to be removed")
	}
	if hub.TopicCount("doctor:2") != 1 {
		t.Fatal("expected doctor:2 to remain")
	}
	if len(client.Topics) != 1 {
		t.Fatalf("expected 1 topic remaining, got %d", len(client.Topics))
	}
}

func TestHub_ProcessSubscribeMessage(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "c")
	hub.Register(client)

	var msg ClientMessage
	if err := json.Unmarshal([]byte(`{"action":"subscribe","topics":["doctor:3"]}`), &msg); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	hub.ProcessMessage(client, msg)

	if hub.TopicCount("doctor:3") != 1 {
		t.Fatalf("expected 1 subscriber on doctor:3, got %d", hub.TopicCount("doctor:3"))
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newTestClient(hub, "c", "doctor:3")
			hub.Register(c)
			hub.Broadcast("doctor:3", Event{Type: "x"})
			hub.Unregister(c)
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic string
		kind  string
		id    string
		ok    bool
	}{
		{"doctor:3", "doctor", "3", true},
		{"patient:7", "patient", "7", true},
		{"patient:", "", "", false},
		{"clinic:1", "", "", false},
		{"doctor3", "", "", false},
	}
	for _, tt := range tests {
		kind, id, ok := ParseTopic(tt.topic)
		if kind != tt.kind || id != tt.id || ok != tt.ok {
			t.Errorf("ParseTopic(%q) = (%q, %q, %v), want (%q, %q, %v)", tt.topic, kind, id, ok, tt.kind, tt.id, tt.ok)
		}
	}
	if DoctorTopic("3") != "doctor:3" || PatientTopic("7") != "patient:7" {
		t.Error("unexpected topic helpers output")
	}
}
