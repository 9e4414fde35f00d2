package observerhub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spoolease/core/internal/events"
)

func TestHubRelaysEventToClient(t *testing.T) {
	hub := New()
	bus := events.NewBus()
	stop := make(chan struct{})
	defer close(stop)
	go hub.Run(bus, stop)

	srv := httptest.NewServer(http.HandlerFunc(hub.Serve))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give Serve time to register the client before publishing.
	time.Sleep(20 * time.Millisecond)

	bus.Publish(events.Event{
		Kind: events.KindPN532Status,
		At:   time.Now(),
		Payload: events.PN532Status{Ready: true},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if msg["kind"] != string(events.KindPN532Status) {
		t.Fatalf("kind = %v", msg["kind"])
	}
}
