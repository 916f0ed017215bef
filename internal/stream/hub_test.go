package stream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/paycore/internal/event"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) event.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev event.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	return ev
}

func TestHub_StreamsBusEvents(t *testing.T) {
	hub := NewHub(nil)
	bus := event.NewBus(nil)
	detach := hub.Attach(bus)
	defer detach()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	ev := event.New(event.IntentSettled, map[string]interface{}{"venue": "primary"})
	ev.IntentID = "i-1"
	bus.Publish(ev)

	got := read(t, conn)
	assert.Equal(t, event.IntentSettled, got.Type)
	assert.Equal(t, "i-1", got.IntentID)
	assert.Equal(t, "primary", got.Payload["venue"])
}

func TestHub_Filters(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "?type=intent.rejected,mode.changed&intent_id=i-2")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	skipType := event.New(event.IntentCreated, nil)
	skipType.IntentID = "i-2"
	skipID := event.New(event.IntentRejected, nil)
	skipID.IntentID = "i-3"
	want := event.New(event.IntentRejected, nil)
	want.IntentID = "i-2"
	for _, ev := range []event.Event{skipType, skipID, want} {
		require.NoError(t, hub.Handle(ev))
	}

	got := read(t, conn)
	assert.Equal(t, want.ID, got.ID)
}

func TestHub_CloseDisconnects(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	hub.Close()
	assert.Equal(t, 0, hub.Clients())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
