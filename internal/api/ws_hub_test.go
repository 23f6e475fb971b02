package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/betpool/pool-engine/internal/engine"
	"github.com/betpool/pool-engine/internal/model"
)

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *WSHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSHub_DeliversEventsToSubscribers(t *testing.T) {
	hub := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	all := dialHub(t, srv, "")
	onlyP2 := dialHub(t, srv, "?pool=p2")
	waitForClients(t, hub, 2)

	hub.Publish(engine.Event{Type: engine.EventWagerAdmitted, PoolID: "p1", Entries: 1})
	hub.Publish(engine.Event{Type: engine.EventPoolLocked, PoolID: "p2", Status: model.PoolLocked})

	read := func(conn *websocket.Conn) engine.Event {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev engine.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		return ev
	}

	if ev := read(all); ev.PoolID != "p1" || ev.Type != engine.EventWagerAdmitted {
		t.Errorf("expected p1 admission first, got %+v", ev)
	}
	if ev := read(all); ev.PoolID != "p2" {
		t.Errorf("expected p2 event second, got %+v", ev)
	}
	if ev := read(onlyP2); ev.PoolID != "p2" || ev.Status != model.PoolLocked {
		t.Errorf("filtered client should only see p2, got %+v", ev)
	}

	onlyP2.Close()
	waitForClients(t, hub, 1)

	cancel()
	waitForClients(t, hub, 0)
}

func TestWSHub_PublishNeverBlocks(t *testing.T) {
	hub := NewWSHub() // Run not started, buffer fills up
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Publish(engine.Event{Type: engine.EventPoolCreated, PoolID: fmt.Sprint(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked with a full buffer")
	}
}
