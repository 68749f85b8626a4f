package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/focus-tracker/internal/domain"
)

type liveFrame struct {
	Type   string         `json:"type"`
	Status StatusDocument `json:"status"`
}

func dialLive(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/live"
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func readLive(t *testing.T, ws *websocket.Conn) liveFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var f liveFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("Failed to decode %q: %v", data, err)
	}
	return f
}

func TestLiveSendsStatusOnConnectAndChange(t *testing.T) {
	env := newTestEnv(t)
	ws := dialLive(t, env)

	first := readLive(t, ws)
	if first.Type != "status" || first.Status.Detection.Snapshot != nil {
		t.Fatalf("unexpected initial frame %+v", first)
	}

	deadline := time.Now().Add(5 * time.Second)
	for env.hub.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	env.agg.Apply(domain.Snapshot{SessionID: "s1", AlertType: domain.AlertUrgent})
	env.hub.Notify()

	next := readLive(t, ws)
	if next.Status.Detection.Snapshot == nil || next.Status.Detection.Alert != domain.AlertUrgent {
		t.Errorf("expected urgent snapshot, got %+v", next.Status.Detection)
	}
}

func TestLiveAnswersPing(t *testing.T) {
	env := newTestEnv(t)
	ws := dialLive(t, env)
	readLive(t, ws)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if f := readLive(t, ws); f.Type != "pong" {
		t.Errorf("expected pong, got %q", f.Type)
	}
}

func TestLiveHubCloseDisconnects(t *testing.T) {
	env := newTestEnv(t)
	ws := dialLive(t, env)
	readLive(t, ws)

	env.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := ws.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Errorf("expected going away close, got %v (%v)", got, err)
	}
	if env.hub.Count() != 0 {
		t.Error("expected no subscribers after Close")
	}
}

func TestOfferDropsOldest(t *testing.T) {
	c := &liveClient{out: make(chan []byte, 2)}
	c.offer([]byte("1"))
	c.offer([]byte("2"))
	c.offer([]byte("3"))

	got := []string{string(<-c.out), string(<-c.out)}
	if got[0] != "2" || got[1] != "3" {
		t.Errorf("expected [2 3], got %v", got)
	}
}
