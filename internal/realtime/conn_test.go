package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

const eventTimeout = 3 * time.Second

func newTestDialer(t *testing.T, handler func(ctx context.Context, ws *websocket.Conn)) (*Dialer, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept failed: %v", err)
			return
		}
		defer ws.CloseNow()
		handler(r.Context(), ws)
	}))
	t.Cleanup(srv.Close)

	d, err := NewDialer(srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}
	return d, srv
}

func collect() (Sink, <-chan Event) {
	ch := make(chan Event, 32)
	return func(ev Event) { ch <- ev }, ch
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectKind(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	ev := next(t, ch)
	if ev.Kind != kind {
		t.Fatalf("expected %s event, got %s (%+v)", kind, ev.Kind, ev)
	}
	return ev
}

func TestDialerURL(t *testing.T) {
	d, err := NewDialer("https://focus.example.com/", nil, nil)
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}
	if got := d.URL("s1", false); got != "wss://focus.example.com/api/focus/ws/s1" {
		t.Errorf("unexpected url %q", got)
	}
	if got := d.URL("s1", true); got != "wss://focus.example.com/api/focus/ws/s1?enable_recording=true" {
		t.Errorf("unexpected url %q", got)
	}

	if _, err := NewDialer("ftp://x", nil, nil); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

func TestSnapshotForwardedAndPongConsumed(t *testing.T) {
	d, _ := newTestDialer(t, func(ctx context.Context, ws *websocket.Conn) {
		_ = ws.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`))
		_ = ws.Write(ctx, websocket.MessageText, []byte(`not json`))
		_ = ws.Write(ctx, websocket.MessageText, []byte(`{"session_id":"s1","is_focused":true,"alert_type":"urgent","stats":{"current_score":88}}`))
		_, _, _ = ws.Read(ctx)
	})

	sink, events := collect()
	conn := d.Open(context.Background(), "s1", Options{}, sink)
	defer conn.Close(NormalClosure, "done")

	expectKind(t, events, EventOpen)
	ev := expectKind(t, events, EventMessage)
	if ev.Conn != conn {
		t.Error("expected event to carry its connection")
	}
	if !ev.Snapshot.IsFocused || ev.Snapshot.AlertType != "urgent" || ev.Snapshot.Stats.CurrentScore != 88 {
		t.Errorf("unexpected snapshot %+v", ev.Snapshot)
	}
	if conn.LastPong().IsZero() {
		t.Error("expected pong to be recorded")
	}
}

func TestErrorRecordForwarded(t *testing.T) {
	d, _ := newTestDialer(t, func(ctx context.Context, ws *websocket.Conn) {
		_ = ws.Write(ctx, websocket.MessageText, []byte(`{"error":"model unavailable"}`))
		_, _, _ = ws.Read(ctx)
	})

	sink, events := collect()
	conn := d.Open(context.Background(), "s1", Options{}, sink)
	defer conn.Close(NormalClosure, "done")

	expectKind(t, events, EventOpen)
	ev := expectKind(t, events, EventError)
	var remote *RemoteError
	if !errors.As(ev.Err, &remote) || remote.Message != "model unavailable" {
		t.Errorf("expected remote error, got %v", ev.Err)
	}
	if conn.State() != StateOpen {
		t.Errorf("expected connection to stay open, got %s", conn.State())
	}
}

func TestSendDroppedUntilOpen(t *testing.T) {
	release := make(chan struct{})
	received := make(chan string, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		for {
			_, data, err := ws.Read(r.Context())
			if err != nil {
				return
			}
			received <- string(data)
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})

	d, err := NewDialer(srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}
	sink, events := collect()
	conn := d.Open(context.Background(), "s1", Options{}, sink)
	defer conn.Close(NormalClosure, "done")

	if conn.SendText([]byte("early")) {
		t.Fatal("expected send to be dropped while connecting")
	}

	close(release)
	expectKind(t, events, EventOpen)

	if !conn.Ping() {
		t.Fatal("expected ping to be written once open")
	}
	select {
	case got := <-received:
		if got != `{"type":"ping"}` {
			t.Errorf("expected ping first, got %q", got)
		}
	case <-time.After(eventTimeout):
		t.Fatal("server never received ping")
	}
}

func TestCloseNormalReportsRequestedCode(t *testing.T) {
	d, _ := newTestDialer(t, func(ctx context.Context, ws *websocket.Conn) {
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	})

	sink, events := collect()
	conn := d.Open(context.Background(), "s1", Options{}, sink)
	expectKind(t, events, EventOpen)

	conn.Close(NormalClosure, "User stopped tracking")
	conn.Close(websocket.StatusGoingAway, "ignored")

	ev := expectKind(t, events, EventClose)
	if ev.Code != NormalClosure || ev.Reason != "User stopped tracking" {
		t.Errorf("unexpected close %d %q", ev.Code, ev.Reason)
	}
	if conn.SendText([]byte("late")) {
		t.Error("expected send after close to be dropped")
	}
	select {
	case <-conn.Done():
	case <-time.After(eventTimeout):
		t.Fatal("connection never finished")
	}
}

func TestPeerCloseCodeForwarded(t *testing.T) {
	d, _ := newTestDialer(t, func(_ context.Context, ws *websocket.Conn) {
		_ = ws.Close(websocket.StatusCode(4001), "session expired")
	})

	sink, events := collect()
	d.Open(context.Background(), "s1", Options{}, sink)

	expectKind(t, events, EventOpen)
	ev := expectKind(t, events, EventClose)
	if ev.Code != 4001 || ev.Reason != "session expired" {
		t.Errorf("unexpected close %d %q", ev.Code, ev.Reason)
	}
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	d, err := NewDialer(srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}
	srv.Close()

	sink, events := collect()
	d.Open(context.Background(), "s1", Options{}, sink)

	ev := expectKind(t, events, EventError)
	if !errors.Is(ev.Err, ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", ev.Err)
	}
	ev = expectKind(t, events, EventClose)
	if ev.Code == NormalClosure {
		t.Error("dial failure must not look like a normal closure")
	}
}

func TestCloseWhileDialing(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	d, err := NewDialer(srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}
	sink, events := collect()
	conn := d.Open(context.Background(), "s1", Options{}, sink)
	conn.Close(NormalClosure, "User stopped tracking")

	ev := expectKind(t, events, EventClose)
	if ev.Code != NormalClosure {
		t.Errorf("expected normal closure, got %d", ev.Code)
	}
	if !strings.Contains(ev.Reason, "stopped") {
		t.Errorf("unexpected reason %q", ev.Reason)
	}
}
