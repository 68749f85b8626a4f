package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/focus-tracker/internal/credential"
	"github.com/ashureev/focus-tracker/internal/detection"
	"github.com/ashureev/focus-tracker/internal/focusapi"
	"github.com/ashureev/focus-tracker/internal/frame"
	"github.com/ashureev/focus-tracker/internal/realtime"
	"github.com/coder/websocket"
)

// serviceCall is one REST request observed by the fake service, in order.
type serviceCall struct {
	op        string
	sessionID string
	at        time.Time
}

// socket is one realtime connection accepted by the fake service.
type socket struct {
	sessionID  string
	auth       string
	acceptedAt time.Time
	ws         *websocket.Conn

	mu         sync.Mutex
	frames     int
	pings      []time.Time
	closeCode  websocket.StatusCode
	closeText  string
	closedDone chan struct{}
}

func (s *socket) stats() (frames int, pings []time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, append([]time.Time(nil), s.pings...)
}

func (s *socket) closeStatus() (websocket.StatusCode, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeText
}

// fakeService imitates the analysis service's REST and realtime endpoints.
type fakeService struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	created    int
	failCreate bool
	calls      []serviceCall
	sockets    []*socket
	token      string
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	f := &fakeService{t: t, token: "tok"}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/focus/sessions", f.handleCreate)
	mux.HandleFunc("/api/focus/sessions/", f.handleEnd)
	mux.HandleFunc("/api/recordings/sessions/", f.handleRecording)
	mux.HandleFunc("/api/focus/ws/", f.handleSocket)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeService) record(op, sessionID string) {
	f.mu.Lock()
	f.calls = append(f.calls, serviceCall{op: op, sessionID: sessionID, at: time.Now()})
	f.mu.Unlock()
}

func (f *fakeService) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (f *fakeService) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	f.mu.Lock()
	fail := f.failCreate
	if !fail {
		f.created++
	}
	id := fmt.Sprintf("s%d", f.created)
	f.mu.Unlock()

	if fail {
		f.record("create-failed", "")
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	f.record("create", id)
	_ = json.NewEncoder(w).Encode(map[string]string{"session_id": id, "status": "active"})
}

func (f *fakeService) handleEnd(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/focus/sessions/"), "/end")
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body["status"] != "completed" {
		f.t.Errorf("unexpected end status %q", body["status"])
	}
	f.record("end", id)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "ok"})
}

func (f *fakeService) handleRecording(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(w, r) {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/recordings/sessions/")
	id, action, _ := strings.Cut(rest, "/")
	f.record("recording-"+action, id)
	if action == "start" {
		_ = json.NewEncoder(w).Encode(map[string]string{"recording_id": "r-" + id})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "ok"})
}

func (f *fakeService) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.CloseNow()

	s := &socket{
		sessionID:  strings.TrimPrefix(r.URL.Path, "/api/focus/ws/"),
		auth:       r.Header.Get("Authorization"),
		acceptedAt: time.Now(),
		ws:         ws,
		closedDone: make(chan struct{}),
	}
	defer close(s.closedDone)
	f.mu.Lock()
	f.sockets = append(f.sockets, s)
	f.mu.Unlock()

	ctx := context.Background()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			s.mu.Lock()
			s.closeCode = websocket.CloseStatus(err)
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				s.closeText = ce.Reason
			}
			s.mu.Unlock()
			return
		}
		msg := string(data)
		switch {
		case msg == `{"type":"ping"}`:
			s.mu.Lock()
			s.pings = append(s.pings, time.Now())
			s.mu.Unlock()
			_ = ws.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`))
		case strings.HasPrefix(msg, "data:image/jpeg;base64,"):
			s.mu.Lock()
			s.frames++
			n := s.frames
			s.mu.Unlock()
			if n == 1 {
				_ = ws.Write(ctx, websocket.MessageText,
					[]byte(`{"session_id":"`+s.sessionID+`","is_focused":true,"alert_type":null,"stats":{"current_score":90}}`))
			}
		default:
			f.t.Errorf("unexpected message %q", msg)
		}
	}
}

func (f *fakeService) setFailCreate(v bool) {
	f.mu.Lock()
	f.failCreate = v
	f.mu.Unlock()
}

func (f *fakeService) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *fakeService) callLog() []serviceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]serviceCall(nil), f.calls...)
}

func (f *fakeService) socket(i int) *socket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.sockets) {
		return nil
	}
	return f.sockets[i]
}

func (f *fakeService) socketCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sockets)
}

func (f *fakeService) hasCall(op, sessionID string) bool {
	for _, c := range f.callLog() {
		if c.op == op && c.sessionID == sessionID {
			return true
		}
	}
	return false
}

func (f *fakeService) callIndex(op, sessionID string) int {
	for i, c := range f.callLog() {
		if c.op == op && c.sessionID == sessionID {
			return i
		}
	}
	return -1
}

func (f *fakeService) callAt(op, sessionID string) time.Time {
	for _, c := range f.callLog() {
		if c.op == op && c.sessionID == sessionID {
			return c.at
		}
	}
	return time.Time{}
}

// stubSource serves a fixed JPEG-like payload.
type stubSource struct {
	mu        sync.Mutex
	mode      frame.Mode
	selectErr error
}

func (s *stubSource) failSelect(err error) {
	s.mu.Lock()
	s.selectErr = err
	s.mu.Unlock()
}

func (s *stubSource) Capture(context.Context) (frame.Frame, error) {
	if s.Mode() == frame.ModeNone {
		return frame.Frame{}, frame.ErrNotReady
	}
	return frame.Frame{Data: []byte{0xff, 0xd8, 0xff}}, nil
}

func (s *stubSource) Mode() frame.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *stubSource) Select(mode frame.Mode, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selectErr != nil {
		s.mode = frame.ModeNone
		return s.selectErr
	}
	s.mode = mode
	return nil
}

func (s *stubSource) Clear() {
	s.mu.Lock()
	s.mode = frame.ModeNone
	s.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FrameInterval = 20 * time.Millisecond
	cfg.KeepaliveInterval = 250 * time.Millisecond
	cfg.ReconnectDelay = 150 * time.Millisecond
	cfg.RecordingStartDelay = 50 * time.Millisecond
	cfg.AutoStartWithDriver = false
	return cfg
}

type harness struct {
	svc    *fakeService
	ctrl   *Controller
	source *stubSource
	agg    *detection.Aggregator
}

func newHarness(t *testing.T, cfg Config, token string) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, token, nil)
}

// newHarnessWith uses sessions for session create and end when non-nil.
func newHarnessWith(t *testing.T, cfg Config, token string, sessions SessionAPI) *harness {
	t.Helper()
	svc := newFakeService(t)

	api, err := focusapi.New(svc.srv.URL, svc.srv.Client(), nil)
	if err != nil {
		t.Fatalf("focusapi.New failed: %v", err)
	}
	if sessions == nil {
		sessions = api
	}
	dialer, err := realtime.NewDialer(svc.srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}
	source := &stubSource{mode: frame.ModeCamera}
	agg := detection.NewAggregator(nil, nil)

	ctrl, err := New(cfg, Deps{
		Sessions:    sessions,
		Recordings:  api,
		Transport:   dialer,
		Source:      source,
		Detections:  agg,
		Credentials: credential.Static(token),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })

	return &harness{svc: svc, ctrl: ctrl, source: source, agg: agg}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitState(t *testing.T, want State) Status {
	t.Helper()
	var st Status
	waitFor(t, "state "+want.String(), func() bool {
		st = h.ctrl.Status()
		return st.State == want
	})
	return st
}
