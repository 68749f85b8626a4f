//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ashureev/focus-tracker/internal/detection"
	"github.com/ashureev/focus-tracker/internal/domain"
	"github.com/ashureev/focus-tracker/internal/frame"
	"github.com/ashureev/focus-tracker/internal/store"
	"github.com/ashureev/focus-tracker/internal/studytimer"
	"github.com/ashureev/focus-tracker/internal/tracker"
)

type fakeTracker struct {
	mu       sync.Mutex
	status   tracker.Status
	startErr error
	selErr   error
	recErr   error
	calls    []string
	cleared  []string
}

func (f *fakeTracker) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeTracker) setErrors(start, sel, rec error) {
	f.mu.Lock()
	f.startErr, f.selErr, f.recErr = start, sel, rec
	f.mu.Unlock()
}

func (f *fakeTracker) Start(context.Context) error {
	f.record("start")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.status.State = tracker.StateCreating
	f.status.UserIntent = true
	return nil
}

func (f *fakeTracker) Stop(context.Context) error {
	f.record("stop")
	f.mu.Lock()
	f.status.State = tracker.StateIdle
	f.status.UserIntent = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTracker) SetRecordingEnabled(_ context.Context, enabled bool) error {
	f.record("recording")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recErr != nil {
		return f.recErr
	}
	f.status.RecordingEnabled = enabled
	return nil
}

func (f *fakeTracker) SelectSource(_ context.Context, mode frame.Mode, path string) error {
	f.record("select:" + string(mode) + ":" + path)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.selErr != nil {
		return f.selErr
	}
	f.status.Source = mode
	return nil
}

func (f *fakeTracker) ClearSource(context.Context) error {
	f.record("clear")
	f.mu.Lock()
	f.status.Source = frame.ModeNone
	f.mu.Unlock()
	return nil
}

func (f *fakeTracker) ClearRecording(id string) {
	f.mu.Lock()
	f.cleared = append(f.cleared, id)
	f.mu.Unlock()
}

func (f *fakeTracker) Status() tracker.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTracker) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeDownloads struct{}

func (fakeDownloads) DownloadURL(id string) string {
	return "http://analysis.local/api/recordings/" + id + "/download"
}

type testEnv struct {
	tracker *fakeTracker
	timer   *studytimer.Timer
	agg     *detection.Aggregator
	repo    *store.SQLiteStore
	handler *Handler
	hub     *LiveHub
	server  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	env := &testEnv{
		tracker: &fakeTracker{},
		timer:   studytimer.New(studytimer.Options{}),
		agg:     detection.NewAggregator(nil, nil),
		repo:    repo,
	}
	t.Cleanup(env.timer.Close)

	env.handler = NewHandler(Deps{
		Tracker:    env.tracker,
		Timer:      env.timer,
		Detections: env.agg,
		Repo:       repo,
		Downloads:  fakeDownloads{},
	})
	env.hub = NewLiveHub(env.handler.Document, nil)
	t.Cleanup(env.hub.Close)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("focus_tracker_up 1\n"))
	})
	env.server = httptest.NewServer(NewRouter(env.handler, env.hub, RouterOptions{Metrics: metrics}))
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var req *http.Request
	var err error
	if body == "" {
		req, err = http.NewRequest(method, e.server.URL+path, nil)
	} else {
		req, err = http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusConflict, "tracking is active")

	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
	var got map[string]string
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["error"] != "tracking is active" {
		t.Errorf("unexpected error body %v", got)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["status"] != "ok" || body["state"] != "idle" {
		t.Errorf("unexpected health body %v", body)
	}
}

func TestStatusDocument(t *testing.T) {
	env := newTestEnv(t)
	env.agg.Apply(domain.Snapshot{SessionID: "s1", IsFocused: true, AlertType: domain.AlertGentle})
	_ = env.timer.Select(studytimer.ModeManual, 10)

	resp := env.do(t, http.MethodGet, "/api/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var doc StatusDocument
	decodeBody(t, resp, &doc)

	if doc.Tracking.State != tracker.StateIdle {
		t.Errorf("expected idle, got %v", doc.Tracking.State)
	}
	if doc.Detection.Snapshot == nil || doc.Detection.Snapshot.SessionID != "s1" {
		t.Errorf("expected snapshot s1, got %+v", doc.Detection.Snapshot)
	}
	if doc.Timer == nil || doc.Timer.Mode != studytimer.ModeManual || doc.Timer.TotalSeconds != 600 {
		t.Errorf("unexpected timer %+v", doc.Timer)
	}
}

func TestMetricsMounted(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
