package emitter

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ashureev/focus-tracker/internal/detection"
	"github.com/ashureev/focus-tracker/internal/domain"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	failPublish  error
	messages     []published
	disconnected bool
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failPublish != nil {
		return doneToken{err: c.failPublish}
	}
	c.messages = append(c.messages, published{topic: topic, payload: payload.([]byte)})
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

func TestForwardPublishesSnapshotsAndAlerts(t *testing.T) {
	client := &fakeClient{connected: true}
	e := New(client, "focus/desk-1/", nil)

	e.Forward(domain.Snapshot{SessionID: "s1", IsFocused: true})
	e.Forward(domain.Snapshot{SessionID: "s1", AlertType: domain.AlertGentle})
	e.Forward(domain.Snapshot{SessionID: "s1", AlertType: domain.AlertCritical, Message: "Phone detected"})
	e.Close()

	msgs := client.sent()
	var topics []string
	for _, m := range msgs {
		topics = append(topics, m.topic)
	}
	want := []string{
		"focus/desk-1/snapshots",
		"focus/desk-1/snapshots",
		"focus/desk-1/snapshots",
		"focus/desk-1/alerts",
	}
	if len(topics) != len(want) {
		t.Fatalf("expected topics %v, got %v", want, topics)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Fatalf("expected topics %v, got %v", want, topics)
		}
	}

	var alert AlertMessage
	if err := json.Unmarshal(msgs[3].payload, &alert); err != nil {
		t.Fatalf("alert payload: %v", err)
	}
	if alert.AlertType != domain.AlertCritical || alert.Message != "Phone detected" || alert.SessionID != "s1" {
		t.Errorf("unexpected alert %+v", alert)
	}

	if !client.disconnected {
		t.Error("expected Close to disconnect")
	}
	stats := e.Stats()
	if stats.Published["focus/desk-1/snapshots"] != 3 || stats.Published["focus/desk-1/alerts"] != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestOnStateForwardsOnlyNewSnapshots(t *testing.T) {
	client := &fakeClient{connected: true}
	e := New(client, "focus", nil)

	agg := detection.NewAggregator(nil, nil)
	agg.OnChange(e.OnState)

	agg.Apply(domain.Snapshot{SessionID: "s1"})
	agg.SetError("socket error")
	agg.Reset()
	agg.Apply(domain.Snapshot{SessionID: "s2", AlertType: domain.AlertUrgent})
	e.Close()

	msgs := client.sent()
	if len(msgs) != 3 {
		t.Fatalf("expected 2 snapshots and 1 alert, got %d messages", len(msgs))
	}
	if msgs[2].topic != "focus/alerts" {
		t.Errorf("expected trailing alert, got %q", msgs[2].topic)
	}
}

func TestPublishFailuresAreCounted(t *testing.T) {
	client := &fakeClient{connected: false}
	e := New(client, "focus", nil)
	e.Forward(domain.Snapshot{SessionID: "s1"})
	e.Close()

	if got := e.Stats().Errors; got != 1 {
		t.Errorf("expected 1 error while disconnected, got %d", got)
	}

	client = &fakeClient{connected: true, failPublish: errors.New("broker gone")}
	e = New(client, "focus", nil)
	e.Forward(domain.Snapshot{SessionID: "s1"})
	e.Close()
	if got := e.Stats().Errors; got != 1 {
		t.Errorf("expected 1 publish error, got %d", got)
	}
}

func TestForwardAfterCloseIsDropped(t *testing.T) {
	client := &fakeClient{connected: true}
	e := New(client, "focus", nil)
	e.Close()
	e.Close()

	e.Forward(domain.Snapshot{SessionID: "s1"})
	if got := e.Stats().Dropped; got != 1 {
		t.Errorf("expected dropped message, got %d", got)
	}
	if len(client.sent()) != 0 {
		t.Error("expected nothing published after Close")
	}
}
