// Package emitter forwards detection snapshots and escalated alerts to an
// MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ashureev/focus-tracker/internal/detection"
	"github.com/ashureev/focus-tracker/internal/domain"
)

const (
	queueSize      = 64
	publishTimeout = 2 * time.Second
	connectTimeout = 5 * time.Second
	qos            = byte(0)
)

// ErrNotConnected is returned when the broker connection is down.
var ErrNotConnected = errors.New("mqtt not connected")

// Client is the subset of mqtt.Client the emitter needs.
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Options configures Connect.
type Options struct {
	Broker   string
	Topic    string
	ClientID string
	Logger   *slog.Logger
}

// AlertMessage is the payload published on the alerts topic.
type AlertMessage struct {
	SessionID string           `json:"session_id"`
	AlertType domain.AlertType `json:"alert_type"`
	Message   string           `json:"message"`
	Score     float64          `json:"current_score"`
	At        time.Time        `json:"at"`
}

type message struct {
	topic   string
	payload []byte
}

// MQTTEmitter publishes asynchronously from a bounded queue so that a slow
// or absent broker never holds up the caller. Overflow is dropped.
type MQTTEmitter struct {
	client Client
	topic  string
	logger *slog.Logger

	queue     chan message
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	lastUpdates uint64
	published   map[string]uint64
	dropped     uint64
	errors      uint64
	closed      bool
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool
	Published map[string]uint64
	Dropped   uint64
	Errors    uint64
}

// Connect dials the broker and returns a running emitter. The client keeps
// retrying in the background if the broker is not reachable yet.
func Connect(ctx context.Context, opts Options) (*MQTTEmitter, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	broker := opts.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(broker)
	co.SetClientID(opts.ClientID)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.OnConnect = func(mqtt.Client) {
		logger.Info("MQTT connection established", "broker", broker, "client_id", opts.ClientID)
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	client := mqtt.NewClient(co)
	logger.Info("Connecting to MQTT broker", "broker", broker)

	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("mqtt connection failed: %w", err)
		}
	case <-time.After(connectTimeout):
		logger.Warn("MQTT broker not reachable yet, retrying in background", "broker", broker)
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	}

	return New(client, opts.Topic, logger), nil
}

// New wraps an existing client. Messages go to <topic>/snapshots and
// <topic>/alerts.
func New(client Client, topic string, logger *slog.Logger) *MQTTEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &MQTTEmitter{
		client:    client,
		topic:     strings.TrimRight(topic, "/"),
		logger:    logger,
		queue:     make(chan message, queueSize),
		done:      make(chan struct{}),
		published: make(map[string]uint64),
	}
	go e.run()
	return e
}

// SnapshotTopic returns the topic snapshots are published on.
func (e *MQTTEmitter) SnapshotTopic() string { return e.topic + "/snapshots" }

// AlertTopic returns the topic escalated alerts are published on.
func (e *MQTTEmitter) AlertTopic() string { return e.topic + "/alerts" }

// OnState is a detection.Aggregator listener. Only newly applied snapshots
// are forwarded; error and reset notifications are ignored.
func (e *MQTTEmitter) OnState(st detection.State) {
	e.mu.Lock()
	fresh := st.Updates > e.lastUpdates
	if fresh {
		e.lastUpdates = st.Updates
	}
	e.mu.Unlock()
	if !fresh || st.Snapshot == nil {
		return
	}
	e.Forward(*st.Snapshot)
}

// Forward queues s and, for urgent or critical classifications, an alert.
func (e *MQTTEmitter) Forward(s domain.Snapshot) {
	payload, err := json.Marshal(s)
	if err != nil {
		e.logger.Warn("Failed to encode snapshot", "error", err)
		return
	}
	e.enqueue(message{topic: e.SnapshotTopic(), payload: payload})

	if !s.AlertType.Escalated() {
		return
	}
	payload, err = json.Marshal(AlertMessage{
		SessionID: s.SessionID,
		AlertType: s.AlertType,
		Message:   s.Message,
		Score:     s.Stats.CurrentScore,
		At:        time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn("Failed to encode alert", "error", err)
		return
	}
	e.enqueue(message{topic: e.AlertTopic(), payload: payload})
}

// Stats returns emitter statistics.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.client.IsConnected(),
		Published: published,
		Dropped:   e.dropped,
		Errors:    e.errors,
	}
}

// Close drains the queue and disconnects.
func (e *MQTTEmitter) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.queue)
		e.mu.Unlock()
		<-e.done
		e.client.Disconnect(250)
		e.logger.Info("MQTT disconnected")
	})
}

func (e *MQTTEmitter) enqueue(m message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		e.dropped++
		return
	}
	select {
	case e.queue <- m:
	default:
		e.dropped++
		e.logger.Debug("MQTT queue full, message dropped", "topic", m.topic)
	}
}

func (e *MQTTEmitter) run() {
	defer close(e.done)
	for m := range e.queue {
		if err := e.publish(m); err != nil {
			e.mu.Lock()
			e.errors++
			e.mu.Unlock()
			e.logger.Debug("MQTT publish failed", "topic", m.topic, "error", err)
		}
	}
}

func (e *MQTTEmitter) publish(m message) error {
	if !e.client.IsConnected() {
		return ErrNotConnected
	}
	token := e.client.Publish(m.topic, qos, false, m.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[m.topic]++
	e.mu.Unlock()
	return nil
}
