// Package realtime owns the bidirectional analysis channel of a tracking session.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/focus-tracker/internal/domain"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// StatusCode is a websocket close code.
type StatusCode = websocket.StatusCode

// NormalClosure is the close code of an intentional, non-retriable stop.
const NormalClosure = websocket.StatusNormalClosure

const (
	defaultReadLimit    = 1 << 20
	defaultWriteTimeout = 10 * time.Second
)

var (
	// ErrTransport wraps socket-level failures.
	ErrTransport = errors.New("transport error")
	// ErrMalformedMessage marks inbound payloads that could not be parsed.
	ErrMalformedMessage = errors.New("malformed message")
)

// RemoteError carries the error field of an inbound record.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// ReadyState mirrors the lifecycle of one connection.
type ReadyState int32

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind enumerates lifecycle and message events.
type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventMessage
	EventError
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is delivered to the Sink of the connection that produced it, in
// arrival order. Snapshot is set for EventMessage, Err for EventError, and
// Code/Reason for EventClose.
type Event struct {
	Kind     EventKind
	Conn     *Conn
	Snapshot *domain.Snapshot
	Err      error
	Code     websocket.StatusCode
	Reason   string
}

// Sink receives the events of one connection.
type Sink func(Event)

// Options tune a single connection.
type Options struct {
	EnableRecording bool
	Header          http.Header
}

// Dialer builds channel URLs and opens connections.
type Dialer struct {
	baseURL      *url.URL
	httpClient   *http.Client
	readLimit    int64
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewDialer creates a dialer for the analysis service at apiURL. http and
// https schemes are mapped to ws and wss.
func NewDialer(apiURL string, httpClient *http.Client, logger *slog.Logger) (*Dialer, error) {
	u, err := url.Parse(strings.TrimRight(apiURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported api url scheme %q", u.Scheme)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{
		baseURL:      u,
		httpClient:   httpClient,
		readLimit:    defaultReadLimit,
		writeTimeout: defaultWriteTimeout,
		logger:       logger,
	}, nil
}

// URL returns the channel URL for a session.
func (d *Dialer) URL(sessionID string, enableRecording bool) string {
	u := d.baseURL.JoinPath("/api/focus/ws", url.PathEscape(sessionID))
	if enableRecording {
		u.RawQuery = "enable_recording=true"
	}
	return u.String()
}

// Open returns immediately with a connecting Conn. Every event of the
// connection, including the final EventClose, is passed to sink from a single
// goroutine. Cancelling ctx closes the connection.
func (d *Dialer) Open(ctx context.Context, sessionID string, opts Options, sink Sink) *Conn {
	connCtx, cancel := context.WithCancel(ctx)
	c := &Conn{
		id:           uuid.NewString(),
		url:          d.URL(sessionID, opts.EnableRecording),
		sink:         sink,
		cancel:       cancel,
		writeTimeout: d.writeTimeout,
		done:         make(chan struct{}),
		logger:       d.logger,
	}
	c.logger = d.logger.With("session_id", sessionID, "connection_id", c.id)

	go c.run(connCtx, d, opts)
	return c
}

// Conn is one attempt at the realtime channel. It is never reused: a
// reconnect opens a new Conn.
type Conn struct {
	id           string
	url          string
	sink         Sink
	cancel       context.CancelFunc
	writeTimeout time.Duration
	done         chan struct{}
	logger       *slog.Logger

	state    atomic.Int32
	lastPong atomic.Int64

	mu          sync.Mutex
	ws          *websocket.Conn
	ctx         context.Context
	closeReq    bool
	closeCode   websocket.StatusCode
	closeReason string
}

// ID returns the unique id of this connection attempt.
func (c *Conn) ID() string { return c.id }

// State returns the current ready state.
func (c *Conn) State() ReadyState { return ReadyState(c.state.Load()) }

// Done is closed after the final event has been delivered.
func (c *Conn) Done() <-chan struct{} { return c.done }

// LastPong returns when the last liveness ack arrived, or the zero time.
func (c *Conn) LastPong() time.Time {
	n := c.lastPong.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// SendText writes a text message. It is silently dropped unless the
// connection is open; the return value reports whether it was written.
func (c *Conn) SendText(payload []byte) bool {
	if c.State() != StateOpen {
		return false
	}
	c.mu.Lock()
	ws, ctx := c.ws, c.ctx
	c.mu.Unlock()
	if ws == nil {
		return false
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, payload); err != nil {
		if ctx.Err() == nil {
			c.logger.Debug("WebSocket write error", "error", err)
		}
		return false
	}
	return true
}

// Ping sends a keepalive ping.
func (c *Conn) Ping() bool {
	return c.SendText([]byte(`{"type":"ping"}`))
}

// Close requests a graceful shutdown with the given code. Only the first
// call has an effect. The EventClose carries this code.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.closeReq {
		c.mu.Unlock()
		return
	}
	c.closeReq = true
	c.closeCode = code
	c.closeReason = reason
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		// Still dialing: abort the handshake.
		c.cancel()
		return
	}

	c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
	go func() {
		if err := ws.Close(code, reason); err != nil {
			c.logger.Debug("Failed to close websocket cleanly", "error", err)
		}
		c.cancel()
	}()
}

func (c *Conn) run(ctx context.Context, d *Dialer, opts Options) {
	defer close(c.done)
	defer c.cancel()

	ws, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: opts.Header,
	})
	if err != nil {
		c.state.Store(int32(StateClosed))
		if code, reason, requested := c.requestedClose(); requested {
			c.emit(Event{Kind: EventClose, Code: code, Reason: reason})
			return
		}
		c.logger.Warn("WebSocket dial failed", "error", err)
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: dial: %v", ErrTransport, err)})
		c.emit(Event{Kind: EventClose, Code: websocket.StatusAbnormalClosure, Reason: "dial failed"})
		return
	}
	ws.SetReadLimit(d.readLimit)

	c.mu.Lock()
	if c.closeReq {
		code, reason := c.closeCode, c.closeReason
		c.mu.Unlock()
		c.state.Store(int32(StateClosed))
		if err := ws.Close(code, reason); err != nil {
			c.logger.Debug("Failed to close websocket cleanly", "error", err)
		}
		c.emit(Event{Kind: EventClose, Code: code, Reason: reason})
		return
	}
	c.ws = ws
	c.ctx = ctx
	c.state.Store(int32(StateOpen))
	c.mu.Unlock()

	c.logger.Info("WebSocket connected")
	c.emit(Event{Kind: EventOpen})
	c.readLoop(ctx, ws)
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			c.finish(err)
			return
		}
		if typ != websocket.MessageText {
			c.logger.Warn("Dropping non-text message", "error", ErrMalformedMessage, "bytes", len(data))
			continue
		}
		c.dispatch(data)
	}
}

// envelope is decoded first to classify a record before it is treated as a snapshot.
type envelope struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (c *Conn) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("Dropping unparsable message", "error", fmt.Errorf("%w: %v", ErrMalformedMessage, err))
		return
	}

	switch {
	case env.Type == "pong":
		c.lastPong.Store(time.Now().UnixNano())
		c.logger.Debug("Pong received")
	case env.Error != "":
		c.logger.Warn("Analysis service reported an error", "error", env.Error)
		c.emit(Event{Kind: EventError, Err: &RemoteError{Message: env.Error}})
	default:
		var snap domain.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			c.logger.Warn("Dropping malformed snapshot", "error", fmt.Errorf("%w: %v", ErrMalformedMessage, err))
			return
		}
		c.emit(Event{Kind: EventMessage, Snapshot: &snap})
	}
}

func (c *Conn) finish(err error) {
	c.state.Store(int32(StateClosed))

	if code, reason, requested := c.requestedClose(); requested {
		c.logger.Info("WebSocket closed", "code", code, "reason", reason)
		c.emit(Event{Kind: EventClose, Code: code, Reason: reason})
		return
	}

	if status := websocket.CloseStatus(err); status != -1 {
		var ce websocket.CloseError
		reason := ""
		if errors.As(err, &ce) {
			reason = ce.Reason
		}
		c.logger.Info("WebSocket closed by peer", "code", status, "reason", reason)
		c.emit(Event{Kind: EventClose, Code: status, Reason: reason})
		return
	}

	c.logger.Warn("WebSocket read error", "error", err)
	c.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: %v", ErrTransport, err)})
	c.emit(Event{Kind: EventClose, Code: websocket.StatusAbnormalClosure, Reason: err.Error()})
}

func (c *Conn) requestedClose() (websocket.StatusCode, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason, c.closeReq
}

func (c *Conn) emit(ev Event) {
	if c.sink == nil {
		return
	}
	ev.Conn = c
	c.sink(ev)
}
