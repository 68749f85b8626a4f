package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/focus-tracker/internal/credential"
	"github.com/ashureev/focus-tracker/internal/domain"
	"github.com/ashureev/focus-tracker/internal/focusapi"
	"github.com/ashureev/focus-tracker/internal/frame"
	"github.com/ashureev/focus-tracker/internal/metrics"
	"github.com/ashureev/focus-tracker/internal/realtime"
)

const (
	stopReason     = "User stopped tracking"
	retireTimeout  = 15 * time.Second
	ledgerTimeout  = 2 * time.Second
	closeHandshake = 2 * time.Second
	eventQueueSize = 64
)

// Transport opens realtime connections.
type Transport interface {
	Open(ctx context.Context, sessionID string, opts realtime.Options, sink realtime.Sink) *realtime.Conn
}

// Source is the selectable frame source.
type Source interface {
	FrameSource
	Mode() frame.Mode
	Select(mode frame.Mode, path string) error
	Clear()
}

// Detections receives analysis results.
type Detections interface {
	Apply(domain.Snapshot)
	SetError(msg string)
	Reset()
}

// RecordingSettings controls the recording side channel.
type RecordingSettings struct {
	Enabled    bool
	FPS        int
	Resolution string
}

// Config holds controller cadences and policies.
type Config struct {
	FrameInterval       time.Duration
	KeepaliveInterval   time.Duration
	ReconnectDelay      time.Duration
	RecordingStartDelay time.Duration
	// AutoStartWithDriver makes tracking follow the external driver.
	AutoStartWithDriver bool
	Recording           RecordingSettings
	Session             focusapi.CreateSessionRequest
}

// DefaultConfig returns the standard cadences.
func DefaultConfig() Config {
	return Config{
		FrameInterval:       200 * time.Millisecond,
		KeepaliveInterval:   30 * time.Second,
		ReconnectDelay:      3 * time.Second,
		RecordingStartDelay: 500 * time.Millisecond,
		AutoStartWithDriver: true,
		Recording:           RecordingSettings{FPS: 30, Resolution: "1920x1080"},
		Session: focusapi.CreateSessionRequest{
			SessionName:  "Focus Session",
			Subject:      "Study",
			InitialScore: 100,
		},
	}
}

// Deps are the collaborators of a Controller. Ledger, Metrics and Logger are optional.
type Deps struct {
	Sessions    SessionAPI
	Recordings  RecordingAPI
	Transport   Transport
	Source      Source
	Detections  Detections
	Credentials credential.Provider
	Ledger      Ledger
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Status is a point-in-time view of the controller.
type Status struct {
	State            State             `json:"state"`
	SessionID        string            `json:"session_id,omitempty"`
	ConnectionID     string            `json:"connection_id,omitempty"`
	Reconnecting     bool              `json:"reconnecting"`
	UserIntent       bool              `json:"user_intent"`
	DriverRunning    bool              `json:"driver_running"`
	AutoStart        bool              `json:"auto_start"`
	Source           frame.Mode        `json:"source"`
	Publishing       bool              `json:"publishing"`
	Keepalive        bool              `json:"keepalive"`
	RecordingEnabled bool              `json:"recording_enabled"`
	RecordingID      string            `json:"recording_id,omitempty"`
	LastRecording    *domain.Recording `json:"last_recording,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
}

type (
	startCmd  struct{ reply chan error }
	stopCmd   struct{ reply chan struct{} }
	driverCmd struct {
		running bool
	}
	recordingCmd struct {
		enabled bool
		reply   chan error
	}
	selectCmd struct {
		mode  frame.Mode
		path  string
		reply chan error
	}
	clearCmd      struct{ reply chan struct{} }
	sessionResult struct {
		gen     uint64
		session *domain.Session
		err     error
	}
	transportEvent struct{ ev realtime.Event }
	reconnectDue   struct{ gen uint64 }
	recordingDue   struct{ gen uint64 }
	recordingReady struct {
		sessionID   string
		recordingID string
	}
	refreshCmd struct{}
)

// Controller owns one tracking session at a time. All state lives in a
// single event loop goroutine; network calls run elsewhere and post their
// results back, tagged with the generation they belong to.
type Controller struct {
	cfg        Config
	sessions   *SessionManager
	recorder   *RecordingCoordinator
	transport  Transport
	source     Source
	detections Detections
	creds      credential.Provider
	ledger     Ledger
	metrics    *metrics.Metrics
	logger     *slog.Logger

	publisher *Publisher
	keepalive *Keepalive

	ctx       context.Context
	cancel    context.CancelFunc
	events    chan interface{}
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	workers   sync.WaitGroup

	statusMu    sync.RWMutex
	status      Status
	subscribers map[int]func(Status)
	nextSub     int

	// Owned by the loop goroutine.
	state          State
	gen            uint64
	user           bool
	driver         bool
	session        *domain.Session
	conn           *realtime.Conn
	lastConn       *realtime.Conn
	cancelAttempt  context.CancelFunc
	reconnectTimer *time.Timer
	recordingTimer *time.Timer
	lastErr        string
}

// New creates a controller and starts its event loop.
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Sessions == nil || deps.Recordings == nil || deps.Transport == nil ||
		deps.Source == nil || deps.Detections == nil || deps.Credentials == nil {
		return nil, errors.New("tracker: missing dependency")
	}
	if cfg.FrameInterval <= 0 || cfg.KeepaliveInterval <= 0 || cfg.ReconnectDelay <= 0 {
		return nil, errors.New("tracker: intervals must be positive")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:         cfg,
		sessions:    NewSessionManager(deps.Sessions, cfg.Session, deps.Ledger, deps.Metrics, logger),
		recorder:    NewRecordingCoordinator(deps.Recordings, deps.Ledger, logger),
		transport:   deps.Transport,
		source:      deps.Source,
		detections:  deps.Detections,
		creds:       deps.Credentials,
		ledger:      deps.Ledger,
		metrics:     deps.Metrics,
		logger:      logger,
		publisher:   NewPublisher(deps.Source, cfg.FrameInterval, deps.Metrics, logger),
		keepalive:   NewKeepalive(cfg.KeepaliveInterval, deps.Metrics, logger),
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan interface{}, eventQueueSize),
		done:        make(chan struct{}),
		loopDone:    make(chan struct{}),
		subscribers: make(map[int]func(Status)),
	}
	c.metrics.SetState(StateIdle.String(), stateNames)
	c.publish()

	go c.loop()
	return c, nil
}

// Start expresses the user's intent to track. Precondition failures
// (ErrAuthMissing, ErrNoSource, ErrDriverStopped) are returned directly;
// later failures appear in Status.LastError. Starting while a session is
// active is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	reply := make(chan error, 1)
	if !c.post(startCmd{reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrClosed
	}
}

// Stop ends tracking. The transport is closed with a normal closure and the
// session is retired in the background.
func (c *Controller) Stop(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	if !c.post(stopCmd{reply: reply}) {
		return ErrClosed
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrClosed
	}
}

// SetDriverRunning reports the external driver state, usually the study timer.
func (c *Controller) SetDriverRunning(running bool) {
	c.post(driverCmd{running: running})
}

// SetRecordingEnabled toggles recording for the next session. It fails with
// ErrBusy while a session is active.
func (c *Controller) SetRecordingEnabled(ctx context.Context, enabled bool) error {
	reply := make(chan error, 1)
	if !c.post(recordingCmd{enabled: enabled, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrClosed
	}
}

// SelectSource switches the frame source. Tracking is stopped first unless
// the same camera is selected again.
func (c *Controller) SelectSource(ctx context.Context, mode frame.Mode, path string) error {
	reply := make(chan error, 1)
	if !c.post(selectCmd{mode: mode, path: path, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrClosed
	}
}

// ClearSource stops tracking and releases the frame source.
func (c *Controller) ClearSource(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	if !c.post(clearCmd{reply: reply}) {
		return ErrClosed
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrClosed
	}
}

// Status returns the latest published status.
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Recordings exposes the recording coordinator for download references.
func (c *Controller) Recordings() *RecordingCoordinator {
	return c.recorder
}

// ClearRecording drops the download reference of recordingID.
func (c *Controller) ClearRecording(recordingID string) {
	c.recorder.ClearLast(recordingID)
	c.post(refreshCmd{})
}

// Subscribe registers fn for status changes and returns a function that
// removes it. fn runs on the event loop and must not block.
func (c *Controller) Subscribe(fn func(Status)) func() {
	c.statusMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	c.statusMu.Unlock()

	return func() {
		c.statusMu.Lock()
		delete(c.subscribers, id)
		c.statusMu.Unlock()
	}
}

// Close tears everything down: pending timers, the connection, the periodic
// drivers and the session. It waits for background retirement to finish.
// Calling it more than once is safe.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		<-c.loopDone

		if c.lastConn != nil {
			select {
			case <-c.lastConn.Done():
			case <-time.After(closeHandshake):
			}
		}
		c.cancel()
		c.publisher.wait()
		c.keepalive.wait()
		c.workers.Wait()
		c.logger.Info("Tracking controller closed")
	})
	return nil
}

func (c *Controller) post(ev interface{}) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) loop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.done:
			if c.state != StateIdle {
				c.teardown("shutdown")
			}
			return
		case ev := <-c.events:
			c.handle(ev)
			c.publish()
		}
	}
}

// handle applies one event. Command replies are sent after publish so a
// caller reading Status sees the effect of its command.
func (c *Controller) handle(ev interface{}) {
	switch ev := ev.(type) {
	case startCmd:
		err := c.handleStart()
		c.publish()
		ev.reply <- err
	case stopCmd:
		c.stopTracking("stop requested")
		c.publish()
		ev.reply <- struct{}{}
	case driverCmd:
		c.handleDriver(ev.running)
	case recordingCmd:
		var err error
		if c.state != StateIdle {
			err = ErrBusy
		} else {
			c.cfg.Recording.Enabled = ev.enabled
		}
		c.publish()
		ev.reply <- err
	case selectCmd:
		err := c.handleSelect(ev.mode, ev.path)
		c.publish()
		ev.reply <- err
	case clearCmd:
		c.stopTracking("source cleared")
		c.source.Clear()
		c.publish()
		ev.reply <- struct{}{}
	case sessionResult:
		c.handleSessionResult(ev)
	case transportEvent:
		c.handleTransport(ev.ev)
	case reconnectDue:
		c.handleReconnectDue(ev.gen)
	case recordingDue:
		c.handleRecordingDue(ev.gen)
	case recordingReady:
		if c.session != nil && c.session.ID == ev.sessionID {
			c.session.RecordingID = ev.recordingID
		}
	case refreshCmd:
	}
}

// shouldReconnect gates recovery from an unexpected close: the user still
// wants tracking and the external driver is still running.
func (c *Controller) shouldReconnect() bool {
	return c.user && c.driver
}

func (c *Controller) handleStart() error {
	if c.cfg.AutoStartWithDriver && !c.driver {
		return ErrDriverStopped
	}
	if c.state != StateIdle {
		c.logger.Debug("Start ignored, session already active", "state", c.state)
		return nil
	}
	if c.source.Mode() == frame.ModeNone {
		return ErrNoSource
	}
	if err := c.begin(); err != nil {
		return err
	}
	c.user = true
	return nil
}

func (c *Controller) handleDriver(running bool) {
	prev := c.driver
	c.driver = running
	if !c.cfg.AutoStartWithDriver || prev == running {
		return
	}

	if !running {
		c.stopTracking("driver stopped")
		return
	}
	if c.state != StateIdle {
		return
	}
	if c.source.Mode() == frame.ModeNone {
		c.logger.Info("Driver started but no frame source is selected")
		return
	}
	if err := c.begin(); err != nil {
		c.lastErr = err.Error()
		c.logger.Warn("Auto-start failed", "error", err)
		return
	}
	c.user = true
}

func (c *Controller) handleSelect(mode frame.Mode, path string) error {
	current := c.source.Mode()
	if mode == frame.ModeCamera && current == frame.ModeCamera {
		return nil
	}
	c.stopTracking("source changed")
	if err := c.source.Select(mode, path); err != nil {
		if errors.Is(err, frame.ErrDeviceUnavailable) {
			c.lastErr = deviceMessage(mode)
		} else {
			c.lastErr = err.Error()
		}
		return err
	}
	c.lastErr = ""
	return nil
}

// begin moves to Creating and creates a session in the background.
func (c *Controller) begin() error {
	token := c.creds.Token()
	if token == "" {
		return focusapi.ErrAuthMissing
	}

	c.gen++
	gen := c.gen
	c.lastErr = ""
	c.setState(StateCreating)

	c.abortAttempt()
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelAttempt = cancel

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		sess, err := c.sessions.Begin(ctx, token)
		if !c.post(sessionResult{gen: gen, session: sess, err: err}) && sess != nil {
			c.retire(sess)
		}
	}()
	return nil
}

func (c *Controller) handleSessionResult(res sessionResult) {
	if res.gen != c.gen || c.state != StateCreating {
		if res.session != nil {
			c.logger.Info("Discarding session created after stop", "session_id", res.session.ID)
			c.retire(res.session)
		}
		return
	}

	if res.err != nil {
		c.lastErr = res.err.Error()
		c.user = false
		c.setState(StateIdle)
		return
	}

	c.session = res.session
	c.setState(StateConnecting)
	c.conn = c.transport.Open(c.ctx, res.session.ID, realtime.Options{
		EnableRecording: c.cfg.Recording.Enabled,
		Header:          http.Header{"Authorization": {credential.Bearer(res.session.Credential)}},
	}, func(ev realtime.Event) {
		c.post(transportEvent{ev: ev})
	})
	c.lastConn = c.conn
}

func (c *Controller) handleTransport(ev realtime.Event) {
	if ev.Conn == nil || ev.Conn != c.conn {
		c.logger.Debug("Discarding event from stale connection", "kind", ev.Kind)
		return
	}

	switch ev.Kind {
	case realtime.EventOpen:
		c.onOpen()
	case realtime.EventMessage:
		if ev.Snapshot != nil {
			c.metrics.SnapshotReceived(string(ev.Snapshot.AlertType))
			c.detections.Apply(*ev.Snapshot)
		}
	case realtime.EventError:
		c.logger.Warn("Realtime channel error", "session_id", c.sessionID(), "error", ev.Err)
		c.detections.SetError(ev.Err.Error())
	case realtime.EventClose:
		c.onClose(ev.Code, ev.Reason)
	}
}

func (c *Controller) onOpen() {
	if c.state != StateConnecting {
		return
	}
	c.setState(StateTracking)
	c.metrics.ConnectionOpened()
	c.publisher.Start(c.conn)
	c.keepalive.Start(c.conn)

	if c.ledger != nil {
		ctx, cancel := context.WithTimeout(c.ctx, ledgerTimeout)
		if err := c.ledger.ConnectionOpened(ctx, c.session.ID); err != nil {
			c.logger.Warn("Failed to record connection", "session_id", c.session.ID, "error", err)
		}
		cancel()
	}

	if c.cfg.Recording.Enabled {
		gen := c.gen
		c.recordingTimer = time.AfterFunc(c.cfg.RecordingStartDelay, func() {
			c.post(recordingDue{gen: gen})
		})
	}
}

func (c *Controller) onClose(code realtime.StatusCode, reason string) {
	c.conn = nil
	c.stopDrivers()
	c.stopTimer(&c.recordingTimer)

	switch {
	case c.state == StateConnecting:
		c.lastErr = fmt.Sprintf("could not connect to analysis service (code %d)", code)
		c.logger.Warn("Connection failed before open", "session_id", c.sessionID(), "code", code, "reason", reason)
		c.retireCurrent()
		c.user = false
		c.setState(StateIdle)

	case code == realtime.NormalClosure:
		c.logger.Info("Connection closed normally", "session_id", c.sessionID(), "reason", reason)
		c.retireCurrent()
		c.user = false
		c.setState(StateIdle)

	case c.shouldReconnect() && c.reconnectTimer == nil:
		c.logger.Warn("Connection lost, reconnecting",
			"session_id", c.sessionID(), "code", code, "reason", reason, "delay", c.cfg.ReconnectDelay)
		c.retireCurrent()
		c.metrics.ReconnectScheduled()
		gen := c.gen
		c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectDelay, func() {
			c.post(reconnectDue{gen: gen})
		})
		c.setState(StateReconnecting)

	default:
		c.logger.Info("Connection closed", "session_id", c.sessionID(), "code", code, "reason", reason)
		c.retireCurrent()
		c.user = false
		c.setState(StateIdle)
	}
}

func (c *Controller) handleReconnectDue(gen uint64) {
	if gen != c.gen || c.state != StateReconnecting {
		return
	}
	c.reconnectTimer = nil

	if !c.shouldReconnect() {
		c.logger.Info("Reconnect dropped, driver no longer running")
		c.user = false
		c.setState(StateIdle)
		return
	}
	if c.source.Mode() == frame.ModeNone {
		c.lastErr = ErrNoSource.Error()
		c.user = false
		c.setState(StateIdle)
		return
	}
	if err := c.begin(); err != nil {
		c.lastErr = err.Error()
		c.user = false
		c.setState(StateIdle)
	}
}

func (c *Controller) handleRecordingDue(gen uint64) {
	c.recordingTimer = nil
	if gen != c.gen || c.state != StateTracking || c.session == nil {
		return
	}

	sess := *c.session
	rec := c.cfg.Recording
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		id, err := c.recorder.Start(c.ctx, sess.Credential, sess.ID, rec.FPS, rec.Resolution)
		if err != nil {
			return
		}
		c.post(recordingReady{sessionID: sess.ID, recordingID: id})
	}()
}

// stopTracking is the explicit stop transition. It is a no-op when idle.
func (c *Controller) stopTracking(reason string) {
	c.user = false
	if c.state == StateIdle {
		return
	}
	c.teardown(reason)
}

// teardown cancels every timer, closes the connection with a normal
// closure, retires the session and returns to Idle from any state.
func (c *Controller) teardown(reason string) {
	c.logger.Info("Stopping tracking", "state", c.state, "session_id", c.sessionID(), "reason", reason)

	c.gen++
	c.abortAttempt()
	c.stopTimer(&c.reconnectTimer)
	c.stopTimer(&c.recordingTimer)
	c.stopDrivers()

	if c.conn != nil {
		c.conn.Close(realtime.NormalClosure, stopReason)
		c.conn = nil
	}
	c.retireCurrent()
	c.detections.Reset()
	c.setState(StateIdle)
}

// abortAttempt cancels an in-flight session create.
func (c *Controller) abortAttempt() {
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}
}

func deviceMessage(mode frame.Mode) string {
	if mode == frame.ModeUpload {
		return "could not open video file"
	}
	return "could not access camera"
}

func (c *Controller) stopDrivers() {
	c.publisher.Stop()
	c.keepalive.Stop()
}

func (c *Controller) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *Controller) retireCurrent() {
	if c.session == nil {
		return
	}
	c.retire(c.session)
	c.session = nil
}

// retire stops any recording and then ends the session, in the background.
func (c *Controller) retire(sess *domain.Session) {
	s := *sess
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		ctx, cancel := context.WithTimeout(context.Background(), retireTimeout)
		defer cancel()
		c.recorder.Stop(ctx, s.Credential, s.ID)
		c.sessions.End(ctx, &s)
		c.post(refreshCmd{})
	}()
}

func (c *Controller) sessionID() string {
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Info("Tracking state changed", "from", c.state, "to", s, "session_id", c.sessionID())
	c.state = s
	c.metrics.SetState(s.String(), stateNames)
}

// publish snapshots loop state for readers and notifies subscribers on change.
func (c *Controller) publish() {
	st := Status{
		State:            c.state,
		SessionID:        c.sessionID(),
		Reconnecting:     c.state == StateReconnecting,
		UserIntent:       c.user,
		DriverRunning:    c.driver,
		AutoStart:        c.cfg.AutoStartWithDriver,
		Source:           c.source.Mode(),
		Publishing:       c.publisher.Running(),
		Keepalive:        c.keepalive.Running(),
		RecordingEnabled: c.cfg.Recording.Enabled,
		LastRecording:    c.recorder.Last(),
		LastError:        c.lastErr,
	}
	if c.conn != nil {
		st.ConnectionID = c.conn.ID()
	}
	if c.session != nil {
		st.RecordingID = c.session.RecordingID
	}

	c.statusMu.Lock()
	changed := !sameStatus(c.status, st)
	c.status = st
	subs := make([]func(Status), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.statusMu.Unlock()

	if !changed {
		return
	}
	for _, fn := range subs {
		fn(st)
	}
}

func sameStatus(a, b Status) bool {
	la, lb := a.LastRecording, b.LastRecording
	a.LastRecording, b.LastRecording = nil, nil
	if a != b {
		return false
	}
	if la == nil || lb == nil {
		return la == lb
	}
	return la.ID == lb.ID
}
