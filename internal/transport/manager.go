package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	// ErrAlreadyConnected is returned by Connect when a connection is open or
	// a connect/reconnect cycle is already in flight.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrMaxAttempts is surfaced as Status.LastError once the reconnect
	// attempt ceiling is exceeded.
	ErrMaxAttempts = errors.New("max reconnect attempts")
)

// MessageHandler receives every inbound message of a subscribed type.
type MessageHandler func(Message)

// StatusHandler receives every connection status transition.
type StatusHandler func(Status)

// Conn is the subset of *websocket.Conn the manager uses. Tests substitute a
// scripted fake.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn to a WebSocket URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type msgSub struct {
	fn      MessageHandler
	removed atomic.Bool
}

type statusSub struct {
	fn      StatusHandler
	removed atomic.Bool
}

// ConnectionManager owns one full-duplex socket to the pipeline event stream.
// It dispatches inbound messages to type-keyed handlers, emits status
// transitions, and reconnects with exponential backoff after abnormal
// closure. Handler registrations survive reconnects.
type ConnectionManager struct {
	url      string
	dialer   Dialer
	backoff  Backoff
	sleep    func(time.Duration)
	now      func() time.Time
	dropWarn *rate.Limiter

	mu         sync.Mutex
	conn       Conn
	state      State
	status     Status
	gen        int // bumped on every (re)connect and Disconnect; stale loops exit
	handlers   map[string][]*msgSub
	statusSubs []*statusSub
}

// NewConnectionManager creates a manager for the given WebSocket URL. The
// manager does not dial until Connect is called.
func NewConnectionManager(url string, b Backoff) *ConnectionManager {
	return &ConnectionManager{
		url:      url,
		dialer:   wsDialer{},
		backoff:  b.withDefaults(),
		sleep:    time.Sleep,
		now:      time.Now,
		dropWarn: rate.NewLimiter(rate.Every(time.Second), 3),
		handlers: make(map[string][]*msgSub),
	}
}

// SetDialer overrides the dialer. Allows testing without real sockets.
func (m *ConnectionManager) SetDialer(d Dialer) { m.dialer = d }

// SetSleep overrides the backoff sleep. Allows testing without real delays.
func (m *ConnectionManager) SetSleep(f func(time.Duration)) { m.sleep = f }

// SetClock overrides the time source.
func (m *ConnectionManager) SetClock(f func() time.Time) { m.now = f }

// Status returns the current connection status.
func (m *ConnectionManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connect dials the endpoint and starts the read loop. It blocks until the
// handshake completes or fails. After a Failed backoff cycle, calling Connect
// again starts a fresh cycle.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected, StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.state = StateConnecting
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx, m.url)
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.status = Status{LastConnectedAt: m.status.LastConnectedAt, LastError: err.Error()}
		m.mu.Unlock()
		m.notifyStatus()
		return fmt.Errorf("connect %s: %w", m.url, err)
	}

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.conn = conn
	m.state = StateConnected
	m.status = Status{Connected: true, LastConnectedAt: m.now()}
	m.mu.Unlock()
	m.notifyStatus()
	log.Info().Str("url", m.url).Msg("Connected to pipeline event stream")

	go m.run(conn, gen)
	return nil
}

// Disconnect closes the socket intentionally. No reconnect is attempted.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.gen++
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.status = Status{LastConnectedAt: m.status.LastConnectedAt}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.notifyStatus()
}

// Send marshals msg and writes it to the socket. While disconnected it is a
// no-op with a logged warning; callers are expected to tolerate transient
// loss.
func (m *ConnectionManager) Send(msg Message) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		log.Warn().Str("type", msg.Type).Msg("Send skipped: not connected")
		return nil
	}

	if msg.Timestamp == "" {
		msg.Timestamp = m.now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Type, err)
	}
	return nil
}

// Subscribe registers a handler for a message type. Every handler registered
// for a type receives every matching message, in registration order. The
// returned function removes exactly this registration and is idempotent.
func (m *ConnectionManager) Subscribe(messageType string, h MessageHandler) func() {
	sub := &msgSub{fn: h}
	m.mu.Lock()
	m.handlers[messageType] = append(m.handlers[messageType], sub)
	m.mu.Unlock()
	return func() { sub.removed.Store(true) }
}

// OnStatusChange registers a handler for connection status transitions.
func (m *ConnectionManager) OnStatusChange(h StatusHandler) func() {
	sub := &statusSub{fn: h}
	m.mu.Lock()
	m.statusSubs = append(m.statusSubs, sub)
	m.mu.Unlock()
	return func() { sub.removed.Store(true) }
}

// run owns the connection lifecycle after a successful dial: read until
// failure, then reconnect with backoff unless the closure was intentional.
func (m *ConnectionManager) run(conn Conn, gen int) {
	for {
		err := m.readLoop(conn)
		if !m.beginReconnect(gen, err) {
			return
		}
		var ok bool
		conn, gen, ok = m.reconnect(gen)
		if !ok {
			return
		}
	}
}

func (m *ConnectionManager) readLoop(conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m.dispatch(data)
	}
}

// beginReconnect decides whether the read error warrants a reconnect cycle
// and transitions the status accordingly.
func (m *ConnectionManager) beginReconnect(gen int, err error) bool {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		// Superseded by Disconnect or a newer connection.
		m.mu.Unlock()
		return false
	}
	m.conn = nil
	if isCleanClose(err) {
		m.state = StateDisconnected
		m.status = Status{LastConnectedAt: m.status.LastConnectedAt}
		m.mu.Unlock()
		m.notifyStatus()
		log.Info().Msg("Connection closed cleanly")
		return false
	}
	m.state = StateReconnecting
	m.status = Status{
		Reconnecting:    true,
		LastConnectedAt: m.status.LastConnectedAt,
		LastError:       err.Error(),
	}
	m.mu.Unlock()
	m.notifyStatus()
	log.Warn().Err(err).Msg("Abnormal closure, reconnecting")
	return true
}

// reconnect retries the dial with exponential backoff up to the attempt
// ceiling. Exceeding the ceiling yields a terminal Failed status; the manager
// stays idle until Connect is called again.
func (m *ConnectionManager) reconnect(gen int) (Conn, int, bool) {
	for attempt := 0; attempt < m.backoff.MaxAttempts; attempt++ {
		m.sleep(m.backoff.Delay(attempt))

		m.mu.Lock()
		if gen != m.gen || m.state != StateReconnecting {
			m.mu.Unlock()
			return nil, 0, false
		}
		m.mu.Unlock()

		conn, err := m.dialer.Dial(context.Background(), m.url)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("Reconnect attempt failed")
			m.mu.Lock()
			if gen == m.gen {
				m.status.LastError = err.Error()
			}
			m.mu.Unlock()
			continue
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			_ = conn.Close()
			return nil, 0, false
		}
		m.gen++
		newGen := m.gen
		m.conn = conn
		m.state = StateConnected
		m.status = Status{Connected: true, LastConnectedAt: m.now()}
		m.mu.Unlock()
		m.notifyStatus()
		log.Info().Int("attempt", attempt+1).Msg("Reconnected to pipeline event stream")
		return conn, newGen, true
	}

	m.mu.Lock()
	if gen == m.gen {
		m.state = StateFailed
		m.status = Status{LastError: ErrMaxAttempts.Error()}
	}
	m.mu.Unlock()
	m.notifyStatus()
	log.Error().Int("attempts", m.backoff.MaxAttempts).Msg("Giving up on reconnect")
	return nil, 0, false
}

// dispatch parses one wire frame and fans it out to every handler registered
// for its type. A panicking handler is logged and does not break dispatch to
// the others.
func (m *ConnectionManager) dispatch(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Msg("Dropping unparseable message")
		return
	}
	msg.Time = normalizeTimestamp(msg.Timestamp, m.now)

	m.mu.Lock()
	subs := m.compactHandlersLocked(msg.Type)
	m.mu.Unlock()

	if len(subs) == 0 {
		if m.dropWarn.Allow() {
			log.Warn().Str("type", msg.Type).Msg("Dropping message with no registered handler")
		}
		return
	}
	for _, s := range subs {
		if s.removed.Load() {
			continue
		}
		invokeHandler(s.fn, msg)
	}
}

// compactHandlersLocked drops removed registrations and returns a snapshot.
func (m *ConnectionManager) compactHandlersLocked(messageType string) []*msgSub {
	subs := m.handlers[messageType]
	kept := subs[:0]
	for _, s := range subs {
		if !s.removed.Load() {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(m.handlers, messageType)
		return nil
	}
	m.handlers[messageType] = kept
	return append([]*msgSub(nil), kept...)
}

func (m *ConnectionManager) notifyStatus() {
	m.mu.Lock()
	status := m.status
	kept := m.statusSubs[:0]
	for _, s := range m.statusSubs {
		if !s.removed.Load() {
			kept = append(kept, s)
		}
	}
	m.statusSubs = kept
	subs := append([]*statusSub(nil), kept...)
	m.mu.Unlock()

	for _, s := range subs {
		if s.removed.Load() {
			continue
		}
		invokeStatusHandler(s.fn, status)
	}
}

func invokeHandler(fn MessageHandler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("type", msg.Type).Msg("Message handler panicked")
		}
	}()
	fn(msg)
}

func invokeStatusHandler(fn StatusHandler, status Status) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Status handler panicked")
		}
	}()
	fn(status)
}

func isCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func normalizeTimestamp(ts string, now func() time.Time) time.Time {
	if ts == "" {
		return now()
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t
	}
	return now()
}
