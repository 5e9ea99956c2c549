// Package push consumes upstream change notifications over WebSocket and
// turns them into cache invalidations, so odds refresh as soon as a provider
// signals a change instead of waiting out the TTL.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State represents the connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Invalidator receives the tags named by upstream notifications.
type Invalidator interface {
	Invalidate(tag string) int
}

// Config holds listener configuration.
type Config struct {
	// URL is the upstream notification endpoint.
	URL string

	// Headers for the initial connection.
	Headers map[string]string

	// Reconnect settings
	ReconnectMinDelay    time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int // 0 = unlimited

	// Heartbeat settings
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	ReadTimeout time.Duration
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		ReconnectMinDelay:    1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		ReconnectMaxAttempts: 0, // unlimited
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     10 * time.Second,
		ReadTimeout:          90 * time.Second,
	}
}

// notice is the upstream wire message.
type notice struct {
	Tag string `json:"tag"`
}

// Listener is a reconnecting WebSocket consumer of invalidation notices.
type Listener struct {
	config Config
	target Invalidator
	log    *zap.Logger

	conn   *websocket.Conn
	connMu sync.RWMutex
	state  int32 // atomic State

	closeCh   chan struct{}
	closeOnce sync.Once

	reconnectAttempts int
	noticesSeen       atomic.Uint64
}

// NewListener creates a listener that forwards tags to target.
func NewListener(config Config, target Invalidator, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{
		config:  config,
		target:  target,
		log:     log,
		closeCh: make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and starts the read and
// heartbeat loops.
func (l *Listener) Connect(ctx context.Context) error {
	if l.getState() == StateClosed {
		return errors.New("listener is closed")
	}

	l.setState(StateConnecting)

	headers := make(map[string][]string)
	for k, v := range l.config.Headers {
		headers[k] = []string{v}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.config.URL, headers)
	if err != nil {
		l.setState(StateDisconnected)
		return fmt.Errorf("dial failed: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()

	l.setState(StateConnected)
	l.reconnectAttempts = 0
	l.log.Info("push listener connected", zap.String("url", l.config.URL))

	go l.readLoop()
	if l.config.HeartbeatInterval > 0 {
		go l.heartbeatLoop()
	}

	return nil
}

// Close shuts the connection down permanently.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.setState(StateClosed)
		close(l.closeCh)

		l.connMu.Lock()
		if l.conn != nil {
			l.conn.Close()
		}
		l.connMu.Unlock()
	})
	return nil
}

// State returns the current connection state.
func (l *Listener) State() State {
	return l.getState()
}

// NoticesSeen returns how many invalidation notices have been consumed.
func (l *Listener) NoticesSeen() uint64 {
	return l.noticesSeen.Load()
}

// --- Internal methods ---

func (l *Listener) getState() State {
	return State(atomic.LoadInt32(&l.state))
}

func (l *Listener) setState(s State) {
	atomic.StoreInt32(&l.state, int32(s))
}

func (l *Listener) readLoop() {
	defer func() {
		if l.getState() != StateClosed {
			l.handleDisconnect()
		}
	}()

	for {
		select {
		case <-l.closeCh:
			return
		default:
		}

		l.connMu.RLock()
		conn := l.conn
		l.connMu.RUnlock()

		if conn == nil {
			return
		}

		if l.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(l.config.ReadTimeout))
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			l.log.Warn("push read failed", zap.Error(err))
			return
		}

		l.handleNotice(data)
	}
}

func (l *Listener) handleNotice(data []byte) {
	var n notice
	if err := json.Unmarshal(data, &n); err != nil {
		l.log.Warn("malformed push notice", zap.ByteString("payload", data))
		return
	}
	if n.Tag == "" {
		return
	}
	l.noticesSeen.Add(1)
	dropped := l.target.Invalidate(n.Tag)
	l.log.Debug("push invalidation",
		zap.String("tag", n.Tag),
		zap.Int("entries_dropped", dropped))
}

func (l *Listener) heartbeatLoop() {
	ticker := time.NewTicker(l.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.closeCh:
			return
		case <-ticker.C:
			if l.getState() != StateConnected {
				continue
			}

			l.connMu.RLock()
			conn := l.conn
			l.connMu.RUnlock()

			if conn == nil {
				continue
			}

			deadline := time.Now().Add(l.config.HeartbeatTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				l.log.Warn("push heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (l *Listener) handleDisconnect() {
	l.setState(StateDisconnected)
	go l.reconnect()
}

func (l *Listener) reconnect() {
	l.setState(StateReconnecting)

	for {
		if l.getState() == StateClosed {
			return
		}

		l.reconnectAttempts++

		if l.config.ReconnectMaxAttempts > 0 && l.reconnectAttempts > l.config.ReconnectMaxAttempts {
			l.setState(StateDisconnected)
			l.log.Error("push reconnect attempts exhausted",
				zap.Int("max_attempts", l.config.ReconnectMaxAttempts))
			return
		}

		delay := l.reconnectDelay(l.reconnectAttempts)

		select {
		case <-l.closeCh:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := l.Connect(ctx)
		cancel()

		if err == nil {
			return
		}

		l.log.Warn("push reconnect failed",
			zap.Int("attempt", l.reconnectAttempts),
			zap.Error(err))
	}
}

// reconnectDelay is exponential from ReconnectMinDelay, capped at
// ReconnectMaxDelay. The shift is clamped because with unlimited retries the
// attempt count keeps growing and an unclamped 1<<n overflows time.Duration
// into a zero or negative delay, turning backoff into a hot loop.
func (l *Listener) reconnectDelay(attempt int) time.Duration {
	shift := uint(attempt - 1)
	if shift > 30 {
		shift = 30
	}
	delay := l.config.ReconnectMinDelay * time.Duration(1<<shift)
	if delay > l.config.ReconnectMaxDelay || delay <= 0 {
		delay = l.config.ReconnectMaxDelay
	}
	return delay
}
