// Package delivery transmits capture events to the downstream sensor.
// Delivery is best-effort: a sink must never block its caller unboundedly,
// and a failed send degrades to drop-and-log rather than retrying forever.
package delivery

import (
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ailens/ailens-bridge/pkg/event"
)

// Sink delivers encoded events to some destination.
type Sink interface {
	Send(ev *event.Event) error
	Close() error
}

// DefaultSocketPath is the well-known local endpoint the sensor listens on.
const DefaultSocketPath = "/tmp/ailens.sock"

const (
	defaultDialTimeout  = 2 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// SocketSink owns a persistent unix-domain stream connection to the sensor.
// The connection is established lazily on the first send and re-established
// opportunistically after failures; there is no background reconnect loop.
type SocketSink struct {
	path         string
	network      string
	dialTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger

	mu   sync.Mutex
	conn net.Conn

	// onReconnect is invoked after every reconnect attempt with its
	// outcome. Used for metrics; may be nil.
	onReconnect func(ok bool)
}

// SocketOption customises a SocketSink.
type SocketOption func(*SocketSink)

// WithDialTimeout bounds connection attempts.
func WithDialTimeout(d time.Duration) SocketOption {
	return func(s *SocketSink) { s.dialTimeout = d }
}

// WithWriteTimeout bounds each write.
func WithWriteTimeout(d time.Duration) SocketOption {
	return func(s *SocketSink) { s.writeTimeout = d }
}

// WithReconnectHook registers a callback observing reconnect outcomes.
func WithReconnectHook(fn func(ok bool)) SocketOption {
	return func(s *SocketSink) { s.onReconnect = fn }
}

// NewSocketSink creates a sink targeting the unix socket at path. The
// connection is not opened until the first Send.
func NewSocketSink(path string, logger *slog.Logger, opts ...SocketOption) *SocketSink {
	if path == "" {
		path = DefaultSocketPath
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &SocketSink{
		path:         path,
		network:      "unix",
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send serializes ev as one newline-terminated JSON record and writes it to
// the sensor connection. When disconnected it dials first; when the write
// fails because the peer went away it reconnects exactly once and re-sends
// that event. Any other failure drops the event, leaving the sink
// disconnected for the next Send.
func (s *SocketSink) Send(ev *event.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		if err := s.dialLocked(); err != nil {
			s.logger.Warn("Sensor unavailable, dropping event",
				"endpoint", s.path, "event_id", ev.ID, "error", err)
			return &NotConnectedError{Endpoint: s.path, Err: err}
		}
	}

	err = s.writeLocked(line)
	if err == nil {
		return nil
	}

	if !isPeerClosed(err) {
		s.logger.Error("Failed to send event", "event_id", ev.ID, "error", err)
		s.closeLocked()
		return err
	}

	// Peer closed: one reconnect attempt for this event, no requeue beyond it.
	s.logger.Warn("Sensor disconnected, reconnecting", "endpoint", s.path)
	s.closeLocked()

	reErr := s.dialLocked()
	if s.onReconnect != nil {
		s.onReconnect(reErr == nil)
	}
	if reErr != nil {
		s.logger.Warn("Reconnect failed, dropping event",
			"endpoint", s.path, "event_id", ev.ID, "error", reErr)
		return ErrPeerClosed
	}

	if err := s.writeLocked(line); err != nil {
		s.logger.Warn("Resend after reconnect failed, dropping event",
			"event_id", ev.ID, "error", err)
		s.closeLocked()
		return err
	}
	return nil
}

// Connected reports whether the sink currently holds a live connection.
func (s *SocketSink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Close tears down the connection if one is open.
func (s *SocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *SocketSink) dialLocked() error {
	conn, err := net.DialTimeout(s.network, s.path, s.dialTimeout)
	if err != nil {
		return err
	}
	s.conn = conn
	s.logger.Info("Connected to sensor", "endpoint", s.path)
	return nil
}

func (s *SocketSink) writeLocked(line []byte) error {
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	_, err := s.conn.Write(line)
	return err
}

func (s *SocketSink) closeLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
