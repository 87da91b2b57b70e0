package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/septivank/alarm-gateway/internal/config"
	"github.com/septivank/alarm-gateway/internal/db"
	"github.com/septivank/alarm-gateway/internal/logging"
	"github.com/septivank/alarm-gateway/internal/service"
	"go.uber.org/zap"
)

const (
	writeTimeout       = 5 * time.Second
	closedEventTimeout = time.Second
)

// ErrSessionClosed is returned when writing to a terminated session
var ErrSessionClosed = errors.New("session closed")

// State is the lifecycle state of a session. Transitions only move forward.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateError
	StateTimeout
)

func (s State) String() string {
	return string(s.ConnectionStatus())
}

// ConnectionStatus maps the state to its stored form
func (s State) ConnectionStatus() db.ConnectionStatus {
	switch s {
	case StateConnecting:
		return db.StatusConnecting
	case StateConnected:
		return db.StatusConnected
	case StateDisconnected:
		return db.StatusDisconnected
	case StateError:
		return db.StatusError
	case StateTimeout:
		return db.StatusTimeout
	default:
		return db.ConnectionStatus("unknown")
	}
}

// Ingestor hands alarm lines to the ingestion pipeline
type Ingestor interface {
	Ingest(ctx context.Context, clientID, raw string) (*db.AlarmEvent, error)
}

// EventKind identifies a session event
type EventKind int

const (
	EventMessage EventKind = iota
	EventClosed
)

// SessionEvent is posted by sessions for the server's observers
type SessionEvent struct {
	Kind      EventKind
	SessionID string
	At        time.Time

	// EventMessage
	MessageKind MessageKind
	Result      string

	// EventClosed
	State  State
	Reason string
	Err    error
}

// Totals are the server-wide message counters shared by all sessions
type Totals struct {
	Received  atomic.Uint64
	Processed atomic.Uint64
}

// SessionOptions holds everything a session needs
type SessionOptions struct {
	Conn     net.Conn
	Identity db.DeviceIdentity
	Config   config.TCPConfig
	Ingestor Ingestor
	Registry *Registry
	Events   chan<- SessionEvent
	Totals   *Totals
	Logger   *zap.Logger
}

// Session owns one device connection for its lifetime
type Session struct {
	identity db.DeviceIdentity
	conn     net.Conn
	cfg      config.TCPConfig
	ingestor Ingestor
	registry *Registry
	events   chan<- SessionEvent
	totals   *Totals
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	closed chan SessionEvent

	state        atomic.Int32
	terminated   atomic.Bool
	lastActivity atomic.Int64
	received     atomic.Uint64
	processed    atomic.Uint64
	writeMu      sync.Mutex
}

// NewSession creates a session in the Connecting state. parent bounds its lifetime.
func NewSession(parent context.Context, opts SessionOptions) *Session {
	ctx, cancel := context.WithCancel(parent)
	totals := opts.Totals
	if totals == nil {
		totals = &Totals{}
	}
	s := &Session{
		identity: opts.Identity,
		conn:     opts.Conn,
		cfg:      opts.Config,
		ingestor: opts.Ingestor,
		registry: opts.Registry,
		events:   opts.Events,
		totals:   totals,
		logger:   logging.WithSession(opts.Logger, opts.Identity.ID),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		closed:   make(chan SessionEvent, 1),
	}
	s.state.Store(int32(StateConnecting))
	s.touch(time.Now())
	return s
}

// ID returns the client identifier
func (s *Session) ID() string { return s.identity.ID }

func (s *Session) Identity() db.DeviceIdentity { return s.identity }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) MessagesReceived() uint64 { return s.received.Load() }

func (s *Session) MessagesProcessed() uint64 { return s.processed.Load() }

// Done is closed when Run has returned
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity())
}

// IsAlive reports whether the session has not terminated and has seen
// activity within idleTimeout
func (s *Session) IsAlive(now time.Time, idleTimeout time.Duration) bool {
	if s.terminated.Load() {
		return false
	}
	return s.idleFor(now) <= idleTimeout
}

// Run reads and processes lines until the peer leaves, an I/O error occurs,
// the idle timeout passes or the session is torn down. Teardown always runs
// before Run returns.
func (s *Session) Run() {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panic", zap.Any("panic", r))
			s.terminate(StateError, "internal error", fmt.Errorf("panic: %v", r))
		} else {
			s.terminate(StateDisconnected, "session ended", nil)
		}
		// Posted from here, not from terminate, so observers never see the
		// close before the connect that preceded Run.
		s.postClosed(<-s.closed)
	}()

	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		return
	}

	// Unblock a pending read as soon as the session is cancelled.
	stop := context.AfterFunc(s.ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	idleTimeout := s.cfg.IdleTimeout()
	pollInterval := s.cfg.PollInterval()
	buf := make([]byte, s.cfg.BufferSize)
	lines := NewLineBuffer(s.cfg.MaxMessageSize)

	s.logger.Info("session started",
		zap.String("remote_addr", net.JoinHostPort(s.identity.IP, fmt.Sprint(s.identity.Port))),
	)

	for {
		if s.ctx.Err() != nil {
			s.terminate(StateDisconnected, "session cancelled", nil)
			return
		}

		now := time.Now()
		if s.idleFor(now) > idleTimeout {
			s.logger.Warn("session idle timeout", zap.Duration("idle", s.idleFor(now)))
			s.terminate(StateTimeout, "idle timeout", nil)
			return
		}

		_ = s.conn.SetReadDeadline(now.Add(pollInterval))
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.touch(time.Now())
			for _, frame := range lines.Feed(buf[:n]) {
				if !s.handleFrame(frame) {
					return
				}
			}
		}

		if err == nil {
			continue
		}

		var netErr net.Error
		switch {
		case errors.As(err, &netErr) && netErr.Timeout():
			continue
		case errors.Is(err, io.EOF):
			s.terminate(StateDisconnected, "client closed connection", nil)
			return
		case s.terminated.Load() || errors.Is(err, net.ErrClosed):
			return
		default:
			s.logger.Warn("read failed", zap.Error(err))
			s.terminate(StateError, "Read error", err)
			return
		}
	}
}

// handleFrame processes one line and reports whether the loop should continue
func (s *Session) handleFrame(frame Frame) bool {
	receivedAt := time.Now().UTC()

	if frame.Oversized {
		s.count(false)
		s.logger.Warn("message too large",
			zap.Int("bytes", frame.Size),
			zap.Int("max_bytes", s.cfg.MaxMessageSize),
		)
		s.post(SessionEvent{Kind: EventMessage, SessionID: s.ID(), At: receivedAt, MessageKind: KindOversized})
		return s.reply(AckTooLarge)
	}

	msg := Message{
		SessionID:  s.ID(),
		Raw:        frame.Content,
		ReceivedAt: receivedAt,
		Kind:       Classify(frame.Content),
	}
	if msg.Kind == KindEmpty {
		return true
	}

	if s.cfg.LogRawMessages {
		s.logger.Debug("raw message", zap.String("raw", msg.Raw), zap.Int("bytes", frame.Size))
	}

	event := SessionEvent{Kind: EventMessage, SessionID: s.ID(), At: receivedAt, MessageKind: msg.Kind}

	var acks []string
	switch msg.Kind {
	case KindHeartbeat:
		s.count(true)
		if s.cfg.HeartbeatEnabled {
			acks = append(acks, AckHeartbeatOK)
		}

	case KindAlarm:
		_, err := s.ingestor.Ingest(s.ctx, s.ID(), msg.Raw)
		s.count(true)
		event.Result = service.RejectionReason(err)
		if err != nil {
			s.logger.Warn("alarm rejected", zap.Error(err), zap.String("reason", event.Result))
			acks = append(acks, AckAlarmError)
		} else {
			acks = append(acks, AckAlarmOK)
		}

	default:
		s.count(false)
		s.logger.Warn("invalid message format", zap.Int("bytes", frame.Size))
		acks = append(acks, AckInvalidFormat)
	}

	if s.cfg.TrailingOKAck && msg.Kind != KindInvalid {
		acks = append(acks, AckOK)
	}

	s.post(event)

	for _, ack := range acks {
		if !s.reply(ack) {
			return false
		}
	}
	return true
}

func (s *Session) count(processed bool) {
	s.received.Add(1)
	s.totals.Received.Add(1)
	if processed {
		s.processed.Add(1)
		s.totals.Processed.Add(1)
	}
}

// reply writes an acknowledgement; a failed write ends the session
func (s *Session) reply(text string) bool {
	if err := s.Send(text); err != nil {
		if !s.terminated.Load() {
			s.logger.Warn("write failed", zap.Error(err))
			s.terminate(StateError, "Write error", err)
		}
		return false
	}
	return true
}

// Send writes one line to the device. Safe for concurrent use.
func (s *Session) Send(text string) error {
	if s.terminated.Load() {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := io.WriteString(s.conn, text+"\n"); err != nil {
		return fmt.Errorf("failed to write to session: %w", err)
	}
	return nil
}

// Disconnect tears the session down with reason. It reports whether this
// call performed the teardown; later calls are no-ops.
func (s *Session) Disconnect(reason string) bool {
	return s.terminate(StateDisconnected, reason, nil)
}

// terminate moves the session to a terminal state exactly once. It cancels
// the session scope, closes the connection and leaves the registry; Run posts
// the resulting closed event.
func (s *Session) terminate(state State, reason string, cause error) bool {
	if !s.terminated.CompareAndSwap(false, true) {
		return false
	}

	s.state.Store(int32(state))
	s.cancel()

	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("failed to close connection", zap.Error(err))
	}

	if s.registry != nil {
		s.registry.removeSession(s)
	}

	fields := []zap.Field{
		zap.String("state", state.String()),
		zap.String("reason", reason),
		zap.Uint64("messages_received", s.received.Load()),
		zap.Uint64("messages_processed", s.processed.Load()),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	s.logger.Info("session closed", fields...)

	s.closed <- SessionEvent{
		Kind:      EventClosed,
		SessionID: s.ID(),
		At:        time.Now().UTC(),
		State:     state,
		Reason:    reason,
		Err:       cause,
	}
	return true
}

// post delivers a statistics event without blocking
func (s *Session) post(e SessionEvent) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- e:
	default:
		s.logger.Debug("session event queue full, dropping message event")
	}
}

// postClosed waits briefly for room in the queue; the reconciliation sweep
// repairs stored status if the event is lost
func (s *Session) postClosed(e SessionEvent) {
	if s.events == nil {
		return
	}
	timer := time.NewTimer(closedEventTimeout)
	defer timer.Stop()
	select {
	case s.events <- e:
	case <-timer.C:
		s.logger.Warn("session event queue full, dropping closed event")
	}
}
