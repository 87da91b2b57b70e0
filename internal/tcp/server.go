package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/septivank/alarm-gateway/internal/config"
	"github.com/septivank/alarm-gateway/internal/db"
	"go.uber.org/zap"
)

const (
	acceptRetryDelay = time.Second
	lifecycleTimeout = 10 * time.Second
	eventQueueSize   = 1024
)

// ErrServerRunning is returned by Start on a running server
var ErrServerRunning = errors.New("server already running")

// Lifecycle keeps persisted device state in step with sessions
type Lifecycle interface {
	ClientConnected(ctx context.Context, identity db.DeviceIdentity) (*db.Device, error)
	ClientDisconnected(ctx context.Context, clientID string, status db.ConnectionStatus, reason string) error
	ClientError(ctx context.Context, clientID, message, detail string) error
}

// StatsRecorder observes connection and message activity
type StatsRecorder interface {
	ConnectionAccepted()
	ConnectionRejected()
	SessionOpened()
	SessionClosed(state string)
	MessageReceived(kind string)
	AlarmIngested(result string)
}

// NopStats discards statistics
type NopStats struct{}

func (NopStats) ConnectionAccepted()    {}
func (NopStats) ConnectionRejected()    {}
func (NopStats) SessionOpened()         {}
func (NopStats) SessionClosed(string)   {}
func (NopStats) MessageReceived(string) {}
func (NopStats) AlarmIngested(string)   {}

// ServerStatus is a point-in-time view of the server
type ServerStatus struct {
	IsRunning              bool          `json:"is_running"`
	Port                   int           `json:"port"`
	Uptime                 time.Duration `json:"uptime_ns"`
	ConnectedClients       int           `json:"connected_clients"`
	TotalConnections       uint64        `json:"total_connections"`
	TotalMessagesReceived  uint64        `json:"total_messages_received"`
	TotalMessagesProcessed uint64        `json:"total_messages_processed"`
}

// Server accepts device connections and runs one session per connection
type Server struct {
	cfg       config.TCPConfig
	ingestor  Ingestor
	lifecycle Lifecycle
	stats     StatsRecorder
	logger    *zap.Logger
	registry  *Registry

	events chan SessionEvent
	totals Totals

	totalConnections atomic.Uint64
	running          atomic.Bool

	// startStop serializes Start and Stop; mu only guards the fields below
	startStop    sync.Mutex
	mu           sync.Mutex
	listener     net.Listener
	port         int
	startedAt    time.Time
	ctx          context.Context
	cancel       context.CancelFunc
	quit         chan struct{}
	dispatchDone chan struct{}
	wg           sync.WaitGroup
}

// NewServer creates a new device server
func NewServer(cfg config.TCPConfig, ingestor Ingestor, lifecycle Lifecycle, stats StatsRecorder, logger *zap.Logger) *Server {
	if stats == nil {
		stats = NopStats{}
	}
	return &Server{
		cfg:       cfg,
		ingestor:  ingestor,
		lifecycle: lifecycle,
		stats:     stats,
		logger:    logger,
		registry:  NewRegistry(logger),
		events:    make(chan SessionEvent, eventQueueSize),
	}
}

// Start binds the listener on the configured address and port and begins
// accepting. Port 0 picks a free port; see Addr.
func (s *Server) Start(ctx context.Context, port int) error {
	s.startStop.Lock()
	defer s.startStop.Unlock()

	if s.running.Load() {
		return ErrServerRunning
	}

	address := net.JoinHostPort(s.cfg.ListenAddress, strconv.Itoa(port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.startedAt = time.Now()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.quit = make(chan struct{})
	s.dispatchDone = make(chan struct{})
	runCtx, quit, dispatchDone := s.ctx, s.quit, s.dispatchDone
	s.running.Store(true)
	s.mu.Unlock()

	go s.dispatchEvents(quit, dispatchDone)

	s.wg.Add(1)
	go s.acceptLoop(runCtx, ln)

	s.logger.Info("tcp server started",
		zap.String("address", ln.Addr().String()),
		zap.Int("max_connections", s.cfg.MaxConnections),
		zap.Duration("idle_timeout", s.cfg.IdleTimeout()),
	)
	return nil
}

// Stop closes the listener, tears down every session and waits for their
// closed events to be handled. Status and Addr stay available while it drains.
func (s *Server) Stop() error {
	s.startStop.Lock()
	defer s.startStop.Unlock()

	s.mu.Lock()
	if !s.running.CompareAndSwap(true, false) {
		s.mu.Unlock()
		return nil
	}
	ln, cancel, quit, dispatchDone := s.listener, s.cancel, s.quit, s.dispatchDone
	s.mu.Unlock()

	var closeErr error
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		closeErr = fmt.Errorf("failed to close listener: %w", err)
	}

	closed := s.disconnectAll("server shutdown")
	cancel()
	s.wg.Wait()

	close(quit)
	<-dispatchDone

	s.logger.Info("tcp server stopped",
		zap.Int("sessions_closed", closed),
		zap.Uint64("total_connections", s.totalConnections.Load()),
	)
	return closeErr
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("failed to accept connection", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		s.totalConnections.Add(1)

		if s.cfg.MaxConnections > 0 && s.registry.Count() >= s.cfg.MaxConnections {
			s.stats.ConnectionRejected()
			s.logger.Warn("connection limit reached, rejecting client",
				zap.String("remote_addr", conn.RemoteAddr().String()),
				zap.Int("max_connections", s.cfg.MaxConnections),
			)
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_, _ = io.WriteString(conn, AckServerFull+"\n")
			_ = conn.Close()
			continue
		}

		s.stats.ConnectionAccepted()

		session := NewSession(ctx, SessionOptions{
			Conn:     conn,
			Identity: newIdentity(conn),
			Config:   s.cfg,
			Ingestor: s.ingestor,
			Registry: s.registry,
			Events:   s.events,
			Totals:   &s.totals,
			Logger:   s.logger,
		})
		s.registry.Add(session)

		s.wg.Add(1)
		go s.serve(session)
	}
}

// newIdentity derives the client id from the remote endpoint and the accept time
func newIdentity(conn net.Conn) db.DeviceIdentity {
	now := time.Now().UTC()
	ip, port := "unknown", 0
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		ip, port = addr.IP.String(), addr.Port
	}
	return db.DeviceIdentity{
		ID:          fmt.Sprintf("CLIENT_%s_%d_%d", ip, port, now.UnixNano()),
		IP:          ip,
		Port:        port,
		ConnectedAt: now,
	}
}

func (s *Server) serve(session *Session) {
	defer s.wg.Done()

	s.stats.SessionOpened()

	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	if _, err := s.lifecycle.ClientConnected(ctx, session.Identity()); err != nil {
		s.logger.Error("failed to record client connection",
			zap.Error(err),
			zap.String("session_id", session.ID()),
		)
	}
	cancel()

	session.Run()
}

// dispatchEvents is the single consumer of session events. It exits after
// quit is closed and the queue is empty.
func (s *Server) dispatchEvents(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case e := <-s.events:
			s.handleEvent(e)
		case <-quit:
			for {
				select {
				case e := <-s.events:
					s.handleEvent(e)
				default:
					return
				}
			}
		}
	}
}

func (s *Server) handleEvent(e SessionEvent) {
	switch e.Kind {
	case EventMessage:
		s.stats.MessageReceived(e.MessageKind.String())
		if e.MessageKind == KindAlarm {
			s.stats.AlarmIngested(e.Result)
		}

	case EventClosed:
		s.stats.SessionClosed(e.State.String())

		ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
		defer cancel()

		if e.State == StateError {
			detail := ""
			if e.Err != nil {
				detail = e.Err.Error()
			}
			if err := s.lifecycle.ClientError(ctx, e.SessionID, e.Reason, detail); err != nil {
				s.logger.Error("failed to record client error", zap.Error(err), zap.String("session_id", e.SessionID))
			}
		}
		if err := s.lifecycle.ClientDisconnected(ctx, e.SessionID, e.State.ConnectionStatus(), e.Reason); err != nil {
			s.logger.Error("failed to record client disconnection", zap.Error(err), zap.String("session_id", e.SessionID))
		}
	}
}

// DisconnectClient tears down the session for clientID and reports whether one existed
func (s *Server) DisconnectClient(clientID string) bool {
	session, ok := s.registry.Get(clientID)
	if !ok {
		return false
	}
	return session.Disconnect("disconnected by server")
}

// DisconnectAll tears down every live session and returns how many were closed
func (s *Server) DisconnectAll() int {
	return s.disconnectAll("disconnected by server")
}

func (s *Server) disconnectAll(reason string) int {
	closed := 0
	for _, session := range s.registry.All() {
		if session.Disconnect(reason) {
			closed++
		}
	}
	return closed
}

// Broadcast writes text to every live session and returns the delivered count
func (s *Server) Broadcast(ctx context.Context, text string) int {
	return s.registry.Broadcast(ctx, text)
}

// SendTo writes text to one live session
func (s *Server) SendTo(ctx context.Context, clientID, text string) error {
	return s.registry.SendTo(ctx, clientID, text)
}

// ConnectedClientIDs returns the ids of all live sessions
func (s *Server) ConnectedClientIDs() []string {
	return s.registry.IDs()
}

// ConnectedCount returns the number of live sessions
func (s *Server) ConnectedCount() int {
	return s.registry.Count()
}

// IsLive reports whether clientID has a live session
func (s *Server) IsLive(clientID string) bool {
	return s.registry.Has(clientID)
}

// Registry exposes the live session index
func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr returns the bound listener address, or nil when stopped
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || !s.running.Load() {
		return nil
	}
	return s.listener.Addr()
}

// Status returns a snapshot of the server counters
func (s *Server) Status() ServerStatus {
	s.mu.Lock()
	port, startedAt := s.port, s.startedAt
	s.mu.Unlock()

	status := ServerStatus{
		IsRunning:              s.running.Load(),
		Port:                   port,
		ConnectedClients:       s.registry.Count(),
		TotalConnections:       s.totalConnections.Load(),
		TotalMessagesReceived:  s.totals.Received.Load(),
		TotalMessagesProcessed: s.totals.Processed.Load(),
	}
	if status.IsRunning {
		status.Uptime = time.Since(startedAt)
	}
	return status
}
