package tcp_test

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/septivank/alarm-gateway/internal/config"
	"github.com/septivank/alarm-gateway/internal/db"
	"github.com/septivank/alarm-gateway/internal/service"
	"github.com/septivank/alarm-gateway/internal/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testTCPConfig() config.TCPConfig {
	return config.TCPConfig{
		ListenAddress:      "127.0.0.1",
		MaxConnections:     10,
		BufferSize:         256,
		IdleTimeoutSeconds: 300,
		PollIntervalMillis: 20,
		HeartbeatEnabled:   true,
		MaxMessageSize:     512,
	}
}

type fakeIngestor struct {
	calls atomic.Int32
	err   error
}

func (f *fakeIngestor) Ingest(context.Context, string, string) (*db.AlarmEvent, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &db.AlarmEvent{}, nil
}

type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

type sessionHarness struct {
	session  *tcp.Session
	client   net.Conn
	reader   *bufio.Reader
	conn     *countingConn
	events   chan tcp.SessionEvent
	registry *tcp.Registry
}

func startSession(t *testing.T, cfg config.TCPConfig, ingestor tcp.Ingestor) *sessionHarness {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	conn := &countingConn{Conn: serverSide}
	events := make(chan tcp.SessionEvent, 64)
	registry := tcp.NewRegistry(zap.NewNop())

	session := tcp.NewSession(context.Background(), tcp.SessionOptions{
		Conn:     conn,
		Identity: db.DeviceIdentity{ID: "CLIENT_pipe_1", IP: "127.0.0.1", Port: 1, ConnectedAt: time.Now()},
		Config:   cfg,
		Ingestor: ingestor,
		Registry: registry,
		Events:   events,
		Logger:   zap.NewNop(),
	})
	registry.Add(session)
	go session.Run()

	t.Cleanup(func() {
		session.Disconnect("test cleanup")
		_ = clientSide.Close()
		<-session.Done()
	})

	return &sessionHarness{
		session:  session,
		client:   clientSide,
		reader:   bufio.NewReader(clientSide),
		conn:     conn,
		events:   events,
		registry: registry,
	}
}

func (h *sessionHarness) send(t *testing.T, line string) {
	t.Helper()
	require.NoError(t, h.client.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := h.client.Write([]byte(line))
	require.NoError(t, err)
}

func (h *sessionHarness) readLine(t *testing.T) string {
	t.Helper()
	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := h.reader.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSuffix(line, "\n")
}

func (h *sessionHarness) closedEvents() []tcp.SessionEvent {
	var out []tcp.SessionEvent
	for {
		select {
		case e := <-h.events:
			if e.Kind == tcp.EventClosed {
				out = append(out, e)
			}
		default:
			return out
		}
	}
}

func TestSession_AlarmAndHeartbeatAcks(t *testing.T) {
	ingestor := &fakeIngestor{}
	h := startSession(t, testTCPConfig(), ingestor)

	h.send(t, `{"alarmId":"A1","title":"Over temp","type":"temperature","severity":"high"}`+"\n")
	assert.Equal(t, tcp.AckAlarmOK, h.readLine(t))

	h.send(t, `{"type":"heartbeat"}`+"\n")
	assert.Equal(t, tcp.AckHeartbeatOK, h.readLine(t))

	h.send(t, "garbage\n")
	assert.Equal(t, tcp.AckInvalidFormat, h.readLine(t))

	assert.Equal(t, int32(1), ingestor.calls.Load())
	assert.Equal(t, uint64(3), h.session.MessagesReceived())
	assert.Equal(t, uint64(2), h.session.MessagesProcessed())
	assert.Equal(t, tcp.StateConnected, h.session.State())
}

func TestSession_IngestFailureRepliesAlarmError(t *testing.T) {
	ingestor := &fakeIngestor{err: service.ErrDuplicateAlarm}
	h := startSession(t, testTCPConfig(), ingestor)

	h.send(t, `{"alarmId":"A1"}`+"\n")
	assert.Equal(t, tcp.AckAlarmError, h.readLine(t))
	assert.Equal(t, uint64(1), h.session.MessagesProcessed())
}

func TestSession_OversizeRejectedWithoutIngest(t *testing.T) {
	cfg := testTCPConfig()
	cfg.MaxMessageSize = 32
	ingestor := &fakeIngestor{}
	h := startSession(t, cfg, ingestor)

	h.send(t, `{"alarmId":"`+strings.Repeat("A", 100)+`"}`+"\n")
	assert.Equal(t, tcp.AckTooLarge, h.readLine(t))

	h.send(t, `{"type":"ping"}`+"\n")
	assert.Equal(t, tcp.AckHeartbeatOK, h.readLine(t))

	assert.Zero(t, ingestor.calls.Load())
	assert.Equal(t, uint64(2), h.session.MessagesReceived())
	assert.Equal(t, uint64(1), h.session.MessagesProcessed())
}

func TestSession_EmptyLinesIgnored(t *testing.T) {
	h := startSession(t, testTCPConfig(), &fakeIngestor{})

	h.send(t, "\n   \n"+`{"type":"heartbeat"}`+"\n")
	assert.Equal(t, tcp.AckHeartbeatOK, h.readLine(t))
	assert.Equal(t, uint64(1), h.session.MessagesReceived())
}

func TestSession_HeartbeatDisabledIsSilent(t *testing.T) {
	cfg := testTCPConfig()
	cfg.HeartbeatEnabled = false
	h := startSession(t, cfg, &fakeIngestor{})

	h.send(t, `{"type":"heartbeat"}`+"\n")
	h.send(t, "garbage\n")
	assert.Equal(t, tcp.AckInvalidFormat, h.readLine(t))
}

func TestSession_TrailingOKAck(t *testing.T) {
	cfg := testTCPConfig()
	cfg.TrailingOKAck = true
	h := startSession(t, cfg, &fakeIngestor{})

	h.send(t, `{"alarmId":"A1"}`+"\n")
	assert.Equal(t, tcp.AckAlarmOK, h.readLine(t))
	assert.Equal(t, tcp.AckOK, h.readLine(t))
}

func TestSession_SplitLineAcrossWrites(t *testing.T) {
	ingestor := &fakeIngestor{}
	h := startSession(t, testTCPConfig(), ingestor)

	h.send(t, `{"alarmId":"A1","ti`)
	h.send(t, `tle":"x"}`+"\n"+`{"type":"ping"}`+"\n")

	assert.Equal(t, tcp.AckAlarmOK, h.readLine(t))
	assert.Equal(t, tcp.AckHeartbeatOK, h.readLine(t))
	assert.Equal(t, int32(1), ingestor.calls.Load())
}

func TestSession_DisconnectIsIdempotent(t *testing.T) {
	h := startSession(t, testTCPConfig(), &fakeIngestor{})
	require.True(t, h.registry.Has("CLIENT_pipe_1"))

	var (
		wg        sync.WaitGroup
		performed atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.session.Disconnect("operator") {
				performed.Add(1)
			}
		}()
	}
	wg.Wait()

	select {
	case <-h.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish after disconnect")
	}

	assert.Equal(t, int32(1), performed.Load())
	assert.Equal(t, int32(1), h.conn.closes.Load())
	assert.False(t, h.registry.Has("CLIENT_pipe_1"))
	assert.Equal(t, tcp.StateDisconnected, h.session.State())

	closed := h.closedEvents()
	require.Len(t, closed, 1)
	assert.Equal(t, "operator", closed[0].Reason)

	assert.False(t, h.session.Disconnect("again"))
	assert.ErrorIs(t, h.session.Send("late"), tcp.ErrSessionClosed)
}

func TestSession_PeerCloseEndsSession(t *testing.T) {
	h := startSession(t, testTCPConfig(), &fakeIngestor{})

	require.NoError(t, h.client.Close())

	select {
	case <-h.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not notice peer close")
	}
	assert.Equal(t, tcp.StateDisconnected, h.session.State())

	closed := h.closedEvents()
	require.Len(t, closed, 1)
	assert.Equal(t, "client closed connection", closed[0].Reason)
}

func TestSession_IdleTimeout(t *testing.T) {
	cfg := testTCPConfig()
	cfg.IdleTimeoutSeconds = 1
	h := startSession(t, cfg, &fakeIngestor{})

	require.Eventually(t, func() bool {
		return h.session.State() == tcp.StateTimeout
	}, 3*time.Second, 20*time.Millisecond)

	<-h.session.Done()
	assert.False(t, h.registry.Has("CLIENT_pipe_1"))

	closed := h.closedEvents()
	require.Len(t, closed, 1)
	assert.Equal(t, tcp.StateTimeout, closed[0].State)
	assert.Equal(t, db.StatusTimeout, closed[0].State.ConnectionStatus())
}
