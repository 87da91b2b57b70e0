package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/septivank/alarm-gateway/internal/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticStatus tcp.ServerStatus

func (s staticStatus) Status() tcp.ServerStatus { return tcp.ServerStatus(s) }

func newTestServer(t *testing.T) (*Server, *Collector) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	require.NoError(t, err)
	status := staticStatus{IsRunning: true, Port: 6060, ConnectedClients: 2, TotalConnections: 5, TotalMessagesReceived: 10, TotalMessagesProcessed: 8}
	return NewServer("127.0.0.1:0", reg, status, zap.NewNop()), c
}

func TestServer_Routes(t *testing.T) {
	srv, c := newTestServer(t)
	c.ConnectionAccepted()
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alarm_gateway_connections_accepted_total 1")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status tcp.ServerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.IsRunning)
	assert.Equal(t, 2, status.ConnectedClients)
	assert.Equal(t, uint64(8), status.TotalMessagesProcessed)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_StartStop(t *testing.T) {
	srv, _ := newTestServer(t)
	require.NoError(t, srv.Start())

	addr := srv.Addr()
	require.NotNil(t, addr)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr.String() + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "ok", strings.TrimSpace(string(body)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	assert.Nil(t, srv.Addr())
	require.NoError(t, srv.Stop(ctx))
}
