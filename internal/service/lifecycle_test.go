package service_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/septivank/alarm-gateway/internal/db"
	"github.com/septivank/alarm-gateway/internal/repository"
	"github.com/septivank/alarm-gateway/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func identity(id string) db.DeviceIdentity {
	return db.DeviceIdentity{ID: id, IP: "192.168.1.20", Port: 51000, ConnectedAt: time.Now().UTC()}
}

func TestCoordinator_ClientConnected_AutoRegisters(t *testing.T) {
	store := repository.NewMemoryStore()
	notifier := &recordingNotifier{}
	coord := service.NewCoordinator(store, notifier, zap.NewNop())

	device, err := coord.ClientConnected(context.Background(), identity("CLIENT_new"))
	require.NoError(t, err)

	assert.Equal(t, "TCP Client CLIENT_new", device.Name)
	require.NotNil(t, device.Description)
	assert.Equal(t, "Auto-registered TCP client from 192.168.1.20:51000", *device.Description)
	assert.Equal(t, db.StatusConnected, device.Status)

	events := store.ConnectionEvents(device.ID)
	require.Len(t, events, 1)
	assert.Equal(t, db.StatusConnected, events[0].Status)
	require.NotNil(t, events[0].Port)
	assert.Equal(t, 51000, *events[0].Port)
	assert.Equal(t, []string{"CLIENT_new"}, notifier.connected)
}

func TestCoordinator_ClientConnected_KnownDevice(t *testing.T) {
	store := repository.NewMemoryStore()
	existing := &db.Device{ClientID: "CLIENT_known", Name: "Boiler room", IPAddress: "192.168.1.20", Port: 1, Status: db.StatusDisconnected, IsActive: true}
	require.NoError(t, store.CreateDevice(context.Background(), existing))
	coord := service.NewCoordinator(store, nil, zap.NewNop())

	device, err := coord.ClientConnected(context.Background(), identity("CLIENT_known"))
	require.NoError(t, err)
	assert.Equal(t, existing.ID, device.ID)
	assert.Equal(t, "Boiler room", device.Name)

	stored, err := store.FindDevice(context.Background(), "CLIENT_known")
	require.NoError(t, err)
	assert.Equal(t, db.StatusConnected, stored.Status)
	assert.NotNil(t, stored.LastConnectedAt)
}

func TestCoordinator_ClientDisconnected_Idempotent(t *testing.T) {
	store := repository.NewMemoryStore()
	notifier := &recordingNotifier{}
	coord := service.NewCoordinator(store, notifier, zap.NewNop())
	ctx := context.Background()

	device, err := coord.ClientConnected(ctx, identity("CLIENT_x"))
	require.NoError(t, err)

	require.NoError(t, coord.ClientDisconnected(ctx, "CLIENT_x", db.StatusTimeout, "idle timeout"))
	require.NoError(t, coord.ClientDisconnected(ctx, "CLIENT_x", db.StatusDisconnected, "again"))

	stored, err := store.FindDevice(ctx, "CLIENT_x")
	require.NoError(t, err)
	assert.Equal(t, db.StatusDisconnected, stored.Status)

	var disconnects []db.ConnectionEvent
	for _, e := range store.ConnectionEvents(device.ID) {
		if e.Status == db.StatusDisconnected {
			disconnects = append(disconnects, e)
		}
	}
	require.Len(t, disconnects, 1)
	assert.Equal(t, "Client disconnected (timeout): idle timeout", disconnects[0].Message)
	assert.Equal(t, []db.ConnectionStatus{db.StatusTimeout}, notifier.disconnected)
}

func TestCoordinator_ClientError(t *testing.T) {
	store := repository.NewMemoryStore()
	notifier := &recordingNotifier{}
	coord := service.NewCoordinator(store, notifier, zap.NewNop())
	ctx := context.Background()

	device, err := coord.ClientConnected(ctx, identity("CLIENT_err"))
	require.NoError(t, err)

	require.NoError(t, coord.ClientError(ctx, "CLIENT_err", "Read error", "connection reset by peer"))

	events := store.ConnectionEvents(device.ID)
	require.Len(t, events, 2)
	assert.Equal(t, db.StatusError, events[1].Status)
	require.NotNil(t, events[1].Details)
	assert.Equal(t, "connection reset by peer", *events[1].Details)
	assert.Equal(t, []string{"Read error"}, notifier.errors)

	stored, err := store.FindDevice(ctx, "CLIENT_err")
	require.NoError(t, err)
	assert.Equal(t, db.StatusConnected, stored.Status)
}

func TestCoordinator_ClientDisconnected_UnknownDevice(t *testing.T) {
	coord := service.NewCoordinator(repository.NewMemoryStore(), nil, zap.NewNop())

	err := coord.ClientDisconnected(context.Background(), "CLIENT_ghost", db.StatusDisconnected, "")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCoordinator_Reconcile(t *testing.T) {
	store := repository.NewMemoryStore()
	coord := service.NewCoordinator(store, nil, zap.NewNop())
	ctx := context.Background()

	_, err := coord.ClientConnected(ctx, identity("CLIENT_live"))
	require.NoError(t, err)
	stale, err := coord.ClientConnected(ctx, identity("CLIENT_stale"))
	require.NoError(t, err)

	live := map[string]bool{"CLIENT_live": true}
	corrected, err := coord.Reconcile(ctx, func(id string) bool { return live[id] })
	require.NoError(t, err)
	assert.Equal(t, 1, corrected)

	connected, err := store.ListDevicesByStatus(ctx, db.StatusConnected)
	require.NoError(t, err)
	require.Len(t, connected, 1)
	assert.Equal(t, "CLIENT_live", connected[0].ClientID)

	events := store.ConnectionEvents(stale.ID)
	require.Len(t, events, 2)
	assert.Equal(t, db.StatusDisconnected, events[1].Status)

	corrected, err = coord.Reconcile(ctx, func(id string) bool { return live[id] })
	require.NoError(t, err)
	assert.Zero(t, corrected)
}

func TestCoordinator_PruneConnectionEvents(t *testing.T) {
	store := repository.NewMemoryStore()
	coord := service.NewCoordinator(store, nil, zap.NewNop())
	ctx := context.Background()

	device, err := coord.ClientConnected(ctx, identity("CLIENT_old"))
	require.NoError(t, err)
	require.NoError(t, store.AppendConnectionEvent(ctx, &db.ConnectionEvent{
		DeviceID:   device.ID,
		Status:     db.StatusDisconnected,
		OccurredAt: time.Now().UTC().AddDate(0, 0, -45),
	}))

	removed, err := coord.PruneConnectionEvents(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Len(t, store.ConnectionEvents(device.ID), 1)
}

// stallingStore returns a device snapshot taken before it blocks, so the caller
// acts on a status that may have changed meanwhile
type stallingStore struct {
	*repository.MemoryStore
	armed   atomic.Bool
	stalled chan struct{}
	release chan struct{}
}

func (s *stallingStore) FindDevice(ctx context.Context, clientID string) (*db.Device, error) {
	device, err := s.MemoryStore.FindDevice(ctx, clientID)
	if s.armed.CompareAndSwap(true, false) {
		close(s.stalled)
		<-s.release
	}
	return device, err
}

func TestCoordinator_DisconnectRacingReconcile(t *testing.T) {
	store := &stallingStore{
		MemoryStore: repository.NewMemoryStore(),
		stalled:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	notifier := &recordingNotifier{}
	coord := service.NewCoordinator(store, notifier, zap.NewNop())
	ctx := context.Background()

	device, err := coord.ClientConnected(ctx, identity("CLIENT_race"))
	require.NoError(t, err)

	store.armed.Store(true)
	done := make(chan error, 1)
	go func() {
		done <- coord.ClientDisconnected(ctx, "CLIENT_race", db.StatusDisconnected, "client closed connection")
	}()
	<-store.stalled

	corrected, err := coord.Reconcile(ctx, func(string) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 1, corrected)

	close(store.release)
	require.NoError(t, <-done)

	var disconnects []db.ConnectionEvent
	for _, e := range store.ConnectionEvents(device.ID) {
		if e.Status == db.StatusDisconnected {
			disconnects = append(disconnects, e)
		}
	}
	require.Len(t, disconnects, 1)
	assert.Equal(t, "Status synchronized: no live session", disconnects[0].Message)
	assert.Len(t, notifier.disconnected, 1)
}
