package repository_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/alarm-gateway/internal/db"
	"github.com/septivank/alarm-gateway/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresRepository(t *testing.T) *repository.Repository {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.EnsureSchema(ctx, pool))

	return repository.NewRepository(pool)
}

func TestRepository_InsertAlarm_UniqueConstraint(t *testing.T) {
	repo := newPostgresRepository(t)
	ctx := context.Background()

	device := &db.Device{
		ClientID:  "CLIENT_test_" + uuid.NewString(),
		Name:      "TCP Client test",
		IPAddress: "127.0.0.1",
		Port:      1,
		Status:    db.StatusConnected,
		IsActive:  true,
	}
	require.NoError(t, repo.CreateDevice(ctx, device))
	assert.ErrorIs(t, repo.CreateDevice(ctx, &db.Device{ClientID: device.ClientID, Name: "x", IPAddress: "x"}), repository.ErrDuplicateDevice)

	alarmID := "A-" + uuid.NewString()[:8]
	_, err := repo.FindAlarm(ctx, alarmID, device.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		dupes     int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.InsertAlarm(ctx, &db.AlarmEvent{
				AlarmID:   alarmID,
				DeviceID:  device.ID,
				Title:     "Over temp",
				Type:      "temperature",
				Severity:  "high",
				AlarmTime: time.Now().UTC(),
				IsActive:  true,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case assert.ErrorIs(t, err, repository.ErrDuplicateAlarm):
				dupes++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 7, dupes)

	found, err := repo.FindAlarm(ctx, alarmID, device.ID)
	require.NoError(t, err)
	assert.False(t, found.IsAcknowledged)
	assert.True(t, found.IsActive)
}

func TestRepository_DeviceStatusAndEvents(t *testing.T) {
	repo := newPostgresRepository(t)
	ctx := context.Background()

	device := &db.Device{
		ClientID:  "CLIENT_status_" + uuid.NewString(),
		Name:      "TCP Client status",
		IPAddress: "127.0.0.1",
		Port:      2,
		Status:    db.StatusConnected,
		IsActive:  true,
	}
	require.NoError(t, repo.CreateDevice(ctx, device))

	now := time.Now().UTC()
	require.NoError(t, repo.UpdateDeviceStatus(ctx, device.ID, db.StatusDisconnected, now))
	assert.ErrorIs(t, repo.UpdateDeviceStatus(ctx, uuid.New(), db.StatusDisconnected, now), repository.ErrNotFound)

	found, err := repo.FindDevice(ctx, device.ClientID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusDisconnected, found.Status)

	changed, err := repo.MarkDisconnected(ctx, device.ID, now)
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, repo.UpdateDeviceStatus(ctx, device.ID, db.StatusConnected, now))
	changed, err = repo.MarkDisconnected(ctx, device.ID, now)
	require.NoError(t, err)
	assert.True(t, changed)

	old := now.Add(-365 * 24 * time.Hour)
	require.NoError(t, repo.AppendConnectionEvent(ctx, &db.ConnectionEvent{DeviceID: device.ID, Status: db.StatusConnected, Message: "old", OccurredAt: old}))

	removed, err := repo.PruneConnectionEvents(ctx, old.Add(time.Second))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(1))
}
