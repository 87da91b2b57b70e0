package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/alarm-gateway/internal/db"
)

type alarmKey struct {
	alarmID  string
	deviceID uuid.UUID
}

// MemoryStore is an in-process gateway with the same contract as Repository,
// including the (alarm_id, device_id) uniqueness constraint.
type MemoryStore struct {
	mu               sync.RWMutex
	devices          map[uuid.UUID]*db.Device
	devicesByClient  map[string]uuid.UUID
	alarms           map[alarmKey]*db.AlarmEvent
	connectionEvents []db.ConnectionEvent
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:         make(map[uuid.UUID]*db.Device),
		devicesByClient: make(map[string]uuid.UUID),
		alarms:          make(map[alarmKey]*db.AlarmEvent),
	}
}

func (m *MemoryStore) FindDevice(_ context.Context, clientID string) (*db.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.devicesByClient[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	device := *m.devices[id]
	return &device, nil
}

func (m *MemoryStore) CreateDevice(_ context.Context, device *db.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.devicesByClient[device.ClientID]; exists {
		return ErrDuplicateDevice
	}
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now().UTC()
	}

	stored := *device
	m.devices[stored.ID] = &stored
	m.devicesByClient[stored.ClientID] = stored.ID
	return nil
}

func (m *MemoryStore) UpdateDeviceStatus(_ context.Context, deviceID uuid.UUID, status db.ConnectionStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, ok := m.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	device.Status = status
	device.UpdatedAt = &at
	if status == db.StatusConnected {
		device.LastConnectedAt = &at
	}
	return nil
}

func (m *MemoryStore) MarkDisconnected(_ context.Context, deviceID uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, ok := m.devices[deviceID]
	if !ok || device.Status == db.StatusDisconnected {
		return false, nil
	}
	device.Status = db.StatusDisconnected
	device.UpdatedAt = &at
	return true, nil
}

func (m *MemoryStore) ListDevicesByStatus(_ context.Context, status db.ConnectionStatus) ([]db.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var devices []db.Device
	for _, d := range m.devices {
		if d.Status == status {
			devices = append(devices, *d)
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ClientID < devices[j].ClientID })
	return devices, nil
}

func (m *MemoryStore) FindAlarm(_ context.Context, alarmID string, deviceID uuid.UUID) (*db.AlarmEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alarm, ok := m.alarms[alarmKey{alarmID: alarmID, deviceID: deviceID}]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *alarm
	return &copied, nil
}

func (m *MemoryStore) InsertAlarm(_ context.Context, alarm *db.AlarmEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := alarmKey{alarmID: alarm.AlarmID, deviceID: alarm.DeviceID}
	if _, exists := m.alarms[key]; exists {
		return ErrDuplicateAlarm
	}
	if _, ok := m.devices[alarm.DeviceID]; !ok {
		return ErrNotFound
	}
	if alarm.ID == uuid.Nil {
		alarm.ID = uuid.New()
	}
	if alarm.CreatedAt.IsZero() {
		alarm.CreatedAt = time.Now().UTC()
	}

	stored := *alarm
	m.alarms[key] = &stored
	return nil
}

func (m *MemoryStore) AppendConnectionEvent(_ context.Context, event *db.ConnectionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[event.DeviceID]; !ok {
		return ErrNotFound
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	m.connectionEvents = append(m.connectionEvents, *event)
	return nil
}

func (m *MemoryStore) PruneConnectionEvents(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.connectionEvents[:0]
	var removed int64
	for _, e := range m.connectionEvents {
		if e.OccurredAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.connectionEvents = kept
	return removed, nil
}

// AlarmCount returns the number of stored alarms
func (m *MemoryStore) AlarmCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.alarms)
}

// ConnectionEvents returns a copy of the events appended for a device, oldest first
func (m *MemoryStore) ConnectionEvents(deviceID uuid.UUID) []db.ConnectionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []db.ConnectionEvent
	for _, e := range m.connectionEvents {
		if e.DeviceID == deviceID {
			events = append(events, e)
		}
	}
	return events
}
