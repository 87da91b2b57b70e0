package service

import "github.com/septivank/alarm-gateway/internal/db"

// Notifier receives domain events for external fan-out. Implementations must
// not block the caller.
type Notifier interface {
	OnNewAlarm(device *db.Device, alarm *db.AlarmEvent)
	OnClientConnected(device *db.Device, identity db.DeviceIdentity)
	OnClientDisconnected(device *db.Device, status db.ConnectionStatus, reason string)
	OnClientError(device *db.Device, message, detail string)
}

// NopNotifier discards every event
type NopNotifier struct{}

func (NopNotifier) OnNewAlarm(*db.Device, *db.AlarmEvent)                        {}
func (NopNotifier) OnClientConnected(*db.Device, db.DeviceIdentity)              {}
func (NopNotifier) OnClientDisconnected(*db.Device, db.ConnectionStatus, string) {}
func (NopNotifier) OnClientError(*db.Device, string, string)                     {}
