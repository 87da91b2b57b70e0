package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConnectionStatus is the persisted and in-memory connection state of a device
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
	StatusTimeout      ConnectionStatus = "timeout"
)

// IsTerminal reports whether a session in this status has ended
func (s ConnectionStatus) IsTerminal() bool {
	return s == StatusDisconnected || s == StatusError || s == StatusTimeout
}

// DeviceIdentity identifies one physical connection. It is never stored; its
// ID is the stable client identifier of the persisted Device.
type DeviceIdentity struct {
	ID          string
	IP          string
	Port        int
	ConnectedAt time.Time
}

// Device represents a remote field device in the database
type Device struct {
	ID              uuid.UUID
	ClientID        string
	Name            string
	Description     *string
	IPAddress       string
	Port            int
	Status          ConnectionStatus
	LastConnectedAt *time.Time
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       *time.Time
}

// AlarmEvent represents a persisted alarm, unique per (AlarmID, DeviceID)
type AlarmEvent struct {
	ID             uuid.UUID
	AlarmID        string
	DeviceID       uuid.UUID
	Title          string
	Message        string
	Type           string
	Severity       string
	AlarmTime      time.Time
	Zone           *string
	NumericValue   *float64
	Unit           *string
	AdditionalData json.RawMessage
	RawData        string
	IsAcknowledged bool
	IsActive       bool
	CreatedAt      time.Time
}

// ConnectionEvent is an append-only record of a device status transition
type ConnectionEvent struct {
	ID         uuid.UUID
	DeviceID   uuid.UUID
	Status     ConnectionStatus
	Message    string
	Details    *string
	IPAddress  *string
	Port       *int
	OccurredAt time.Time
}
