package notify

import (
	"time"

	"github.com/google/uuid"
	"github.com/septivank/alarm-gateway/internal/db"
)

// EventType doubles as the AMQP routing key
type EventType string

const (
	EventAlarmNew           EventType = "alarm.new"
	EventClientConnected    EventType = "client.connected"
	EventClientDisconnected EventType = "client.disconnected"
	EventClientError        EventType = "client.error"
)

// Event is one notification fanned out to every sink
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	DeviceID   string    `json:"device_id"`
	ClientID   string    `json:"client_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload,omitempty"`
}

// AlarmPayload is the payload of alarm.new
type AlarmPayload struct {
	AlarmID   string    `json:"alarm_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message,omitempty"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	AlarmTime time.Time `json:"alarm_time"`
	Zone      *string   `json:"zone,omitempty"`
	Value     *float64  `json:"value,omitempty"`
	Unit      *string   `json:"unit,omitempty"`
}

// ConnectedPayload is the payload of client.connected
type ConnectedPayload struct {
	IP          string    `json:"ip"`
	Port        int       `json:"port"`
	ConnectedAt time.Time `json:"connected_at"`
}

// DisconnectedPayload is the payload of client.disconnected
type DisconnectedPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload is the payload of client.error
type ErrorPayload struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func newEvent(t EventType, device *db.Device, payload any) Event {
	e := Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
	if device != nil {
		e.DeviceID = device.ID.String()
		e.ClientID = device.ClientID
	}
	return e
}
